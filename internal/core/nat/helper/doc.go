// Package helper 封装 ICMP 连接反转辅助进程
//
// 连接反转依赖两个需要原始套接字权限的外部程序：
//
//   - nat-server：在本机 LAN IPv4 地址上监听伪造的 ICMP 报文，每收到一个
//     反转请求向标准输出写一行 "ip" 或 "ip:port"
//   - nat-client：以 "nat-client <本地外部地址> <远端地址> <端口>" 调用，
//     向 NAT 后的远端节点发送伪造 ICMP，请求其反向连接
//
// Listener 负责启动并守护 nat-server（异常退出后退避重启），Requester
// 负责一次性调用 nat-client。
package helper

import "github.com/dep2p/go-natd/pkg/lib/log"

var logger = log.Logger("core/nat/helper")
