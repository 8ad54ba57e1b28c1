// Package dnshole 实现动态 DNS 打洞地址监视
//
// 客户端的手动打洞地址是主机名时，服务周期性解析该主机名。每轮解析：
//  1. 把上一轮的全部地址标记为"旧"
//  2. 本轮出现的地址取消标记，新地址加入
//  3. 仍然标记为"旧"的地址被移除
//
// 解析失败时保留现有地址，下一周期重试。
package dnshole

import "github.com/dep2p/go-natd/pkg/lib/log"

var logger = log.Logger("core/nat/dnshole")
