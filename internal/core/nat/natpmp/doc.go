// Package natpmp 实现 NAT-PMP 网关客户端
//
// natpmp 使用 NAT-PMP 协议（RFC 6886）与默认网关交互，主要用于 Apple
// 路由器和其他不支持 UPnP IGD 的设备：
//
//   - 自动发现网关（jackpal/gateway）
//   - 创建、续期、删除端口映射
//   - 查询外部地址（Prober 把它作为外部 IP 来源）
//
// # 使用示例
//
//	c := natpmp.NewClient(5 * time.Second)
//	ext, lease, err := c.AddMapping(ctx, false, 2086, time.Hour)
//	ip, err := c.ExternalIP(ctx)
package natpmp

import "github.com/dep2p/go-natd/pkg/lib/log"

var logger = log.Logger("core/nat/natpmp")
