// Package nat 实现 NAT 穿透地址管理服务
//
// # 模块概述
//
// nat 收集本节点所有可能可达的地址，合并多个彼此独立、可能失败的来源，
// 并向注册的客户端（传输插件）推送一致的地址增删通知：
//   - 本地网卡扫描（scanner）
//   - UPnP / NAT-PMP 端口映射（upnp, natpmp）
//   - STUN 响应（stun）
//   - 手动配置的打洞地址，含动态 DNS 主机名（dnshole）
//   - 外部 IP 工具（extip）
//
// 此外服务还负责解码 STUN 响应，并把 ICMP 辅助进程收到的连接反转请求
// 路由给合适的客户端。
//
// # 并发模型
//
// Service 持有一个协调协程，Registry、客户端表和 STUN 跟踪器只在该协程中访问。
// 各监视器运行在自己的协程里，通过 post 把事件投递给协调协程；公共 API
// 投递后同步等待结果。
//
//	scanner ─┐
//	upnp    ─┤
//	extip   ─┼─► events ─► loop ─► Registry ─► ClientConn
//	dnshole ─┤
//	stun    ─┘
//
// # 快速开始
//
//	svc, err := nat.NewService(nat.DefaultConfig(), nat.Deps{})
//	if err != nil {
//	    return err
//	}
//	if err := svc.Start(ctx); err != nil {
//	    return err
//	}
//	defer svc.Close()
//
//	id, _ := svc.Connect(conn)
//	_ = svc.Register(id, &msg.Register{
//	    Flags:    types.FlagAddresses,
//	    Protocol: types.ProtocolUDP,
//	    Addrs:    []types.SocketAddr{types.WildcardAddr(types.FamilyIPv4, 2086)},
//	})
//
// # 相关匹配规则
//
// 全局条目按客户端的每个同族绑定地址分别判断，命中的绑定各通知一次，
// 端口为 0 的候选地址使用该绑定的端口：
//  1. 回环地址只发给回环绑定，回环绑定只接收回环地址
//  2. IPv6 链路本地绑定只接收链路本地地址或 EXTERN 地址
//  3. EXTERN 地址只发给通配或局域网绑定
//  4. 其余地址须等于绑定地址，或绑定为通配/局域网地址
//
// 客户端自有条目（UPnP 映射、手动打洞、DNS 解析结果）只发给其所有者。
// STUN 条目只发给 NAT 后的客户端，不限协议。
//
// 架构层：Core Layer
package nat

import (
	"github.com/dep2p/go-natd/pkg/lib/log"
)

var logger = log.Logger("core/nat")
