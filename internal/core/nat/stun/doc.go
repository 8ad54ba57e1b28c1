// Package stun 实现 STUN 响应解码与外部地址跟踪
//
// # 组成
//
//   - Decode: 把一个原始 UDP 载荷解码为外部可见的 IPv4 地址，拒绝非 STUN 或损坏的消息
//   - Tracker: 按 STUN 服务器记录最近一次报告的外部地址，超过有效期未续期则失效
//   - Prober: 从一个 UDP 套接字周期性地向配置的 STUN 服务器发送 Binding 请求
//
// # 属性优先级
//
// 一条响应中可能同时出现 MAPPED-ADDRESS、XOR-MAPPED-ADDRESS 和厂商私有的
// XOR-MAPPED-ADDRESS (0x8020)。标准 XOR 总是胜出；已接受标准 XOR 后忽略厂商 XOR；
// 已接受任一 XOR 后忽略 MAPPED。
//
// # 使用示例
//
//	addr, ok := stun.Decode(payload)
//	if ok {
//	    tracker.Observe(server, addr)
//	}
package stun
