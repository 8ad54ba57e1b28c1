// Package upnp 实现端口映射器
//
// Mapper 为每个本地端口维持一个网关映射：
//
//   - 发现 IGD 设备（IGDv2 优先，IGDv1 回退，支持 IP 和 PPP 连接）
//   - 找不到 IGD 时回退到 NAT-PMP（可关闭）
//   - 按续期周期重建映射并刷新外部地址；外部地址变化时先回报移除再回报新增
//   - Stop 删除网关上的映射，之后不再回调
//
// 失败以 *types.StatusError 通过回调回报（UPnPNotFound、UPnPTimeout、
// UPnPPortMapFailed），映射协程在下一个周期重试。
//
// # 使用示例
//
//	m := upnp.NewMapper(upnp.Options{EnableNATPMP: true}, nil)
//	h, err := m.StartMapping(ctx, 2086, false, func(add bool, addr types.SocketAddr, err error) {
//	    ...
//	})
//	defer h.Stop()
package upnp

import "github.com/dep2p/go-natd/pkg/lib/log"

var logger = log.Logger("core/nat/upnp")
