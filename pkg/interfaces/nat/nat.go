// Package nat 定义 NAT 地址管理服务的外部接口
//
// 服务通过这些接口与客户端（传输插件）和辅助程序交互：
//   - ClientConn: 向客户端推送地址变更和连接反转请求
//   - PortMapper: UPnP / NAT-PMP 端口映射
//   - ExternalIPProber: 外部 IP 工具
//   - ReversalListener / ReversalRequester: ICMP 连接反转辅助进程
//   - HostResolver: 动态 DNS 打洞地址解析
//   - InterfaceLister: 本地网卡枚举
package nat

import (
	"context"
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/dep2p/go-natd/pkg/types"
)

// ============================================================================
//                              客户端通知
// ============================================================================

// AddressChange 地址变更通知
type AddressChange struct {
	// Add 为 true 表示新增，false 表示移除
	Add bool

	// Class 地址分类
	Class types.AddressClass

	// Addr 地址（端口已按客户端绑定端口替换）
	Addr types.SocketAddr
}

// MarshalBinary 编码为 add u8 | class u32 BE | addr
func (c AddressChange) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, 5+c.Addr.BinaryLen())
	if c.Add {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = binary.BigEndian.AppendUint32(b, uint32(c.Class))
	return c.Addr.AppendBinary(b)
}

// UnmarshalBinary 解码 MarshalBinary 的输出
func (c *AddressChange) UnmarshalBinary(b []byte) error {
	if len(b) < 5 {
		return types.ErrShortBuffer
	}
	var addr types.SocketAddr
	if err := addr.UnmarshalBinary(b[5:]); err != nil {
		return err
	}
	c.Add = b[0] != 0
	c.Class = types.AddressClass(binary.BigEndian.Uint32(b[1:5]))
	c.Addr = addr
	return nil
}

// ReversalRequest 连接反转请求：请求客户端主动连接 Remote
type ReversalRequest struct {
	Remote types.SocketAddr
}

// MarshalBinary 编码为 addr
func (r ReversalRequest) MarshalBinary() ([]byte, error) {
	return r.Remote.MarshalBinary()
}

// UnmarshalBinary 解码 MarshalBinary 的输出
func (r *ReversalRequest) UnmarshalBinary(b []byte) error {
	return r.Remote.UnmarshalBinary(b)
}

// ClientConn 客户端连接
//
// 服务从协调协程调用这些方法，实现不得阻塞过久。
type ClientConn interface {
	// SendAddressChange 推送地址变更
	SendAddressChange(AddressChange) error

	// SendReversalRequest 推送连接反转请求
	SendReversalRequest(ReversalRequest) error

	// Close 关闭连接（服务主动断开客户端时调用）
	Close() error
}

// ErrClientClosed 客户端连接已关闭
var ErrClientClosed = errors.New("nat: client connection closed")

// ============================================================================
//                              端口映射
// ============================================================================

// MappingCallback 端口映射事件回调
//
// add 为 true 表示获得映射地址，false 表示失去映射地址；
// err 非 nil 时表示一次失败（*types.StatusError），addr 无效。
// 回调在映射器自己的协程中调用，不会在 StartMapping 内同步调用。
type MappingCallback func(add bool, addr types.SocketAddr, err error)

// MappingHandle 端口映射句柄
type MappingHandle interface {
	// Stop 停止映射并删除网关上的映射，之后不再回调
	Stop() error
}

// PortMapper 端口映射器（UPnP / NAT-PMP）
type PortMapper interface {
	// StartMapping 为本地端口建立并维持映射
	StartMapping(ctx context.Context, port uint16, tcp bool, cb MappingCallback) (MappingHandle, error)
}

// ============================================================================
//                              外部 IP
// ============================================================================

// ExternalIPProber 外部 IP 探测器
type ExternalIPProber interface {
	// Probe 返回当前外部 IPv4 地址，失败返回 *types.StatusError
	Probe(ctx context.Context) (netip.Addr, error)
}

// ============================================================================
//                              连接反转
// ============================================================================

// ReversalHandle ICMP 服务端辅助进程句柄
type ReversalHandle interface {
	// Stop 终止辅助进程并等待退出
	Stop() error
}

// ReversalListener ICMP 服务端辅助进程
//
// 在指定本地 IPv4 地址上监听对端发来的连接反转请求，
// 每收到一个请求在辅助进程的协程中调用 cb。
type ReversalListener interface {
	Start(ctx context.Context, local netip.Addr, cb func(remote types.SocketAddr)) (ReversalHandle, error)
}

// ReversalRequester ICMP 客户端辅助进程
//
// 请求 NAT 后的远端节点 remote 反向连接本地 local:port。
type ReversalRequester interface {
	Request(ctx context.Context, local, remote netip.Addr, port uint16) error
}

// ============================================================================
//                              DNS 与网卡
// ============================================================================

// HostResolver 主机名解析器
type HostResolver interface {
	// Resolve 返回主机名的全部 A / AAAA 地址
	Resolve(ctx context.Context, host string) ([]netip.Addr, error)
}

// Interface 一块网卡及其地址
type Interface struct {
	Name  string
	Up    bool
	Addrs []netip.Addr
}

// InterfaceLister 网卡枚举器
type InterfaceLister interface {
	Interfaces() ([]Interface, error)
}
