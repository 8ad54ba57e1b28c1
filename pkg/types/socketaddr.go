package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// Family 地址族
type Family uint8

const (
	// FamilyNone 未设置
	FamilyNone Family = 0
	// FamilyIPv4 IPv4
	FamilyIPv4 Family = 4
	// FamilyIPv6 IPv6
	FamilyIPv6 Family = 6
)

// String 返回地址族名称
func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ip4"
	case FamilyIPv6:
		return "ip6"
	default:
		return "none"
	}
}

var (
	// ErrShortBuffer 缓冲区不足以容纳一个完整的地址
	ErrShortBuffer = errors.New("types: short socket address buffer")

	// ErrUnknownFamily 未知地址族
	ErrUnknownFamily = errors.New("types: unknown address family")

	// ErrFamilyMismatch 地址族标记与地址内容不一致（IPv6 记录中的 IPv4 映射地址）
	ErrFamilyMismatch = errors.New("types: address family mismatch")
)

// SocketAddr 套接字地址
//
// IPv4 或 IPv6 地址加端口。IPv4 映射的 IPv6 地址会被还原为 IPv4，
// 因此同一地址只有一种表示，可以直接作为 map 的键。零值表示"无地址"。
type SocketAddr struct {
	ap netip.AddrPort
}

// NewSocketAddr 从地址和端口构造
func NewSocketAddr(ip netip.Addr, port uint16) SocketAddr {
	if !ip.IsValid() {
		return SocketAddr{}
	}
	return SocketAddr{ap: netip.AddrPortFrom(ip.Unmap().WithZone(""), port)}
}

// FromAddrPort 从 netip.AddrPort 构造
func FromAddrPort(ap netip.AddrPort) SocketAddr {
	return NewSocketAddr(ap.Addr(), ap.Port())
}

// FromNetAddr 从 net.Addr 构造，不支持的类型返回零值
func FromNetAddr(a net.Addr) SocketAddr {
	switch v := a.(type) {
	case *net.UDPAddr:
		return FromAddrPort(v.AddrPort())
	case *net.TCPAddr:
		return FromAddrPort(v.AddrPort())
	case *net.IPAddr:
		ip, _ := netip.AddrFromSlice(v.IP)
		return NewSocketAddr(ip, 0)
	}
	return SocketAddr{}
}

// ParseSocketAddr 解析 "ip:port" 或 "[ipv6]:port"
func ParseSocketAddr(s string) (SocketAddr, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return SocketAddr{}, err
	}
	return FromAddrPort(ap), nil
}

// MustParseSocketAddr 解析失败时 panic，仅用于常量和测试
func MustParseSocketAddr(s string) SocketAddr {
	a, err := ParseSocketAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

// WildcardAddr 返回指定地址族的通配地址
func WildcardAddr(f Family, port uint16) SocketAddr {
	if f == FamilyIPv6 {
		return NewSocketAddr(netip.IPv6Unspecified(), port)
	}
	return NewSocketAddr(netip.IPv4Unspecified(), port)
}

// Family 返回地址族
func (a SocketAddr) Family() Family {
	switch {
	case !a.ap.Addr().IsValid():
		return FamilyNone
	case a.ap.Addr().Is4():
		return FamilyIPv4
	default:
		return FamilyIPv6
	}
}

// IP 返回 IP 地址
func (a SocketAddr) IP() netip.Addr { return a.ap.Addr() }

// Port 返回端口
func (a SocketAddr) Port() uint16 { return a.ap.Port() }

// AddrPort 返回 netip.AddrPort 形式
func (a SocketAddr) AddrPort() netip.AddrPort { return a.ap }

// Bytes 返回地址字节（IPv4 4 字节，IPv6 16 字节）
func (a SocketAddr) Bytes() []byte {
	if a.IsZero() {
		return nil
	}
	return a.ap.Addr().AsSlice()
}

// WithPort 返回替换端口后的副本
func (a SocketAddr) WithPort(port uint16) SocketAddr {
	if a.IsZero() {
		return a
	}
	return SocketAddr{ap: netip.AddrPortFrom(a.ap.Addr(), port)}
}

// SameIP 比较地址族和地址字节，忽略端口
func (a SocketAddr) SameIP(b SocketAddr) bool {
	return a.ap.Addr() == b.ap.Addr()
}

// IsWildcard 是否为通配地址（0.0.0.0 或 ::）
func (a SocketAddr) IsWildcard() bool {
	return a.ap.Addr().IsValid() && a.ap.Addr().IsUnspecified()
}

// IsZero 是否为零值
func (a SocketAddr) IsZero() bool {
	return !a.ap.Addr().IsValid()
}

// UDPAddr 转换为 *net.UDPAddr
func (a SocketAddr) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(a.ap)
}

// String 返回 "ip:port" 形式
func (a SocketAddr) String() string {
	if a.IsZero() {
		return "<none>"
	}
	return a.ap.String()
}

// BinaryLen 返回二进制形式的长度
func (a SocketAddr) BinaryLen() int {
	switch a.Family() {
	case FamilyIPv4:
		return 3 + 4
	case FamilyIPv6:
		return 3 + 16
	}
	return 0
}

// AppendBinary 追加二进制形式：family u8 | port u16 BE | addr
func (a SocketAddr) AppendBinary(b []byte) ([]byte, error) {
	f := a.Family()
	if f == FamilyNone {
		return b, ErrUnknownFamily
	}
	b = append(b, byte(f))
	b = binary.BigEndian.AppendUint16(b, a.Port())
	return append(b, a.Bytes()...), nil
}

// MarshalBinary 实现 encoding.BinaryMarshaler
func (a SocketAddr) MarshalBinary() ([]byte, error) {
	return a.AppendBinary(make([]byte, 0, a.BinaryLen()))
}

// UnmarshalBinary 实现 encoding.BinaryUnmarshaler，要求恰好一个地址
func (a *SocketAddr) UnmarshalBinary(b []byte) error {
	v, n, err := ReadSocketAddr(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("types: %d trailing bytes after socket address", len(b)-n)
	}
	*a = v
	return nil
}

// ReadSocketAddr 从缓冲区头部读取一个地址，返回读取的字节数
func ReadSocketAddr(b []byte) (SocketAddr, int, error) {
	if len(b) < 3 {
		return SocketAddr{}, 0, ErrShortBuffer
	}
	var size int
	switch Family(b[0]) {
	case FamilyIPv4:
		size = 4
	case FamilyIPv6:
		size = 16
	default:
		return SocketAddr{}, 0, fmt.Errorf("%w: %d", ErrUnknownFamily, b[0])
	}
	if len(b) < 3+size {
		return SocketAddr{}, 0, ErrShortBuffer
	}
	port := binary.BigEndian.Uint16(b[1:3])
	ip, _ := netip.AddrFromSlice(b[3 : 3+size])
	if ip.Is4In6() {
		return SocketAddr{}, 0, fmt.Errorf("%w: %s in family %d record", ErrFamilyMismatch, ip, b[0])
	}
	return NewSocketAddr(ip, port), 3 + size, nil
}
