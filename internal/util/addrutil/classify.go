// Package addrutil 提供地址分类工具
package addrutil

import (
	"net/netip"

	"github.com/dep2p/go-natd/pkg/types"
)

// ============================================================================
//                              地址分类
// ============================================================================

// lanPrefixes 视为局域网的地址段
//
// 100.64/10 是运营商级 NAT 共享地址段，169.254/16 是链路本地自动配置，
// fec0::/10 是已废弃的站点本地地址。
var lanPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fec0::/10"),
	netip.MustParsePrefix("fe80::/10"),
}

var (
	loopback4   = netip.MustParsePrefix("127.0.0.0/8")
	linkLocal6  = netip.MustParsePrefix("fe80::/10")
	loopback6   = netip.IPv6Loopback()
	unspecified = types.ClassNone
)

// Classify 返回地址的分类位掩码
//
// IPv4 映射的 IPv6 地址按 IPv4 处理。带 ff:fe 标记（EUI-64 派生）的 IPv6
// 地址额外带 PRIVATE 位。无效地址返回 NONE。
func Classify(ip netip.Addr) types.AddressClass {
	if !ip.IsValid() {
		return unspecified
	}
	ip = ip.Unmap()
	if ip.Is4() {
		if loopback4.Contains(ip) {
			return types.ClassLoopback
		}
		if inLAN(ip) {
			return types.ClassLAN
		}
		return types.ClassGlobal
	}

	ip = ip.WithZone("")
	var class types.AddressClass
	switch {
	case ip == loopback6:
		class = types.ClassLoopback
	case inLAN(ip):
		class = types.ClassLAN
	default:
		class = types.ClassGlobal
	}
	b := ip.As16()
	if b[11] == 0xFF && b[12] == 0xFE {
		class |= types.ClassPrivate
	}
	return class
}

// ClassifySocketAddr 对套接字地址分类，忽略端口
func ClassifySocketAddr(a types.SocketAddr) types.AddressClass {
	return Classify(a.IP())
}

func inLAN(ip netip.Addr) bool {
	for _, p := range lanPrefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// IsNAT 地址是否位于 NAT 后（局域网地址段）
func IsNAT(ip netip.Addr) bool {
	return Classify(ip).Has(types.ClassLAN)
}

// IsLoopback 是否为回环地址
func IsLoopback(ip netip.Addr) bool {
	return Classify(ip).Has(types.ClassLoopback)
}

// IsLinkLocal6 是否为 IPv6 链路本地地址（fe80::/10）
func IsLinkLocal6(ip netip.Addr) bool {
	ip = ip.WithZone("")
	return ip.Is6() && !ip.Is4In6() && linkLocal6.Contains(ip)
}
