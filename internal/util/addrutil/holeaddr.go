package addrutil

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrEmptyHole 空打洞地址
	ErrEmptyHole = errors.New("empty hole address")

	// ErrInvalidHolePort 打洞地址端口无效
	ErrInvalidHolePort = errors.New("invalid hole port")
)

// ============================================================================
//                              打洞地址解析
// ============================================================================

// HoleAuto 表示使用外部 IP 工具探测到的地址作为打洞地址
const HoleAuto = "AUTO"

// Hole 手动配置的打洞地址
//
// 三种形态：
//   - Auto: 地址由外部 IP 工具得出，端口为空时沿用客户端绑定端口
//   - IP 有效: 字面 IP 地址
//   - Host 非空: 需要周期性 DNS 解析的主机名
type Hole struct {
	Auto bool
	IP   netip.Addr
	Host string
	Port uint16
}

// IsHostname 是否需要 DNS 解析
func (h Hole) IsHostname() bool {
	return !h.Auto && !h.IP.IsValid() && h.Host != ""
}

// String 返回配置形式
func (h Hole) String() string {
	switch {
	case h.Auto && h.Port == 0:
		return HoleAuto
	case h.Auto:
		return HoleAuto + ":" + strconv.Itoa(int(h.Port))
	case h.IP.IsValid():
		return netip.AddrPortFrom(h.IP, h.Port).String()
	default:
		return net.JoinHostPort(h.Host, strconv.Itoa(int(h.Port)))
	}
}

// ParseHole 解析打洞地址
//
// 支持格式：
//
//	AUTO
//	AUTO:2086
//	1.2.3.4:2086
//	[2001:db8::1]:2086
//	gw.example.org:2086
func ParseHole(s string) (Hole, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Hole{}, ErrEmptyHole
	}
	if strings.EqualFold(s, HoleAuto) {
		return Hole{Auto: true}, nil
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Hole{}, fmt.Errorf("parse hole %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Hole{}, fmt.Errorf("%w: %q", ErrInvalidHolePort, portStr)
	}
	if strings.EqualFold(host, HoleAuto) {
		return Hole{Auto: true, Port: uint16(port)}, nil
	}
	if host == "" {
		return Hole{}, fmt.Errorf("parse hole %q: %w", s, ErrEmptyHole)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return Hole{IP: ip.Unmap(), Port: uint16(port)}, nil
	}
	return Hole{Host: host, Port: uint16(port)}, nil
}
