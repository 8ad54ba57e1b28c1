package types

import "strings"

// ============================================================================
//                              Protocol - 客户端传输协议
// ============================================================================

// Protocol 客户端使用的传输协议（IP 协议号）
type Protocol uint8

const (
	// ProtocolNone 未指定
	ProtocolNone Protocol = 0
	// ProtocolTCP TCP
	ProtocolTCP Protocol = 6
	// ProtocolUDP UDP
	ProtocolUDP Protocol = 17
)

// Valid 是否为已知协议
func (p Protocol) Valid() bool {
	return p == ProtocolNone || p == ProtocolTCP || p == ProtocolUDP
}

// String 返回协议名称
func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolNone:
		return "none"
	default:
		return "unknown"
	}
}

// ============================================================================
//                              RegisterFlags - 注册标志
// ============================================================================

// RegisterFlags 客户端注册标志
type RegisterFlags uint8

const (
	// FlagAddresses 客户端希望接收地址变更通知
	FlagAddresses RegisterFlags = 1
	// FlagReversal 客户端希望接收连接反转请求
	FlagReversal RegisterFlags = 2
)

// Has 是否包含指定标志
func (f RegisterFlags) Has(bit RegisterFlags) bool {
	return f&bit != 0
}

// String 返回标志名称
func (f RegisterFlags) String() string {
	var parts []string
	if f.Has(FlagAddresses) {
		parts = append(parts, "addresses")
	}
	if f.Has(FlagReversal) {
		parts = append(parts, "reversal")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ============================================================================
//                              Source - 地址来源
// ============================================================================

// Source 本地地址条目的来源
type Source uint8

const (
	// SourceInterface 本地网卡扫描
	SourceInterface Source = iota + 1
	// SourceUPnP UPnP / NAT-PMP 端口映射
	SourceUPnP
	// SourceSTUN STUN 响应
	SourceSTUN
	// SourceManual 手动配置的打洞地址
	SourceManual
	// SourceDNS 动态 DNS 解析
	SourceDNS
	// SourceExtIP 外部 IP 工具
	SourceExtIP
)

// String 返回来源名称
func (s Source) String() string {
	switch s {
	case SourceInterface:
		return "interface"
	case SourceUPnP:
		return "upnp"
	case SourceSTUN:
		return "stun"
	case SourceManual:
		return "manual"
	case SourceDNS:
		return "dns"
	case SourceExtIP:
		return "extip"
	default:
		return "unknown"
	}
}

// Sources 返回全部来源，用于指标初始化
func Sources() []Source {
	return []Source{SourceInterface, SourceUPnP, SourceSTUN, SourceManual, SourceDNS, SourceExtIP}
}
