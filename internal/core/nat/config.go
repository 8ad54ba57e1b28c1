package nat

import (
	"errors"
	"fmt"
	"time"

	"github.com/dep2p/go-natd/internal/util/addrutil"
)

// 外部 IP 探测方式
const (
	ExternalIPMethodCommand = "command"
	ExternalIPMethodNATPMP  = "natpmp"
	ExternalIPMethodHTTP    = "http"
)

// SectionConfig 客户端配置段
//
// 客户端注册时携带段名，服务据此查找手动打洞地址。
type SectionConfig struct {
	// HoleExternal 手动打洞地址："host:port"、"[ipv6]:port"、"a.b.c.d:port" 或 "AUTO"
	HoleExternal string
}

// Config NAT 服务配置
type Config struct {
	// EnableUPnP 是否为 NAT 后的客户端建立 UPnP 端口映射
	EnableUPnP bool

	// EnableNATPMP UPnP 网关不可用时是否回退到 NAT-PMP
	EnableNATPMP bool

	// UPnPTimeout UPnP / NAT-PMP 单次操作超时
	UPnPTimeout time.Duration

	// MappingDuration 端口映射租期
	MappingDuration time.Duration

	// MappingRenewalInterval 端口映射续期与外部地址刷新间隔
	MappingRenewalInterval time.Duration

	// EnableICMPServer 是否在局域网 IPv4 地址上运行 ICMP 服务端辅助进程
	EnableICMPServer bool

	// ICMPServerHelper ICMP 服务端辅助程序路径
	ICMPServerHelper string

	// ICMPClientHelper ICMP 客户端辅助程序路径，为空时不支持主动连接反转
	ICMPClientHelper string

	// EnableExternalIP 在 NAT 后时是否周期性探测外部 IP
	EnableExternalIP bool

	// ExternalIPMethod 外部 IP 探测方式：command、natpmp 或 http
	ExternalIPMethod string

	// ExternalIPCommand 外部 IP 工具命令
	ExternalIPCommand string

	// ExternalIPServices http 方式使用的 IP 回显服务，为空时使用内置列表
	ExternalIPServices []string

	// ExternalIPSuccessInterval 探测成功后的下次探测间隔
	ExternalIPSuccessInterval time.Duration

	// ExternalIPFailureInterval 探测失败后的下次探测间隔
	ExternalIPFailureInterval time.Duration

	// ExternalIPProbeTimeout 单次探测超时
	ExternalIPProbeTimeout time.Duration

	// EnableSTUNProbe 是否主动向 STUN 服务器探测
	EnableSTUNProbe bool

	// STUNServers STUN 服务器列表
	STUNServers []string

	// STUNProbeInterval STUN 探测间隔
	STUNProbeInterval time.Duration

	// STUNProbeListen STUN 探测套接字监听地址，为空时任意端口
	STUNProbeListen string

	// STUNStaleness STUN 外部地址有效期
	STUNStaleness time.Duration

	// DynDNSFrequency 动态 DNS 打洞地址解析间隔
	DynDNSFrequency time.Duration

	// DNSServers DNS 服务器（host:port），为空时读取 /etc/resolv.conf
	DNSServers []string

	// ScanInterval 网卡扫描间隔
	ScanInterval time.Duration

	// ExcludeInterfaces 扫描时忽略的网卡名
	ExcludeInterfaces []string

	// ReversalRate 连接反转请求限速（每秒）
	ReversalRate float64

	// ReversalBurst 连接反转请求突发量
	ReversalBurst int

	// EventQueueSize 协调协程事件队列长度
	EventQueueSize int

	// Sections 客户端配置段
	Sections map[string]SectionConfig
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		EnableUPnP:                true,
		EnableNATPMP:              true,
		UPnPTimeout:               5 * time.Second,
		MappingDuration:           time.Hour,
		MappingRenewalInterval:    30 * time.Minute,
		EnableICMPServer:          false,
		ICMPServerHelper:          "natd-helper-nat-server",
		ICMPClientHelper:          "natd-helper-nat-client",
		EnableExternalIP:          true,
		ExternalIPMethod:          ExternalIPMethodCommand,
		ExternalIPCommand:         "external-ip",
		ExternalIPSuccessInterval: 15 * time.Minute,
		ExternalIPFailureInterval: 30 * time.Minute,
		ExternalIPProbeTimeout:    60 * time.Second,
		EnableSTUNProbe:           false,
		STUNServers: []string{
			"stun.l.google.com:19302",
			"stun1.l.google.com:19302",
			"stun.cloudflare.com:3478",
		},
		STUNProbeInterval: 5 * time.Minute,
		STUNStaleness:     3 * time.Hour,
		DynDNSFrequency:   7 * time.Minute,
		ScanInterval:      15 * time.Second,
		ExcludeInterfaces: []string{"vpn-natd", "exit-natd"},
		ReversalRate:      10,
		ReversalBurst:     20,
		EventQueueSize:    256,
		Sections:          map[string]SectionConfig{},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"UPnP timeout", c.UPnPTimeout},
		{"mapping duration", c.MappingDuration},
		{"mapping renewal interval", c.MappingRenewalInterval},
		{"external IP success interval", c.ExternalIPSuccessInterval},
		{"external IP failure interval", c.ExternalIPFailureInterval},
		{"external IP probe timeout", c.ExternalIPProbeTimeout},
		{"STUN staleness", c.STUNStaleness},
		{"STUN probe interval", c.STUNProbeInterval},
		{"DynDNS frequency", c.DynDNSFrequency},
		{"scan interval", c.ScanInterval},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, p.name)
		}
	}

	if c.MappingRenewalInterval >= c.MappingDuration {
		return fmt.Errorf("%w: mapping renewal interval must be less than mapping duration", ErrInvalidConfig)
	}

	if c.EnableExternalIP {
		switch c.ExternalIPMethod {
		case ExternalIPMethodCommand:
			if c.ExternalIPCommand == "" {
				return fmt.Errorf("%w: external IP command is empty", ErrInvalidConfig)
			}
		case ExternalIPMethodNATPMP, ExternalIPMethodHTTP:
		default:
			return fmt.Errorf("%w: unknown external IP method %q", ErrInvalidConfig, c.ExternalIPMethod)
		}
	}

	if c.EnableICMPServer && c.ICMPServerHelper == "" {
		return fmt.Errorf("%w: ICMP server helper is empty", ErrInvalidConfig)
	}

	if c.EnableSTUNProbe && len(c.STUNServers) == 0 {
		return fmt.Errorf("%w: STUN probe enabled without servers", ErrInvalidConfig)
	}

	if c.ReversalRate <= 0 || c.ReversalBurst <= 0 {
		return fmt.Errorf("%w: reversal rate and burst must be positive", ErrInvalidConfig)
	}

	if c.EventQueueSize <= 0 {
		return fmt.Errorf("%w: event queue size must be positive", ErrInvalidConfig)
	}

	for name, sec := range c.Sections {
		if sec.HoleExternal == "" {
			continue
		}
		if _, err := addrutil.ParseHole(sec.HoleExternal); err != nil {
			return fmt.Errorf("%w: section %q: %v", ErrInvalidConfig, name, err)
		}
	}

	return nil
}

// Option 配置选项函数
type Option func(*Config) error

// WithUPnP 设置是否启用 UPnP
func WithUPnP(enabled bool) Option {
	return func(c *Config) error {
		c.EnableUPnP = enabled
		return nil
	}
}

// WithNATPMP 设置是否启用 NAT-PMP 回退
func WithNATPMP(enabled bool) Option {
	return func(c *Config) error {
		c.EnableNATPMP = enabled
		return nil
	}
}

// WithICMPServer 设置是否启用 ICMP 服务端辅助进程
func WithICMPServer(enabled bool) Option {
	return func(c *Config) error {
		c.EnableICMPServer = enabled
		return nil
	}
}

// WithExternalIP 设置是否启用外部 IP 探测
func WithExternalIP(enabled bool) Option {
	return func(c *Config) error {
		c.EnableExternalIP = enabled
		return nil
	}
}

// WithSTUNServers 设置 STUN 服务器列表
func WithSTUNServers(servers []string) Option {
	return func(c *Config) error {
		if len(servers) == 0 {
			return errors.New("STUN servers list is empty")
		}
		c.STUNServers = servers
		return nil
	}
}

// WithSTUNStaleness 设置 STUN 外部地址有效期
func WithSTUNStaleness(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return errors.New("STUN staleness must be positive")
		}
		c.STUNStaleness = d
		return nil
	}
}

// WithScanInterval 设置网卡扫描间隔
func WithScanInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return errors.New("scan interval must be positive")
		}
		c.ScanInterval = d
		return nil
	}
}

// WithDynDNSFrequency 设置动态 DNS 解析间隔
func WithDynDNSFrequency(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return errors.New("DynDNS frequency must be positive")
		}
		c.DynDNSFrequency = d
		return nil
	}
}

// WithSection 添加客户端配置段
func WithSection(name string, sec SectionConfig) Option {
	return func(c *Config) error {
		if c.Sections == nil {
			c.Sections = map[string]SectionConfig{}
		}
		c.Sections[name] = sec
		return nil
	}
}

// ApplyOptions 应用配置选项
func (c *Config) ApplyOptions(opts ...Option) error {
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return err
		}
	}
	return c.Validate()
}
