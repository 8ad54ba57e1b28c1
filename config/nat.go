package config

import (
	"github.com/dep2p/go-natd/internal/core/nat"
)

// SectionConfig 客户端配置段
type SectionConfig struct {
	// HoleExternal 手动打洞地址："AUTO"、"AUTO:port"、"ip:port" 或 "host:port"
	HoleExternal string `json:"hole_external,omitempty"`
}

// NATConfig 地址管理服务配置
type NATConfig struct {
	// ════════════════════════════════════════════════════════════════════
	// 端口映射
	// ════════════════════════════════════════════════════════════════════
	EnableUPnP      bool     `json:"enable_upnp"`
	EnableNATPMP    bool     `json:"enable_natpmp"`
	UPnPTimeout     Duration `json:"upnp_timeout"`
	MappingDuration Duration `json:"mapping_duration"`
	MappingRenewal  Duration `json:"mapping_renewal"`

	// ════════════════════════════════════════════════════════════════════
	// ICMP 连接反转辅助程序
	// ════════════════════════════════════════════════════════════════════
	EnableICMPServer bool   `json:"enable_icmp_server"`
	ICMPServerHelper string `json:"icmp_server_helper,omitempty"`
	ICMPClientHelper string `json:"icmp_client_helper,omitempty"`

	// ════════════════════════════════════════════════════════════════════
	// 外部 IP
	// ════════════════════════════════════════════════════════════════════
	EnableExtIP          bool     `json:"enable_extip"`
	ExtIPMethod          string   `json:"extip_method,omitempty"`
	ExtIPCommand         string   `json:"extip_command,omitempty"`
	ExtIPServices        []string `json:"extip_services,omitempty"`
	ExtIPSuccessInterval Duration `json:"extip_success_interval"`
	ExtIPFailureInterval Duration `json:"extip_failure_interval"`
	ExtIPProbeTimeout    Duration `json:"extip_probe_timeout"`

	// ════════════════════════════════════════════════════════════════════
	// STUN
	// ════════════════════════════════════════════════════════════════════
	EnableSTUNProbe   bool     `json:"enable_stun_probe"`
	STUNServers       []string `json:"stun_servers,omitempty"`
	STUNProbeInterval Duration `json:"stun_probe_interval"`
	STUNProbeListen   string   `json:"stun_probe_listen,omitempty"`
	STUNStaleness     Duration `json:"stun_staleness"`

	// ════════════════════════════════════════════════════════════════════
	// 动态 DNS 打洞地址
	// ════════════════════════════════════════════════════════════════════
	DynDNSFrequency Duration `json:"dyndns_frequency"`
	DNSServers      []string `json:"dns_servers,omitempty"`

	// ════════════════════════════════════════════════════════════════════
	// 网卡扫描
	// ════════════════════════════════════════════════════════════════════
	ScanInterval      Duration `json:"scan_interval"`
	ExcludeInterfaces []string `json:"exclude_interfaces,omitempty"`

	// ════════════════════════════════════════════════════════════════════
	// 连接反转限速与事件队列
	// ════════════════════════════════════════════════════════════════════
	ReversalRate   float64 `json:"reversal_rate"`
	ReversalBurst  int     `json:"reversal_burst"`
	EventQueueSize int     `json:"event_queue_size"`

	// Sections 客户端配置段，按段名索引
	Sections map[string]SectionConfig `json:"sections,omitempty"`
}

// DefaultNATConfig 返回默认配置，取值与 nat.DefaultConfig 一致
func DefaultNATConfig() NATConfig {
	d := nat.DefaultConfig()
	return NATConfig{
		EnableUPnP:           d.EnableUPnP,
		EnableNATPMP:         d.EnableNATPMP,
		UPnPTimeout:          Duration(d.UPnPTimeout),
		MappingDuration:      Duration(d.MappingDuration),
		MappingRenewal:       Duration(d.MappingRenewalInterval),
		EnableICMPServer:     d.EnableICMPServer,
		ICMPServerHelper:     d.ICMPServerHelper,
		ICMPClientHelper:     d.ICMPClientHelper,
		EnableExtIP:          d.EnableExternalIP,
		ExtIPMethod:          d.ExternalIPMethod,
		ExtIPCommand:         d.ExternalIPCommand,
		ExtIPServices:        append([]string(nil), d.ExternalIPServices...),
		ExtIPSuccessInterval: Duration(d.ExternalIPSuccessInterval),
		ExtIPFailureInterval: Duration(d.ExternalIPFailureInterval),
		ExtIPProbeTimeout:    Duration(d.ExternalIPProbeTimeout),
		EnableSTUNProbe:      d.EnableSTUNProbe,
		STUNServers:          append([]string(nil), d.STUNServers...),
		STUNProbeInterval:    Duration(d.STUNProbeInterval),
		STUNProbeListen:      d.STUNProbeListen,
		STUNStaleness:        Duration(d.STUNStaleness),
		DynDNSFrequency:      Duration(d.DynDNSFrequency),
		DNSServers:           append([]string(nil), d.DNSServers...),
		ScanInterval:         Duration(d.ScanInterval),
		ExcludeInterfaces:    append([]string(nil), d.ExcludeInterfaces...),
		ReversalRate:         d.ReversalRate,
		ReversalBurst:        d.ReversalBurst,
		EventQueueSize:       d.EventQueueSize,
		Sections:             map[string]SectionConfig{},
	}
}

// ToServiceConfig 转换为服务配置并验证
func (c NATConfig) ToServiceConfig() (*nat.Config, error) {
	out := &nat.Config{
		EnableUPnP:                c.EnableUPnP,
		EnableNATPMP:              c.EnableNATPMP,
		UPnPTimeout:               c.UPnPTimeout.Duration(),
		MappingDuration:           c.MappingDuration.Duration(),
		MappingRenewalInterval:    c.MappingRenewal.Duration(),
		EnableICMPServer:          c.EnableICMPServer,
		ICMPServerHelper:          c.ICMPServerHelper,
		ICMPClientHelper:          c.ICMPClientHelper,
		EnableExternalIP:          c.EnableExtIP,
		ExternalIPMethod:          c.ExtIPMethod,
		ExternalIPCommand:         c.ExtIPCommand,
		ExternalIPServices:        append([]string(nil), c.ExtIPServices...),
		ExternalIPSuccessInterval: c.ExtIPSuccessInterval.Duration(),
		ExternalIPFailureInterval: c.ExtIPFailureInterval.Duration(),
		ExternalIPProbeTimeout:    c.ExtIPProbeTimeout.Duration(),
		EnableSTUNProbe:           c.EnableSTUNProbe,
		STUNServers:               append([]string(nil), c.STUNServers...),
		STUNProbeInterval:         c.STUNProbeInterval.Duration(),
		STUNProbeListen:           c.STUNProbeListen,
		STUNStaleness:             c.STUNStaleness.Duration(),
		DynDNSFrequency:           c.DynDNSFrequency.Duration(),
		DNSServers:                append([]string(nil), c.DNSServers...),
		ScanInterval:              c.ScanInterval.Duration(),
		ExcludeInterfaces:         append([]string(nil), c.ExcludeInterfaces...),
		ReversalRate:              c.ReversalRate,
		ReversalBurst:             c.ReversalBurst,
		EventQueueSize:            c.EventQueueSize,
		Sections:                  make(map[string]nat.SectionConfig, len(c.Sections)),
	}
	for name, sec := range c.Sections {
		out.Sections[name] = nat.SectionConfig{HoleExternal: sec.HoleExternal}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate 验证配置
func (c NATConfig) Validate() error {
	_, err := c.ToServiceConfig()
	return err
}

// WithUPnP 设置是否启用 UPnP
func (c NATConfig) WithUPnP(enabled bool) NATConfig {
	c.EnableUPnP = enabled
	return c
}

// WithICMPServer 设置是否启用 ICMP 服务端辅助程序
func (c NATConfig) WithICMPServer(enabled bool) NATConfig {
	c.EnableICMPServer = enabled
	return c
}

// WithSTUNServers 设置 STUN 服务器列表
func (c NATConfig) WithSTUNServers(servers []string) NATConfig {
	c.STUNServers = servers
	return c
}

// WithSection 添加客户端配置段
func (c NATConfig) WithSection(name, holeExternal string) NATConfig {
	sections := make(map[string]SectionConfig, len(c.Sections)+1)
	for k, v := range c.Sections {
		sections[k] = v
	}
	sections[name] = SectionConfig{HoleExternal: holeExternal}
	c.Sections = sections
	return c
}
