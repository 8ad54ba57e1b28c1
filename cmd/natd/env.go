package main

import (
	"strconv"
	"strings"

	"github.com/dep2p/go-natd/config"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "NATD_"

// 环境变量名（不含前缀）
const (
	EnvLogLevel          = "LOG_LEVEL"
	EnvLogFile           = "LOG_FILE"
	EnvLogFormat         = "LOG_FORMAT"
	EnvMetricsListen     = "METRICS_LISTEN"
	EnvEnableUPnP        = "ENABLE_UPNP"
	EnvEnableNATPMP      = "ENABLE_NATPMP"
	EnvEnableICMPServer  = "ENABLE_ICMP_SERVER"
	EnvEnableExtIP       = "ENABLE_EXTIP"
	EnvExtIPMethod       = "EXTIP_METHOD"
	EnvExtIPCommand      = "EXTIP_COMMAND"
	EnvExtIPServices     = "EXTIP_SERVICES"
	EnvEnableSTUNProbe   = "ENABLE_STUN_PROBE"
	EnvSTUNServers       = "STUN_SERVERS"
	EnvDNSServers        = "DNS_SERVERS"
	EnvExcludeInterfaces = "EXCLUDE_INTERFACES"
)

// applyEnvOverrides 应用环境变量覆盖配置
//
// 环境变量优先级高于配置文件，但低于命令行参数。列表类变量以逗号分隔。
func applyEnvOverrides(cfg *config.Config, getenv func(string) string) {
	get := func(name string) string { return getenv(EnvPrefix + name) }

	if v := get(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := get(EnvLogFile); v != "" {
		cfg.Log.File = v
	}
	if v := get(EnvLogFormat); v != "" {
		cfg.Log.Format = v
	}
	if v := get(EnvMetricsListen); v != "" {
		cfg.Metrics.Enable = true
		cfg.Metrics.Listen = v
	}

	setBool(&cfg.NAT.EnableUPnP, get(EnvEnableUPnP))
	setBool(&cfg.NAT.EnableNATPMP, get(EnvEnableNATPMP))
	setBool(&cfg.NAT.EnableICMPServer, get(EnvEnableICMPServer))
	setBool(&cfg.NAT.EnableExtIP, get(EnvEnableExtIP))
	setBool(&cfg.NAT.EnableSTUNProbe, get(EnvEnableSTUNProbe))

	if v := get(EnvExtIPMethod); v != "" {
		cfg.NAT.ExtIPMethod = v
	}
	if v := get(EnvExtIPCommand); v != "" {
		cfg.NAT.ExtIPCommand = v
	}
	if v := get(EnvExtIPServices); v != "" {
		cfg.NAT.ExtIPServices = splitAndTrim(v, ",")
	}
	if v := get(EnvSTUNServers); v != "" {
		cfg.NAT.STUNServers = splitAndTrim(v, ",")
	}
	if v := get(EnvDNSServers); v != "" {
		cfg.NAT.DNSServers = splitAndTrim(v, ",")
	}
	if v := get(EnvExcludeInterfaces); v != "" {
		cfg.NAT.ExcludeInterfaces = splitAndTrim(v, ",")
	}
}

// setBool 非空且可解析时覆盖
func setBool(dst *bool, s string) {
	if s == "" {
		return
	}
	if v, ok := parseBool(s); ok {
		*dst = v
	}
}

// parseBool 解析布尔值字符串
func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "on":
		return true, true
	case "no", "off":
		return false, true
	}
	v, err := strconv.ParseBool(strings.TrimSpace(s))
	return v, err == nil
}

// splitAndTrim 分割字符串并去除空白
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
