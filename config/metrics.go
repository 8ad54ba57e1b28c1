package config

import (
	"errors"
	"strings"
)

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	// Enable 是否开启 HTTP 指标端点
	Enable bool `json:"enable"`

	// Listen 监听地址
	Listen string `json:"listen,omitempty"`

	// Path 指标路径
	Path string `json:"path,omitempty"`
}

// DefaultMetricsConfig 返回默认指标配置（默认关闭）
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enable: false,
		Listen: "127.0.0.1:9464",
		Path:   "/metrics",
	}
}

// Validate 验证指标配置
func (c MetricsConfig) Validate() error {
	if !c.Enable {
		return nil
	}
	if c.Listen == "" {
		return errors.New("metrics listen address is empty")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return errors.New("metrics path must start with /")
	}
	return nil
}
