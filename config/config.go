// Package config 提供 natd 的配置文件格式
//
// 配置分三块，各自在独立文件中定义：
//   - NAT: 地址管理服务（UPnP、外部 IP、STUN、打洞地址、网卡扫描、连接反转）
//   - Metrics: Prometheus 指标监听
//   - Log: 日志级别与输出
//
// 使用示例：
//
//	cfg, err := config.LoadFile("/etc/natd.json")
//	if err != nil {
//	    return err
//	}
//	svcCfg, err := cfg.NAT.ToServiceConfig()
package config

import "fmt"

// Config natd 完整配置
type Config struct {
	// NAT 地址管理服务配置
	NAT NATConfig `json:"nat"`

	// Metrics 指标配置
	Metrics MetricsConfig `json:"metrics"`

	// Log 日志配置
	Log LogConfig `json:"log"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		NAT:     DefaultNATConfig(),
		Metrics: DefaultMetricsConfig(),
		Log:     DefaultLogConfig(),
	}
}

// Validate 验证全部子配置
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if err := c.NAT.Validate(); err != nil {
		return fmt.Errorf("nat: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}
