package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrNilConfig 配置为空
var ErrNilConfig = errors.New("config is nil")

// FromJSON 从 JSON 数据创建配置
//
// 未出现的字段保留默认值：
//
//	{
//	  "nat": {"enable_upnp": false, "sections": {"udp": {"hole_external": "AUTO"}}},
//	  "log": {"level": "debug"}
//	}
func FromJSON(data []byte) (*Config, error) {
	cfg := NewConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// LoadFile 从 JSON 文件加载并验证配置
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: 用户指定的配置文件路径是预期行为
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := FromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// ToJSON 序列化配置
func (c *Config) ToJSON() ([]byte, error) {
	if c == nil {
		return nil, ErrNilConfig
	}
	return json.MarshalIndent(c, "", "  ")
}
