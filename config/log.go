package config

import (
	"fmt"

	"github.com/dep2p/go-natd/pkg/lib/log"
)

// 日志格式
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// LogConfig 日志配置
type LogConfig struct {
	// Level 日志级别：debug / info / warn / error
	Level string `json:"level,omitempty"`

	// File 日志文件，为空时输出到 stderr
	File string `json:"file,omitempty"`

	// Format 输出格式：text 或 json
	Format string `json:"format,omitempty"`
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{Level: "info", Format: LogFormatText}
}

// Validate 验证日志配置
func (c LogConfig) Validate() error {
	if _, err := log.ParseLevel(c.Level); err != nil {
		return err
	}
	switch c.Format {
	case "", LogFormatText, LogFormatJSON:
		return nil
	}
	return fmt.Errorf("unknown log format %q", c.Format)
}
