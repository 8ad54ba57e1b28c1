package nat

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors
var (
	// ErrServiceClosed 服务已关闭
	ErrServiceClosed = errors.New("nat: service closed")

	// ErrAlreadyStarted 服务已经启动
	ErrAlreadyStarted = errors.New("nat: service already started")

	// ErrNotStarted 服务未启动
	ErrNotStarted = errors.New("nat: service not started")

	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = errors.New("nat: invalid config")

	// ErrNilConn 客户端连接为空
	ErrNilConn = errors.New("nat: nil client connection")

	// ErrUnknownClient 客户端不存在
	ErrUnknownClient = errors.New("nat: unknown client")

	// ErrAlreadyRegistered 客户端重复注册
	ErrAlreadyRegistered = errors.New("nat: client already registered")

	// ErrNotRegistered 客户端尚未注册
	ErrNotRegistered = errors.New("nat: client not registered")

	// ErrInvalidAddress 地址无效
	ErrInvalidAddress = errors.New("nat: invalid address")

	// ErrNoReversalHelper 未配置连接反转辅助程序
	ErrNoReversalHelper = errors.New("nat: no connection reversal helper")

	// ErrRateLimited 请求被限流
	ErrRateLimited = errors.New("nat: rate limited")
)

// ClientError 导致客户端被断开的错误
type ClientError struct {
	Client uuid.UUID
	Cause  error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("nat client %s: %v", e.Client, e.Cause)
}

// Unwrap 解包错误
func (e *ClientError) Unwrap() error {
	return e.Cause
}
