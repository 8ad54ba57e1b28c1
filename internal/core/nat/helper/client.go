package helper

import (
	"context"
	"fmt"
	"net/netip"
	"os/exec"
	"strconv"
	"time"

	natif "github.com/dep2p/go-natd/pkg/interfaces/nat"
	"github.com/dep2p/go-natd/pkg/types"
)

// 默认参数
const (
	DefaultClientBinary  = "natd-helper-nat-client"
	DefaultClientTimeout = 5 * time.Second
)

// Requester 调用 nat-client 辅助进程
type Requester struct {
	Binary  string
	Timeout time.Duration
}

var _ natif.ReversalRequester = (*Requester)(nil)

// NewRequester 创建 Requester
func NewRequester(binary string) *Requester {
	if binary == "" {
		binary = DefaultClientBinary
	}
	return &Requester{Binary: binary, Timeout: DefaultClientTimeout}
}

// Request 请求 remote 反向连接 local:port
func (r *Requester) Request(ctx context.Context, local, remote netip.Addr, port uint16) error {
	local, remote = local.Unmap(), remote.Unmap()
	if !local.Is4() || !remote.Is4() {
		return types.NewStatusError(types.StatusHelperNATClientFailed,
			fmt.Errorf("connection reversal needs IPv4 addresses, got %s and %s", local, remote))
	}

	path, err := exec.LookPath(r.Binary)
	if err != nil {
		return types.NewStatusError(types.StatusHelperNATClientNotFound, err)
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, path, local.String(), remote.String(), strconv.Itoa(int(port)))
	cmd.WaitDelay = time.Second
	if out, err := cmd.CombinedOutput(); err != nil {
		logger.Debug("nat-client 失败", "remote", remote.String(), "err", err, "output", string(out))
		return types.NewStatusError(types.StatusHelperNATClientFailed, err)
	}

	logger.Debug("已请求连接反转", "local", local.String(), "remote", remote.String(), "port", port)
	return nil
}
