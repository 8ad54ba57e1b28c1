package helper

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	natif "github.com/dep2p/go-natd/pkg/interfaces/nat"
	"github.com/dep2p/go-natd/pkg/types"
)

// 默认参数
const (
	DefaultServerBinary = "natd-helper-nat-server"
	DefaultRestartMin   = 5 * time.Second
	DefaultRestartMax   = 5 * time.Minute

	// healthyRun 运行超过该时长后退避重置
	healthyRun = time.Minute
)

// ErrInvalidLine nat-server 输出行无法解析
var ErrInvalidLine = errors.New("helper: invalid nat-server output")

// ParseServerLine 解析 nat-server 输出的一行："ip" 或 "ip:port"
func ParseServerLine(line string) (types.SocketAddr, error) {
	line = strings.TrimSpace(line)
	host, portStr := line, ""
	if i := strings.LastIndexByte(line, ':'); i >= 0 {
		host, portStr = line[:i], line[i+1:]
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		return types.SocketAddr{}, fmt.Errorf("%w: %q", ErrInvalidLine, line)
	}
	ip = ip.Unmap()
	if !ip.Is4() {
		return types.SocketAddr{}, fmt.Errorf("%w: not IPv4: %q", ErrInvalidLine, line)
	}

	var port uint64
	if portStr != "" {
		port, err = strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return types.SocketAddr{}, fmt.Errorf("%w: bad port: %q", ErrInvalidLine, line)
		}
	}
	return types.NewSocketAddr(ip, uint16(port)), nil
}

// Listener 启动 nat-server 辅助进程
type Listener struct {
	Binary     string
	RestartMin time.Duration
	RestartMax time.Duration

	clock clock.Clock
}

var _ natif.ReversalListener = (*Listener)(nil)

// NewListener 创建 Listener
func NewListener(binary string, clk clock.Clock) *Listener {
	if binary == "" {
		binary = DefaultServerBinary
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Listener{
		Binary:     binary,
		RestartMin: DefaultRestartMin,
		RestartMax: DefaultRestartMax,
		clock:      clk,
	}
}

// Start 在 local 上启动 nat-server
//
// 找不到程序时返回 StatusHelperNATServerNotFound。之后的启动失败和
// 异常退出只记日志并退避重启。
func (l *Listener) Start(_ context.Context, local netip.Addr, cb func(remote types.SocketAddr)) (natif.ReversalHandle, error) {
	path, err := exec.LookPath(l.Binary)
	if err != nil {
		return nil, types.NewStatusError(types.StatusHelperNATServerNotFound, err)
	}
	if !local.Unmap().Is4() {
		return nil, types.NewStatusError(types.StatusHelperNATServerStartFailed,
			fmt.Errorf("local address %s is not IPv4", local))
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &serverHandle{
		listener: l,
		path:     path,
		local:    local.Unmap(),
		cb:       cb,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go h.run()

	logger.Debug("nat-server 已启动", "local", h.local.String())
	return h, nil
}

type serverHandle struct {
	listener *Listener
	path     string
	local    netip.Addr
	cb       func(remote types.SocketAddr)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop 终止进程并等待守护协程退出
func (h *serverHandle) Stop() error {
	h.once.Do(func() {
		h.cancel()
		<-h.done
		logger.Debug("nat-server 已停止", "local", h.local.String())
	})
	return nil
}

func (h *serverHandle) run() {
	defer close(h.done)

	l := h.listener
	backoff := l.RestartMin
	for {
		started := l.clock.Now()
		err := h.runOnce()
		if h.ctx.Err() != nil {
			return
		}

		if l.clock.Since(started) > healthyRun {
			backoff = l.RestartMin
		}
		logger.Warn("nat-server 退出，稍后重启", "local", h.local.String(), "err", err, "retry", backoff)

		timer := l.clock.Timer(backoff)
		select {
		case <-h.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff *= 2
		if backoff > l.RestartMax {
			backoff = l.RestartMax
		}
	}
}

// runOnce 运行一次进程直到退出
func (h *serverHandle) runOnce() error {
	cmd := exec.CommandContext(h.ctx, h.path, h.local.String())
	cmd.WaitDelay = time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return types.NewStatusError(types.StatusHelperNATServerStartFailed, err)
	}

	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		remote, err := ParseServerLine(sc.Text())
		if err != nil {
			logger.Debug("忽略 nat-server 输出", "err", err)
			continue
		}
		if h.ctx.Err() != nil {
			break
		}
		h.cb(remote)
	}
	return cmd.Wait()
}
