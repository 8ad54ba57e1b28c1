package dnshole

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	natif "github.com/dep2p/go-natd/pkg/interfaces/nat"
)

// DefaultFrequency 默认解析周期
const DefaultFrequency = 7 * time.Minute

// PassFunc 每轮解析结束时调用
//
// err 非 nil 时 addrs 为空，调用方应保留现有地址。
type PassFunc func(addrs []netip.Addr, err error)

// Monitor 周期性解析一个主机名
type Monitor struct {
	host     string
	freq     time.Duration
	timeout  time.Duration
	clock    clock.Clock
	resolver natif.HostResolver
	onPass   PassFunc

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewMonitor 创建监视器
func NewMonitor(host string, freq time.Duration, clk clock.Clock, resolver natif.HostResolver, onPass PassFunc) *Monitor {
	if freq <= 0 {
		freq = DefaultFrequency
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		host:     host,
		freq:     freq,
		timeout:  DefaultTimeout * 2,
		clock:    clk,
		resolver: resolver,
		onPass:   onPass,
	}
}

// Host 返回被监视的主机名
func (m *Monitor) Host() string {
	return m.host
}

// Start 立即开始第一轮解析，之后每个周期解析一次
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop 停止解析并等待后台协程退出，之后不再调用 onPass
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	for {
		// 先建定时器再回报结果，保证回调返回后下一轮已经排期
		timer := m.clock.Timer(m.freq)
		if !m.pass(ctx) {
			timer.Stop()
			return
		}
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Monitor) pass(ctx context.Context) bool {
	rctx, cancel := context.WithTimeout(ctx, m.timeout)
	addrs, err := m.resolver.Resolve(rctx, m.host)
	cancel()

	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		logger.Warn("打洞主机名解析失败，保留现有地址", "host", m.host, "err", err)
		addrs = nil
	} else {
		logger.Debug("打洞主机名解析完成", "host", m.host, "addrs", len(addrs))
	}
	m.onPass(addrs, err)
	return true
}
