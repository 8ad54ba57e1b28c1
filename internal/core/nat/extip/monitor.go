package extip

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	natif "github.com/dep2p/go-natd/pkg/interfaces/nat"
)

// 默认调度参数
const (
	DefaultSuccessInterval = 15 * time.Minute
	DefaultFailureInterval = 30 * time.Minute
	DefaultProbeTimeout    = 60 * time.Second
)

// Options 调度参数
type Options struct {
	SuccessInterval time.Duration
	FailureInterval time.Duration
	ProbeTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.SuccessInterval <= 0 {
		o.SuccessInterval = DefaultSuccessInterval
	}
	if o.FailureInterval <= 0 {
		o.FailureInterval = DefaultFailureInterval
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	return o
}

// Result 一次探测结果
type Result struct {
	// Gen 发起探测时的代号
	Gen uint64

	// Addr 探测到的外部地址，Err 非 nil 时无效
	Addr netip.Addr

	// Err 探测失败原因
	Err error
}

// Monitor 外部 IP 探测调度器
//
// SetNAT 与 Stop 由同一个协程调用（服务的协调协程）。
type Monitor struct {
	prober natif.ExternalIPProber
	clock  clock.Clock
	opts   Options
	report func(Result)

	gen    uint64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建调度器
func New(prober natif.ExternalIPProber, clk clock.Clock, opts Options, report func(Result)) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		prober: prober,
		clock:  clk,
		opts:   opts.withDefaults(),
		report: report,
	}
}

// Running 是否正在探测
func (m *Monitor) Running() bool {
	return m.cancel != nil
}

// SetNAT 根据 NAT 状态启动或停止探测，返回新的代号
//
// 停止时不等待进行中的探测，其结果带旧代号。
func (m *Monitor) SetNAT(have bool) uint64 {
	switch {
	case have && m.cancel == nil:
		m.gen++
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		m.wg.Add(1)
		go m.loop(ctx, m.gen)
		logger.Debug("外部 IP 探测启动", "gen", m.gen)
	case !have && m.cancel != nil:
		m.gen++
		m.cancel()
		m.cancel = nil
		logger.Debug("外部 IP 探测停止", "gen", m.gen)
	}
	return m.gen
}

// Stop 停止探测并等待全部后台协程退出
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.gen++
		m.cancel()
		m.cancel = nil
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, gen uint64) {
	defer m.wg.Done()

	for {
		pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
		addr, err := m.prober.Probe(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		delay := m.opts.SuccessInterval
		if err != nil {
			delay = m.opts.FailureInterval
			logger.Debug("外部 IP 探测失败", "err", err, "retry", delay)
		}

		// 先建定时器再回报结果，保证回调返回后下一轮已经排期
		timer := m.clock.Timer(delay)
		m.report(Result{Gen: gen, Addr: addr, Err: err})

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
