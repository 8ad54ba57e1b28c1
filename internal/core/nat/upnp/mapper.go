package upnp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/dep2p/go-natd/internal/core/nat/natpmp"
	natif "github.com/dep2p/go-natd/pkg/interfaces/nat"
	"github.com/dep2p/go-natd/pkg/types"
)

// 默认参数
const (
	DefaultTimeout     = 5 * time.Second
	DefaultLease       = time.Hour
	DefaultRenewal     = 30 * time.Minute
	DefaultDescription = "natd"
)

// ErrMapperClosed 映射器已关闭
var ErrMapperClosed = errors.New("upnp: mapper closed")

// Options 映射器参数
type Options struct {
	// Timeout 网关发现和单次网关操作的超时
	Timeout time.Duration

	// Lease 请求的映射租期
	Lease time.Duration

	// Renewal 续期周期，必须小于 Lease；失败后也按此周期重试
	Renewal time.Duration

	// EnableNATPMP 找不到 IGD 时回退到 NAT-PMP
	EnableNATPMP bool

	// Description 映射描述
	Description string
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Lease <= 0 {
		o.Lease = DefaultLease
	}
	if o.Renewal <= 0 || o.Renewal >= o.Lease {
		o.Renewal = o.Lease / 2
	}
	if o.Description == "" {
		o.Description = DefaultDescription
	}
	return o
}

// Mapper 端口映射器
type Mapper struct {
	opts     Options
	clock    clock.Clock
	discover func(ctx context.Context) (backend, error)

	discoverMu sync.Mutex
	be         backend

	mu       sync.Mutex
	mappings map[*mapping]struct{}
	closed   bool
}

var _ natif.PortMapper = (*Mapper)(nil)

// NewMapper 创建映射器
func NewMapper(opts Options, clk clock.Clock) *Mapper {
	if clk == nil {
		clk = clock.New()
	}
	m := &Mapper{
		opts:     opts.withDefaults(),
		clock:    clk,
		mappings: make(map[*mapping]struct{}),
	}
	m.discover = m.discoverDefault
	return m
}

func (m *Mapper) discoverDefault(ctx context.Context) (backend, error) {
	be, err := discoverIGD(ctx, m.opts.Description)
	if err == nil {
		return be, nil
	}
	if !m.opts.EnableNATPMP || ctx.Err() != nil {
		return nil, err
	}
	c := natpmp.NewClient(m.opts.Timeout)
	if _, perr := c.ExternalIP(ctx); perr != nil {
		return nil, multierr.Append(err, perr)
	}
	logger.Info("未发现 UPnP 网关，使用 NAT-PMP")
	return &pmpBackend{client: c}, nil
}

// backend 返回缓存的网关，必要时重新发现
func (m *Mapper) backend(ctx context.Context) (backend, error) {
	m.discoverMu.Lock()
	defer m.discoverMu.Unlock()
	if m.be != nil {
		return m.be, nil
	}

	dctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()
	be, err := m.discover(dctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, types.NewStatusError(types.StatusUPnPTimeout, err)
		}
		return nil, types.NewStatusError(types.StatusUPnPNotFound, err)
	}
	m.be = be
	return be, nil
}

// forget 丢弃缓存的网关（操作失败后）
func (m *Mapper) forget(be backend) {
	m.discoverMu.Lock()
	if m.be == be {
		m.be = nil
	}
	m.discoverMu.Unlock()
}

// StartMapping 为本地端口建立并维持映射
func (m *Mapper) StartMapping(_ context.Context, port uint16, tcp bool, cb natif.MappingCallback) (natif.MappingHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrMapperClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	mp := &mapping{
		mapper: m,
		port:   port,
		tcp:    tcp,
		cb:     cb,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.mappings[mp] = struct{}{}
	go mp.run()

	logger.Debug("开始端口映射", "port", port, "tcp", tcp)
	return mp, nil
}

// Close 停止全部映射
func (m *Mapper) Close() error {
	m.mu.Lock()
	m.closed = true
	list := make([]*mapping, 0, len(m.mappings))
	for mp := range m.mappings {
		list = append(list, mp)
	}
	m.mu.Unlock()

	var err error
	for _, mp := range list {
		err = multierr.Append(err, mp.Stop())
	}
	return err
}

func (m *Mapper) release(mp *mapping) {
	m.mu.Lock()
	delete(m.mappings, mp)
	m.mu.Unlock()
}

// ============================================================================
//                              单个映射
// ============================================================================

type mapping struct {
	mapper *Mapper
	port   uint16
	tcp    bool
	cb     natif.MappingCallback

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// 以下字段只由 run 协程访问
	be      backend
	extPort uint16
	current types.SocketAddr

	stopOnce sync.Once
	stopErr  error
}

// Stop 停止映射并删除网关上的映射
func (mp *mapping) Stop() error {
	mp.stopOnce.Do(func() {
		mp.cancel()
		<-mp.done
		mp.mapper.release(mp)
	})
	return mp.stopErr
}

// emit 在未停止时回调
func (mp *mapping) emit(add bool, addr types.SocketAddr, err error) {
	if mp.ctx.Err() != nil {
		return
	}
	mp.cb(add, addr, err)
}

func (mp *mapping) run() {
	defer close(mp.done)

	m := mp.mapper
	for {
		// 先排期再续期，保证回调返回后下一轮已经排期
		timer := m.clock.Timer(m.opts.Renewal)
		mp.renew()

		select {
		case <-mp.ctx.Done():
			timer.Stop()
			mp.stopErr = mp.remove()
			return
		case <-timer.C:
		}
	}
}

// renew 建立或续期映射并刷新外部地址
func (mp *mapping) renew() {
	m := mp.mapper

	be, err := m.backend(mp.ctx)
	if err != nil {
		if mp.ctx.Err() != nil {
			return
		}
		mp.lose()
		mp.emit(false, types.SocketAddr{}, err)
		return
	}

	opctx, cancel := context.WithTimeout(mp.ctx, m.opts.Timeout)
	defer cancel()

	ext, err := be.AddMapping(opctx, mp.tcp, mp.port, m.opts.Lease)
	if err != nil {
		if mp.ctx.Err() != nil {
			return
		}
		logger.Debug("端口映射失败", "backend", be.Name(), "port", mp.port, "err", err)
		m.forget(be)
		mp.lose()
		mp.emit(false, types.SocketAddr{}, types.NewStatusError(types.StatusUPnPPortMapFailed, err))
		return
	}
	mp.be, mp.extPort = be, ext

	ip, err := be.ExternalIP(opctx)
	if err != nil || !ip.IsValid() || ip.IsUnspecified() {
		if mp.ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("no external address")
		}
		logger.Debug("获取外部地址失败", "backend", be.Name(), "err", err)
		mp.lose()
		mp.emit(false, types.SocketAddr{}, types.NewStatusError(types.StatusUPnPFailed, err))
		return
	}

	addr := types.NewSocketAddr(ip, ext)
	if addr == mp.current {
		return
	}
	mp.lose()
	mp.current = addr
	logger.Debug("端口映射地址", "backend", be.Name(), "port", mp.port, "addr", addr.String())
	mp.emit(true, addr, nil)
}

// lose 回报失去当前映射地址
func (mp *mapping) lose() {
	if mp.current.IsZero() {
		return
	}
	old := mp.current
	mp.current = types.SocketAddr{}
	mp.emit(false, old, nil)
}

// remove 删除网关上的映射，不回调
func (mp *mapping) remove() error {
	if mp.be == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), mp.mapper.opts.Timeout)
	defer cancel()
	if err := mp.be.DeleteMapping(ctx, mp.tcp, mp.port, mp.extPort); err != nil {
		logger.Debug("删除端口映射失败", "backend", mp.be.Name(), "port", mp.port, "err", err)
		return err
	}
	logger.Debug("端口映射已删除", "backend", mp.be.Name(), "port", mp.port)
	return nil
}
