package nat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dep2p/go-natd/internal/core/nat/dnshole"
	"github.com/dep2p/go-natd/internal/core/nat/extip"
	"github.com/dep2p/go-natd/internal/core/nat/helper"
	"github.com/dep2p/go-natd/internal/core/nat/msg"
	"github.com/dep2p/go-natd/internal/core/nat/natpmp"
	"github.com/dep2p/go-natd/internal/core/nat/scanner"
	"github.com/dep2p/go-natd/internal/core/nat/stun"
	"github.com/dep2p/go-natd/internal/core/nat/upnp"
	natif "github.com/dep2p/go-natd/pkg/interfaces/nat"
	"github.com/dep2p/go-natd/pkg/types"
)

// 使用 doc.go 中定义的 logger

// StunResult HandleStunPacket 的结果
type StunResult int

const (
	// StunOK 载荷是 STUN 响应，外部地址已记录
	StunOK StunResult = iota
	// StunNotSTUN 载荷不是可用的 STUN 响应
	StunNotSTUN
	// StunInternalError 服务无法处理（未启动、已关闭或发送方地址无效）
	StunInternalError
)

func (r StunResult) String() string {
	switch r {
	case StunOK:
		return "ok"
	case StunNotSTUN:
		return "not_stun"
	case StunInternalError:
		return "internal_error"
	default:
		return fmt.Sprintf("StunResult(%d)", int(r))
	}
}

// Deps 服务依赖
//
// 为 nil 的字段按配置使用默认实现。
type Deps struct {
	Clock      clock.Clock
	Mapper     natif.PortMapper
	Prober     natif.ExternalIPProber
	Listener   natif.ReversalListener
	Requester  natif.ReversalRequester
	Resolver   natif.HostResolver
	Lister     natif.InterfaceLister
	Registerer prometheus.Registerer
}

// dropRequest 等待在当前事件结束后断开的客户端
type dropRequest struct {
	id  ClientID
	err error
}

// Service NAT 地址管理服务
//
// 全部状态由一个协调协程持有。公共方法把操作投递到协调协程并等待完成，
// 各监视器在自己的协程中运行，结果同样投递到协调协程处理。
type Service struct {
	cfg     *Config
	clock   clock.Clock
	metrics *Metrics
	limiter *rate.Limiter

	mapper    natif.PortMapper
	prober    natif.ExternalIPProber
	listener  natif.ReversalListener
	requester natif.ReversalRequester
	resolver  natif.HostResolver
	lister    natif.InterfaceLister

	// ownedClosers 服务自己创建、关闭时需要释放的默认实现
	ownedClosers []io.Closer

	// runCtx 服务生命周期，传给映射器和辅助进程
	runCtx    context.Context
	runCancel context.CancelFunc

	events   chan func()
	stopping chan struct{}
	loopDone chan struct{}

	lifeMu  sync.Mutex
	started bool
	closed  bool

	closeOnce sync.Once
	closeErr  error

	behindNAT atomic.Bool

	// 以下字段只由协调协程访问
	reg          *Registry
	tracker      *stun.Tracker
	scanner      *scanner.Scanner
	extip        *extip.Monitor
	extipGen     uint64
	extIP        netip.Addr
	haveNAT      bool
	stunProber   *stun.Prober
	pendingDrops []dropRequest
	tornDown     bool
}

// NewService 创建 NAT 服务
func NewService(cfg *Config, deps Deps) (*Service, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(deps.Registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}

	s := &Service{
		cfg:       cfg,
		clock:     clk,
		metrics:   metrics,
		limiter:   rate.NewLimiter(rate.Limit(cfg.ReversalRate), cfg.ReversalBurst),
		mapper:    deps.Mapper,
		prober:    deps.Prober,
		listener:  deps.Listener,
		requester: deps.Requester,
		resolver:  deps.Resolver,
		lister:    deps.Lister,
		events:    make(chan func(), cfg.EventQueueSize),
		stopping:  make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.applyDefaults()

	s.reg = NewRegistry(metrics)
	s.reg.onSendError = func(id ClientID, err error) {
		s.pendingDrops = append(s.pendingDrops, dropRequest{id: id, err: err})
	}
	s.tracker = stun.NewTracker(clk, cfg.STUNStaleness, func(fn func()) { s.post(fn) }, stunSink{s})
	s.scanner = scanner.New(s.lister, clk, cfg.ScanInterval, cfg.ExcludeInterfaces, func(r scanner.Result) {
		s.post(func() { s.onScan(r) })
	})
	if cfg.EnableExternalIP && s.prober != nil {
		s.extip = extip.New(s.prober, clk, extip.Options{
			SuccessInterval: cfg.ExternalIPSuccessInterval,
			FailureInterval: cfg.ExternalIPFailureInterval,
			ProbeTimeout:    cfg.ExternalIPProbeTimeout,
		}, func(r extip.Result) {
			s.post(func() { s.onExternalIP(r) })
		})
	}

	return s, nil
}

// applyDefaults 为未注入的依赖创建默认实现
func (s *Service) applyDefaults() {
	cfg := s.cfg
	if s.mapper == nil && cfg.EnableUPnP {
		m := upnp.NewMapper(upnp.Options{
			Timeout:      cfg.UPnPTimeout,
			Lease:        cfg.MappingDuration,
			Renewal:      cfg.MappingRenewalInterval,
			EnableNATPMP: cfg.EnableNATPMP,
		}, s.clock)
		s.mapper = m
		s.ownedClosers = append(s.ownedClosers, m)
	}
	if s.prober == nil && cfg.EnableExternalIP {
		switch cfg.ExternalIPMethod {
		case ExternalIPMethodNATPMP:
			s.prober = natpmp.NewProber(natpmp.NewClient(cfg.UPnPTimeout))
		case ExternalIPMethodHTTP:
			p := extip.NewHTTPProber(cfg.ExternalIPServices, cfg.ExternalIPProbeTimeout)
			s.prober = p
			s.ownedClosers = append(s.ownedClosers, p)
		default:
			s.prober = extip.NewCommandProber(cfg.ExternalIPCommand)
		}
	}
	if s.listener == nil && cfg.EnableICMPServer {
		s.listener = helper.NewListener(cfg.ICMPServerHelper, s.clock)
	}
	if s.requester == nil && cfg.ICMPClientHelper != "" {
		s.requester = helper.NewRequester(cfg.ICMPClientHelper)
	}
	if s.resolver == nil {
		s.resolver = dnshole.NewResolver(cfg.DNSServers, 0)
	}
	if s.lister == nil {
		s.lister = scanner.NetLister{}
	}
}

// ============================================================================
//                              生命周期
// ============================================================================

// Start 启动协调协程、网卡扫描和（可选的）STUN 探测
func (s *Service) Start(_ context.Context) error {
	s.lifeMu.Lock()
	switch {
	case s.closed:
		s.lifeMu.Unlock()
		return ErrServiceClosed
	case s.started:
		s.lifeMu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.lifeMu.Unlock()

	go s.loop()

	var startErr error
	err := s.call(func() {
		s.scanner.Start()
		if s.cfg.EnableSTUNProbe {
			p := stun.NewProber(s.cfg.STUNServers, s.cfg.STUNProbeInterval, s.cfg.STUNProbeListen, s.clock,
				func(sender types.SocketAddr, payload []byte) {
					s.handleStun(sender, payload, false)
				})
			// 探测器的生命周期与服务相同，不随调用方的 ctx 结束
			if err := p.Start(s.runCtx); err != nil {
				startErr = fmt.Errorf("start STUN prober: %w", err)
				return
			}
			s.stunProber = p
		}
	})
	if err != nil {
		return err
	}
	if startErr != nil {
		return startErr
	}

	logger.Info("NAT 服务已启动",
		"upnp", s.mapper != nil,
		"extip", s.extip != nil,
		"icmpServer", s.listener != nil,
		"stunProbe", s.cfg.EnableSTUNProbe)
	return nil
}

// Close 按固定顺序停止全部异步任务：定时器、子进程与映射、套接字，最后退出协调协程
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.lifeMu.Lock()
		s.closed = true
		started := s.started
		s.lifeMu.Unlock()

		close(s.stopping)
		s.runCancel()
		if !started {
			s.closeErr = s.closeOwned()
			return
		}

		errCh := make(chan error, 1)
		s.events <- func() { errCh <- s.teardown() }
		s.closeErr = <-errCh
		<-s.loopDone
		logger.Info("NAT 服务已关闭")
	})
	return s.closeErr
}

// teardown 在协调协程中释放全部资源
func (s *Service) teardown() error {
	s.tornDown = true
	clients := s.reg.clientList()

	// 1. 定时器
	s.scanner.Stop()
	if s.extip != nil {
		s.extip.Stop()
	}
	s.tracker.Stop()
	for _, c := range clients {
		c.quit()
		if c.dns != nil {
			c.dns.Stop()
		}
	}

	// 2. 子进程与映射
	var g errgroup.Group
	for _, c := range clients {
		for _, h := range c.mappings {
			g.Go(h.Stop)
		}
		c.mappings = nil
	}
	err := g.Wait()
	err = multierr.Append(err, s.reg.stopAllHelpers())
	err = multierr.Append(err, s.closeOwned())

	// 3. 套接字
	if s.stunProber != nil {
		err = multierr.Append(err, s.stunProber.Close())
	}
	for _, c := range clients {
		if cerr := c.conn.Close(); cerr != nil && !errors.Is(cerr, natif.ErrClientClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}

func (s *Service) ctx() context.Context {
	return s.runCtx
}

func (s *Service) closeOwned() error {
	var err error
	for _, c := range s.ownedClosers {
		err = multierr.Append(err, c.Close())
	}
	s.ownedClosers = nil
	return err
}

// ============================================================================
//                              协调协程
// ============================================================================

func (s *Service) loop() {
	defer close(s.loopDone)
	for fn := range s.events {
		fn()
		s.flushDrops()
		if s.tornDown {
			return
		}
	}
}

// post 把 fn 投递到协调协程；服务关闭后丢弃并返回 false
func (s *Service) post(fn func()) bool {
	return s.postFrom(nil, fn)
}

// postFrom 同 post，quit 关闭时同样放弃投递
//
// 监视器在被停止时可能正阻塞在投递上，停止方先关闭 quit 再等待监视器退出。
func (s *Service) postFrom(quit <-chan struct{}, fn func()) bool {
	wrapped := func() {
		if !s.tornDown {
			fn()
		}
	}
	select {
	case <-s.stopping:
		return false
	default:
	}
	select {
	case s.events <- wrapped:
		return true
	case <-s.stopping:
		return false
	case <-quit:
		return false
	}
}

// call 投递 fn 并等待其在协调协程中执行完毕
func (s *Service) call(fn func()) error {
	s.lifeMu.Lock()
	started, closed := s.started, s.closed
	s.lifeMu.Unlock()
	if closed {
		return ErrServiceClosed
	}
	if !started {
		return ErrNotStarted
	}

	done := make(chan struct{})
	if !s.post(func() {
		defer close(done)
		fn()
	}) {
		return ErrServiceClosed
	}
	select {
	case <-done:
		return nil
	case <-s.loopDone:
		select {
		case <-done:
			return nil
		default:
			return ErrServiceClosed
		}
	}
}

// flushDrops 断开推送失败或违反协议的客户端
func (s *Service) flushDrops() {
	for len(s.pendingDrops) > 0 {
		d := s.pendingDrops[0]
		s.pendingDrops = s.pendingDrops[1:]
		if c, ok := s.reg.client(d.id); ok {
			s.removeClient(c, &ClientError{Client: d.id, Cause: d.err})
		}
	}
}

// ============================================================================
//                              客户端
// ============================================================================

// Connect 接入一个客户端，返回其标识
func (s *Service) Connect(conn natif.ClientConn) (ClientID, error) {
	if conn == nil {
		return uuid.Nil, ErrNilConn
	}
	id := uuid.New()
	err := s.call(func() {
		s.reg.addClient(newClient(id, conn))
		logger.Debug("客户端已连接", "client", id)
	})
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// Register 处理客户端的注册消息
//
// 重复注册、地址过多、协议或地址无效都会断开客户端，返回 *ClientError。
func (s *Service) Register(id ClientID, m *msg.Register) error {
	if m == nil {
		return fmt.Errorf("%w: nil register message", msg.ErrMalformed)
	}
	var regErr error
	err := s.call(func() {
		c, ok := s.reg.client(id)
		if !ok {
			regErr = ErrUnknownClient
			return
		}
		if err := s.register(c, m); err != nil {
			regErr = &ClientError{Client: id, Cause: err}
			s.removeClient(c, regErr)
		}
	})
	if err != nil {
		return err
	}
	return regErr
}

// RegisterRaw 解码并处理线路格式的注册消息，格式错误时断开客户端
func (s *Service) RegisterRaw(id ClientID, b []byte) error {
	m, err := msg.Decode(b)
	if err != nil {
		var dropErr error
		callErr := s.call(func() {
			c, ok := s.reg.client(id)
			if !ok {
				dropErr = ErrUnknownClient
				return
			}
			dropErr = &ClientError{Client: id, Cause: err}
			s.removeClient(c, dropErr)
		})
		if callErr != nil {
			return callErr
		}
		return dropErr
	}
	return s.Register(id, m)
}

// Disconnect 断开客户端：停止其映射和 DNS 任务，移除其自有地址
func (s *Service) Disconnect(id ClientID) error {
	var discErr error
	err := s.call(func() {
		c, ok := s.reg.client(id)
		if !ok {
			discErr = ErrUnknownClient
			return
		}
		s.removeClient(c, nil)
	})
	if err != nil {
		return err
	}
	return discErr
}

func (s *Service) register(c *client, m *msg.Register) error {
	if c.registered {
		return ErrAlreadyRegistered
	}
	if len(m.Addrs) > msg.MaxBoundAddresses {
		return msg.ErrTooManyAddresses
	}
	if !m.Protocol.Valid() {
		return fmt.Errorf("%w: protocol %d", msg.ErrMalformed, m.Protocol)
	}
	for i, a := range m.Addrs {
		if a.Family() == types.FamilyNone {
			return fmt.Errorf("%w: bound address %d", ErrInvalidAddress, i)
		}
	}

	c.flags = m.Flags
	c.protocol = m.Protocol
	c.addrs = append([]types.SocketAddr(nil), m.Addrs...)
	c.natted = computeNatted(c.addrs)
	c.section = m.Section
	c.registered = true

	logger.Info("客户端已注册",
		"client", c.id,
		"flags", c.flags,
		"protocol", c.protocol,
		"addrs", len(c.addrs),
		"natted", c.natted,
		"section", c.section)

	s.reg.replay(c)
	s.configureHole(c)
	if s.cfg.EnableUPnP && s.mapper != nil && c.natted {
		s.startMappings(c)
	}
	return nil
}

// removeClient 同步撤销客户端的全部映射和 DNS 任务并移除其自有地址
//
// cause 非 nil 表示服务主动断开，同时关闭客户端连接。
func (s *Service) removeClient(c *client, cause error) {
	c.quit()

	var g errgroup.Group
	for _, h := range c.mappings {
		g.Go(h.Stop)
	}
	c.mappings = nil
	if c.dns != nil {
		dns := c.dns
		g.Go(func() error {
			dns.Stop()
			return nil
		})
		c.dns = nil
	}
	if err := g.Wait(); err != nil {
		logger.Debug("撤销端口映射失败", "client", c.id, "err", err)
	}

	owned := s.reg.removeOwned(c.id)
	s.reg.removeClient(c.id)

	if cause != nil {
		logger.Error("断开客户端", "client", c.id, "err", cause)
		_ = c.conn.Close()
	} else {
		logger.Debug("客户端已断开", "client", c.id, "ownedEntries", owned)
	}
}

// ============================================================================
//                              查询
// ============================================================================

// LocalAddresses 返回当前全部本地地址条目
func (s *Service) LocalAddresses() ([]Entry, error) {
	var out []Entry
	err := s.call(func() { out = s.reg.Entries() })
	return out, err
}

// HaveNAT 本机是否有局域网地址
func (s *Service) HaveNAT() bool {
	return s.behindNAT.Load()
}

// ExternalIP 返回外部 IP 工具最近报告的地址，尚未获得时无效
func (s *Service) ExternalIP() (netip.Addr, error) {
	var out netip.Addr
	err := s.call(func() { out = s.extIP })
	return out, err
}
