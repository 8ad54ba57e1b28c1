package nat

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-natd/internal/core/nat/msg"
	natif "github.com/dep2p/go-natd/pkg/interfaces/nat"
	"github.com/dep2p/go-natd/pkg/types"
)

// ============================================================================
//                              客户端连接
// ============================================================================

type natifChange = natif.AddressChange

type fakeConn struct {
	mu        sync.Mutex
	changes   []natif.AddressChange
	reversals []natif.ReversalRequest
	closed    bool
	failSend  error
}

func (c *fakeConn) SendAddressChange(ch natif.AddressChange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend != nil {
		return c.failSend
	}
	c.changes = append(c.changes, ch)
	return nil
}

func (c *fakeConn) SendReversalRequest(r natif.ReversalRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend != nil {
		return c.failSend
	}
	c.reversals = append(c.reversals, r)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) snapshot() []natif.AddressChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]natif.AddressChange(nil), c.changes...)
}

func (c *fakeConn) reversalList() []natif.ReversalRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]natif.ReversalRequest(nil), c.reversals...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// has 是否收到过指定通知
func (c *fakeConn) has(add bool, class types.AddressClass, addr string) bool {
	want := natif.AddressChange{Add: add, Class: class, Addr: types.MustParseSocketAddr(addr)}
	for _, ch := range c.snapshot() {
		if ch == want {
			return true
		}
	}
	return false
}

// hasAddr 是否收到过涉及 addr 的任何通知
func (c *fakeConn) hasAddr(addr string) bool {
	a := types.MustParseSocketAddr(addr)
	for _, ch := range c.snapshot() {
		if ch.Addr == a {
			return true
		}
	}
	return false
}

func add(class types.AddressClass, addr string) natif.AddressChange {
	return natif.AddressChange{Add: true, Class: class, Addr: types.MustParseSocketAddr(addr)}
}

func remove(class types.AddressClass, addr string) natif.AddressChange {
	return natif.AddressChange{Add: false, Class: class, Addr: types.MustParseSocketAddr(addr)}
}

// ============================================================================
//                              网卡
// ============================================================================

type fakeLister struct {
	mu     sync.Mutex
	ifaces []natif.Interface
}

func (l *fakeLister) set(ifaces ...natif.Interface) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ifaces = ifaces
}

func (l *fakeLister) Interfaces() ([]natif.Interface, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]natif.Interface(nil), l.ifaces...), nil
}

func iface(name string, addrs ...string) natif.Interface {
	out := natif.Interface{Name: name, Up: true}
	for _, a := range addrs {
		out.Addrs = append(out.Addrs, netip.MustParseAddr(a))
	}
	return out
}

// ============================================================================
//                              端口映射
// ============================================================================

type fakeMapping struct {
	port    uint16
	tcp     bool
	cb      natif.MappingCallback
	stopped atomic.Bool
}

func (m *fakeMapping) Stop() error {
	m.stopped.Store(true)
	return nil
}

type fakeMapper struct {
	mu       sync.Mutex
	started  []*fakeMapping
	startErr error
}

func (m *fakeMapper) StartMapping(_ context.Context, port uint16, tcp bool, cb natif.MappingCallback) (natif.MappingHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return nil, m.startErr
	}
	mp := &fakeMapping{port: port, tcp: tcp, cb: cb}
	m.started = append(m.started, mp)
	return mp, nil
}

func (m *fakeMapper) mappings() []*fakeMapping {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakeMapping(nil), m.started...)
}

// ============================================================================
//                              外部 IP
// ============================================================================

type fakeProber struct {
	mu    sync.Mutex
	addr  netip.Addr
	err   error
	calls int
}

func (p *fakeProber) Probe(context.Context) (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.addr, p.err
}

// ============================================================================
//                              ICMP 辅助进程
// ============================================================================

type fakeServer struct {
	local   netip.Addr
	cb      func(remote types.SocketAddr)
	stopped atomic.Bool
}

func (s *fakeServer) Stop() error {
	s.stopped.Store(true)
	return nil
}

type fakeListener struct {
	mu      sync.Mutex
	servers []*fakeServer
}

func (l *fakeListener) Start(_ context.Context, local netip.Addr, cb func(remote types.SocketAddr)) (natif.ReversalHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &fakeServer{local: local, cb: cb}
	l.servers = append(l.servers, s)
	return s, nil
}

func (l *fakeListener) server(local string) *fakeServer {
	l.mu.Lock()
	defer l.mu.Unlock()
	ip := netip.MustParseAddr(local)
	for _, s := range l.servers {
		if s.local == ip {
			return s
		}
	}
	return nil
}

type reversalCall struct {
	local, remote netip.Addr
	port          uint16
}

type fakeRequester struct {
	mu    sync.Mutex
	calls []reversalCall
	err   error
}

func (r *fakeRequester) Request(_ context.Context, local, remote netip.Addr, port uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, reversalCall{local: local, remote: remote, port: port})
	return r.err
}

// ============================================================================
//                              DNS
// ============================================================================

// scriptedResolver 依次返回预设结果，用完后重复最后一个
type scriptedResolver struct {
	mu      sync.Mutex
	results [][]netip.Addr
	calls   int
}

func (r *scriptedResolver) Resolve(context.Context, string) ([]netip.Addr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.results) == 0 {
		return nil, errors.New("no script")
	}
	i := r.calls
	if i >= len(r.results) {
		i = len(r.results) - 1
	}
	r.calls++
	return r.results[i], nil
}

func addrs(list ...string) []netip.Addr {
	out := make([]netip.Addr, 0, len(list))
	for _, a := range list {
		out = append(out, netip.MustParseAddr(a))
	}
	return out
}

// ============================================================================
//                              服务
// ============================================================================

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// testConfig 关闭会访问网络或执行外部命令的功能
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.EnableUPnP = false
	cfg.EnableNATPMP = false
	cfg.EnableExternalIP = false
	cfg.ICMPClientHelper = ""
	return cfg
}

type testEnv struct {
	svc    *Service
	clock  *clock.Mock
	lister *fakeLister
}

// startService 用 mock 时钟和假网卡启动服务，测试结束时关闭
func startService(t *testing.T, cfg *Config, deps Deps) *testEnv {
	t.Helper()
	mock := clock.NewMock()
	lister, _ := deps.Lister.(*fakeLister)
	if lister == nil {
		lister = &fakeLister{}
		deps.Lister = lister
	}
	deps.Clock = mock

	svc, err := NewService(cfg, deps)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Close() })
	return &testEnv{svc: svc, clock: mock, lister: lister}
}

// waitEntries 等待本地地址条目数达到 n
func (e *testEnv) waitEntries(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		list, err := e.svc.LocalAddresses()
		return err == nil && len(list) == n
	}, waitFor, tick)
}

// rescan 推进一个扫描周期并等待条目数达到 n
func (e *testEnv) rescan(t *testing.T, n int) {
	t.Helper()
	e.clock.Add(e.svc.cfg.ScanInterval)
	e.waitEntries(t, n)
}

// connect 接入并注册一个客户端
func (e *testEnv) connect(t *testing.T, flags types.RegisterFlags, proto types.Protocol, section string, bound ...string) (ClientID, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	id, err := e.svc.Connect(conn)
	require.NoError(t, err)
	m := registerMsg(flags, proto, section, bound...)
	require.NoError(t, e.svc.Register(id, m))
	return id, conn
}

func registerMsg(flags types.RegisterFlags, proto types.Protocol, section string, bound ...string) *msg.Register {
	m := &msg.Register{Flags: flags, Protocol: proto, Section: section}
	for _, b := range bound {
		m.Addrs = append(m.Addrs, types.MustParseSocketAddr(b))
	}
	return m
}
