package nat

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"

	pionstun "github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-natd/internal/core/nat/extip"
	"github.com/dep2p/go-natd/internal/core/nat/msg"
	"github.com/dep2p/go-natd/internal/core/nat/natpmp"
	natif "github.com/dep2p/go-natd/pkg/interfaces/nat"
	"github.com/dep2p/go-natd/pkg/types"
)

func stunResponse(t *testing.T, ip string, port int) []byte {
	t.Helper()
	m, err := pionstun.Build(pionstun.TransactionID, pionstun.BindingSuccess,
		&pionstun.XORMappedAddress{IP: net.ParseIP(ip), Port: port})
	require.NoError(t, err)
	return m.Raw
}

// ============================================================================
//                              生命周期
// ============================================================================

func TestNewService_InvalidConfig(t *testing.T) {
	_, err := NewService(nil, Deps{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg := testConfig()
	cfg.ScanInterval = 0
	_, err = NewService(cfg, Deps{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewService_DefaultProbers(t *testing.T) {
	tests := []struct {
		method string
		want   any
	}{
		{ExternalIPMethodCommand, &extip.CommandProber{}},
		{ExternalIPMethodNATPMP, &natpmp.Prober{}},
		{ExternalIPMethodHTTP, &extip.HTTPProber{}},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			cfg := testConfig()
			cfg.EnableExternalIP = true
			cfg.ExternalIPMethod = tt.method
			svc, err := NewService(cfg, Deps{Lister: &fakeLister{}})
			require.NoError(t, err)
			defer func() { _ = svc.Close() }()
			assert.IsType(t, tt.want, svc.prober)
			assert.NotNil(t, svc.extip)
		})
	}
}

func TestService_Lifecycle(t *testing.T) {
	svc, err := NewService(testConfig(), Deps{Lister: &fakeLister{}})
	require.NoError(t, err)

	_, err = svc.Connect(&fakeConn{})
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Equal(t, StunInternalError, svc.HandleStunPacket(types.MustParseSocketAddr("198.51.100.1:3478"), stunResponse(t, "203.0.113.9", 40000)))

	require.NoError(t, svc.Start(context.Background()))
	assert.ErrorIs(t, svc.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	_, err = svc.Connect(&fakeConn{})
	assert.ErrorIs(t, err, ErrServiceClosed)
	assert.ErrorIs(t, svc.Start(context.Background()), ErrServiceClosed)
}

func TestService_CloseWithoutStart(t *testing.T) {
	svc, err := NewService(testConfig(), Deps{Lister: &fakeLister{}})
	require.NoError(t, err)
	assert.NoError(t, svc.Close())
}

func TestService_CloseStopsEverything(t *testing.T) {
	cfg := testConfig()
	cfg.EnableUPnP = true
	cfg.EnableICMPServer = true
	mapper := &fakeMapper{}
	listener := &fakeListener{}
	lister := &fakeLister{}
	lister.set(iface("eth0", "192.168.1.10"))

	env := startService(t, cfg, Deps{Mapper: mapper, Listener: listener, Lister: lister})
	env.waitEntries(t, 1)
	_, conn := env.connect(t, types.FlagAddresses, types.ProtocolUDP, "", "0.0.0.0:2086")
	require.Len(t, mapper.mappings(), 1)
	server := listener.server("192.168.1.10")
	require.NotNil(t, server)

	require.NoError(t, env.svc.Close())

	assert.True(t, mapper.mappings()[0].stopped.Load())
	assert.True(t, server.stopped.Load())
	assert.True(t, conn.isClosed())
}

// ============================================================================
//                              网卡地址
// ============================================================================

func TestService_InterfaceAddresses(t *testing.T) {
	lister := &fakeLister{}
	lister.set(iface("lo", "127.0.0.1"), iface("eth0", "192.168.1.10"))
	env := startService(t, testConfig(), Deps{Lister: lister})
	env.waitEntries(t, 2)
	assert.True(t, env.svc.HaveNAT())

	_, wild := env.connect(t, types.FlagAddresses, types.ProtocolUDP, "", "0.0.0.0:2086")
	_, loop := env.connect(t, types.FlagAddresses, types.ProtocolUDP, "", "127.0.0.1:5000")

	assert.Equal(t, []natifChange{add(types.ClassLAN, "192.168.1.10:2086")}, wild.snapshot())
	assert.Equal(t, []natifChange{add(types.ClassLoopback, "127.0.0.1:5000")}, loop.snapshot())

	lister.set(iface("lo", "127.0.0.1"))
	env.rescan(t, 1)

	assert.True(t, wild.has(false, types.ClassLAN, "192.168.1.10:2086"))
	assert.Len(t, loop.snapshot(), 1)
	assert.False(t, env.svc.HaveNAT())
}

func TestService_LoopbackClientNeverSeesGlobalAddresses(t *testing.T) {
	lister := &fakeLister{}
	lister.set(iface("lo", "127.0.0.1"), iface("eth0", "192.168.1.10", "203.0.113.50"))
	env := startService(t, testConfig(), Deps{Lister: lister})
	env.waitEntries(t, 3)

	_, wild := env.connect(t, types.FlagAddresses, types.ProtocolUDP, "", "0.0.0.0:9000")
	_, loop := env.connect(t, types.FlagAddresses, types.ProtocolUDP, "", "127.0.0.1:9000")

	assert.True(t, wild.has(true, types.ClassGlobal, "203.0.113.50:9000"))
	assert.Equal(t, []natifChange{add(types.ClassLoopback, "127.0.0.1:9000")}, loop.snapshot())

	// 扫描中新出现的公网地址同样不发给回环客户端
	lister.set(iface("lo", "127.0.0.1"), iface("eth0", "192.168.1.10", "203.0.113.50", "198.51.100.20"))
	env.rescan(t, 4)

	assert.True(t, wild.has(true, types.ClassGlobal, "198.51.100.20:9000"))
	assert.Equal(t, []natifChange{add(types.ClassLoopback, "127.0.0.1:9000")}, loop.snapshot())
}

func TestService_ExcludedInterfaces(t *testing.T) {
	lister := &fakeLister{}
	lister.set(iface("vpn-natd", "10.8.0.2"), iface("eth0", "192.168.1.10"))
	env := startService(t, testConfig(), Deps{Lister: lister})
	env.waitEntries(t, 1)

	list, err := env.svc.LocalAddresses()
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.10:0", list[0].Addr.String())
	assert.Equal(t, types.SourceInterface, list[0].Source)
}

// ============================================================================
//                              注册
// ============================================================================

func TestService_RegisterTwiceDropsClient(t *testing.T) {
	env := startService(t, testConfig(), Deps{})
	id, conn := env.connect(t, types.FlagAddresses, types.ProtocolUDP, "", "0.0.0.0:2086")

	err := env.svc.Register(id, registerMsg(types.FlagAddresses, types.ProtocolUDP, "", "0.0.0.0:2086"))
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, id, ce.Client)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.True(t, conn.isClosed())

	assert.ErrorIs(t, env.svc.Disconnect(id), ErrUnknownClient)
}

func TestService_RegisterValidation(t *testing.T) {
	env := startService(t, testConfig(), Deps{})

	tests := []struct {
		name string
		m    *msg.Register
		want error
	}{
		{
			name: "unknown protocol",
			m:    &msg.Register{Flags: types.FlagAddresses, Protocol: types.Protocol(99)},
			want: msg.ErrMalformed,
		},
		{
			name: "too many addresses",
			m: &msg.Register{
				Flags: types.FlagAddresses,
				Addrs: make([]types.SocketAddr, msg.MaxBoundAddresses+1),
			},
			want: msg.ErrTooManyAddresses,
		},
		{
			name: "empty address",
			m:    &msg.Register{Flags: types.FlagAddresses, Addrs: []types.SocketAddr{{}}},
			want: ErrInvalidAddress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeConn{}
			id, err := env.svc.Connect(conn)
			require.NoError(t, err)

			err = env.svc.Register(id, tt.m)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, conn.isClosed())
		})
	}
}

func TestService_RegisterRaw(t *testing.T) {
	lister := &fakeLister{}
	lister.set(iface("eth0", "192.168.1.10"))
	env := startService(t, testConfig(), Deps{Lister: lister})
	env.waitEntries(t, 1)

	conn := &fakeConn{}
	id, err := env.svc.Connect(conn)
	require.NoError(t, err)
	b, err := registerMsg(types.FlagAddresses, types.ProtocolUDP, "", "0.0.0.0:2086").MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, env.svc.RegisterRaw(id, b))
	assert.True(t, conn.has(true, types.ClassLAN, "192.168.1.10:2086"))

	bad := &fakeConn{}
	badID, err := env.svc.Connect(bad)
	require.NoError(t, err)
	err = env.svc.RegisterRaw(badID, []byte{0x01})
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	assert.True(t, bad.isClosed())

	// IPv6 记录中携带 IPv4 映射地址视为协议错误
	mapped := &fakeConn{}
	mappedID, err := env.svc.Connect(mapped)
	require.NoError(t, err)
	raw := []byte{byte(types.FlagAddresses), byte(types.ProtocolUDP), 0, 1, 0, 0, byte(types.FamilyIPv6), 0x08, 0x26}
	raw = append(raw, netip.MustParseAddr("::ffff:192.168.1.10").AsSlice()...)
	err = env.svc.RegisterRaw(mappedID, raw)
	assert.ErrorIs(t, err, msg.ErrMalformed)
	assert.True(t, mapped.isClosed())
	assert.Empty(t, mapped.snapshot())
}

func TestService_SendFailureDropsClient(t *testing.T) {
	lister := &fakeLister{}
	lister.set(iface("eth0", "192.168.1.10"))
	env := startService(t, testConfig(), Deps{Lister: lister})
	env.waitEntries(t, 1)

	conn := &fakeConn{failSend: errors.New("broken pipe")}
	id, err := env.svc.Connect(conn)
	require.NoError(t, err)
	require.NoError(t, env.svc.Register(id, registerMsg(types.FlagAddresses, types.ProtocolUDP, "", "0.0.0.0:2086")))

	// 断开发生在注册事件之后，Disconnect 排在其后
	assert.ErrorIs(t, env.svc.Disconnect(id), ErrUnknownClient)
	assert.True(t, conn.isClosed())
}

// ============================================================================
//                              STUN
// ============================================================================

func TestService_StunAddressLifecycle(t *testing.T) {
	lister := &fakeLister{}
	lister.set(iface("eth0", "192.168.1.10"))
	cfg := testConfig()
	env := startService(t, cfg, Deps{Lister: lister})
	env.waitEntries(t, 1)

	_, natted := env.connect(t, types.FlagAddresses, types.ProtocolTCP, "", "0.0.0.0:2086")
	_, public := env.connect(t, types.FlagAddresses, types.ProtocolUDP, "", "203.0.113.50:2086")

	server := types.MustParseSocketAddr("198.51.100.1:3478")
	assert.Equal(t, StunOK, env.svc.HandleStunPacket(server, stunResponse(t, "203.0.113.9", 40000)))
	require.Eventually(t, func() bool {
		return natted.has(true, types.ClassExtern, "203.0.113.9:40000")
	}, waitFor, tick)
	assert.False(t, public.hasAddr("203.0.113.9:40000"))

	env.clock.Add(cfg.STUNStaleness)
	require.Eventually(t, func() bool {
		return natted.has(false, types.ClassExtern, "203.0.113.9:40000")
	}, waitFor, tick)
	env.waitEntries(t, 1)
}

func TestService_StunNotStun(t *testing.T) {
	env := startService(t, testConfig(), Deps{})
	server := types.MustParseSocketAddr("198.51.100.1:3478")

	assert.Equal(t, StunNotSTUN, env.svc.HandleStunPacket(server, []byte("hello")))
	assert.Equal(t, StunInternalError, env.svc.HandleStunPacket(types.SocketAddr{}, stunResponse(t, "203.0.113.9", 1)))
}

// ============================================================================
//                              端口映射
// ============================================================================

func TestService_UPnPMappingOwnedByClient(t *testing.T) {
	cfg := testConfig()
	cfg.EnableUPnP = true
	mapper := &fakeMapper{}
	env := startService(t, cfg, Deps{Mapper: mapper})

	id, owner := env.connect(t, types.FlagAddresses, types.ProtocolTCP, "", "0.0.0.0:2086", "192.168.1.10:2086")
	_, other := env.connect(t, types.FlagAddresses, types.ProtocolUDP, "", "203.0.113.50:3000")

	list := mapper.mappings()
	require.Len(t, list, 1, "ports are mapped once")
	mp := list[0]
	assert.Equal(t, uint16(2086), mp.port)
	assert.True(t, mp.tcp)

	mp.cb(true, types.MustParseSocketAddr("203.0.113.20:2086"), nil)
	require.Eventually(t, func() bool {
		return owner.has(true, types.ClassExtern, "203.0.113.20:2086")
	}, waitFor, tick)
	assert.Empty(t, other.snapshot())

	mp.cb(false, types.SocketAddr{}, types.NewStatusError(types.StatusUPnPTimeout, nil))

	require.NoError(t, env.svc.Disconnect(id))
	assert.True(t, mp.stopped.Load())
	env.waitEntries(t, 0)

	// 断开后的迟到回调被丢弃
	mp.cb(true, types.MustParseSocketAddr("203.0.113.21:2086"), nil)
	assert.False(t, owner.hasAddr("203.0.113.21:2086"))
}

func TestService_PublicClientIsNotMapped(t *testing.T) {
	cfg := testConfig()
	cfg.EnableUPnP = true
	mapper := &fakeMapper{}
	env := startService(t, cfg, Deps{Mapper: mapper})

	env.connect(t, types.FlagAddresses, types.ProtocolUDP, "", "203.0.113.50:2086")
	assert.Empty(t, mapper.mappings())
}

// ============================================================================
//                              外部 IP 与 AUTO 打洞
// ============================================================================

func TestService_ExternalIPAndAutoHole(t *testing.T) {
	cfg := testConfig()
	cfg.EnableExternalIP = true
	cfg.Sections["auto"] = SectionConfig{HoleExternal: "AUTO"}
	prober := &fakeProber{addr: netip.MustParseAddr("203.0.113.7")}
	lister := &fakeLister{}
	lister.set(iface("eth0", "192.168.1.10"))

	env := startService(t, cfg, Deps{Prober: prober, Lister: lister})
	require.Eventually(t, func() bool {
		ip, err := env.svc.ExternalIP()
		return err == nil && ip == prober.addr
	}, waitFor, tick)

	_, conn := env.connect(t, types.FlagAddresses, types.ProtocolUDP, "auto", "192.168.1.10:2086")
	assert.True(t, conn.has(true, types.ClassExtern, "203.0.113.7:2086"))
	assert.True(t, conn.has(true, types.ClassGlobal|types.ClassManual, "203.0.113.7:2086"))

	// 不再有局域网地址时撤销外部 IP 及 AUTO 地址
	lister.set(iface("eth0", "203.0.113.50"))
	env.clock.Add(cfg.ScanInterval)
	require.Eventually(t, func() bool {
		return conn.has(false, types.ClassExtern, "203.0.113.7:2086") &&
			conn.has(false, types.ClassGlobal|types.ClassManual, "203.0.113.7:2086")
	}, waitFor, tick)

	ip, err := env.svc.ExternalIP()
	require.NoError(t, err)
	assert.False(t, ip.IsValid())
}

func TestService_ExternalIPFailureKeepsRunning(t *testing.T) {
	cfg := testConfig()
	cfg.EnableExternalIP = true
	prober := &fakeProber{err: types.NewStatusError(types.StatusExternalIPUtilityNotFound, nil)}
	lister := &fakeLister{}
	lister.set(iface("eth0", "192.168.1.10"))

	env := startService(t, cfg, Deps{Prober: prober, Lister: lister})
	env.waitEntries(t, 1)
	require.Eventually(t, func() bool {
		prober.mu.Lock()
		defer prober.mu.Unlock()
		return prober.calls > 0
	}, waitFor, tick)

	ip, err := env.svc.ExternalIP()
	require.NoError(t, err)
	assert.False(t, ip.IsValid())
	env.waitEntries(t, 1)
}

// ============================================================================
//                              手动打洞地址
// ============================================================================

func TestService_LiteralHole(t *testing.T) {
	cfg := testConfig()
	cfg.Sections["static"] = SectionConfig{HoleExternal: "198.51.100.30:4000"}
	env := startService(t, cfg, Deps{})

	id, conn := env.connect(t, types.FlagAddresses, types.ProtocolUDP, "static", "203.0.113.50:2086")
	assert.Equal(t, []natifChange{add(types.ClassExtern|types.ClassManual, "198.51.100.30:4000")}, conn.snapshot())

	require.NoError(t, env.svc.Disconnect(id))
	env.waitEntries(t, 0)
}

func TestService_DNSHole(t *testing.T) {
	cfg := testConfig()
	cfg.Sections["dyn"] = SectionConfig{HoleExternal: "gw.example.org:4000"}
	resolver := &scriptedResolver{results: [][]netip.Addr{
		addrs("198.51.100.10", "198.51.100.11"),
		addrs("198.51.100.11", "198.51.100.12"),
	}}
	env := startService(t, cfg, Deps{Resolver: resolver})

	id, conn := env.connect(t, types.FlagAddresses, types.ProtocolUDP, "dyn", "0.0.0.0:2086")
	class := types.ClassExtern | types.ClassManual
	require.Eventually(t, func() bool {
		return len(conn.snapshot()) == 2
	}, waitFor, tick)
	assert.Equal(t, []natifChange{
		add(class, "198.51.100.10:4000"),
		add(class, "198.51.100.11:4000"),
	}, conn.snapshot())

	env.clock.Add(cfg.DynDNSFrequency)
	require.Eventually(t, func() bool {
		return len(conn.snapshot()) == 4
	}, waitFor, tick)
	assert.Equal(t, []natifChange{
		add(class, "198.51.100.12:4000"),
		remove(class, "198.51.100.10:4000"),
	}, conn.snapshot()[2:])

	require.NoError(t, env.svc.Disconnect(id))
	env.waitEntries(t, 0)
}

// ============================================================================
//                              连接反转
// ============================================================================

func TestService_ReversalRouting(t *testing.T) {
	env := startService(t, testConfig(), Deps{})

	_, wild := env.connect(t, types.FlagReversal, types.ProtocolTCP, "", "0.0.0.0:2086")
	_, exact := env.connect(t, types.FlagReversal|types.FlagAddresses, types.ProtocolTCP, "", "192.168.1.10:2087")
	_, noFlag := env.connect(t, types.FlagAddresses, types.ProtocolTCP, "", "0.0.0.0:2088")
	_, elsewhere := env.connect(t, types.FlagReversal, types.ProtocolTCP, "", "10.0.0.5:2089")

	local := types.MustParseSocketAddr("192.168.1.10:0")
	remote := types.MustParseSocketAddr("198.51.100.77:0")
	require.NoError(t, env.svc.OnReversalRequest(local, remote))

	want := []natif.ReversalRequest{{Remote: remote}}
	assert.Equal(t, want, wild.reversalList())
	assert.Equal(t, want, exact.reversalList())
	assert.Empty(t, noFlag.reversalList())
	assert.Empty(t, elsewhere.reversalList())

	assert.ErrorIs(t, env.svc.OnReversalRequest(types.MustParseSocketAddr("[2001:db8::1]:0"), remote), ErrInvalidAddress)
}

func TestService_ReversalRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.ReversalRate = 0.001
	cfg.ReversalBurst = 1
	env := startService(t, cfg, Deps{})

	_, conn := env.connect(t, types.FlagReversal, types.ProtocolTCP, "", "0.0.0.0:2086")
	local := types.MustParseSocketAddr("192.168.1.10:0")
	remote := types.MustParseSocketAddr("198.51.100.77:0")

	require.NoError(t, env.svc.OnReversalRequest(local, remote))
	require.NoError(t, env.svc.OnReversalRequest(local, remote))
	assert.Len(t, conn.reversalList(), 1)
}

func TestService_ICMPServerRoutesRequests(t *testing.T) {
	cfg := testConfig()
	cfg.EnableICMPServer = true
	listener := &fakeListener{}
	lister := &fakeLister{}
	lister.set(iface("lo", "127.0.0.1"), iface("eth0", "192.168.1.10", "203.0.113.50"))

	env := startService(t, cfg, Deps{Listener: listener, Lister: lister})
	env.waitEntries(t, 3)
	server := listener.server("192.168.1.10")
	require.NotNil(t, server)
	assert.Nil(t, listener.server("127.0.0.1"))
	assert.Nil(t, listener.server("203.0.113.50"))

	_, conn := env.connect(t, types.FlagReversal, types.ProtocolTCP, "", "0.0.0.0:2086")
	remote := types.MustParseSocketAddr("198.51.100.77:0")
	server.cb(remote)
	require.Eventually(t, func() bool {
		return len(conn.reversalList()) == 1
	}, waitFor, tick)

	lister.set(iface("lo", "127.0.0.1"))
	env.rescan(t, 1)
	assert.True(t, server.stopped.Load())
}

func TestService_RequestConnectionReversal(t *testing.T) {
	requester := &fakeRequester{}
	env := startService(t, testConfig(), Deps{Requester: requester})
	ctx := context.Background()

	id, _ := env.connect(t, types.FlagReversal, types.ProtocolTCP, "", "192.168.1.10:2086")
	local := types.MustParseSocketAddr("192.168.1.10:0")
	remote := types.MustParseSocketAddr("198.51.100.77:0")

	require.NoError(t, env.svc.RequestConnectionReversal(ctx, id, local, remote))
	require.Len(t, requester.calls, 1)
	assert.Equal(t, reversalCall{
		local:  netip.MustParseAddr("192.168.1.10"),
		remote: netip.MustParseAddr("198.51.100.77"),
		port:   2086,
	}, requester.calls[0])

	err := env.svc.RequestConnectionReversal(ctx, id, types.MustParseSocketAddr("10.9.9.9:0"), remote)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	err = env.svc.RequestConnectionReversal(ctx, ClientID{}, local, remote)
	assert.ErrorIs(t, err, ErrUnknownClient)

	requester.err = types.NewStatusError(types.StatusHelperNATClientFailed, nil)
	err = env.svc.RequestConnectionReversal(ctx, id, local, remote)
	assert.Equal(t, types.StatusHelperNATClientFailed, types.StatusOf(err))
}

func TestService_RequestConnectionReversalWithoutHelper(t *testing.T) {
	env := startService(t, testConfig(), Deps{})
	id, _ := env.connect(t, types.FlagReversal, types.ProtocolTCP, "", "192.168.1.10:2086")

	err := env.svc.RequestConnectionReversal(context.Background(), id,
		types.MustParseSocketAddr("192.168.1.10:0"), types.MustParseSocketAddr("198.51.100.77:0"))
	assert.ErrorIs(t, err, ErrNoReversalHelper)
}
