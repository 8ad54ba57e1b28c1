package nat

import (
	"net/netip"

	"github.com/dep2p/go-natd/internal/core/nat/extip"
	"github.com/dep2p/go-natd/internal/core/nat/scanner"
	"github.com/dep2p/go-natd/internal/core/nat/stun"
	"github.com/dep2p/go-natd/internal/util/addrutil"
	natif "github.com/dep2p/go-natd/pkg/interfaces/nat"
	"github.com/dep2p/go-natd/pkg/types"
)

// ============================================================================
//                              辅助程序状态
// ============================================================================

// helperFailed 记录辅助程序失败，服务继续运行
func (s *Service) helperFailed(helper string, err error) {
	code := types.StatusOf(err)
	s.metrics.helperFailure(code)
	logger.Debug("辅助程序失败", "helper", helper, "code", code, "err", err)
}

// externClass 外部地址的分类，报告的地址本身是局域网地址时归为 LAN
func externClass(ip netip.Addr) types.AddressClass {
	if addrutil.Classify(ip).Has(types.ClassLAN) {
		return types.ClassLAN
	}
	return types.ClassExtern
}

// ============================================================================
//                              网卡扫描
// ============================================================================

func (s *Service) onScan(r scanner.Result) {
	for _, ch := range r.Changes {
		key := EntryKey{Addr: types.NewSocketAddr(ch.Addr, 0), Source: types.SourceInterface}
		if !ch.Add {
			s.reg.Remove(key)
			continue
		}
		added := s.reg.Add(Entry{Addr: key.Addr, Class: ch.Class, Source: types.SourceInterface})
		if added && s.listener != nil && ch.Addr.Is4() && ch.Class.Has(types.ClassLAN) {
			s.startICMPServer(key, ch.Addr)
		}
	}
	if len(r.Changes) > 0 {
		logger.Debug("网卡地址变化", "changes", len(r.Changes), "entries", s.reg.Len())
	}
	if r.NATChanged {
		s.setHaveNAT(r.HaveNAT)
	}
}

// icmpServer 条目持有的 ICMP 服务端句柄
//
// Stop 先关闭 done，使阻塞在投递上的回调放弃，再等待辅助进程退出。
type icmpServer struct {
	h    natif.ReversalHandle
	done chan struct{}
}

func (i *icmpServer) Stop() error {
	close(i.done)
	return i.h.Stop()
}

// startICMPServer 为条目启动 ICMP 服务端，条目已持有句柄时不重复启动
func (s *Service) startICMPServer(key EntryKey, ip netip.Addr) {
	if e, ok := s.reg.Lookup(key); !ok || e.helper != nil {
		return
	}
	done := make(chan struct{})
	local := types.NewSocketAddr(ip, 0)
	h, err := s.listener.Start(s.ctx(), ip, func(remote types.SocketAddr) {
		s.postFrom(done, func() { s.routeReversal(local, remote) })
	})
	if err != nil {
		s.helperFailed("nat-server", err)
		return
	}
	s.reg.SetHelper(key, &icmpServer{h: h, done: done})
	logger.Debug("ICMP 服务端已启动", "addr", ip)
}

func (s *Service) setHaveNAT(v bool) {
	if s.haveNAT == v {
		return
	}
	s.haveNAT = v
	s.behindNAT.Store(v)
	s.metrics.setHaveNAT(v)
	logger.Info("NAT 状态变化", "behindNAT", v)

	if s.extip != nil {
		s.extipGen = s.extip.SetNAT(v)
	}
	if !v {
		s.clearExternalIP()
	}
}

// ============================================================================
//                              外部 IP
// ============================================================================

func (s *Service) onExternalIP(r extip.Result) {
	if s.extip == nil || r.Gen != s.extipGen || !s.haveNAT {
		return
	}
	if r.Err != nil {
		s.helperFailed("extip", r.Err)
		return
	}
	if s.extIP == r.Addr {
		return
	}

	s.clearExternalIP()
	s.extIP = r.Addr
	logger.Info("外部 IP", "addr", r.Addr)
	s.reg.Add(Entry{Addr: types.NewSocketAddr(r.Addr, 0), Class: externClass(r.Addr), Source: types.SourceExtIP})
	for _, c := range s.autoHoleClients() {
		s.reg.Add(s.autoHoleEntry(c, r.Addr))
	}
}

// clearExternalIP 撤销外部 IP 条目及依赖它的 AUTO 打洞地址
func (s *Service) clearExternalIP() {
	if !s.extIP.IsValid() {
		return
	}
	s.reg.Remove(EntryKey{Addr: types.NewSocketAddr(s.extIP, 0), Source: types.SourceExtIP})
	for _, c := range s.autoHoleClients() {
		e := s.autoHoleEntry(c, s.extIP)
		s.reg.Remove(e.Key())
	}
	s.extIP = netip.Addr{}
}

// ============================================================================
//                              端口映射
// ============================================================================

// startMappings 为客户端每个绑定端口建立映射
func (s *Service) startMappings(c *client) {
	tcp := c.protocol == types.ProtocolTCP
	done := c.done
	for _, port := range c.ports() {
		h, err := s.mapper.StartMapping(s.ctx(), port, tcp, func(add bool, addr types.SocketAddr, err error) {
			s.postFrom(done, func() { s.onMapping(c, add, addr, err) })
		})
		if err != nil {
			s.helperFailed("upnp", err)
			continue
		}
		c.mappings = append(c.mappings, h)
	}
}

func (s *Service) onMapping(c *client, add bool, addr types.SocketAddr, err error) {
	if cur, ok := s.reg.client(c.id); !ok || cur != c {
		return
	}
	if err != nil {
		s.helperFailed("upnp", err)
		return
	}
	e := Entry{Addr: addr, Class: externClass(addr.IP()), Source: types.SourceUPnP, Owner: c.id}
	if add {
		s.reg.Add(e)
	} else {
		s.reg.Remove(e.Key())
	}
}

// ============================================================================
//                              STUN
// ============================================================================

// HandleStunPacket 处理客户端转交的 UDP 载荷
//
// 载荷是带映射地址的 STUN 响应时记录 sender 报告的外部地址并返回 StunOK，
// 地址在有效期内没有再次报告时撤销。
func (s *Service) HandleStunPacket(sender types.SocketAddr, payload []byte) StunResult {
	return s.handleStun(sender, payload, true)
}

// handleStun keepPort 为 false 时丢弃端口，由各客户端的绑定端口替换
func (s *Service) handleStun(sender types.SocketAddr, payload []byte, keepPort bool) StunResult {
	res := s.decodeStun(sender, payload, keepPort)
	s.metrics.stunResult(res)
	return res
}

func (s *Service) decodeStun(sender types.SocketAddr, payload []byte, keepPort bool) StunResult {
	if sender.Family() == types.FamilyNone {
		return StunInternalError
	}
	addr, ok := stun.Decode(payload)
	if !ok {
		return StunNotSTUN
	}
	if !keepPort {
		addr = addr.WithPort(0)
	}

	s.lifeMu.Lock()
	started := s.started
	s.lifeMu.Unlock()
	if !started {
		return StunInternalError
	}
	if !s.post(func() { s.tracker.Observe(sender, addr) }) {
		return StunInternalError
	}
	return StunOK
}

// stunSink 把 STUN 跟踪器的变化写入注册表
type stunSink struct{ s *Service }

func (k stunSink) StunAddressAdded(server, addr types.SocketAddr) {
	k.s.reg.Add(Entry{Addr: addr, Class: externClass(addr.IP()), Source: types.SourceSTUN, Origin: server})
}

func (k stunSink) StunAddressRemoved(server, addr types.SocketAddr) {
	k.s.reg.Remove(EntryKey{Addr: addr, Source: types.SourceSTUN, Origin: server})
}
