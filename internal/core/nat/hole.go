package nat

import (
	"net/netip"

	"github.com/dep2p/go-natd/internal/core/nat/dnshole"
	"github.com/dep2p/go-natd/internal/util/addrutil"
	"github.com/dep2p/go-natd/pkg/types"
)

// ============================================================================
//                              手动打洞地址
// ============================================================================

// configureHole 按客户端配置段设置手动打洞地址
//
// 字面地址立即成为客户端自有条目；主机名交给 DNS 监视器；
// AUTO 跟随外部 IP 工具的结果。
func (s *Service) configureHole(c *client) {
	sec, ok := s.cfg.Sections[c.section]
	if !ok || sec.HoleExternal == "" {
		return
	}
	h, err := addrutil.ParseHole(sec.HoleExternal)
	if err != nil {
		logger.Warn("打洞地址无效", "client", c.id, "section", c.section, "err", err)
		return
	}
	c.hole = &h

	switch {
	case h.Auto:
		if s.extIP.IsValid() {
			s.reg.Add(s.autoHoleEntry(c, s.extIP))
		}
	case h.IsHostname():
		s.startDNSHole(c, h.Host)
	default:
		s.reg.Add(Entry{
			Addr:   types.NewSocketAddr(h.IP, h.Port),
			Class:  types.ClassExtern | types.ClassManual,
			Source: types.SourceManual,
			Owner:  c.id,
		})
	}
	logger.Debug("打洞地址已配置", "client", c.id, "hole", h)
}

// autoHoleEntry 返回 AUTO 打洞地址在外部 IP 为 ip 时的条目
//
// 未配置端口时使用客户端第一个 IPv4 绑定端口。
func (s *Service) autoHoleEntry(c *client, ip netip.Addr) Entry {
	port := c.hole.Port
	if port == 0 {
		port = c.firstPort(types.FamilyIPv4)
	}
	return Entry{
		Addr:   types.NewSocketAddr(ip, port),
		Class:  types.ClassGlobal | types.ClassManual,
		Source: types.SourceManual,
		Owner:  c.id,
	}
}

// autoHoleClients 返回配置了 AUTO 打洞地址的已注册客户端
func (s *Service) autoHoleClients() []*client {
	var out []*client
	for _, c := range s.reg.clientList() {
		if c.registered && c.hole != nil && c.hole.Auto {
			out = append(out, c)
		}
	}
	return out
}

func (s *Service) startDNSHole(c *client, host string) {
	c.dnsSet = dnshole.NewSet()
	done := c.done
	c.dns = dnshole.NewMonitor(host, s.cfg.DynDNSFrequency, s.clock, s.resolver,
		func(addrs []netip.Addr, err error) {
			s.postFrom(done, func() { s.onDNSPass(c, addrs, err) })
		})
	c.dns.Start()
	logger.Debug("动态 DNS 打洞地址监视已启动", "client", c.id, "host", c.dns.Host())
}

// onDNSPass 把一轮解析结果与上一轮比较，新增的地址立即加入，消失的地址最后移除
func (s *Service) onDNSPass(c *client, addrs []netip.Addr, err error) {
	if cur, ok := s.reg.client(c.id); !ok || cur != c || c.dnsSet == nil {
		return
	}
	if err != nil {
		s.helperFailed("dns", types.NewStatusError(types.StatusDNSResolutionFailed, err))
		return
	}

	added, removed := c.dnsSet.Apply(addrs)
	for _, ip := range added {
		s.reg.Add(s.dnsHoleEntry(c, ip))
	}
	for _, ip := range removed {
		e := s.dnsHoleEntry(c, ip)
		s.reg.Remove(e.Key())
	}
}

func (s *Service) dnsHoleEntry(c *client, ip netip.Addr) Entry {
	return Entry{
		Addr:   types.NewSocketAddr(ip, c.hole.Port),
		Class:  types.ClassExtern | types.ClassManual,
		Source: types.SourceDNS,
		Owner:  c.id,
	}
}
