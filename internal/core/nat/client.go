package nat

import (
	"sync"

	"github.com/dep2p/go-natd/internal/core/nat/dnshole"
	"github.com/dep2p/go-natd/internal/util/addrutil"
	natif "github.com/dep2p/go-natd/pkg/interfaces/nat"
	"github.com/dep2p/go-natd/pkg/types"
)

// client 已连接的客户端
type client struct {
	id   ClientID
	conn natif.ClientConn

	registered bool
	flags      types.RegisterFlags
	protocol   types.Protocol
	addrs      []types.SocketAddr
	natted     bool
	section    string

	// hole 手动打洞地址，未配置时为 nil
	hole *addrutil.Hole

	mappings []natif.MappingHandle
	dns      *dnshole.Monitor
	dnsSet   *dnshole.Set

	// dropped 推送失败，等待断开
	dropped bool

	// done 客户端断开时关闭，阻止其监视器继续投递
	done     chan struct{}
	doneOnce sync.Once
}

func newClient(id ClientID, conn natif.ClientConn) *client {
	return &client{id: id, conn: conn, done: make(chan struct{})}
}

// quit 关闭 done，可重复调用
func (c *client) quit() {
	c.doneOnce.Do(func() { close(c.done) })
}

// wants 是否已注册且设置了指定标志
func (c *client) wants(bit types.RegisterFlags) bool {
	return c.registered && c.flags.Has(bit)
}

// acceptsSTUN STUN 报告的外部地址只对 NAT 后的客户端有意义（TCP 客户端同样适用）
func (c *client) acceptsSTUN() bool {
	return c.natted
}

// firstPort 返回第一个指定族绑定地址的端口，没有同族绑定时退回任意非零端口
func (c *client) firstPort(f types.Family) uint16 {
	var fallback uint16
	for _, a := range c.addrs {
		if a.Port() == 0 {
			continue
		}
		if a.Family() == f {
			return a.Port()
		}
		if fallback == 0 {
			fallback = a.Port()
		}
	}
	return fallback
}

// ports 返回去重后的非零绑定端口
func (c *client) ports() []uint16 {
	var out []uint16
	seen := make(map[uint16]bool)
	for _, a := range c.addrs {
		p := a.Port()
		if p == 0 || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// hasBoundIPv4 是否绑定了 local 或 IPv4 通配地址
func (c *client) hasBoundIPv4(local types.SocketAddr) bool {
	for _, a := range c.addrs {
		if a.Family() != types.FamilyIPv4 {
			continue
		}
		if a.IsWildcard() || a.SameIP(local) {
			return true
		}
	}
	return false
}

// bindingPort 返回与 local 匹配的 IPv4 绑定端口
func (c *client) bindingPort(local types.SocketAddr) (uint16, bool) {
	var wildcardPort uint16
	found := false
	for _, a := range c.addrs {
		if a.Family() != types.FamilyIPv4 {
			continue
		}
		if a.SameIP(local) {
			return a.Port(), true
		}
		if a.IsWildcard() && !found {
			wildcardPort, found = a.Port(), true
		}
	}
	return wildcardPort, found
}

// computeNatted 任一绑定地址为局域网地址或通配地址时视为在 NAT 后
func computeNatted(addrs []types.SocketAddr) bool {
	for _, a := range addrs {
		if a.IsWildcard() || addrutil.IsNAT(a.IP()) {
			return true
		}
	}
	return false
}
