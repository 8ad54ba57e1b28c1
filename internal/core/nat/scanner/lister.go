package scanner

import (
	"net"
	"net/netip"

	natif "github.com/dep2p/go-natd/pkg/interfaces/nat"
)

// NetLister 使用操作系统网卡表的枚举器
type NetLister struct{}

var _ natif.InterfaceLister = NetLister{}

// Interfaces 枚举全部网卡
func (NetLister) Interfaces() ([]natif.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make([]natif.Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			logger.Debug("获取网卡地址失败", "iface", iface.Name, "err", err)
			continue
		}
		ni := natif.Interface{
			Name: iface.Name,
			Up:   iface.Flags&net.FlagUp != 0,
		}
		for _, addr := range addrs {
			if a, ok := extractAddr(addr); ok {
				ni.Addrs = append(ni.Addrs, a)
			}
		}
		out = append(out, ni)
	}
	return out, nil
}

// extractAddr 从网络地址中提取 IP
func extractAddr(addr net.Addr) (netip.Addr, bool) {
	var ip net.IP
	switch v := addr.(type) {
	case *net.IPNet:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	default:
		return netip.Addr{}, false
	}
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}
