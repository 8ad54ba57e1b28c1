package dnshole

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"

	natif "github.com/dep2p/go-natd/pkg/interfaces/nat"
)

// DefaultTimeout 默认单次 DNS 查询超时
const DefaultTimeout = 5 * time.Second

// ResolvConfPath 未配置服务器时读取的系统配置
const ResolvConfPath = "/etc/resolv.conf"

var (
	// ErrNoServers 没有可用的 DNS 服务器
	ErrNoServers = errors.New("dnshole: no DNS servers")

	// ErrAllServersFailed 全部 DNS 服务器查询失败
	ErrAllServersFailed = errors.New("dnshole: all DNS servers failed")
)

// Resolver 基于 miekg/dns 的 A / AAAA 解析器
type Resolver struct {
	timeout time.Duration

	once    sync.Once
	servers []string
	initErr error
}

var _ natif.HostResolver = (*Resolver)(nil)

// NewResolver 创建解析器
//
// servers 为 "host:port" 列表；为空时首次解析时读取 /etc/resolv.conf。
func NewResolver(servers []string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := &Resolver{timeout: timeout}
	if len(servers) > 0 {
		r.servers = append([]string(nil), servers...)
		r.once.Do(func() {})
	}
	return r
}

func (r *Resolver) init() error {
	r.once.Do(func() {
		cfg, err := dns.ClientConfigFromFile(ResolvConfPath)
		if err != nil {
			r.initErr = fmt.Errorf("read %s: %w", ResolvConfPath, err)
			return
		}
		for _, s := range cfg.Servers {
			r.servers = append(r.servers, net.JoinHostPort(s, cfg.Port))
		}
		if len(r.servers) == 0 {
			r.initErr = ErrNoServers
		}
	})
	return r.initErr
}

// Resolve 返回主机名的全部 A 和 AAAA 地址
//
// 字面 IP 直接返回。NXDOMAIN 视为空结果；两类查询都失败时返回错误。
func (r *Resolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip.Unmap()}, nil
	}
	if err := r.init(); err != nil {
		return nil, err
	}

	var (
		out    []netip.Addr
		failed int
		errs   error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		addrs, err := r.query(ctx, host, qtype)
		if err != nil {
			failed++
			errs = errors.Join(errs, err)
			continue
		}
		out = append(out, addrs...)
	}
	if failed == 2 {
		return nil, errs
	}
	return out, nil
}

func (r *Resolver) query(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	c := &dns.Client{Timeout: r.timeout}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)

	for _, server := range r.servers {
		resp, _, err := c.ExchangeContext(ctx, m, server)
		if err != nil {
			logger.Debug("DNS 查询失败", "server", server, "host", host, "type", dns.TypeToString[qtype], "err", err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess, dns.RcodeNameError:
		default:
			logger.Debug("DNS 服务器返回错误", "server", server, "host", host, "rcode", dns.RcodeToString[resp.Rcode])
			continue
		}

		var out []netip.Addr
		for _, rr := range resp.Answer {
			var ip net.IP
			switch v := rr.(type) {
			case *dns.A:
				ip = v.A
			case *dns.AAAA:
				ip = v.AAAA
			default:
				continue
			}
			if a, ok := netip.AddrFromSlice(ip); ok {
				out = append(out, a.Unmap())
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s %s", ErrAllServersFailed, host, dns.TypeToString[qtype])
}
