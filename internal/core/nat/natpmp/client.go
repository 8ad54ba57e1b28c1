package natpmp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
)

// DefaultTimeout 默认操作超时
const DefaultTimeout = 5 * time.Second

var (
	// ErrNoGateway 未找到 NAT-PMP 网关
	ErrNoGateway = errors.New("natpmp: no gateway found")

	// ErrMappingFailed 端口映射失败
	ErrMappingFailed = errors.New("natpmp: port mapping failed")
)

// gatewayClient go-nat-pmp 客户端的可替换部分
type gatewayClient interface {
	GetExternalAddress() (*natpmp.GetExternalAddressResult, error)
	AddPortMapping(protocol string, internalPort, requestedExternalPort int, lifetime int) (*natpmp.AddPortMappingResult, error)
}

// Client NAT-PMP 网关客户端
//
// 网关在第一次使用时发现，之后缓存；操作失败时清除缓存，下次重新发现。
type Client struct {
	timeout  time.Duration
	discover func() (net.IP, error)
	dial     func(gw net.IP, timeout time.Duration) gatewayClient

	mu     sync.Mutex
	client gatewayClient
	gw     net.IP
}

// NewClient 创建客户端
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		timeout:  timeout,
		discover: gateway.DiscoverGateway,
		dial: func(gw net.IP, timeout time.Duration) gatewayClient {
			return natpmp.NewClientWithTimeout(gw, timeout)
		},
	}
}

// Gateway 返回已发现的网关地址
func (c *Client) Gateway() net.IP {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gw
}

// ensure 返回网关客户端，必要时发现网关
func (c *Client) ensure(ctx context.Context) (gatewayClient, error) {
	c.mu.Lock()
	if c.client != nil {
		cl := c.client
		c.mu.Unlock()
		return cl, nil
	}
	c.mu.Unlock()

	gw, err := withContext(ctx, c.timeout, c.discover)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoGateway, err)
	}

	cl := c.dial(gw, c.timeout)
	c.mu.Lock()
	c.client, c.gw = cl, gw
	c.mu.Unlock()

	logger.Debug("发现 NAT-PMP 网关", "gateway", gw.String())
	return cl, nil
}

// reset 清除缓存的网关
func (c *Client) reset() {
	c.mu.Lock()
	c.client, c.gw = nil, nil
	c.mu.Unlock()
}

// ExternalIP 查询网关的外部 IPv4 地址
func (c *Client) ExternalIP(ctx context.Context) (netip.Addr, error) {
	cl, err := c.ensure(ctx)
	if err != nil {
		return netip.Addr{}, err
	}
	res, err := withContext(ctx, c.timeout, cl.GetExternalAddress)
	if err != nil {
		c.reset()
		return netip.Addr{}, fmt.Errorf("natpmp: get external address: %w", err)
	}
	return netip.AddrFrom4(res.ExternalIPAddress), nil
}

// AddMapping 创建或续期映射，返回网关分配的外部端口和租期
func (c *Client) AddMapping(ctx context.Context, tcp bool, port uint16, lease time.Duration) (uint16, time.Duration, error) {
	cl, err := c.ensure(ctx)
	if err != nil {
		return 0, 0, err
	}

	lifetime := int(lease / time.Second)
	if lifetime <= 0 {
		lifetime = 3600
	}
	proto := protoName(tcp)

	res, err := withContext(ctx, c.timeout, func() (*natpmp.AddPortMappingResult, error) {
		return cl.AddPortMapping(proto, int(port), int(port), lifetime)
	})
	if err != nil {
		c.reset()
		logger.Debug("NAT-PMP 端口映射失败", "protocol", proto, "port", port, "err", err)
		return 0, 0, fmt.Errorf("%w: %v", ErrMappingFailed, err)
	}

	logger.Debug("NAT-PMP 端口映射成功",
		"protocol", proto,
		"internalPort", port,
		"externalPort", res.MappedExternalPort,
		"lifetime", res.PortMappingLifetimeInSeconds)
	return res.MappedExternalPort, time.Duration(res.PortMappingLifetimeInSeconds) * time.Second, nil
}

// DeleteMapping 删除映射（租期置 0）
func (c *Client) DeleteMapping(ctx context.Context, tcp bool, port uint16) error {
	c.mu.Lock()
	cl := c.client
	c.mu.Unlock()
	if cl == nil {
		return nil
	}

	proto := protoName(tcp)
	_, err := withContext(ctx, c.timeout, func() (*natpmp.AddPortMappingResult, error) {
		return cl.AddPortMapping(proto, int(port), 0, 0)
	})
	if err != nil {
		return fmt.Errorf("natpmp: delete %s mapping %d: %w", proto, port, err)
	}
	return nil
}

func protoName(tcp bool) string {
	if tcp {
		return "tcp"
	}
	return "udp"
}

// withContext 在后台协程中执行阻塞调用，受 ctx 和 timeout 约束
func withContext[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timer.C:
		return zero, fmt.Errorf("timeout after %v", timeout)
	}
}
