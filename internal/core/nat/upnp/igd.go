package upnp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/huin/goupnp"
	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"

	"github.com/dep2p/go-natd/internal/core/nat/natpmp"
)

// ErrNoGateway 没有发现可用的网关
var ErrNoGateway = errors.New("upnp: no gateway found")

// backend 一种网关协议
type backend interface {
	Name() string
	AddMapping(ctx context.Context, tcp bool, port uint16, lease time.Duration) (uint16, error)
	DeleteMapping(ctx context.Context, tcp bool, port, extPort uint16) error
	ExternalIP(ctx context.Context) (netip.Addr, error)
}

// igdConn 各版本 WAN 连接服务共有的方法
type igdConn interface {
	AddPortMappingCtx(
		ctx context.Context,
		NewRemoteHost string,
		NewExternalPort uint16,
		NewProtocol string,
		NewInternalPort uint16,
		NewInternalClient string,
		NewEnabled bool,
		NewPortMappingDescription string,
		NewLeaseDuration uint32,
	) error
	DeletePortMappingCtx(ctx context.Context, NewRemoteHost string, NewExternalPort uint16, NewProtocol string) error
	GetExternalIPAddressCtx(ctx context.Context) (string, error)
}

// igdBackend UPnP IGD 网关
type igdBackend struct {
	name        string
	conn        igdConn
	localIP     string
	description string
}

func newIGDBackend(name string, conn igdConn, sc *goupnp.ServiceClient, description string) (*igdBackend, error) {
	local, err := localIPFor(sc)
	if err != nil {
		return nil, err
	}
	if sc.RootDevice != nil {
		logger.Info("发现 UPnP 网关", "service", name, "device", sc.RootDevice.Device.FriendlyName, "localIP", local)
	}
	return &igdBackend{name: name, conn: conn, localIP: local, description: description}, nil
}

// localIPFor 返回通往网关的本地地址，作为映射的 InternalClient
func localIPFor(sc *goupnp.ServiceClient) (string, error) {
	if sc == nil || sc.Location == nil {
		return "", errors.New("upnp: gateway location unknown")
	}
	host := sc.Location.Host
	if sc.Location.Port() == "" {
		host = net.JoinHostPort(sc.Location.Hostname(), "80")
	}
	conn, err := net.Dial("udp4", host)
	if err != nil {
		return "", fmt.Errorf("upnp: route to gateway: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

func (b *igdBackend) Name() string { return b.name }

func (b *igdBackend) AddMapping(ctx context.Context, tcp bool, port uint16, lease time.Duration) (uint16, error) {
	err := b.conn.AddPortMappingCtx(ctx, "", port, protoName(tcp), port, b.localIP, true, b.description, uint32(lease/time.Second))
	if err != nil {
		return 0, err
	}
	return port, nil
}

func (b *igdBackend) DeleteMapping(ctx context.Context, tcp bool, _, extPort uint16) error {
	return b.conn.DeletePortMappingCtx(ctx, "", extPort, protoName(tcp))
}

func (b *igdBackend) ExternalIP(ctx context.Context) (netip.Addr, error) {
	s, err := b.conn.GetExternalIPAddressCtx(ctx)
	if err != nil {
		return netip.Addr{}, err
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("upnp: invalid external address %q: %w", s, err)
	}
	return addr.Unmap(), nil
}

func protoName(tcp bool) string {
	if tcp {
		return "TCP"
	}
	return "UDP"
}

// discoverIGD 按 IGDv2 → IGDv1、IP → PPP 的顺序发现网关
func discoverIGD(ctx context.Context, description string) (backend, error) {
	if cs, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx); err == nil && len(cs) > 0 {
		return newIGDBackend("IGDv2 WANIPConnection2", cs[0], &cs[0].ServiceClient, description)
	}
	if cs, _, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx); err == nil && len(cs) > 0 {
		return newIGDBackend("IGDv2 WANIPConnection1", cs[0], &cs[0].ServiceClient, description)
	}
	if cs, _, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx); err == nil && len(cs) > 0 {
		return newIGDBackend("IGDv2 WANPPPConnection1", cs[0], &cs[0].ServiceClient, description)
	}
	if cs, _, err := internetgateway1.NewWANIPConnection1ClientsCtx(ctx); err == nil && len(cs) > 0 {
		return newIGDBackend("IGDv1 WANIPConnection1", cs[0], &cs[0].ServiceClient, description)
	}
	if cs, _, err := internetgateway1.NewWANPPPConnection1ClientsCtx(ctx); err == nil && len(cs) > 0 {
		return newIGDBackend("IGDv1 WANPPPConnection1", cs[0], &cs[0].ServiceClient, description)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNoGateway
}

// pmpBackend NAT-PMP 网关
type pmpBackend struct {
	client *natpmp.Client
}

func (b *pmpBackend) Name() string { return "NAT-PMP" }

func (b *pmpBackend) AddMapping(ctx context.Context, tcp bool, port uint16, lease time.Duration) (uint16, error) {
	ext, _, err := b.client.AddMapping(ctx, tcp, port, lease)
	return ext, err
}

func (b *pmpBackend) DeleteMapping(ctx context.Context, tcp bool, port, _ uint16) error {
	return b.client.DeleteMapping(ctx, tcp, port)
}

func (b *pmpBackend) ExternalIP(ctx context.Context) (netip.Addr, error) {
	return b.client.ExternalIP(ctx)
}
