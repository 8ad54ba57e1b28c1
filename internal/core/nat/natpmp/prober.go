package natpmp

import (
	"context"
	"errors"
	"net/netip"

	natif "github.com/dep2p/go-natd/pkg/interfaces/nat"
	"github.com/dep2p/go-natd/pkg/types"
)

// Prober 把网关的外部地址作为外部 IP 来源
type Prober struct {
	client *Client
}

var _ natif.ExternalIPProber = (*Prober)(nil)

// NewProber 创建探测器
func NewProber(c *Client) *Prober {
	return &Prober{client: c}
}

// Probe 查询网关外部地址
func (p *Prober) Probe(ctx context.Context) (netip.Addr, error) {
	addr, err := p.client.ExternalIP(ctx)
	if err != nil {
		if errors.Is(err, ErrNoGateway) {
			return netip.Addr{}, types.NewStatusError(types.StatusExternalIPUtilityNotFound, err)
		}
		return netip.Addr{}, types.NewStatusError(types.StatusExternalIPUtilityFailed, err)
	}
	if addr.IsUnspecified() {
		return netip.Addr{}, types.NewStatusError(types.StatusExternalIPAddressInvalid, errors.New(addr.String()))
	}
	return addr, nil
}
