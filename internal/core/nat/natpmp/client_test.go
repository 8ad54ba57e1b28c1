package natpmp

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-natd/pkg/types"
)

// fakeGateway 记录调用的网关
type fakeGateway struct {
	mu       sync.Mutex
	ext      [4]byte
	extErr   error
	mapErr   error
	requests []string
}

func (g *fakeGateway) GetExternalAddress() (*natpmp.GetExternalAddressResult, error) {
	if g.extErr != nil {
		return nil, g.extErr
	}
	return &natpmp.GetExternalAddressResult{ExternalIPAddress: g.ext}, nil
}

func (g *fakeGateway) AddPortMapping(protocol string, internalPort, requestedExternalPort int, lifetime int) (*natpmp.AddPortMappingResult, error) {
	g.mu.Lock()
	g.requests = append(g.requests, protocol)
	g.mu.Unlock()
	if g.mapErr != nil {
		return nil, g.mapErr
	}
	return &natpmp.AddPortMappingResult{
		InternalPort:                 uint16(internalPort),
		MappedExternalPort:           uint16(requestedExternalPort),
		PortMappingLifetimeInSeconds: uint32(lifetime),
	}, nil
}

func newTestClient(gw *fakeGateway, discoverErr error) *Client {
	c := NewClient(time.Second)
	c.discover = func() (net.IP, error) {
		if discoverErr != nil {
			return nil, discoverErr
		}
		return net.IPv4(192, 168, 1, 1), nil
	}
	c.dial = func(net.IP, time.Duration) gatewayClient { return gw }
	return c
}

func TestClient_AddMapping(t *testing.T) {
	gw := &fakeGateway{ext: [4]byte{203, 0, 113, 9}}
	c := newTestClient(gw, nil)

	ext, lease, err := c.AddMapping(context.Background(), false, 2086, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, uint16(2086), ext)
	assert.Equal(t, time.Hour, lease)
	assert.Equal(t, []string{"udp"}, gw.requests)
	assert.True(t, c.Gateway().Equal(net.IPv4(192, 168, 1, 1)))

	_, _, err = c.AddMapping(context.Background(), true, 2086, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"udp", "tcp"}, gw.requests)
}

func TestClient_MappingFailureResetsGateway(t *testing.T) {
	gw := &fakeGateway{mapErr: errors.New("refused")}
	c := newTestClient(gw, nil)

	_, _, err := c.AddMapping(context.Background(), false, 2086, time.Hour)
	assert.ErrorIs(t, err, ErrMappingFailed)
	assert.Nil(t, c.Gateway())
}

func TestClient_NoGateway(t *testing.T) {
	c := newTestClient(&fakeGateway{}, errors.New("no default route"))

	_, err := c.ExternalIP(context.Background())
	assert.ErrorIs(t, err, ErrNoGateway)

	// 没有网关时删除映射无事可做
	assert.NoError(t, c.DeleteMapping(context.Background(), false, 2086))
}

func TestClient_DeleteMapping(t *testing.T) {
	gw := &fakeGateway{ext: [4]byte{203, 0, 113, 9}}
	c := newTestClient(gw, nil)

	_, _, err := c.AddMapping(context.Background(), false, 2086, time.Hour)
	require.NoError(t, err)
	require.NoError(t, c.DeleteMapping(context.Background(), false, 2086))
	assert.Len(t, gw.requests, 2)
}

func TestProber(t *testing.T) {
	t.Run("外部地址", func(t *testing.T) {
		p := NewProber(newTestClient(&fakeGateway{ext: [4]byte{203, 0, 113, 9}}, nil))
		addr, err := p.Probe(context.Background())
		require.NoError(t, err)
		assert.Equal(t, netip.MustParseAddr("203.0.113.9"), addr)
	})

	t.Run("没有网关", func(t *testing.T) {
		p := NewProber(newTestClient(&fakeGateway{}, errors.New("no default route")))
		_, err := p.Probe(context.Background())
		assert.Equal(t, types.StatusExternalIPUtilityNotFound, types.StatusOf(err))
	})

	t.Run("网关报错", func(t *testing.T) {
		p := NewProber(newTestClient(&fakeGateway{extErr: errors.New("busy")}, nil))
		_, err := p.Probe(context.Background())
		assert.Equal(t, types.StatusExternalIPUtilityFailed, types.StatusOf(err))
	})

	t.Run("全零地址", func(t *testing.T) {
		p := NewProber(newTestClient(&fakeGateway{}, nil))
		_, err := p.Probe(context.Background())
		assert.Equal(t, types.StatusExternalIPAddressInvalid, types.StatusOf(err))
	})
}

func TestWithContext_Timeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	_, err := withContext(context.Background(), 20*time.Millisecond, func() (int, error) {
		<-block
		return 1, nil
	})
	assert.Error(t, err)
}
