package extip

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-natd/pkg/types"
)

func ipServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestHTTPProber_FirstServiceWins(t *testing.T) {
	a, _ := ipServer(t, http.StatusOK, "203.0.113.9\n")
	b, hitsB := ipServer(t, http.StatusOK, "198.51.100.4\n")

	p := NewHTTPProber([]string{a.URL, b.URL}, time.Second)
	defer func() { _ = p.Close() }()

	got, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("203.0.113.9"), got)
	assert.Zero(t, hitsB.Load())
}

func TestHTTPProber_FallsBack(t *testing.T) {
	bad, _ := ipServer(t, http.StatusServiceUnavailable, "")
	garbage, _ := ipServer(t, http.StatusOK, "<html>hi</html>")
	good, _ := ipServer(t, http.StatusOK, "198.51.100.4")

	p := NewHTTPProber([]string{bad.URL, garbage.URL, good.URL}, time.Second)
	got, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("198.51.100.4"), got)
}

func TestHTTPProber_AllFail(t *testing.T) {
	bad, _ := ipServer(t, http.StatusInternalServerError, "")
	p := NewHTTPProber([]string{bad.URL}, time.Second)
	_, err := p.Probe(context.Background())
	assert.Equal(t, types.StatusExternalIPUtilityFailed, types.StatusOf(err))
}

func TestHTTPProber_InvalidAddress(t *testing.T) {
	v6, _ := ipServer(t, http.StatusOK, "2001:db8::1")
	p := NewHTTPProber([]string{v6.URL}, time.Second)
	_, err := p.Probe(context.Background())
	assert.Equal(t, types.StatusExternalIPAddressInvalid, types.StatusOf(err))
}

func TestNewHTTPProber_Defaults(t *testing.T) {
	p := NewHTTPProber(nil, time.Second)
	assert.Equal(t, DefaultHTTPServices, p.services)
}
