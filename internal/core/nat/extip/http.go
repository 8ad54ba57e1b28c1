package extip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"time"

	natif "github.com/dep2p/go-natd/pkg/interfaces/nat"
	"github.com/dep2p/go-natd/pkg/types"
)

// DefaultHTTPServices 默认的 HTTP IP 回显服务
var DefaultHTTPServices = []string{
	"https://api.ipify.org",
	"https://ifconfig.me/ip",
	"https://icanhazip.com",
	"https://checkip.amazonaws.com",
}

// maxBodySize 响应体最大读取长度
const maxBodySize = 256

// HTTPProber 通过公共 HTTP 服务查询外部 IPv4 地址
//
// 按顺序尝试每个服务，返回第一个有效地址。
type HTTPProber struct {
	services []string
	client   *http.Client
}

var _ natif.ExternalIPProber = (*HTTPProber)(nil)

// NewHTTPProber 创建 HTTP 探测器，services 为空时使用默认服务
func NewHTTPProber(services []string, timeout time.Duration) *HTTPProber {
	if len(services) == 0 {
		services = DefaultHTTPServices
	}
	return &HTTPProber{
		services: append([]string(nil), services...),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:       len(services),
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: true,
			},
		},
	}
}

// Probe 依次查询服务
//
// 全部请求失败返回 StatusExternalIPUtilityFailed；最后一个有响应的服务
// 返回了无效内容时，按 ParseOutput 的状态码返回。
func (p *HTTPProber) Probe(ctx context.Context) (netip.Addr, error) {
	var lastErr error
	for _, svc := range p.services {
		body, err := p.query(ctx, svc)
		if err != nil {
			logger.Debug("HTTP IP 服务查询失败", "service", svc, "err", err)
			lastErr = types.NewStatusError(types.StatusExternalIPUtilityFailed, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		addr, err := ParseOutput(body)
		if err != nil {
			logger.Debug("HTTP IP 服务返回无效地址", "service", svc, "err", err)
			lastErr = err
			continue
		}
		return addr, nil
	}
	if lastErr == nil {
		lastErr = types.NewStatusError(types.StatusExternalIPUtilityNotFound, errNoServices)
	}
	return netip.Addr{}, lastErr
}

// Close 释放空闲连接
func (p *HTTPProber) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

var errNoServices = errors.New("no HTTP IP services configured")

func (p *HTTPProber) query(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "natd")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP 状态码: %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
}
