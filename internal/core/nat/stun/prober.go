package stun

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	pionstun "github.com/pion/stun"

	"github.com/dep2p/go-natd/pkg/types"
)

// DefaultProbeInterval 默认探测间隔
const DefaultProbeInterval = 5 * time.Minute

const maxPacketSize = 1500

// ErrProberClosed 探测器已关闭
var ErrProberClosed = errors.New("stun: prober closed")

// PacketHandler 处理收到的 UDP 载荷
type PacketHandler func(sender types.SocketAddr, payload []byte)

// Prober STUN 探测器
//
// 从一个 UDP 套接字周期性地向全部服务器发送 Binding 请求，
// 收到的每个数据报原样交给 handler，由服务解码并更新 Tracker。
type Prober struct {
	servers  []string
	interval time.Duration
	listen   string
	clock    clock.Clock
	handler  PacketHandler

	mu     sync.Mutex
	conn   net.PacketConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProber 创建探测器
//
// listen 为空时绑定任意端口。
func NewProber(servers []string, interval time.Duration, listen string, clk clock.Clock, handler PacketHandler) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	if listen == "" {
		listen = "0.0.0.0:0"
	}
	return &Prober{
		servers:  NormalizeServers(servers),
		interval: interval,
		listen:   listen,
		clock:    clk,
		handler:  handler,
	}
}

// Start 打开套接字并启动收发协程，立即发送第一轮请求
func (p *Prober) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return nil
	}

	conn, err := net.ListenPacket("udp4", p.listen)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	p.conn = conn
	p.cancel = cancel

	p.wg.Add(2)
	go p.readLoop(conn)
	go p.sendLoop(ctx, conn)

	logger.Debug("STUN 探测器已启动", "local", conn.LocalAddr(), "servers", len(p.servers))
	return nil
}

// LocalAddr 返回本地套接字地址，未启动时返回 nil
func (p *Prober) LocalAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	return p.conn.LocalAddr()
}

// ProbeOnce 向全部服务器各发送一个 Binding 请求
func (p *Prober) ProbeOnce(ctx context.Context) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ErrProberClosed
	}
	return p.probe(ctx, conn)
}

// Close 停止协程并关闭套接字
func (p *Prober) Close() error {
	p.mu.Lock()
	conn := p.conn
	cancel := p.cancel
	p.conn = nil
	p.cancel = nil
	p.mu.Unlock()

	if conn == nil {
		return nil
	}
	cancel()
	err := conn.Close()
	p.wg.Wait()
	return err
}

func (p *Prober) sendLoop(ctx context.Context, conn net.PacketConn) {
	defer p.wg.Done()

	_ = p.probe(ctx, conn)

	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.probe(ctx, conn)
		}
	}
}

func (p *Prober) probe(ctx context.Context, conn net.PacketConn) error {
	var lastErr error
	for _, server := range p.servers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		udpAddr, err := net.ResolveUDPAddr("udp4", server)
		if err != nil {
			logger.Debug("解析 STUN 服务器失败", "server", server, "err", err)
			lastErr = err
			continue
		}

		msg, err := pionstun.Build(pionstun.TransactionID, pionstun.BindingRequest, pionstun.Fingerprint)
		if err != nil {
			return err
		}
		if _, err := conn.WriteTo(msg.Raw, udpAddr); err != nil {
			logger.Debug("发送 STUN 请求失败", "server", server, "err", err)
			lastErr = err
		}
	}
	return lastErr
}

func (p *Prober) readLoop(conn net.PacketConn) {
	defer p.wg.Done()

	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Debug("读取 STUN 响应失败", "err", err)
			continue
		}
		if p.handler != nil {
			payload := append([]byte(nil), buf[:n]...)
			p.handler(types.FromNetAddr(from), payload)
		}
	}
}

// NormalizeServers 将多种常见写法归一化为 "host:port"
//
// 兼容 "stun:host:port"、"stun://host:port"，缺省端口为 3478。
func NormalizeServers(in []string) []string {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		s := strings.TrimSpace(raw)
		if i := strings.Index(s, "://"); i >= 0 {
			s = s[i+3:]
		} else {
			s = strings.TrimPrefix(s, "stuns:")
			s = strings.TrimPrefix(s, "stun:")
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(strings.Trim(s, "[]"), "3478")
		}
		out = append(out, s)
	}
	return out
}

// DefaultServers 返回默认 STUN 服务器列表
func DefaultServers() []string {
	return []string{
		"stun.l.google.com:19302",
		"stun1.l.google.com:19302",
		"stun.cloudflare.com:3478",
	}
}
