package stun

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-natd/pkg/types"
)

// DefaultStaleness 外部地址默认有效期
//
// STUN 响应只在客户端主动探测时才会到达，因此有效期取数小时。
const DefaultStaleness = 3 * time.Hour

// Sink 接收跟踪器产生的地址变更
type Sink interface {
	StunAddressAdded(server, addr types.SocketAddr)
	StunAddressRemoved(server, addr types.SocketAddr)
}

// record 一个 STUN 服务器报告的外部地址
type record struct {
	addr  types.SocketAddr
	gen   uint64
	timer *clock.Timer
}

// Tracker 按 STUN 服务器跟踪外部地址
//
// Tracker 不是并发安全的，只能在服务的协调协程中使用。
// 有效期定时器到期时通过 post 把失效处理投递回协调协程，
// 过期的定时器触发通过 generation 识别并忽略。
type Tracker struct {
	clock     clock.Clock
	staleness time.Duration
	post      func(func())
	sink      Sink

	records map[types.SocketAddr]*record
}

// NewTracker 创建跟踪器
func NewTracker(clk clock.Clock, staleness time.Duration, post func(func()), sink Sink) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Tracker{
		clock:     clk,
		staleness: staleness,
		post:      post,
		sink:      sink,
		records:   make(map[types.SocketAddr]*record),
	}
}

// Observe 记录 server 报告的外部地址
//
// 同一地址的续报只重置定时器；地址变化时先移除旧地址再添加新地址。
func (t *Tracker) Observe(server, addr types.SocketAddr) {
	rec, ok := t.records[server]
	if !ok {
		rec = &record{addr: addr}
		t.records[server] = rec
		t.arm(server, rec)
		logger.Info("STUN 报告外部地址", "server", server, "addr", addr)
		t.sink.StunAddressAdded(server, addr)
		return
	}

	if rec.addr == addr {
		t.arm(server, rec)
		logger.Debug("STUN 外部地址续期", "server", server, "addr", addr)
		return
	}

	old := rec.addr
	t.sink.StunAddressRemoved(server, old)
	t.sink.StunAddressAdded(server, addr)
	rec.addr = addr
	t.arm(server, rec)
	logger.Info("STUN 外部地址变化", "server", server, "old", old, "new", addr)
}

// Lookup 返回 server 当前报告的地址
func (t *Tracker) Lookup(server types.SocketAddr) (types.SocketAddr, bool) {
	rec, ok := t.records[server]
	if !ok {
		return types.SocketAddr{}, false
	}
	return rec.addr, true
}

// Len 返回跟踪的服务器数量
func (t *Tracker) Len() int {
	return len(t.records)
}

// Stop 停止全部定时器并清空记录，不产生通知
func (t *Tracker) Stop() {
	for server, rec := range t.records {
		if rec.timer != nil {
			rec.timer.Stop()
		}
		delete(t.records, server)
	}
}

func (t *Tracker) arm(server types.SocketAddr, rec *record) {
	if rec.timer != nil {
		rec.timer.Stop()
	}
	rec.gen++
	gen := rec.gen
	rec.timer = t.clock.AfterFunc(t.staleness, func() {
		t.post(func() { t.expire(server, gen) })
	})
}

func (t *Tracker) expire(server types.SocketAddr, gen uint64) {
	rec, ok := t.records[server]
	if !ok || rec.gen != gen {
		return
	}
	delete(t.records, server)
	logger.Info("STUN 外部地址过期", "server", server, "addr", rec.addr)
	t.sink.StunAddressRemoved(server, rec.addr)
}
