package scanner

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-natd/internal/util/addrutil"
	natif "github.com/dep2p/go-natd/pkg/interfaces/nat"
	"github.com/dep2p/go-natd/pkg/types"
)

// DefaultInterval 默认扫描周期
const DefaultInterval = 15 * time.Second

// DefaultExclude 默认排除的网卡（本机隧道设备）
var DefaultExclude = []string{"vpn-natd", "exit-natd"}

// Change 一个地址的变化
type Change struct {
	Add       bool
	Addr      netip.Addr
	Class     types.AddressClass
	Interface string
}

// Result 一次扫描的结果
type Result struct {
	// Changes 先移除后新增，各自按地址排序
	Changes []Change

	// HaveNAT 本机是否有 LAN 类 IPv4 地址
	HaveNAT bool

	// NATChanged HaveNAT 是否与上一次不同
	NATChanged bool
}

type scanned struct {
	class types.AddressClass
	iface string
}

// Scanner 网卡地址扫描器
type Scanner struct {
	lister   natif.InterfaceLister
	clock    clock.Clock
	interval time.Duration
	exclude  map[string]struct{}
	report   func(Result)

	// prev / haveNAT 只由扫描协程（或测试中的 ScanOnce 调用方）访问
	prev    map[netip.Addr]scanned
	haveNAT bool

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New 创建扫描器
//
// report 只在有地址变化或 NAT 状态变化时调用。
func New(lister natif.InterfaceLister, clk clock.Clock, interval time.Duration, exclude []string, report func(Result)) *Scanner {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	ex := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		ex[name] = struct{}{}
	}
	return &Scanner{
		lister:   lister,
		clock:    clk,
		interval: interval,
		exclude:  ex,
		report:   report,
		prev:     make(map[netip.Addr]scanned),
	}
}

// Start 立即扫描一次并开始周期扫描
func (s *Scanner) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(ctx)

	logger.Debug("网卡扫描器已启动", "interval", s.interval)
}

// Stop 停止扫描并等待扫描协程退出
func (s *Scanner) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Scanner) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		if res, ok := s.ScanOnce(); ok && ctx.Err() == nil {
			s.report(res)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ScanOnce 扫描一次并更新快照
//
// ok 为 false 表示枚举失败或没有任何变化。
func (s *Scanner) ScanOnce() (res Result, ok bool) {
	ifaces, err := s.lister.Interfaces()
	if err != nil {
		logger.Debug("枚举网卡失败", "err", err)
		return Result{}, false
	}

	cur := make(map[netip.Addr]scanned)
	for _, iface := range ifaces {
		if !iface.Up {
			continue
		}
		if _, skip := s.exclude[iface.Name]; skip {
			continue
		}
		for _, a := range iface.Addrs {
			a = a.Unmap()
			if !a.IsValid() {
				continue
			}
			if _, dup := cur[a]; dup {
				continue
			}
			cur[a] = scanned{class: addrutil.Classify(a), iface: iface.Name}
		}
	}

	var removed, added []Change
	for a, sc := range s.prev {
		if _, still := cur[a]; !still {
			removed = append(removed, Change{Add: false, Addr: a, Class: sc.class, Interface: sc.iface})
		}
	}
	haveNAT := false
	for a, sc := range cur {
		if a.Is4() && sc.class.Has(types.ClassLAN) {
			haveNAT = true
		}
		if _, known := s.prev[a]; !known {
			added = append(added, Change{Add: true, Addr: a, Class: sc.class, Interface: sc.iface})
		}
	}
	sortChanges(removed)
	sortChanges(added)

	s.prev = cur
	res = Result{
		Changes:    append(removed, added...),
		HaveNAT:    haveNAT,
		NATChanged: haveNAT != s.haveNAT,
	}
	s.haveNAT = haveNAT

	if len(res.Changes) == 0 && !res.NATChanged {
		return res, false
	}
	logger.Debug("网卡地址变化", "removed", len(removed), "added", len(added), "haveNAT", haveNAT)
	return res, true
}

func sortChanges(cs []Change) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Addr.Less(cs[j].Addr) })
}
