package dnshole

import (
	"net/netip"
	"sort"
)

// Set 一个主机名解析出的地址集合
//
// Set 不是并发安全的，由服务的协调协程持有。
type Set struct {
	// entries 值为 true 表示"旧"，本轮尚未再次出现
	entries map[netip.Addr]bool
}

// NewSet 创建空集合
func NewSet() *Set {
	return &Set{entries: make(map[netip.Addr]bool)}
}

// Apply 用一轮解析结果更新集合，返回新增和移除的地址
//
// 新增按本轮出现的顺序排列，移除按地址排序。
func (s *Set) Apply(addrs []netip.Addr) (added, removed []netip.Addr) {
	for a := range s.entries {
		s.entries[a] = true
	}
	for _, a := range addrs {
		a = a.Unmap()
		old, ok := s.entries[a]
		if !ok {
			added = append(added, a)
		}
		if !ok || old {
			s.entries[a] = false
		}
	}
	for a, old := range s.entries {
		if old {
			removed = append(removed, a)
			delete(s.entries, a)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Less(removed[j]) })
	return added, removed
}

// Addrs 返回当前地址，按地址排序
func (s *Set) Addrs() []netip.Addr {
	out := make([]netip.Addr, 0, len(s.entries))
	for a := range s.entries {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Len 返回地址数量
func (s *Set) Len() int {
	return len(s.entries)
}
