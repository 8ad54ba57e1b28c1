package nat

import (
	"sort"

	"github.com/google/uuid"

	natif "github.com/dep2p/go-natd/pkg/interfaces/nat"
	"github.com/dep2p/go-natd/pkg/types"
)

// ClientID 客户端标识，连接时分配
type ClientID = uuid.UUID

// EntryKey 本地地址条目的键
//
// 同一地址可以按来源和所有者各出现一次。Origin 仅用于 STUN 条目，
// 区分不同服务器报告的同一地址。
type EntryKey struct {
	Addr   types.SocketAddr
	Source types.Source
	Owner  ClientID
	Origin types.SocketAddr
}

// Entry 本地地址条目
type Entry struct {
	// Addr 地址；网卡扫描结果端口为 0
	Addr types.SocketAddr

	// Class 地址分类
	Class types.AddressClass

	// Source 来源
	Source types.Source

	// Owner 所属客户端，全局条目为零值
	Owner ClientID

	// Origin 报告该地址的 STUN 服务器
	Origin types.SocketAddr

	helper natif.ReversalHandle
	seq    uint64
}

// Key 返回条目的键
func (e Entry) Key() EntryKey {
	return EntryKey{Addr: e.Addr, Source: e.Source, Owner: e.Owner, Origin: e.Origin}
}

// Owned 是否为客户端自有条目
func (e Entry) Owned() bool {
	return e.Owner != uuid.Nil
}

// visibleKey 客户端可见的身份，不含 Origin
type visibleKey struct {
	addr   types.SocketAddr
	source types.Source
	owner  ClientID
}

func (e Entry) visible() visibleKey {
	return visibleKey{addr: e.Addr, source: e.Source, owner: e.Owner}
}

// Registry 地址注册表与通知引擎
//
// Registry 不是并发安全的，只能在服务的协调协程中访问。
// 每次变更先修改条目集合，再向客户端扇出通知。
type Registry struct {
	entries map[EntryKey]*Entry
	visible map[visibleKey]int
	nextSeq uint64

	clients map[ClientID]*client
	order   []ClientID

	metrics *Metrics

	// onSendError 推送失败时调用，服务据此断开客户端
	onSendError func(id ClientID, err error)
}

// NewRegistry 创建注册表
func NewRegistry(m *Metrics) *Registry {
	return &Registry{
		entries: make(map[EntryKey]*Entry),
		visible: make(map[visibleKey]int),
		clients: make(map[ClientID]*client),
		metrics: m,
	}
}

// ============================================================================
//                              条目
// ============================================================================

// Add 添加条目并通知相关客户端
//
// 键已存在时什么也不做并返回 false。
func (r *Registry) Add(e Entry) bool {
	key := e.Key()
	if _, ok := r.entries[key]; ok {
		return false
	}
	r.nextSeq++
	e.seq = r.nextSeq
	stored := &e
	r.entries[key] = stored
	r.metrics.entryAdded(e.Source)

	vk := stored.visible()
	r.visible[vk]++
	if r.visible[vk] == 1 {
		logger.Info("新增本地地址", "addr", e.Addr, "class", e.Class, "source", e.Source)
		r.fanOut(stored, true)
	}
	return true
}

// Remove 移除条目并通知相关客户端
//
// 条目持有的 ICMP 辅助进程在通知之前停止。键不存在时返回 false。
func (r *Registry) Remove(key EntryKey) (Entry, bool) {
	e, ok := r.entries[key]
	if !ok {
		return Entry{}, false
	}
	r.stopHelper(e)
	delete(r.entries, key)
	r.metrics.entryRemoved(e.Source)

	vk := e.visible()
	r.visible[vk]--
	if r.visible[vk] <= 0 {
		delete(r.visible, vk)
		logger.Info("移除本地地址", "addr", e.Addr, "class", e.Class, "source", e.Source)
		r.fanOut(e, false)
	}
	return *e, true
}

// Lookup 按键查找条目
func (r *Registry) Lookup(key EntryKey) (Entry, bool) {
	e, ok := r.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// SetHelper 记录条目持有的 ICMP 辅助进程句柄
func (r *Registry) SetHelper(key EntryKey, h natif.ReversalHandle) bool {
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	e.helper = h
	return true
}

// Entries 按插入顺序返回全部条目的快照
func (r *Registry) Entries() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.sorted() {
		c := *e
		c.helper = nil
		out = append(out, c)
	}
	return out
}

// Len 返回条目数量
func (r *Registry) Len() int {
	return len(r.entries)
}

func (r *Registry) sorted() []*Entry {
	list := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	return list
}

// removeOwned 静默移除客户端自有的全部条目
//
// 自有条目只会通知其所有者，所有者正在断开，因此不产生通知。
func (r *Registry) removeOwned(owner ClientID) int {
	n := 0
	for key, e := range r.entries {
		if e.Owner != owner {
			continue
		}
		r.stopHelper(e)
		delete(r.entries, key)
		r.metrics.entryRemoved(e.Source)
		vk := e.visible()
		if r.visible[vk]--; r.visible[vk] <= 0 {
			delete(r.visible, vk)
		}
		n++
	}
	return n
}

// stopAllHelpers 停止全部条目持有的辅助进程，用于关闭服务
func (r *Registry) stopAllHelpers() error {
	var err error
	for _, e := range r.sorted() {
		if e.helper != nil {
			if stopErr := e.helper.Stop(); stopErr != nil && err == nil {
				err = stopErr
			}
			e.helper = nil
		}
	}
	return err
}

func (r *Registry) stopHelper(e *Entry) {
	if e.helper == nil {
		return
	}
	if err := e.helper.Stop(); err != nil {
		logger.Debug("停止 ICMP 辅助进程失败", "addr", e.Addr, "err", err)
	}
	e.helper = nil
}

// ============================================================================
//                              客户端
// ============================================================================

func (r *Registry) addClient(c *client) {
	r.clients[c.id] = c
	r.order = append(r.order, c.id)
	r.metrics.setClients(len(r.clients))
}

func (r *Registry) removeClient(id ClientID) {
	if _, ok := r.clients[id]; !ok {
		return
	}
	delete(r.clients, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.metrics.setClients(len(r.clients))
}

func (r *Registry) client(id ClientID) (*client, bool) {
	c, ok := r.clients[id]
	return c, ok
}

func (r *Registry) clientList() []*client {
	out := make([]*client, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.clients[id])
	}
	return out
}

// replay 把当前全部条目按匹配规则发给新注册的客户端
func (r *Registry) replay(c *client) {
	for _, e := range r.sorted() {
		if r.visible[e.visible()] > 1 && !r.firstOfVisible(e) {
			continue
		}
		if e.Owned() {
			if e.Owner == c.id {
				r.notifyOwner(c, e, true)
			}
			continue
		}
		r.notifyMatches(c, e, true)
	}
}

// firstOfVisible 同一可见身份有多个条目时，只由最早的一个负责重放
func (r *Registry) firstOfVisible(e *Entry) bool {
	vk := e.visible()
	for _, o := range r.entries {
		if o != e && o.visible() == vk && o.seq < e.seq {
			return false
		}
	}
	return true
}

// ============================================================================
//                              扇出
// ============================================================================

func (r *Registry) fanOut(e *Entry, add bool) {
	if e.Owned() {
		if c, ok := r.clients[e.Owner]; ok {
			r.notifyOwner(c, e, add)
		}
		return
	}
	for _, c := range r.clientList() {
		r.notifyMatches(c, e, add)
	}
}

func (r *Registry) notifyOwner(c *client, e *Entry, add bool) {
	if !c.wants(types.FlagAddresses) {
		return
	}
	addr := e.Addr
	if addr.Port() == 0 {
		addr = addr.WithPort(c.firstPort(addr.Family()))
	}
	r.send(c, natif.AddressChange{Add: add, Class: e.Class, Addr: addr})
}

func (r *Registry) notifyMatches(c *client, e *Entry, add bool) {
	if !c.wants(types.FlagAddresses) {
		return
	}
	if e.Source == types.SourceSTUN && !c.acceptsSTUN() {
		return
	}

	var sent []types.SocketAddr
	for _, bound := range c.addrs {
		if bound.Family() != e.Addr.Family() || !matches(bound, e) {
			continue
		}
		addr := e.Addr
		if addr.Port() == 0 {
			addr = addr.WithPort(bound.Port())
		}
		if containsAddr(sent, addr) {
			continue
		}
		sent = append(sent, addr)
		r.send(c, natif.AddressChange{Add: add, Class: e.Class, Addr: addr})
	}
}

func (r *Registry) send(c *client, ch natif.AddressChange) {
	if c.dropped {
		return
	}
	if err := c.conn.SendAddressChange(ch); err != nil {
		logger.Debug("推送地址变更失败", "client", c.id, "err", err)
		c.dropped = true
		if r.onSendError != nil {
			r.onSendError(c.id, err)
		}
		return
	}
	r.metrics.notified(ch.Add)
}

func containsAddr(list []types.SocketAddr, a types.SocketAddr) bool {
	for _, v := range list {
		if v == a {
			return true
		}
	}
	return false
}
