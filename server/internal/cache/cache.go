package cache

import (
	"sync"
	"time"

	"team-feed/server/internal/metrics"
	"team-feed/server/internal/model"
)

// DefaultTTL 是缓存条目的新鲜期。
const DefaultTTL = 30 * time.Second

// Entry 是某个小组最近一次拉取结果的完整快照。
type Entry struct {
	GroupID    string
	Items      []model.Post
	NextCursor model.Cursor
	HasMore    bool
	FetchedAt  time.Time
}

// Cache 是按小组划分的内存缓存，所有挂载的视图共享。
//
// 约定：
// - 条目要么不存在，要么是一次拉取的完整结果（整体替换，不做局部写入）。
// - Invalidate 立即对所有读者可见，并推进该小组的 epoch。
// - 失效前发起的拉取无法再写回，已删除的帖子不会"复活"。
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	epochs  map[string]uint64
	// global 由 InvalidateAll 推进，对所有小组的 epoch 生效。
	global  uint64
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
}

func New(ttl time.Duration, now func() time.Time, m *metrics.Metrics) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		entries: make(map[string]Entry),
		epochs:  make(map[string]uint64),
		ttl:     ttl,
		now:     now,
		metrics: m,
	}
}

// TTL 返回新鲜期。
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get 只在条目存在且 now-FetchedAt < TTL 时命中。
// 返回切片副本，避免调用方修改内部数据。
func (c *Cache) Get(groupID string) (Entry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[groupID]
	c.mu.RUnlock()

	if !ok || !c.fresh(entry) {
		c.metrics.CacheMiss()
		return Entry{}, false
	}
	c.metrics.CacheHit()
	entry.Items = append([]model.Post(nil), entry.Items...)
	return entry, true
}

// Expired 判断条目是否缺失或已过期。
func (c *Cache) Expired(groupID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[groupID]
	return !ok || !c.fresh(entry)
}

func (c *Cache) fresh(entry Entry) bool {
	return c.now().Sub(entry.FetchedAt) < c.ttl
}

// Put 整体替换小组条目。
func (c *Cache) Put(groupID string, page model.Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(groupID, page)
}

// Epoch 返回小组当前的失效代数，拉取前读取，写回时配合 PutIfCurrent。
func (c *Cache) Epoch(groupID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch(groupID)
}

// epoch 两个计数器都只增不减，因此和的变化等价于发生过失效。
func (c *Cache) epoch(groupID string) uint64 {
	return c.global + c.epochs[groupID]
}

// PutIfCurrent 只在拉取期间没有发生失效时写入，返回是否写入。
func (c *Cache) PutIfCurrent(groupID string, epoch uint64, page model.Page) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch(groupID) != epoch {
		return false
	}
	c.store(groupID, page)
	return true
}

func (c *Cache) store(groupID string, page model.Page) {
	c.entries[groupID] = Entry{
		GroupID:    groupID,
		Items:      append([]model.Post(nil), page.Items...),
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
		FetchedAt:  c.now(),
	}
}

// Invalidate 删除小组条目，下一次读取必然走远端。
func (c *Cache) Invalidate(groupID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, groupID)
	c.epochs[groupID]++
	c.metrics.CacheInvalidated()
}

// InvalidateOlderThan 只在条目拉取于 t 之前时失效，返回是否失效。
// 用于处理其他实例广播过来的变更：本实例的缓存可能还没被失效过。
func (c *Cache) InvalidateOlderThan(groupID string, t time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[groupID]
	if !ok {
		// 没有条目时仍推进代数，拦住可能正在进行的旧拉取。
		c.epochs[groupID]++
		return false
	}
	if !entry.FetchedAt.Before(t) {
		return false
	}
	delete(c.entries, groupID)
	c.epochs[groupID]++
	c.metrics.CacheInvalidated()
	return true
}

// InvalidateAll 清空全部条目。
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.global++
	c.entries = make(map[string]Entry)
	c.metrics.CacheInvalidated()
}
