package source

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"team-feed/server/internal/model"
)

// Stats 记录各类远端调用次数，便于测试断言"是否走了远端"。
type Stats struct {
	Queries int
	Newest  int
	Gets    int
	Legacy  int
}

// Memory 是一个基于内存的远端动态源实现，用于本地开发与测试。
type Memory struct {
	mu     sync.RWMutex
	posts  map[string]Record
	legacy map[string][]string
	now    func() time.Time

	failNext error
	stats    Stats
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		posts:  make(map[string]Record),
		legacy: make(map[string][]string),
		now:    now,
	}
}

// Seed 直接写入记录（不分配 ID/时间），用于构造测试数据和导入种子数据。
func (m *Memory) Seed(recs ...Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		m.posts[rec.ID] = cloneRecord(rec)
	}
}

// SetLegacyImages 设置旧版子资源里的图片。
func (m *Memory) SetLegacyImages(postID string, urls []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.legacy[postID] = append([]string(nil), urls...)
}

// FailNext 让下一次读调用返回 err（模拟远端不可用）。
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Stats 返回调用计数快照。
func (m *Memory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *Memory) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

// Query 返回按全序倒序排列、位于游标之后的记录。
func (m *Memory) Query(ctx context.Context, q Query) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.stats.Queries++
	if err := m.takeFailure(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	var after *position
	if q.After != "" {
		pos, err := decodeCursor(q.After)
		if err != nil {
			return nil, err
		}
		after = &pos
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0)
	for _, rec := range m.posts {
		if rec.GroupID != q.GroupID {
			continue
		}
		if after != nil && !after.after(rec) {
			continue
		}
		if q.Search != "" && !matchSearch(rec, q.Search) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		return model.Newer(sortKey(out[i]), sortKey(out[j]))
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Newest 返回小组内最新的一条记录。
func (m *Memory) Newest(ctx context.Context, groupID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.stats.Newest++
	if err := m.takeFailure(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var newest *Record
	for _, rec := range m.posts {
		if rec.GroupID != groupID {
			continue
		}
		if newest == nil || model.Newer(sortKey(rec), sortKey(*newest)) {
			r := cloneRecord(rec)
			newest = &r
		}
	}
	return newest, nil
}

// Get 按 ID 读取记录。
func (m *Memory) Get(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Gets++
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	rec, ok := m.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneRecord(rec)
	return &out, nil
}

// LegacyImages 返回旧版子资源里的图片。
func (m *Memory) LegacyImages(ctx context.Context, postID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Legacy++
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	return append([]string(nil), m.legacy[postID]...), nil
}

// Insert 分配 ID 与 CreatedAt 后写入。
// 约定：同组内 CreatedAt 严格单调递增，时钟回拨时顺延 1 微秒。
func (m *Memory) Insert(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	created := m.now().UTC()
	for _, existing := range m.posts {
		if existing.GroupID != rec.GroupID || existing.CreatedAt == nil {
			continue
		}
		if !created.After(*existing.CreatedAt) {
			created = existing.CreatedAt.Add(time.Microsecond)
		}
	}

	rec.ID = uuid.NewString()
	rec.CreatedAt = &created
	if rec.ClientCreatedAt.IsZero() {
		rec.ClientCreatedAt = created
	}
	if rec.Status == "" {
		rec.Status = string(model.PostStatusOpen)
	}
	m.posts[rec.ID] = cloneRecord(rec)
	return cloneRecord(rec), nil
}

// Update 应用部分更新。
func (m *Memory) Update(ctx context.Context, id string, patch model.PostPatch) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.posts[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	applyPatch(&rec, patch)
	m.posts[id] = rec
	return cloneRecord(rec), nil
}

// Delete 删除记录及其旧版图片子资源。
func (m *Memory) Delete(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.posts[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	delete(m.posts, id)
	delete(m.legacy, id)
	return rec, nil
}

func cloneRecord(rec Record) Record {
	out := rec
	out.Tags = append([]string(nil), rec.Tags...)
	out.Images = append([]string(nil), rec.Images...)
	out.ImageURLs = append([]string(nil), rec.ImageURLs...)
	if rec.CreatedAt != nil {
		t := *rec.CreatedAt
		out.CreatedAt = &t
	}
	return out
}
