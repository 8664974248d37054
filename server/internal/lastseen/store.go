package lastseen

import (
	"context"
	"sync"
	"time"
)

// Store 持久化每个 (viewer, group) 的"最后确认看到"时间。
// 会话挂载时读取它作为检测器的起点，列表确认为最新时写回。
type Store interface {
	// Get 返回记录的时间，没有记录时返回零值。
	Get(ctx context.Context, viewerID, groupID string) (time.Time, error)
	// Set 只在 t 更晚时覆盖，时间戳不会倒退。
	Set(ctx context.Context, viewerID, groupID string, t time.Time) error
}

type key struct {
	viewer string
	group  string
}

// Memory 是进程内实现，开发与测试使用。
type Memory struct {
	mu   sync.RWMutex
	seen map[key]time.Time
}

func NewMemory() *Memory {
	return &Memory{seen: make(map[key]time.Time)}
}

func (m *Memory) Get(_ context.Context, viewerID, groupID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seen[key{viewerID, groupID}], nil
}

func (m *Memory) Set(_ context.Context, viewerID, groupID string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{viewerID, groupID}
	if t.After(m.seen[k]) {
		m.seen[k] = t
	}
	return nil
}
