package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"team-feed/server/internal/feed"
)

var ErrNotFound = errors.New("surface not found")

// InMemoryStore 是一个基于内存的视图注册表。
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]*feed.Surface
}

func NewInMemoryStore() *InMemoryStore {
	// 视图本身持有后台 goroutine，无法跨进程共享，注册表只能是进程内的。
	return &InMemoryStore{data: make(map[string]*feed.Surface)}
}

// Get 根据视图 ID 获取已挂载的视图。
func (s *InMemoryStore) Get(_ context.Context, id string) (*feed.Surface, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	surface, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return surface, nil
}

// Save 保存视图，相同 ID 会覆盖。
func (s *InMemoryStore) Save(_ context.Context, surface *feed.Surface) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[surface.ID()] = surface
	return nil
}

func (s *InMemoryStore) Remove(_ context.Context, id string) (*feed.Surface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	surface, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.data, id)
	return surface, nil
}

// List 按 ID 排序返回全部视图。
func (s *InMemoryStore) List(_ context.Context) ([]*feed.Surface, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*feed.Surface, 0, len(s.data))
	for _, surface := range s.data {
		out = append(out, surface)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}
