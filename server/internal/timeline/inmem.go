package timeline

import (
	"context"
	"sync"
	"time"

	"team-feed/server/internal/model"
)

// DefaultCapacity 是每个小组保留的最近信号条数。
const DefaultCapacity = 256

// InMemoryStore 是一个基于内存的有界变更日志实现。
type InMemoryStore struct {
	mu       sync.RWMutex
	capacity int
	signals  map[string][]model.ChangeSignal
	seq      map[string]int64
	tokens   map[string]map[string]int64
}

func NewInMemoryStore(capacity int) *InMemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &InMemoryStore{
		capacity: capacity,
		signals:  make(map[string][]model.ChangeSignal),
		seq:      make(map[string]int64),
		tokens:   make(map[string]map[string]int64),
	}
}

// Append 追加信号并为该小组分配单调递增 seq。
// 副作用：超出容量时丢弃最旧的信号；相同 Token 直接返回已分配的 seq（幂等）。
func (s *InMemoryStore) Append(_ context.Context, groupID string, sig *model.ChangeSignal) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sig.Token != "" {
		if seen, ok := s.tokens[groupID]; ok {
			if seq, exists := seen[sig.Token]; exists {
				return seq, nil
			}
		}
	}

	s.seq[groupID]++
	seq := s.seq[groupID]

	sigCopy := *sig
	sigCopy.Seq = seq
	sigCopy.GroupID = groupID
	list := append(s.signals[groupID], sigCopy)
	if len(list) > s.capacity {
		for _, dropped := range list[:len(list)-s.capacity] {
			delete(s.tokens[groupID], dropped.Token)
		}
		list = append([]model.ChangeSignal(nil), list[len(list)-s.capacity:]...)
	}
	s.signals[groupID] = list

	if sig.Token != "" {
		if s.tokens[groupID] == nil {
			s.tokens[groupID] = make(map[string]int64)
		}
		s.tokens[groupID][sig.Token] = seq
	}

	return seq, nil
}

// Since 返回 seq 大于 after 的信号（按 seq 顺序，返回副本）。
func (s *InMemoryStore) Since(_ context.Context, groupID string, after int64) ([]model.ChangeSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ChangeSignal, 0)
	for _, sig := range s.signals[groupID] {
		if sig.Seq > after {
			out = append(out, sig)
		}
	}
	return out, nil
}

// Recent 返回 EmittedAt 不早于 since 的信号。
func (s *InMemoryStore) Recent(_ context.Context, groupID string, since time.Time) ([]model.ChangeSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ChangeSignal, 0)
	for _, sig := range s.signals[groupID] {
		if !sig.EmittedAt.Before(since) {
			out = append(out, sig)
		}
	}
	return out, nil
}
