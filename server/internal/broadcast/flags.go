package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go/jetstream"
)

// FlagStore 是跨视图的持久标记存储：key → 单调递增的 token。
// 引擎只关心"是否比上次看到的更大"，从不解析 token 的语义。
type FlagStore interface {
	// Get 返回当前值，不存在时返回空串。
	Get(ctx context.Context, key string) (string, error)
	// Set 只在 value 大于当前值时写入，保证标记单调递增。
	Set(ctx context.Context, key, value string) error
}

// FlagKey 返回小组的持久标记 key。
func FlagKey(groupID string) string {
	return "feed.changed." + sanitizeToken(groupID)
}

// sanitizeToken 把 NATS 主题/KV key 不允许的字符替换为下划线。
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// MemoryFlags 是进程内的 FlagStore。
type MemoryFlags struct {
	mu    sync.RWMutex
	flags map[string]string
}

func NewMemoryFlags() *MemoryFlags {
	return &MemoryFlags{flags: make(map[string]string)}
}

func (m *MemoryFlags) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flags[key], nil
}

func (m *MemoryFlags) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value > m.flags[key] {
		m.flags[key] = value
	}
	return nil
}

const kvSetAttempts = 5

// KVFlags 是基于 NATS JetStream KeyValue 的 FlagStore，多实例共享。
type KVFlags struct {
	kv jetstream.KeyValue
}

// NewKVFlags 获取或创建 KV bucket。
func NewKVFlags(ctx context.Context, js jetstream.JetStream, bucket string) (*KVFlags, error) {
	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "feed change flags",
			History:     1,
		})
		if err != nil {
			return nil, fmt.Errorf("create flag bucket: %w", err)
		}
	}
	return &KVFlags{kv: kv}, nil
}

func (f *KVFlags) Get(ctx context.Context, key string) (string, error) {
	entry, err := f.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return "", nil
		}
		return "", fmt.Errorf("get flag %s: %w", key, err)
	}
	return string(entry.Value()), nil
}

// Set 用 revision 做 CAS，并发写入时只保留更大的值。
func (f *KVFlags) Set(ctx context.Context, key, value string) error {
	var lastErr error
	for attempt := 0; attempt < kvSetAttempts; attempt++ {
		entry, err := f.kv.Get(ctx, key)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyDeleted):
			if _, err := f.kv.Create(ctx, key, []byte(value)); err != nil {
				lastErr = err
				continue
			}
			return nil
		case err != nil:
			return fmt.Errorf("get flag %s: %w", key, err)
		}

		if string(entry.Value()) >= value {
			return nil
		}
		if _, err := f.kv.Update(ctx, key, []byte(value), entry.Revision()); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("set flag %s: %w", key, lastErr)
}
