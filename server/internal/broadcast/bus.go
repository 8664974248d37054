package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/nats-io/nats.go"

	"team-feed/server/internal/model"
)

// Bus 是即时事件通道：发布即忘，尽力投递，不保证送达。
type Bus interface {
	Publish(ctx context.Context, sig model.ChangeSignal) error
	// Subscribe 订阅某个小组的信号，返回取消订阅函数。
	Subscribe(groupID string, fn func(model.ChangeSignal)) (func(), error)
}

// LocalBus 是进程内的扇出总线。
type LocalBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func(model.ChangeSignal)
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[int]func(model.ChangeSignal))}
}

// Publish 同步调用订阅者（在锁外调用，订阅者可以在回调里取消订阅）。
func (b *LocalBus) Publish(_ context.Context, sig model.ChangeSignal) error {
	b.mu.RLock()
	handlers := make([]func(model.ChangeSignal), 0, len(b.subs[sig.GroupID]))
	for _, fn := range b.subs[sig.GroupID] {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(sig)
	}
	return nil
}

func (b *LocalBus) Subscribe(groupID string, fn func(model.ChangeSignal)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[groupID] == nil {
		b.subs[groupID] = make(map[int]func(model.ChangeSignal))
	}
	b.subs[groupID][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[groupID], id)
			if len(b.subs[groupID]) == 0 {
				delete(b.subs, groupID)
			}
		})
	}, nil
}

// NATSBus 通过 NATS core pub/sub 在多个实例间广播信号。
type NATSBus struct {
	nc     *nats.Conn
	prefix string
	logger *log.Logger
}

func NewNATSBus(nc *nats.Conn, prefix string, logger *log.Logger) *NATSBus {
	if prefix == "" {
		prefix = "feed.changes"
	}
	if logger == nil {
		logger = log.Default()
	}
	return &NATSBus{nc: nc, prefix: prefix, logger: logger}
}

func (b *NATSBus) subject(groupID string) string {
	return b.prefix + "." + sanitizeToken(groupID)
}

func (b *NATSBus) Publish(ctx context.Context, sig model.ChangeSignal) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal change signal: %w", err)
	}
	if err := b.nc.Publish(b.subject(sig.GroupID), data); err != nil {
		return fmt.Errorf("publish change signal: %w", err)
	}
	return nil
}

func (b *NATSBus) Subscribe(groupID string, fn func(model.ChangeSignal)) (func(), error) {
	sub, err := b.nc.Subscribe(b.subject(groupID), func(msg *nats.Msg) {
		var sig model.ChangeSignal
		if err := json.Unmarshal(msg.Data, &sig); err != nil {
			b.logger.Printf("[Bus] ⚠️  dropping undecodable signal on %s: %v", msg.Subject, err)
			return
		}
		fn(sig)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.subject(groupID), err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}
