package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"team-feed/server/internal/metrics"
	"team-feed/server/internal/model"
	"team-feed/server/internal/timeline"
)

// DefaultReplayWindow 是晚挂载订阅者可以补读的时间窗口。
const DefaultReplayWindow = 2 * time.Second

// ErrClosed 表示广播器已关闭。
var ErrClosed = errors.New("broadcaster closed")

// Broadcaster 负责"数据已变化"的跨视图通知。
//
// 三条通道，至少一次投递：
// - 持久标记：单调 token 写入 FlagStore，轮询的消费方最终一定能看到。
// - 即时事件：通过 Bus 发布，尽力投递。
// - 重放缓冲：信号同时写入有界变更日志，晚挂载的订阅者订阅时补读一次。
type Broadcaster struct {
	flags   FlagStore
	bus     Bus
	log     timeline.Store
	tokens  *TokenSource
	now     func() time.Time
	logger  *log.Logger
	metrics *metrics.Metrics

	replayWindow time.Duration
	// reannounceDelays 是兼容旧客户端的延迟重发；默认为空，由重放缓冲替代。
	reannounceDelays []time.Duration

	mu     sync.Mutex
	closed bool
	timers map[*time.Timer]struct{}
}

// Option 配置 Broadcaster。
type Option func(*Broadcaster)

func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) {
		if now != nil {
			b.now = now
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(b *Broadcaster) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

func WithReplayWindow(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.replayWindow = d
		}
	}
}

func WithReannounceDelays(delays []time.Duration) Option {
	return func(b *Broadcaster) { b.reannounceDelays = append([]time.Duration(nil), delays...) }
}

func New(flags FlagStore, bus Bus, changes timeline.Store, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		flags:        flags,
		bus:          bus,
		log:          changes,
		now:          time.Now,
		logger:       log.Default(),
		replayWindow: DefaultReplayWindow,
		timers:       make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.tokens = NewTokenSource(b.now)
	return b
}

// Announce 广播一次变更。
// 顺序：分配 token → 写入重放缓冲 → 写持久标记 → 发布即时事件 → （可选）延迟重发。
// 持久标记或事件发布失败会返回错误，但其余通道仍然尽量完成。
func (b *Broadcaster) Announce(ctx context.Context, sig model.ChangeSignal) (model.ChangeSignal, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return sig, ErrClosed
	}
	b.mu.Unlock()

	if sig.GroupID == "" {
		return sig, fmt.Errorf("announce: group id required")
	}
	sig.Token = b.tokens.Next()
	sig.EmittedAt = b.now()

	var errs []error
	seq, err := b.log.Append(ctx, sig.GroupID, &sig)
	if err != nil {
		errs = append(errs, fmt.Errorf("append change log: %w", err))
	} else {
		sig.Seq = seq
	}

	if err := b.flags.Set(ctx, FlagKey(sig.GroupID), sig.Token); err != nil {
		errs = append(errs, fmt.Errorf("write durable flag: %w", err))
	}
	if err := b.bus.Publish(ctx, sig); err != nil {
		errs = append(errs, fmt.Errorf("publish event: %w", err))
	}
	b.metrics.Announced(string(sig.Kind))
	b.logger.Printf("[Broadcaster] announced: group=%s kind=%s item=%s token=%s seq=%d",
		sig.GroupID, sig.Kind, sig.ItemID, sig.Token, sig.Seq)

	b.scheduleReannounce(sig)
	return sig, errors.Join(errs...)
}

func (b *Broadcaster) scheduleReannounce(sig model.ChangeSignal) {
	if len(b.reannounceDelays) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, delay := range b.reannounceDelays {
		var timer *time.Timer
		timer = time.AfterFunc(delay, func() {
			b.mu.Lock()
			delete(b.timers, timer)
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return
			}
			if err := b.bus.Publish(context.Background(), sig); err != nil {
				b.logger.Printf("[Broadcaster] ⚠️  reannounce failed: group=%s token=%s err=%v", sig.GroupID, sig.Token, err)
			}
		})
		b.timers[timer] = struct{}{}
	}
}

// Flag 返回小组当前的持久标记值。
func (b *Broadcaster) Flag(ctx context.Context, groupID string) (string, error) {
	return b.flags.Get(ctx, FlagKey(groupID))
}

// Changes 返回本实例变更日志中 seq 大于 after 的信号，供轮询补回信号的具体类型。
func (b *Broadcaster) Changes(ctx context.Context, groupID string, after int64) ([]model.ChangeSignal, error) {
	return b.log.Since(ctx, groupID, after)
}

// Subscribe 先订阅即时事件，再补读重放窗口内的信号，保证晚挂载的订阅者不漏。
// 可能重复投递，消费方按 token 去重。
func (b *Broadcaster) Subscribe(ctx context.Context, groupID string, fn func(model.ChangeSignal)) (func(), error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	unsubscribe, err := b.bus.Subscribe(groupID, fn)
	if err != nil {
		return nil, err
	}

	recent, err := b.log.Recent(ctx, groupID, b.now().Add(-b.replayWindow))
	if err != nil {
		b.logger.Printf("[Broadcaster] ⚠️  replay unavailable: group=%s err=%v", groupID, err)
		return unsubscribe, nil
	}
	for _, sig := range recent {
		fn(sig)
	}
	return unsubscribe, nil
}

// Close 停止所有待执行的延迟重发。
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for timer := range b.timers {
		timer.Stop()
	}
	b.timers = nil
	return nil
}
