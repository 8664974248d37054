package broadcast

import (
	"context"
	"log"
	"sync"
	"time"

	"team-feed/server/internal/model"
)

// DefaultPollInterval 是持久标记的轮询间隔：未收到即时事件的视图最迟在这个时间内收敛。
const DefaultPollInterval = time.Second

// Handler 处理一次变更，返回 true 表示已应用（watcher 推进已处理的 token）。
// 返回 false（例如刷新被合并跳过）时，下一次轮询会重试。
type Handler func(ctx context.Context, sig model.ChangeSignal) bool

// Watcher 是单个视图的变更消费方：同时订阅即时事件并轮询持久标记。
// 只对严格大于上次已处理 token 的信号做出反应。
type Watcher struct {
	b        *Broadcaster
	groupID  string
	handler  Handler
	interval time.Duration
	logger   *log.Logger

	mu   sync.Mutex
	last string
	// seq 是已从本实例变更日志读到的位置。
	seq int64

	events chan model.ChangeSignal
}

func NewWatcher(b *Broadcaster, groupID string, handler Handler, interval time.Duration, logger *log.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Watcher{
		b:        b,
		groupID:  groupID,
		handler:  handler,
		interval: interval,
		logger:   logger,
		events:   make(chan model.ChangeSignal, 32),
	}
}

// Prime 以当前持久标记作为起点，应在视图首次加载数据之前调用。
func (w *Watcher) Prime(ctx context.Context) error {
	flag, err := w.b.Flag(ctx, w.groupID)
	if err != nil {
		return err
	}
	changes, err := w.b.Changes(ctx, w.groupID, 0)
	if err != nil {
		return err
	}
	w.mu.Lock()
	if flag > w.last {
		w.last = flag
	}
	if n := len(changes); n > 0 && changes[n-1].Seq > w.seq {
		w.seq = changes[n-1].Seq
	}
	w.mu.Unlock()
	return nil
}

// LastToken 返回最近一次已处理的 token。
func (w *Watcher) LastToken() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Run 阻塞运行直到 ctx 结束：即时事件 + 定时轮询。
func (w *Watcher) Run(ctx context.Context) error {
	unsubscribe, err := w.b.Subscribe(ctx, w.groupID, w.enqueue)
	if err != nil {
		// 订阅失败时仍然可以只靠轮询收敛。
		w.logger.Printf("[Watcher] ⚠️  event subscription failed, polling only: group=%s err=%v", w.groupID, err)
		unsubscribe = func() {}
	}
	defer unsubscribe()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-w.events:
			w.Consider(ctx, sig)
		case <-ticker.C:
			if _, err := w.Poll(ctx); err != nil {
				w.logger.Printf("[Watcher] ⚠️  flag poll failed: group=%s err=%v", w.groupID, err)
			}
		}
	}
}

// enqueue 把事件交给 Run 循环处理；队列满时丢弃，轮询会兜底。
func (w *Watcher) enqueue(sig model.ChangeSignal) {
	select {
	case w.events <- sig:
	default:
		w.logger.Printf("[Watcher] ⚠️  event queue full, relying on poll: group=%s token=%s", w.groupID, sig.Token)
	}
}

// Poll 先按 seq 补读本实例变更日志里的信号（保留类型与条目，删除因此能记墓碑），
// 再读取持久标记：标记仍比已处理的更大，说明变更来自其他实例，按未知类型处理。
func (w *Watcher) Poll(ctx context.Context) (bool, error) {
	drained, ok := w.drain(ctx)
	if !ok {
		return drained, nil
	}

	flag, err := w.b.Flag(ctx, w.groupID)
	if err != nil {
		return false, err
	}
	if flag == "" || flag <= w.LastToken() {
		return drained, nil
	}
	return w.Consider(ctx, model.ChangeSignal{
		Token:     flag,
		GroupID:   w.groupID,
		Kind:      model.ChangeUnknown,
		EmittedAt: TokenTime(flag),
	}), nil
}

// drain 按顺序处理日志里尚未读到的信号。返回是否应用过信号，以及是否全部处理完；
// 处理方拒绝时停在该信号，下一次轮询从这里重试。
func (w *Watcher) drain(ctx context.Context) (applied, complete bool) {
	w.mu.Lock()
	after := w.seq
	w.mu.Unlock()

	changes, err := w.b.Changes(ctx, w.groupID, after)
	if err != nil {
		w.logger.Printf("[Watcher] ⚠️  change log unavailable, using flag only: group=%s err=%v", w.groupID, err)
		return false, true
	}
	if len(changes) > 0 && changes[0].Seq > after+1 {
		// 日志已截断，中间的信号丢失：先整体核对一次。
		w.logger.Printf("[Watcher] ⚠️  change log gap, reconciling: group=%s after=%d first=%d", w.groupID, after, changes[0].Seq)
		if !w.handler(ctx, model.ChangeSignal{GroupID: w.groupID, Kind: model.ChangeUnknown}) {
			return false, false
		}
		applied = true
	}
	for _, sig := range changes {
		if sig.Token > w.LastToken() {
			if !w.Consider(ctx, sig) {
				return applied, false
			}
			applied = true
		}
		w.mu.Lock()
		if sig.Seq > w.seq {
			w.seq = sig.Seq
		}
		w.mu.Unlock()
	}
	return applied, true
}

// Consider 处理一次信号，返回是否已应用。
// 删除信号即使 token 不新也交给处理方，用于记录删除墓碑。
func (w *Watcher) Consider(ctx context.Context, sig model.ChangeSignal) bool {
	w.mu.Lock()
	last := w.last
	w.mu.Unlock()

	if sig.Token <= last && sig.Kind != model.ChangeDelete {
		return false
	}
	if !w.handler(ctx, sig) {
		return false
	}

	w.mu.Lock()
	if sig.Token > w.last {
		w.last = sig.Token
	}
	w.mu.Unlock()
	return true
}
