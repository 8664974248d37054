package gateway

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

var (
	errQueueClosed = errors.New("command queue closed")
	errQueueFull   = errors.New("command queue full")
)

// EventQueue 串行执行单个连接上的客户端命令。
// 约定：命令按到达顺序逐条执行（show_more 不会和 refresh 交错），读循环只负责入队。
type EventQueue struct {
	surfaceID string
	handler   EventHandler
	commands  chan *queuedCommand
	timeout   time.Duration
	logger    *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats QueueStats
}

type queuedCommand struct {
	msg      *ClientMessage
	queuedAt time.Time
}

// QueueStats 是队列计数。
type QueueStats struct {
	SurfaceID string `json:"surface_id"`
	Accepted  int64  `json:"accepted"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
	Dropped   int64  `json:"dropped"`
	Pending   int    `json:"pending"`
	Capacity  int    `json:"capacity"`
}

const (
	// 满了直接拒绝新命令，由客户端重试。
	defaultQueueCapacity = 32
	defaultEventTimeout  = 10 * time.Second
)

// NewEventQueue 创建命令队列并启动执行协程，timeout 为 0 时使用默认值。
func NewEventQueue(surfaceID string, handler EventHandler, timeout time.Duration, logger *log.Logger) *EventQueue {
	if logger == nil {
		logger = log.Default()
	}
	if timeout <= 0 {
		timeout = defaultEventTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	eq := &EventQueue{
		surfaceID: surfaceID,
		handler:   handler,
		commands:  make(chan *queuedCommand, defaultQueueCapacity),
		timeout:   timeout,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	eq.stats.SurfaceID = surfaceID

	eq.wg.Add(1)
	go eq.run()
	return eq
}

// Enqueue 非阻塞入队。队列已关闭或已满时返回错误。
func (eq *EventQueue) Enqueue(msg *ClientMessage) error {
	if eq.ctx.Err() != nil {
		return errQueueClosed
	}
	select {
	case eq.commands <- &queuedCommand{msg: msg, queuedAt: time.Now()}:
		eq.count(func(s *QueueStats) { s.Accepted++ })
		return nil
	default:
		eq.count(func(s *QueueStats) { s.Dropped++ })
		eq.logger.Printf("[EventQueue] ⚠️  queue full, rejecting command: surface=%s type=%s", eq.surfaceID, msg.Type)
		return errQueueFull
	}
}

func (eq *EventQueue) run() {
	defer eq.wg.Done()
	for {
		select {
		case <-eq.ctx.Done():
			return
		case cmd := <-eq.commands:
			eq.execute(cmd)
		}
	}
}

func (eq *EventQueue) execute(cmd *queuedCommand) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(eq.ctx, eq.timeout)
	err := eq.handler(ctx, cmd.msg)
	cancel()
	took := time.Since(started)

	eq.count(func(s *QueueStats) {
		s.Processed++
		if err != nil {
			s.Failed++
		}
	})
	if err != nil {
		eq.logger.Printf("[EventQueue] ❌ command failed: surface=%s type=%s event=%s err=%v took=%v",
			eq.surfaceID, cmd.msg.Type, cmd.msg.EventID, err, took)
	}
	if took > eq.timeout/2 {
		eq.logger.Printf("[EventQueue] ⚠️  slow command: surface=%s type=%s took=%v waited=%v",
			eq.surfaceID, cmd.msg.Type, took, started.Sub(cmd.queuedAt))
	}
}

func (eq *EventQueue) count(fn func(*QueueStats)) {
	eq.mu.Lock()
	fn(&eq.stats)
	eq.mu.Unlock()
}

// Close 停止执行协程并等待当前命令结束，尚未执行的命令被丢弃。
// 通道本身不关闭，并发的 Enqueue 不会 panic。
func (eq *EventQueue) Close() error {
	eq.cancel()
	eq.wg.Wait()
	s := eq.Stats()
	eq.logger.Printf("[EventQueue] closed: surface=%s accepted=%d processed=%d failed=%d dropped=%d pending=%d",
		eq.surfaceID, s.Accepted, s.Processed, s.Failed, s.Dropped, s.Pending)
	return nil
}

// Stats 返回队列计数快照。
func (eq *EventQueue) Stats() QueueStats {
	eq.mu.Lock()
	defer eq.mu.Unlock()
	s := eq.stats
	s.Pending = len(eq.commands)
	s.Capacity = cap(eq.commands)
	return s
}
