package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitFor 轮询直到条件成立或超时。
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 1s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventQueue_SerialProcessing(t *testing.T) {
	var mu sync.Mutex
	var processed []string
	handler := func(ctx context.Context, msg *ClientMessage) error {
		mu.Lock()
		defer mu.Unlock()
		processed = append(processed, msg.EventID)
		time.Sleep(2 * time.Millisecond)
		return nil
	}

	eq := NewEventQueue("s1", handler, 0, quiet)
	defer eq.Close()

	want := []string{"1", "2", "3", "4", "5", "6"}
	for _, id := range want {
		if err := eq.Enqueue(&ClientMessage{Type: EventTypeShowMore, EventID: id}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	waitFor(t, func() bool { return eq.Stats().Processed == int64(len(want)) })

	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if processed[i] != want[i] {
			t.Errorf("order mismatch at %d: expected %s, got %s", i, want[i], processed[i])
		}
	}
}

func TestEventQueue_ConcurrentEnqueue(t *testing.T) {
	var processedCount int64
	handler := func(ctx context.Context, msg *ClientMessage) error {
		atomic.AddInt64(&processedCount, 1)
		return nil
	}

	eq := NewEventQueue("s1", handler, 0, quiet)
	defer eq.Close()

	var wg sync.WaitGroup
	var accepted int64
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if eq.Enqueue(&ClientMessage{Type: EventTypeRefresh}) == nil {
					atomic.AddInt64(&accepted, 1)
				}
			}
		}()
	}
	wg.Wait()

	waitFor(t, func() bool { return atomic.LoadInt64(&processedCount) == atomic.LoadInt64(&accepted) })
	if got := eq.Stats().Accepted; got != atomic.LoadInt64(&accepted) {
		t.Errorf("expected %d accepted in stats, got %d", accepted, got)
	}
}

func TestEventQueue_RejectsWhenFull(t *testing.T) {
	release := make(chan struct{})
	handler := func(ctx context.Context, msg *ClientMessage) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}

	eq := NewEventQueue("s1", handler, 0, quiet)
	defer eq.Close()
	defer close(release)

	rejected := 0
	for i := 0; i < defaultQueueCapacity+10; i++ {
		if err := eq.Enqueue(&ClientMessage{Type: EventTypeShowMore}); err != nil {
			if !errors.Is(err, errQueueFull) {
				t.Fatalf("expected queue full, got %v", err)
			}
			rejected++
		}
	}
	if rejected == 0 {
		t.Fatal("expected some commands to be rejected")
	}
	if got := eq.Stats().Dropped; got != int64(rejected) {
		t.Errorf("expected %d dropped in stats, got %d", rejected, got)
	}
}

// TestEventQueue_KeepsRunningAfterFailure 验证命令失败（含超时）只计数，不影响后续命令。
func TestEventQueue_KeepsRunningAfterFailure(t *testing.T) {
	handler := func(ctx context.Context, msg *ClientMessage) error {
		switch msg.Type {
		case EventTypeSearch:
			return errors.New("search backend down")
		case EventTypeAcceptBanner:
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	eq := NewEventQueue("s1", handler, 30*time.Millisecond, quiet)
	defer eq.Close()

	for _, typ := range []EventType{EventTypeRefresh, EventTypeSearch, EventTypeAcceptBanner, EventTypeShowMore} {
		if err := eq.Enqueue(&ClientMessage{Type: typ}); err != nil {
			t.Fatalf("enqueue %s: %v", typ, err)
		}
	}
	waitFor(t, func() bool { return eq.Stats().Processed == 4 })
	if got := eq.Stats().Failed; got != 2 {
		t.Errorf("expected 2 failed commands, got %d", got)
	}
}

func TestEventQueue_RejectsAfterClose(t *testing.T) {
	eq := NewEventQueue("s1", func(context.Context, *ClientMessage) error { return nil }, 0, quiet)
	if err := eq.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := eq.Enqueue(&ClientMessage{Type: EventTypeRefresh}); !errors.Is(err, errQueueClosed) {
		t.Errorf("expected closed error, got %v", err)
	}
}
