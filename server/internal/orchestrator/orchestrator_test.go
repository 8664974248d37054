package orchestrator

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"team-feed/server/internal/broadcast"
	"team-feed/server/internal/cache"
	"team-feed/server/internal/feed"
	"team-feed/server/internal/fetcher"
	"team-feed/server/internal/model"
	"team-feed/server/internal/source"
	"team-feed/server/internal/timeline"
)

var quiet = log.New(io.Discard, "", 0)

// orderBus 在发布瞬间检查缓存与抑制窗口，用来验证副作用顺序。
type orderBus struct {
	cache        *cache.Cache
	suppressions *feed.Suppressions
	viewerID     string

	published    []model.ChangeSignal
	cacheExpired []bool
	windows      [][]model.SuppressionWindow
	err          error
}

func (b *orderBus) Publish(_ context.Context, sig model.ChangeSignal) error {
	b.published = append(b.published, sig)
	b.cacheExpired = append(b.cacheExpired, b.cache.Expired(sig.GroupID))
	b.windows = append(b.windows, b.suppressions.Active(b.viewerID))
	return b.err
}

func (b *orderBus) Subscribe(string, func(model.ChangeSignal)) (func(), error) {
	return func() {}, nil
}

// failingWriter 让写操作失败，读操作走内存源。
type failingWriter struct {
	*source.Memory
	err error
}

func (w failingWriter) Insert(context.Context, source.Record) (source.Record, error) {
	return source.Record{}, w.err
}

func (w failingWriter) Update(context.Context, string, model.PostPatch) (source.Record, error) {
	return source.Record{}, w.err
}

func (w failingWriter) Delete(context.Context, string) (source.Record, error) {
	return source.Record{}, w.err
}

type fixture struct {
	mem   *source.Memory
	cache *cache.Cache
	supp  *feed.Suppressions
	bus   *orderBus
	orch  *Orchestrator
}

func newFixture(t *testing.T, writer source.Writer) *fixture {
	t.Helper()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	mem := source.NewMemory(clock)
	created := now.Add(-time.Hour)
	mem.Seed(source.Record{ID: "p1", GroupID: "g", AuthorID: "bob", Message: "first", CreatedAt: &created})
	if writer == nil {
		writer = mem
	}

	c := cache.New(30*time.Second, clock, nil)
	c.Put("g", model.Page{Items: []model.Post{{ID: "p1", GroupID: "g"}}})
	supp := feed.NewSuppressions(0, clock)
	bus := &orderBus{cache: c, suppressions: supp, viewerID: "alice"}
	b := broadcast.New(broadcast.NewMemoryFlags(), bus, timeline.NewInMemoryStore(0),
		broadcast.WithClock(clock), broadcast.WithLogger(quiet))
	t.Cleanup(func() { _ = b.Close() })

	f := fetcher.New(mem, fetcher.WithLogger(quiet))
	return &fixture{
		mem:   mem,
		cache: c,
		supp:  supp,
		bus:   bus,
		orch:  New(writer, f, c, supp, b, quiet),
	}
}

// TestCreatePostInvalidatesAndSuppressesBeforeAnnounce 验证发帖的副作用顺序：
// 广播发出时缓存已失效，self-authored 窗口已登记且只覆盖新帖。
func TestCreatePostInvalidatesAndSuppressesBeforeAnnounce(t *testing.T) {
	fx := newFixture(t, nil)

	post, err := fx.orch.CreatePost(context.Background(), "alice", model.NewPost{GroupID: "g", Message: "hello"})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	if post.ID == "" || post.AuthorID != "alice" || post.Status != model.PostStatusOpen {
		t.Fatalf("unexpected post: %+v", post)
	}

	if len(fx.bus.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(fx.bus.published))
	}
	sig := fx.bus.published[0]
	if sig.Kind != model.ChangeCreate || sig.ItemID != post.ID || sig.AuthorID != "alice" || sig.Token == "" {
		t.Fatalf("unexpected signal: %+v", sig)
	}
	if !fx.bus.cacheExpired[0] {
		t.Fatalf("expected cache invalidated before announce")
	}
	windows := fx.bus.windows[0]
	if len(windows) != 1 {
		t.Fatalf("expected 1 suppression window at announce time, got %d", len(windows))
	}
	if windows[0].Reason != model.SuppressSelfAuthored || windows[0].ItemID != post.ID {
		t.Fatalf("unexpected window: %+v", windows[0])
	}
}

func TestDeletePostSuppressesWholeGroup(t *testing.T) {
	fx := newFixture(t, nil)

	if _, err := fx.orch.DeletePost(context.Background(), "alice", "p1"); err != nil {
		t.Fatalf("delete post: %v", err)
	}
	if _, err := fx.mem.Get(context.Background(), "p1"); !errors.Is(err, source.ErrNotFound) {
		t.Fatalf("expected post removed, got err=%v", err)
	}
	if got := fx.bus.published[0].Kind; got != model.ChangeDelete {
		t.Fatalf("expected delete signal, got %s", got)
	}
	w := fx.bus.windows[0]
	if len(w) != 1 || w[0].Reason != model.SuppressSelfDeleted || w[0].ItemID != "" || w[0].GroupID != "g" {
		t.Fatalf("unexpected windows: %+v", w)
	}
}

func TestAddMemoUsesMemoOnlyWindow(t *testing.T) {
	fx := newFixture(t, nil)

	post, err := fx.orch.AddMemo(context.Background(), "alice", "p1", "pinned")
	if err != nil {
		t.Fatalf("add memo: %v", err)
	}
	if post.Memo != "pinned" || post.IsEdited {
		t.Fatalf("memo must not mark post edited: %+v", post)
	}
	if got := fx.bus.published[0].Kind; got != model.ChangeMemo {
		t.Fatalf("expected memo signal, got %s", got)
	}
	if w := fx.bus.windows[0]; len(w) != 1 || w[0].Reason != model.SuppressMemoOnly {
		t.Fatalf("unexpected windows: %+v", w)
	}
}

func TestSetStatusRejectsUnknownStatus(t *testing.T) {
	fx := newFixture(t, nil)

	_, err := fx.orch.SetStatus(context.Background(), "alice", "p1", model.PostStatus("maybe"))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if len(fx.bus.published) != 0 || fx.cache.Expired("g") {
		t.Fatalf("rejected input must have no side effects")
	}

	post, err := fx.orch.SetStatus(context.Background(), "alice", "p1", model.PostStatusDone)
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if post.Status != model.PostStatusDone {
		t.Fatalf("expected status done, got %s", post.Status)
	}
	if len(fx.bus.windows[0]) != 0 {
		t.Fatalf("status change must not suppress, got %+v", fx.bus.windows[0])
	}
}

// TestWriteFailureHasNoSideEffects 验证远端写失败时：缓存保持、没有抑制窗口、不广播。
func TestWriteFailureHasNoSideEffects(t *testing.T) {
	boom := errors.New("remote unavailable")
	fx := newFixture(t, nil)
	fx.orch.store = failingWriter{Memory: fx.mem, err: boom}

	if _, err := fx.orch.CreatePost(context.Background(), "alice", model.NewPost{GroupID: "g", Message: "x"}); !errors.Is(err, boom) {
		t.Fatalf("expected write error, got %v", err)
	}
	if _, err := fx.orch.DeletePost(context.Background(), "alice", "p1"); !errors.Is(err, boom) {
		t.Fatalf("expected write error, got %v", err)
	}
	if fx.cache.Expired("g") {
		t.Fatalf("cache must stay valid after failed write")
	}
	if len(fx.bus.published) != 0 {
		t.Fatalf("expected no announce, got %d", len(fx.bus.published))
	}
	if w := fx.supp.Active("alice"); len(w) != 0 {
		t.Fatalf("expected no suppression, got %+v", w)
	}
}

// TestAnnounceFailureStillReturnsPost 验证广播失败不影响写结果。
func TestAnnounceFailureStillReturnsPost(t *testing.T) {
	fx := newFixture(t, nil)
	fx.bus.err = errors.New("bus down")

	msg := "edited"
	post, err := fx.orch.UpdatePost(context.Background(), "alice", "p1", model.PostPatch{Message: &msg})
	if err != nil {
		t.Fatalf("update post: %v", err)
	}
	if post.Message != "edited" || !post.IsEdited {
		t.Fatalf("unexpected post: %+v", post)
	}
	if !fx.cache.Expired("g") {
		t.Fatalf("cache must be invalidated even when announce fails")
	}
}

func TestCreatePostValidatesInput(t *testing.T) {
	fx := newFixture(t, nil)
	if _, err := fx.orch.CreatePost(context.Background(), "alice", model.NewPost{Message: "x"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing group, got %v", err)
	}
	if _, err := fx.orch.CreatePost(context.Background(), "alice", model.NewPost{GroupID: "g", Message: "  "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty body, got %v", err)
	}
}
