package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"team-feed/server/internal/cache"
	"team-feed/server/internal/fetcher"
	"team-feed/server/internal/lastseen"
	"team-feed/server/internal/model"
	"team-feed/server/internal/source"
)

var quiet = log.New(io.Discard, "", 0)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func ts(sec int) *time.Time {
	t := base.Add(time.Duration(sec) * time.Second)
	return &t
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// gatedSource 可以让指定查询阻塞，直到测试放行。
type gatedSource struct {
	*source.Memory

	mu      sync.Mutex
	match   func(source.Query) bool
	entered chan struct{}
	release chan struct{}
	// readFirst 为 true 时先读数据再阻塞，模拟已经拿到旧数据、还在返回途中的请求。
	readFirst bool
}

func (g *gatedSource) gate(match func(source.Query) bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.match = match
	g.entered = make(chan struct{}, 8)
	g.release = make(chan struct{})
}

func (g *gatedSource) Query(ctx context.Context, q source.Query) ([]source.Record, error) {
	g.mu.Lock()
	match, entered, release, readFirst := g.match, g.entered, g.release, g.readFirst
	g.mu.Unlock()
	if match == nil || !match(q) {
		return g.Memory.Query(ctx, q)
	}
	var (
		recs []source.Record
		err  error
	)
	if readFirst {
		recs, err = g.Memory.Query(ctx, q)
	}
	entered <- struct{}{}
	select {
	case <-release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if readFirst {
		return recs, err
	}
	return g.Memory.Query(ctx, q)
}

type env struct {
	mem     *source.Memory
	src     *gatedSource
	fetcher *fetcher.Fetcher
	cache   *cache.Cache
	clock   *fakeClock
}

func newEnv() *env {
	clock := &fakeClock{t: base.Add(time.Hour)}
	mem := source.NewMemory(clock.Now)
	src := &gatedSource{Memory: mem}
	c := cache.New(30*time.Second, clock.Now, nil)
	return &env{
		mem:     mem,
		src:     src,
		fetcher: fetcher.New(src, fetcher.WithLogger(quiet), fetcher.WithEpochs(c)),
		cache:   c,
		clock:   clock,
	}
}

// seedPosts 写入 p00..p(n-1)，编号越大越新。
func (e *env) seedPosts(group string, n int, author string) {
	for i := 0; i < n; i++ {
		e.mem.Seed(source.Record{
			ID:        fmt.Sprintf("p%02d", i),
			GroupID:   group,
			AuthorID:  author,
			Status:    "open",
			Message:   fmt.Sprintf("m%d", i),
			CreatedAt: ts(i),
		})
	}
}

func (e *env) session(group string, pageSize int) *Session {
	return NewSession(e.fetcher, e.cache, SessionConfig{GroupID: group, PageSize: pageSize, Logger: quiet})
}

func ids(posts []model.Post) []string {
	out := make([]string, 0, len(posts))
	for _, p := range posts {
		out = append(out, p.ID)
	}
	return out
}

func post(id string, sec int, msg string) model.Post {
	return model.Post{ID: id, GroupID: "g", CreatedAt: *ts(sec), Message: msg}
}

// TestMergeDedupesByIDAndFreshWins 验证合并 (1,2,3) 与 (2,3,4)：结果 {1,2,3,4}，2 取新版本，4 按时间追加在后。
func TestMergeDedupesByIDAndFreshWins(t *testing.T) {
	held := []model.Post{post("1", 30, "one"), post("2", 20, "two"), post("3", 10, "three")}
	fresh := []model.Post{post("2", 20, "two (edited)"), post("3", 10, "three"), post("4", 5, "four")}

	merged := Merge(held, fresh)
	assert.Equal(t, []string{"1", "2", "3", "4"}, ids(merged))
	assert.Equal(t, "two (edited)", merged[1].Message)
	assert.Equal(t, "one", merged[0].Message)
}

// TestPaginationRevealsEveryItemOnce 验证逐次"加载更多"最终恰好展示 K 条不重复的帖子，
// 且 HasMore 恰好在第 K 条展示时变为 false。
func TestPaginationRevealsEveryItemOnce(t *testing.T) {
	for _, tc := range []struct{ k, p int }{{7, 3}, {6, 3}, {1, 5}, {10, 10}} {
		t.Run(fmt.Sprintf("K%d_P%d", tc.k, tc.p), func(t *testing.T) {
			e := newEnv()
			e.seedPosts("g", tc.k, "bob")
			s := e.session("g", tc.p)
			ctx := context.Background()

			snap, err := s.Open(ctx)
			require.NoError(t, err)
			for steps := 0; snap.HasMore; steps++ {
				require.Less(t, steps, tc.k, "pagination must terminate")
				require.Less(t, snap.RevealCount, tc.k)
				snap, err = s.ShowMore(ctx)
				require.NoError(t, err)
			}

			require.Len(t, snap.Items, tc.k)
			seen := map[string]bool{}
			for i, p := range snap.Items {
				assert.False(t, seen[p.ID], "duplicate %s", p.ID)
				seen[p.ID] = true
				if i > 0 {
					assert.True(t, model.Newer(snap.Items[i-1], p), "order broken at %d", i)
				}
			}
		})
	}
}

// TestShowMoreRevealsHeldItemsWithoutFetching 验证持有但未展开的条目先本地展开，不发请求。
func TestShowMoreRevealsHeldItemsWithoutFetching(t *testing.T) {
	e := newEnv()
	e.seedPosts("g", 5, "bob")
	first, err := e.fetcher.Fetch(context.Background(), "g", 5, "")
	require.NoError(t, err)
	e.cache.Put("g", first)
	queries := e.mem.Stats().Queries

	s := e.session("g", 2)
	snap, err := s.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCached, snap.State)
	assert.Equal(t, 2, snap.RevealCount)

	snap, err = s.ShowMore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, snap.RevealCount)
	snap, err = s.ShowMore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, snap.RevealCount)
	assert.False(t, snap.HasMore)
	assert.Equal(t, queries, e.mem.Stats().Queries)
}

// TestOpenUsesFreshCacheOnly 验证 TTL 内挂载零远端调用，达到 TTL 后重新拉取。
func TestOpenUsesFreshCacheOnly(t *testing.T) {
	e := newEnv()
	e.seedPosts("g", 3, "bob")
	ctx := context.Background()

	_, err := e.session("g", 10).Open(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, e.mem.Stats().Queries)

	e.clock.Advance(29 * time.Second)
	snap, err := e.session("g", 10).Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCached, snap.State)
	assert.Equal(t, 1, e.mem.Stats().Queries)

	e.clock.Advance(time.Second)
	snap, err = e.session("g", 10).Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateLoaded, snap.State)
	assert.Equal(t, 2, e.mem.Stats().Queries)
}

// TestShowMoreFailureKeepsItemsAndHasMore 验证加载更多失败后保留已有条目与 hasMore，可再次重试。
func TestShowMoreFailureKeepsItemsAndHasMore(t *testing.T) {
	e := newEnv()
	e.seedPosts("g", 5, "bob")
	s := e.session("g", 2)
	ctx := context.Background()

	_, err := s.Open(ctx)
	require.NoError(t, err)

	e.mem.FailNext(errors.New("network down"))
	snap, err := s.ShowMore(ctx)
	require.Error(t, err)
	assert.True(t, snap.HasMore)
	assert.Equal(t, []string{"p04", "p03"}, ids(snap.Items))
	assert.Equal(t, StateLoaded, snap.State)
	assert.NotEmpty(t, snap.Error)

	snap, err = s.ShowMore(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p04", "p03", "p02", "p01"}, ids(snap.Items))
	assert.Empty(t, snap.Error)
}

// TestStaleSearchResponseIsDiscarded 验证先发后到的搜索结果不会覆盖更新的结果。
func TestStaleSearchResponseIsDiscarded(t *testing.T) {
	e := newEnv()
	e.mem.Seed(
		source.Record{ID: "a", GroupID: "g", Message: "slow match", CreatedAt: ts(1)},
		source.Record{ID: "b", GroupID: "g", Message: "fast match", CreatedAt: ts(2)},
	)
	s := e.session("g", 10)
	ctx := context.Background()
	_, err := s.Open(ctx)
	require.NoError(t, err)

	e.src.gate(func(q source.Query) bool { return q.Search == "slow" })
	done := make(chan Snapshot)
	go func() {
		snap, _ := s.Search(ctx, "slow")
		done <- snap
	}()
	<-e.src.entered

	fast, err := s.Search(ctx, "fast")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(fast.Items))

	close(e.src.release)
	<-done

	snap := s.Snapshot()
	assert.Equal(t, "fast", snap.Query)
	assert.Equal(t, []string{"b"}, ids(snap.Items))
}

// TestClearSearchDiscardsInFlightSearch 验证清除搜索后迟到的搜索结果被丢弃，会话回到完整列表。
func TestClearSearchDiscardsInFlightSearch(t *testing.T) {
	e := newEnv()
	e.seedPosts("g", 4, "bob")
	s := e.session("g", 10)
	ctx := context.Background()
	_, err := s.Open(ctx)
	require.NoError(t, err)

	e.src.gate(func(q source.Query) bool { return q.Search != "" })
	done := make(chan struct{})
	go func() {
		_, _ = s.Search(ctx, "m1")
		close(done)
	}()
	<-e.src.entered

	snap, err := s.ClearSearch(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Items, 4)

	close(e.src.release)
	<-done
	snap = s.Snapshot()
	assert.Empty(t, snap.Query)
	assert.Len(t, snap.Items, 4)
	assert.False(t, s.Searching())
}

// TestSearchDisablesRemotePaging 验证搜索结果整体替换列表且不再远端翻页。
func TestSearchDisablesRemotePaging(t *testing.T) {
	e := newEnv()
	e.seedPosts("g", 25, "bob")
	s := e.session("g", 5)
	ctx := context.Background()
	_, err := s.Open(ctx)
	require.NoError(t, err)

	snap, err := s.Search(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 11, snap.Held)
	assert.Equal(t, 5, snap.RevealCount)

	queries := e.mem.Stats().Queries
	for snap.HasMore {
		snap, err = s.ShowMore(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 11, snap.RevealCount)
	assert.Equal(t, queries, e.mem.Stats().Queries)
}

// TestConcurrentRefreshIsCoalesced 验证刷新进行中再次触发刷新或加载更多会被合并。
func TestConcurrentRefreshIsCoalesced(t *testing.T) {
	e := newEnv()
	e.seedPosts("g", 6, "bob")
	s := e.session("g", 3)
	ctx := context.Background()
	_, err := s.Open(ctx)
	require.NoError(t, err)

	e.src.gate(func(q source.Query) bool { return q.After == "" && q.Search == "" })
	done := make(chan error)
	go func() {
		_, err := s.Refresh(ctx, Background)
		done <- err
	}()
	<-e.src.entered

	_, err = s.Refresh(ctx, Background)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = s.ShowMore(ctx)
	assert.ErrorIs(t, err, ErrBusy)

	close(e.src.release)
	require.NoError(t, <-done)

	_, err = s.ShowMore(ctx)
	assert.NoError(t, err)
}

// TestBackgroundRefreshKeepsRevealedTail 验证后台刷新：新帖出现在顶部，被删的消失，
// 已展开的更旧条目保留，并能继续翻页。
func TestBackgroundRefreshKeepsRevealedTail(t *testing.T) {
	e := newEnv()
	e.seedPosts("g", 10, "bob")
	s := e.session("g", 3)
	ctx := context.Background()

	_, err := s.Open(ctx)
	require.NoError(t, err)
	snap, err := s.ShowMore(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"p09", "p08", "p07", "p06", "p05", "p04"}, ids(snap.Items))

	_, err = e.mem.Delete(ctx, "p08")
	require.NoError(t, err)
	e.mem.Seed(source.Record{ID: "p10", GroupID: "g", AuthorID: "carol", CreatedAt: ts(10)})

	snap, err = s.Refresh(ctx, Background)
	require.NoError(t, err)
	assert.Equal(t, []string{"p10", "p09", "p07", "p06", "p05", "p04"}, ids(snap.Items))
	assert.True(t, snap.HasMore)

	snap, err = s.ShowMore(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p10", "p09", "p07", "p06", "p05", "p04", "p03", "p02", "p01"}, ids(snap.Items))
}

// TestForegroundRefreshReplacesList 验证前台刷新回到首页。
func TestForegroundRefreshReplacesList(t *testing.T) {
	e := newEnv()
	e.seedPosts("g", 10, "bob")
	s := e.session("g", 3)
	ctx := context.Background()
	_, err := s.Open(ctx)
	require.NoError(t, err)
	_, err = s.ShowMore(ctx)
	require.NoError(t, err)

	snap, err := s.ManualRefresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p09", "p08", "p07"}, ids(snap.Items))
	assert.Equal(t, 3, snap.Held)
	assert.True(t, snap.HasMore)
}

// TestDeleteSignalNeverResurrects 验证删除墓碑：即使远端副本仍返回该条目，也不会重新出现。
func TestDeleteSignalNeverResurrects(t *testing.T) {
	e := newEnv()
	e.seedPosts("g", 4, "bob")
	s := e.session("g", 10)
	ctx := context.Background()
	_, err := s.Open(ctx)
	require.NoError(t, err)

	applied := s.ApplyChange(ctx, model.ChangeSignal{GroupID: "g", Kind: model.ChangeDelete, ItemID: "p03", Token: "t1"})
	assert.True(t, applied)
	assert.Equal(t, []string{"p02", "p01", "p00"}, ids(s.Snapshot().Items))

	e.cache.Invalidate("g")
	_, err = s.Open(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids(s.Snapshot().Items), "p03")
}

// TestApplyChangeInvalidatesCacheFromOtherInstance 验证其他实例广播的变更会让更早的缓存失效。
func TestApplyChangeInvalidatesCacheFromOtherInstance(t *testing.T) {
	e := newEnv()
	e.seedPosts("g", 2, "bob")
	s := e.session("g", 10)
	ctx := context.Background()
	_, err := s.Open(ctx)
	require.NoError(t, err)

	epoch := e.cache.Epoch("g")
	e.clock.Advance(time.Second)
	e.mem.Seed(source.Record{ID: "p02", GroupID: "g", CreatedAt: ts(2)})
	ok := s.ApplyChange(ctx, model.ChangeSignal{GroupID: "g", Kind: model.ChangeCreate, ItemID: "p02", Token: "t1", EmittedAt: e.clock.Now()})
	require.True(t, ok)
	assert.Equal(t, []string{"p02", "p01", "p00"}, ids(s.Snapshot().Items))

	assert.NotEqual(t, epoch, e.cache.Epoch("g"))
	entry, hit := e.cache.Get("g")
	require.True(t, hit)
	assert.Len(t, entry.Items, 3)
}

// TestUnknownSignalReconcilesHeldTail 验证只知道"有变化"的信号也能移除首页之外被删除的条目，
// 结果与新挂载的会话一致。
func TestUnknownSignalReconcilesHeldTail(t *testing.T) {
	e := newEnv()
	e.seedPosts("g", 6, "bob")
	ctx := context.Background()

	revealAll := func(s *Session) Snapshot {
		snap, err := s.Open(ctx)
		require.NoError(t, err)
		for snap.HasMore {
			snap, err = s.ShowMore(ctx)
			require.NoError(t, err)
		}
		return snap
	}

	b := e.session("g", 2)
	require.Len(t, revealAll(b).Items, 6)

	_, err := e.mem.Delete(ctx, "p01")
	require.NoError(t, err)
	e.cache.Invalidate("g")
	require.True(t, b.ApplyChange(ctx, model.ChangeSignal{GroupID: "g", Kind: model.ChangeUnknown, Token: "t1"}))

	fresh := revealAll(e.session("g", 2))
	assert.Equal(t, []string{"p05", "p04", "p03", "p02", "p00"}, ids(fresh.Items))
	got := b.Snapshot()
	assert.Equal(t, ids(fresh.Items), ids(got.Items))
	assert.False(t, got.HasMore)
}

// TestChangeAfterInvalidationSeesNewData 验证失效之后的刷新不会并入失效之前开始的首页拉取。
func TestChangeAfterInvalidationSeesNewData(t *testing.T) {
	e := newEnv()
	e.seedPosts("g", 3, "bob")
	ctx := context.Background()

	a := e.session("g", 5)
	_, err := a.Open(ctx)
	require.NoError(t, err)
	e.cache.Invalidate("g")

	var once sync.Once
	e.src.readFirst = true
	e.src.gate(func(q source.Query) bool {
		matched := false
		once.Do(func() { matched = q.After == "" })
		return matched
	})

	b := e.session("g", 5)
	opened := make(chan Snapshot, 1)
	go func() {
		snap, _ := b.Open(ctx)
		opened <- snap
	}()
	<-e.src.entered

	e.mem.Seed(source.Record{ID: "p09", GroupID: "g", AuthorID: "carol", CreatedAt: ts(9)})
	e.cache.Invalidate("g")
	require.True(t, a.ApplyChange(ctx, model.ChangeSignal{GroupID: "g", Kind: model.ChangeCreate, ItemID: "p09", Token: "t1"}))
	assert.Equal(t, []string{"p09", "p02", "p01", "p00"}, ids(a.Snapshot().Items))

	close(e.src.release)
	<-opened
	entry, hit := e.cache.Get("g")
	if hit {
		assert.Contains(t, ids(entry.Items), "p09", "stale first page must not overwrite the cache")
	}
}

func TestClampRevealCountAfterShrink(t *testing.T) {
	e := newEnv()
	s := e.session("g", 5)
	s.items = []model.Post{post("1", 1, "")}
	s.revealCount = 4
	snap := s.Snapshot()
	assert.Equal(t, 1, snap.RevealCount)
	assert.Len(t, snap.Items, 1)
}

func TestSuppressionScopes(t *testing.T) {
	clock := &fakeClock{t: base}
	supp := NewSuppressions(70*time.Second, clock.Now)
	newPost := model.Post{ID: "p1", GroupID: "g"}
	other := model.Post{ID: "p2", GroupID: "g"}

	supp.Suppress("alice", model.SuppressSelfAuthored, "g", "p1")
	_, ok := supp.Match("alice", "g", newPost, clock.Now())
	assert.True(t, ok)
	_, ok = supp.Match("alice", "g", other, clock.Now())
	assert.False(t, ok, "self-authored window is scoped to its item")
	_, ok = supp.Match("bob", "g", newPost, clock.Now())
	assert.False(t, ok, "windows belong to one viewer")

	supp.Suppress("alice", model.SuppressSelfDeleted, "g", "p9")
	w, ok := supp.Match("alice", "g", other, clock.Now())
	assert.True(t, ok)
	assert.Equal(t, model.SuppressSelfDeleted, w.Reason)
	_, ok = supp.Match("alice", "h", other, clock.Now())
	assert.False(t, ok)

	clock.Advance(70 * time.Second)
	_, ok = supp.Match("alice", "g", newPost, clock.Now())
	assert.False(t, ok)
	assert.Empty(t, supp.Active("alice"))
}

type detectorFixture struct {
	*env
	session  *Session
	detector *Detector
	supp     *Suppressions
	seen     *lastseen.Memory
	banners  []*Banner
}

func newDetectorFixture(t *testing.T, viewer string) *detectorFixture {
	t.Helper()
	e := newEnv()
	f := &detectorFixture{env: e, supp: NewSuppressions(70*time.Second, e.clock.Now), seen: lastseen.NewMemory()}
	f.session = NewSession(e.fetcher, e.cache, SessionConfig{
		GroupID:  "g",
		PageSize: 10,
		Logger:   quiet,
		OnCurrent: func(newest time.Time) {
			f.detector.MarkSeen(context.Background(), newest)
		},
	})
	f.detector = NewDetector(f.session, e.fetcher, e.cache, f.supp, f.seen, DetectorConfig{
		ViewerID: viewer,
		Now:      e.clock.Now,
		Logger:   quiet,
		OnBanner: func(b *Banner) { f.banners = append(f.banners, b) },
	})
	return f
}

// TestDetectorSelfAuthoredNeverRaisesBanner 验证自己发的新帖不提示，别人发的新帖提示。
func TestDetectorSelfAuthoredNeverRaisesBanner(t *testing.T) {
	f := newDetectorFixture(t, "alice")
	f.seedPosts("g", 3, "bob")
	ctx := context.Background()
	_, err := f.session.Open(ctx)
	require.NoError(t, err)
	require.True(t, ts(2).Equal(f.detector.LastSeen()))

	f.mem.Seed(source.Record{ID: "mine", GroupID: "g", AuthorID: "alice", CreatedAt: ts(3)})
	outcome, err := f.detector.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSelfAuthored, outcome)
	_, raised := f.detector.Banner()
	assert.False(t, raised)
	assert.True(t, ts(3).Equal(f.detector.LastSeen()))

	f.mem.Seed(source.Record{ID: "theirs", GroupID: "g", AuthorID: "bob", CreatedAt: ts(4)})
	outcome, err = f.detector.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBanner, outcome)
	banner, raised := f.detector.Banner()
	require.True(t, raised)
	assert.Equal(t, "theirs", banner.PostID)

	persisted, err := f.seen.Get(ctx, "alice", "g")
	require.NoError(t, err)
	assert.True(t, ts(3).Equal(persisted), "banner must not advance last-seen")
}

// TestDetectorMemoOnlyWindowSuppressesBanner 验证 memo-only 窗口（10 秒前开启，时长 70 秒）内不提示，过期后恢复提示。
func TestDetectorMemoOnlyWindowSuppressesBanner(t *testing.T) {
	f := newDetectorFixture(t, "alice")
	f.seedPosts("g", 2, "bob")
	ctx := context.Background()
	_, err := f.session.Open(ctx)
	require.NoError(t, err)

	f.supp.Suppress("alice", model.SuppressMemoOnly, "g", "")
	f.clock.Advance(10 * time.Second)

	f.mem.Seed(source.Record{ID: "memo-target", GroupID: "g", AuthorID: "bob", CreatedAt: ts(5)})
	outcome, err := f.detector.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuppressed, outcome)
	_, raised := f.detector.Banner()
	assert.False(t, raised)
	assert.Contains(t, ids(f.session.Snapshot().Items), "memo-target", "suppressed change still reaches the list")

	f.clock.Advance(61 * time.Second)
	f.mem.Seed(source.Record{ID: "later", GroupID: "g", AuthorID: "bob", CreatedAt: ts(6)})
	outcome, err = f.detector.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBanner, outcome)
}

func TestDetectorSkipsWhileSearching(t *testing.T) {
	f := newDetectorFixture(t, "alice")
	f.seedPosts("g", 3, "bob")
	ctx := context.Background()
	_, err := f.session.Open(ctx)
	require.NoError(t, err)
	_, err = f.session.Search(ctx, "m1")
	require.NoError(t, err)

	newest := f.mem.Stats().Newest
	outcome, err := f.detector.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, newest, f.mem.Stats().Newest)
}

// TestDetectorRefreshesSilentlyWhenCacheExpired 验证没有新帖但缓存过期时做一次静默后台刷新。
func TestDetectorRefreshesSilentlyWhenCacheExpired(t *testing.T) {
	f := newDetectorFixture(t, "alice")
	f.seedPosts("g", 3, "bob")
	ctx := context.Background()
	_, err := f.session.Open(ctx)
	require.NoError(t, err)

	outcome, err := f.detector.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)

	status := model.PostStatusDone
	_, err = f.mem.Update(ctx, "p01", model.PostPatch{Status: &status})
	require.NoError(t, err)
	f.clock.Advance(30 * time.Second)

	queries := f.mem.Stats().Queries
	outcome, err = f.detector.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBackgroundRefresh, outcome)
	assert.Equal(t, queries+1, f.mem.Stats().Queries)
	assert.Equal(t, model.PostStatusDone, f.session.Snapshot().Items[1].Status)
	assert.False(t, f.session.Snapshot().Loading)
}

// TestAcceptBannerClearsEvenWhenFetchFails 验证点击提示条总能清除提示，即使随后的拉取失败。
func TestAcceptBannerClearsEvenWhenFetchFails(t *testing.T) {
	f := newDetectorFixture(t, "alice")
	f.seedPosts("g", 2, "bob")
	ctx := context.Background()
	_, err := f.session.Open(ctx)
	require.NoError(t, err)

	f.mem.Seed(source.Record{ID: "new", GroupID: "g", AuthorID: "bob", CreatedAt: ts(9)})
	outcome, err := f.detector.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeBanner, outcome)

	f.mem.FailNext(errors.New("offline"))
	_, err = f.detector.AcceptBanner(ctx)
	assert.Error(t, err)
	_, raised := f.detector.Banner()
	assert.False(t, raised)
	require.NotEmpty(t, f.banners)
	assert.Nil(t, f.banners[len(f.banners)-1])
	assert.True(t, ts(1).Equal(f.detector.LastSeen()))

	snap, err := f.detector.AcceptBanner(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", snap.Items[0].ID)
	assert.True(t, ts(9).Equal(f.detector.LastSeen()))
}

// TestDetectorAdoptsNewestWithoutBaseline 验证从未看过的小组以当前最新为起点，不提示。
func TestDetectorAdoptsNewestWithoutBaseline(t *testing.T) {
	f := newDetectorFixture(t, "alice")
	f.seedPosts("g", 3, "bob")

	outcome, err := f.detector.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)
	assert.True(t, ts(2).Equal(f.detector.LastSeen()))
}

func TestDetectorLoadsPersistedLastSeen(t *testing.T) {
	f := newDetectorFixture(t, "alice")
	f.seedPosts("g", 3, "bob")
	ctx := context.Background()
	require.NoError(t, f.seen.Set(ctx, "alice", "g", *ts(1)))
	require.NoError(t, f.detector.Load(ctx))

	outcome, err := f.detector.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBanner, outcome)
}
