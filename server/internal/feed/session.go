package feed

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"team-feed/server/internal/cache"
	"team-feed/server/internal/fetcher"
	"team-feed/server/internal/metrics"
	"team-feed/server/internal/model"
)

// DefaultPageSize 是每次远端拉取/本地展开的条数。
const DefaultPageSize = 20

// ErrBusy 表示已有拉取在进行中，本次触发被合并（不排队）。
var ErrBusy = errors.New("feed session busy")

// State 是会话状态机的状态。
type State string

const (
	StateInitial      State = "initial"
	StateCached       State = "cached"
	StateLoading      State = "loading"
	StateLoaded       State = "loaded"
	StateRevealing    State = "revealing"
	StateFetchingMore State = "fetching_more"
	StateRefreshing   State = "refreshing"
	StateSearching    State = "searching"
)

// RefreshMode 区分前台刷新与后台静默刷新。
type RefreshMode int

const (
	// Foreground 用新首页整体替换列表，展开位置回到首页（手动刷新、点击提示条）。
	Foreground RefreshMode = iota
	// Background 静默合并，不打断用户当前的滚动与选中（变更信号、检测器兜底）。
	Background
)

func (m RefreshMode) String() string {
	if m == Foreground {
		return "foreground"
	}
	return "background"
}

// Snapshot 是会话在某一时刻对外可见的状态。
type Snapshot struct {
	GroupID string `json:"group_id"`
	State   State  `json:"state"`
	// Items 是已展开（可见）的条目。
	Items []model.Post `json:"items"`
	// Held 是会话持有的条目总数（含未展开的）。
	Held        int  `json:"held"`
	RevealCount int  `json:"reveal_count"`
	HasMore     bool `json:"has_more"`
	// Loading 为 true 时界面显示加载指示（后台刷新不显示）。
	Loading bool   `json:"loading"`
	Query   string `json:"query,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SessionConfig 配置一个会话。
type SessionConfig struct {
	GroupID  string
	PageSize int
	Logger   *log.Logger
	Metrics  *metrics.Metrics
	// OnCurrent 在列表确认与远端一致时调用，参数是最新一条的创建时间。
	OnCurrent func(newest time.Time)
	// OnUpdate 在对外可见状态变化后调用（锁外）。
	OnUpdate func(Snapshot)
}

// Session 是单个视图持有的动态流控制器。
//
// 约定：
// - revealCount ≤ len(items)，任何合并之后都会钳制。
// - 只有 revealCount == len(items) 且 hasMore 时才发起远端"加载更多"。
// - 加载更多与刷新互斥：进行中再次触发直接返回 ErrBusy（合并，不排队）。
// - 每次会改变列表来源的操作都推进 generation，过期响应比较后丢弃。
type Session struct {
	groupID  string
	pageSize int
	fetcher  *fetcher.Fetcher
	cache    *cache.Cache
	logger   *log.Logger
	metrics  *metrics.Metrics

	onCurrent func(time.Time)
	onUpdate  func(Snapshot)

	mu          sync.Mutex
	state       State
	settled     State
	items       []model.Post
	revealCount int
	cursor      model.Cursor
	hasMore     bool
	query       string
	inFlight    bool
	foreground  bool
	generation  uint64
	tombstones  map[string]struct{}
	lastErr     error
}

func NewSession(f *fetcher.Fetcher, c *cache.Cache, cfg SessionConfig) *Session {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Session{
		groupID:    cfg.GroupID,
		pageSize:   cfg.PageSize,
		fetcher:    f,
		cache:      c,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		onCurrent:  cfg.OnCurrent,
		onUpdate:   cfg.OnUpdate,
		state:      StateInitial,
		settled:    StateInitial,
		tombstones: make(map[string]struct{}),
	}
}

// GroupID 返回会话所属小组。
func (s *Session) GroupID() string {
	return s.groupID
}

// Searching 判断是否处于搜索子状态。
func (s *Session) Searching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query != ""
}

// Snapshot 返回当前可见状态。
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	s.clampLocked()
	snap := Snapshot{
		GroupID:     s.groupID,
		State:       s.state,
		Items:       append([]model.Post(nil), s.items[:s.revealCount]...),
		Held:        len(s.items),
		RevealCount: s.revealCount,
		HasMore:     s.revealCount < len(s.items) || s.hasMore,
		Loading:     s.state == StateLoading || (s.state == StateRefreshing && s.foreground) || s.state == StateSearching,
		Query:       s.query,
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
	}
	return snap
}

// clampLocked 修正合并后可能出现的 revealCount 越界，不报错。
func (s *Session) clampLocked() {
	if s.revealCount > len(s.items) {
		s.revealCount = len(s.items)
	}
	if s.revealCount < 0 {
		s.revealCount = 0
	}
}

func (s *Session) firstPageCount(n int) int {
	if n < s.pageSize {
		return n
	}
	return s.pageSize
}

func (s *Session) notify(snap Snapshot) {
	if s.onUpdate != nil {
		s.onUpdate(snap)
	}
}

// finishLocked 释放锁并推送快照。
func (s *Session) finishLocked() Snapshot {
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	return snap
}

// staleLocked 判断响应是否已被更新的操作取代。
func (s *Session) staleLocked(gen uint64, op string) bool {
	if gen == s.generation {
		return false
	}
	s.metrics.StaleResponse()
	s.logger.Printf("[Session] discarding superseded %s response: group=%s gen=%d current=%d", op, s.groupID, gen, s.generation)
	return true
}

// Open 挂载时调用：先查小组缓存，命中即渲染（零远端调用），否则拉取首页。
func (s *Session) Open(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.state = StateInitial
	s.lastErr = nil

	if entry, ok := s.cache.Get(s.groupID); ok {
		s.items = without(entry.Items, s.tombstones)
		s.cursor = entry.NextCursor
		s.hasMore = entry.HasMore
		s.revealCount = s.firstPageCount(len(s.items))
		s.state, s.settled = StateCached, StateCached
		// 新鲜的缓存条目同样视为已确认的最新列表。
		newest := s.newestLocked()
		snap := s.finishLocked()
		s.confirm(newest)
		return snap, nil
	}

	s.state = StateLoading
	epoch := s.cache.Epoch(s.groupID)
	size := s.pageSize
	if wide {
		size = min(len(s.items)+s.pageSize, fetcher.UnboundedPageSize)
	}
	pending := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(pending)

	page, err := s.fetcher.Fetch(ctx, s.groupID, size, "")

	s.mu.Lock()
	if s.staleLocked(gen, "open") {
		return s.finishLocked(), nil
	}
	if err != nil {
		s.logger.Printf("[Session] ❌ initial fetch failed: group=%s err=%v", s.groupID, err)
		s.lastErr = err
		s.state, s.settled = StateLoaded, StateLoaded
		return s.finishLocked(), err
	}
	s.cache.PutIfCurrent(s.groupID, epoch, page)
	s.items = without(page.Items, s.tombstones)
	s.cursor = page.NextCursor
	s.hasMore = page.HasMore
	s.revealCount = s.firstPageCount(len(s.items))
	s.state, s.settled = StateLoaded, StateLoaded
	newest := s.newestLocked()
	snap := s.finishLocked()
	s.confirm(newest)
	return snap, nil
}

// ShowMore 对应滚动到底：先展开已持有但未显示的条目，全部展开后才去远端取下一页。
// 加载失败时保持 hasMore 与已有条目不变，用户再次滚动即可重试。
func (s *Session) ShowMore(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	s.clampLocked()
	if s.revealCount < len(s.items) {
		s.state = StateRevealing
		s.revealCount += s.pageSize
		s.clampLocked()
		s.state = s.settled
		return s.finishLocked(), nil
	}
	if !s.hasMore || s.query != "" {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, nil
	}
	if s.inFlight {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, ErrBusy
	}

	s.inFlight = true
	s.foreground = false
	s.state = StateFetchingMore
	gen := s.generation
	cursor := s.cursor
	pending := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(pending)

	page, err := s.fetcher.Fetch(ctx, s.groupID, s.pageSize, cursor)

	s.mu.Lock()
	s.inFlight = false
	if s.staleLocked(gen, "fetch-more") {
		return s.finishLocked(), nil
	}
	if err != nil {
		s.logger.Printf("[Session] ⚠️  fetch more failed, keeping current items: group=%s err=%v", s.groupID, err)
		s.lastErr = err
		s.state = s.settled
		return s.finishLocked(), err
	}
	s.lastErr = nil
	s.items = without(Merge(s.items, page.Items), s.tombstones)
	if page.NextCursor != "" {
		s.cursor = page.NextCursor
	}
	s.hasMore = page.HasMore
	s.revealCount += s.pageSize
	s.clampLocked()
	s.state, s.settled = StateLoaded, StateLoaded
	return s.finishLocked(), nil
}

// Refresh 重新拉取首页（搜索中则重新执行搜索）。
func (s *Session) Refresh(ctx context.Context, mode RefreshMode) (Snapshot, error) {
	return s.refresh(ctx, mode, false)
}

// reconcile 是覆盖整个持有窗口的后台刷新：一次拉取持有条数再加一页，
// 窗口内缺席的条目（包括首页之外被删除的）随之移除。
// 用于只知道"有变化"而不知道变化内容的信号。
func (s *Session) reconcile(ctx context.Context) (Snapshot, error) {
	return s.refresh(ctx, Background, true)
}

func (s *Session) refresh(ctx context.Context, mode RefreshMode, wide bool) (Snapshot, error) {
	s.mu.Lock()
	if s.inFlight {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, ErrBusy
	}
	if s.query != "" {
		return s.researchLocked(ctx)
	}

	s.inFlight = true
	s.foreground = mode == Foreground
	s.state = StateRefreshing
	gen := s.generation
	epoch := s.cache.Epoch(s.groupID)
	size := s.pageSize
	if wide {
		size = min(len(s.items)+s.pageSize, fetcher.UnboundedPageSize)
	}
	pending := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(pending)

	page, err := s.fetcher.Fetch(ctx, s.groupID, size, "")

	s.mu.Lock()
	s.inFlight = false
	s.foreground = false
	if s.staleLocked(gen, "refresh") {
		return s.finishLocked(), nil
	}
	if err != nil {
		s.logger.Printf("[Session] ⚠️  %s refresh failed, keeping current items: group=%s err=%v", mode, s.groupID, err)
		s.lastErr = err
		s.state = s.settled
		return s.finishLocked(), err
	}
	s.lastErr = nil
	if size == s.pageSize {
		// 缓存只保存首页。
		s.cache.PutIfCurrent(s.groupID, epoch, page)
	}

	if mode == Foreground {
		s.items = without(page.Items, s.tombstones)
		s.cursor = page.NextCursor
		s.hasMore = page.HasMore
		s.revealCount = s.firstPageCount(len(s.items))
	} else {
		s.applyBackgroundLocked(page)
	}
	s.state, s.settled = StateLoaded, StateLoaded
	newest := s.newestLocked()
	snap := s.finishLocked()
	s.confirm(newest)
	return snap, nil
}

// applyBackgroundLocked 合并新首页，并让之前最后一条可见条目保持可见。
func (s *Session) applyBackgroundLocked(page model.Page) {
	s.clampLocked()
	var anchor string
	if s.revealCount > 0 {
		anchor = s.items[s.revealCount-1].ID
	}

	merged, keptTail := mergeRefresh(s.items, page)
	s.items = without(merged, s.tombstones)
	if !keptTail {
		s.cursor = page.NextCursor
		s.hasMore = page.HasMore
	}

	reveal := s.firstPageCount(len(s.items))
	found := false
	for i, p := range s.items {
		if p.ID == anchor {
			found = true
			if i+1 > reveal {
				reveal = i + 1
			}
			break
		}
	}
	if anchor != "" && !found && reveal < s.revealCount {
		// 锚点本身被删除时沿用原来的展开数。
		reveal = s.revealCount
	}
	s.revealCount = reveal
	s.clampLocked()
}

// ManualRefresh 是用户主动刷新：无视 TTL 先失效缓存，再前台拉取。
func (s *Session) ManualRefresh(ctx context.Context) (Snapshot, error) {
	s.cache.Invalidate(s.groupID)
	return s.Refresh(ctx, Foreground)
}

// Search 进入搜索子状态：一次性拉取全部匹配项替换列表，停用远端分页。
// 空查询等同于 ClearSearch。
func (s *Session) Search(ctx context.Context, query string) (Snapshot, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.ClearSearch(ctx)
	}
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.query = query
	s.state = StateSearching
	pending := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(pending)

	return s.applySearch(ctx, gen, query, false)
}

// researchLocked 在搜索中收到刷新请求时重新执行同一个搜索。调用时持有锁。
func (s *Session) researchLocked(ctx context.Context) (Snapshot, error) {
	s.inFlight = true
	gen := s.generation
	query := s.query
	s.mu.Unlock()
	return s.applySearch(ctx, gen, query, true)
}

func (s *Session) applySearch(ctx context.Context, gen uint64, query string, guarded bool) (Snapshot, error) {
	items, err := s.fetcher.FetchAll(ctx, s.groupID, query)

	s.mu.Lock()
	if guarded {
		s.inFlight = false
	}
	if s.staleLocked(gen, "search") {
		return s.finishLocked(), nil
	}
	if err != nil {
		s.logger.Printf("[Session] ⚠️  search failed: group=%s query=%q err=%v", s.groupID, query, err)
		s.lastErr = err
		s.state, s.settled = StateLoaded, StateLoaded
		return s.finishLocked(), err
	}
	s.lastErr = nil
	s.items = without(items, s.tombstones)
	s.cursor = ""
	s.hasMore = false
	s.revealCount = s.firstPageCount(len(s.items))
	s.state, s.settled = StateLoaded, StateLoaded
	return s.finishLocked(), nil
}

// ClearSearch 退出搜索并把会话重置为 Initial，重新走挂载流程。
func (s *Session) ClearSearch(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	if s.query == "" {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, nil
	}
	s.generation++
	s.query = ""
	s.items = nil
	s.revealCount = 0
	s.cursor = ""
	s.hasMore = false
	s.state, s.settled = StateInitial, StateInitial
	s.mu.Unlock()
	return s.Open(ctx)
}

// ApplyChange 处理一次变更信号，返回是否已应用。
//
// 删除信号先记墓碑并立即移除条目（之后任何拉取结果都不会让它复活），
// 然后做一次后台刷新。刷新被合并（ErrBusy）时返回 false，由调用方稍后重试。
func (s *Session) ApplyChange(ctx context.Context, sig model.ChangeSignal) bool {
	if sig.GroupID != "" && sig.GroupID != s.groupID {
		return true
	}
	if !sig.EmittedAt.IsZero() {
		// 其他实例产生的变更：本地缓存可能还停留在变更之前。
		s.cache.InvalidateOlderThan(s.groupID, sig.EmittedAt.Add(time.Millisecond))
	}
	if sig.Kind == model.ChangeDelete && sig.ItemID != "" {
		s.forget(sig.ItemID)
	}

	var err error
	if sig.Kind == model.ChangeUnknown {
		// 只从持久标记得知有变化：可能删了首页之外的条目，整窗核对。
		_, err = s.reconcile(ctx)
	} else {
		_, err = s.Refresh(ctx, Background)
	}
	if errors.Is(err, ErrBusy) {
		return false
	}
	return true
}

// forget 记录删除墓碑并移除条目。
func (s *Session) forget(id string) {
	s.mu.Lock()
	if _, seen := s.tombstones[id]; seen {
		s.mu.Unlock()
		return
	}
	s.tombstones[id] = struct{}{}
	for i, p := range s.items {
		if p.ID != id {
			continue
		}
		if i < s.revealCount {
			s.revealCount--
		}
		s.items = append(s.items[:i:i], s.items[i+1:]...)
		break
	}
	s.finishLocked()
}

func (s *Session) newestLocked() time.Time {
	var newest time.Time
	for _, p := range s.items {
		if p.CreatedAt.After(newest) {
			newest = p.CreatedAt
		}
	}
	return newest
}

func (s *Session) confirm(newest time.Time) {
	if s.onCurrent != nil && !newest.IsZero() {
		s.onCurrent(newest)
	}
}
