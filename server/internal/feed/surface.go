package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"team-feed/server/internal/broadcast"
	"team-feed/server/internal/cache"
	"team-feed/server/internal/fetcher"
	"team-feed/server/internal/lastseen"
	"team-feed/server/internal/metrics"
)

// ErrNotFeed 表示在单帖视图上调用了动态流操作。
var ErrNotFeed = errors.New("surface is not a feed view")

// Kind 是视图类型。
type Kind string

const (
	KindFeed Kind = "feed"
	KindPost Kind = "post"
	KindEdit Kind = "edit"
)

// Update 是视图推给前端的一次更新。
type Update struct {
	SurfaceID string        `json:"surface_id"`
	Type      string        `json:"type"`
	Snapshot  *Snapshot     `json:"snapshot,omitempty"`
	Post      *PostSnapshot `json:"post,omitempty"`
	Banner    *Banner       `json:"banner,omitempty"`
}

const (
	UpdateSnapshot = "snapshot"
	UpdatePost     = "post"
	UpdateBanner   = "banner"
)

// Deps 是所有视图共享的引擎组件。
type Deps struct {
	Fetcher      *fetcher.Fetcher
	Cache        *cache.Cache
	Broadcaster  *broadcast.Broadcaster
	Suppressions *Suppressions
	LastSeen     lastseen.Store
	Logger       *log.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time

	PageSize         int
	PollInterval     time.Duration
	DetectorInterval time.Duration
}

// SurfaceConfig 描述要挂载的视图。
type SurfaceConfig struct {
	ID       string
	Kind     Kind
	ViewerID string
	GroupID  string
	// PostID 仅用于单帖/编辑视图。
	PostID string
}

// Surface 是一个独立挂载的视图：会话 + 检测器（仅动态流）+ 变更 watcher。
// 视图之间不共享内存状态，只通过小组缓存与广播器收敛。
type Surface struct {
	cfg      SurfaceConfig
	session  *Session
	detector *Detector
	post     *PostView
	watcher  *broadcast.Watcher
	metrics  *metrics.Metrics
	logger   *log.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Mount 挂载视图：先以当前持久标记为起点，再加载数据，最后启动后台循环。
// onUpdate 可能在任意 goroutine 上被调用。
func Mount(ctx context.Context, deps Deps, cfg SurfaceConfig, onUpdate func(Update)) (*Surface, error) {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Suppressions == nil {
		deps.Suppressions = NewSuppressions(0, deps.Now)
	}
	if deps.LastSeen == nil {
		deps.LastSeen = lastseen.NewMemory()
	}
	if onUpdate == nil {
		onUpdate = func(Update) {}
	}
	if cfg.Kind == "" {
		cfg.Kind = KindFeed
	}

	s := &Surface{cfg: cfg, metrics: deps.Metrics, logger: deps.Logger}
	var handler broadcast.Handler

	switch cfg.Kind {
	case KindFeed:
		if cfg.GroupID == "" {
			return nil, fmt.Errorf("mount feed surface: group id required")
		}
		var detector *Detector
		s.session = NewSession(deps.Fetcher, deps.Cache, SessionConfig{
			GroupID:  cfg.GroupID,
			PageSize: deps.PageSize,
			Logger:   deps.Logger,
			Metrics:  deps.Metrics,
			OnCurrent: func(newest time.Time) {
				// 列表确认最新时推进 lastSeen，同一变化不会再触发提示条。
				detector.MarkSeen(context.Background(), newest)
			},
			OnUpdate: func(snap Snapshot) {
				onUpdate(Update{SurfaceID: cfg.ID, Type: UpdateSnapshot, Snapshot: &snap})
			},
		})
		detector = NewDetector(s.session, deps.Fetcher, deps.Cache, deps.Suppressions, deps.LastSeen, DetectorConfig{
			ViewerID: cfg.ViewerID,
			Interval: deps.DetectorInterval,
			Now:      deps.Now,
			Logger:   deps.Logger,
			Metrics:  deps.Metrics,
			OnBanner: func(b *Banner) {
				onUpdate(Update{SurfaceID: cfg.ID, Type: UpdateBanner, Banner: b})
			},
		})
		s.detector = detector
		if err := detector.Load(ctx); err != nil {
			deps.Logger.Printf("[Surface] ⚠️  last-seen unavailable, starting fresh: viewer=%s group=%s err=%v", cfg.ViewerID, cfg.GroupID, err)
		}
		handler = s.session.ApplyChange

	case KindPost, KindEdit:
		if cfg.PostID == "" {
			return nil, fmt.Errorf("mount %s surface: post id required", cfg.Kind)
		}
		s.post = NewPostView(deps.Fetcher, cfg.PostID, deps.Logger, func(snap PostSnapshot) {
			onUpdate(Update{SurfaceID: cfg.ID, Type: UpdatePost, Post: &snap})
		})
		handler = s.post.ApplyChange

	default:
		return nil, fmt.Errorf("mount surface: unknown kind %q", cfg.Kind)
	}

	if s.post != nil && cfg.GroupID == "" {
		// 单帖视图可以只给帖子 ID，小组从帖子本身得到。
		if _, err := s.post.Load(ctx); err != nil {
			return nil, err
		}
		s.cfg.GroupID = s.post.GroupID()
	}

	if s.cfg.GroupID != "" {
		s.watcher = broadcast.NewWatcher(deps.Broadcaster, s.cfg.GroupID, handler, deps.PollInterval, deps.Logger)
		if err := s.watcher.Prime(ctx); err != nil {
			deps.Logger.Printf("[Surface] ⚠️  flag prime failed: group=%s err=%v", s.cfg.GroupID, err)
		}
	}

	switch {
	case s.session != nil:
		if _, err := s.session.Open(ctx); err != nil {
			// 首次加载失败不阻止挂载，用户可以手动刷新重试。
			deps.Logger.Printf("[Surface] ⚠️  initial load failed: surface=%s err=%v", cfg.ID, err)
		}
	case s.post != nil && s.post.Snapshot().Post == nil && !s.post.Snapshot().Gone:
		if _, err := s.post.Load(ctx); err != nil {
			deps.Logger.Printf("[Surface] ⚠️  initial load failed: surface=%s err=%v", cfg.ID, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.watcher != nil {
		s.goRun(func() error { return s.watcher.Run(runCtx) })
	}
	if s.detector != nil {
		s.goRun(func() error { return s.detector.Run(runCtx) })
	}

	s.metrics.SurfaceMounted()
	deps.Logger.Printf("[Surface] ✅ mounted: id=%s kind=%s viewer=%s group=%s", cfg.ID, cfg.Kind, cfg.ViewerID, s.cfg.GroupID)
	return s, nil
}

func (s *Surface) goRun(fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Printf("[Surface] ⚠️  background loop stopped: surface=%s err=%v", s.cfg.ID, err)
		}
	}()
}

// Close 停止后台循环并等待退出，可重复调用。
func (s *Surface) Close() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.metrics.SurfaceUnmounted()
		s.logger.Printf("[Surface] unmounted: id=%s", s.cfg.ID)
	})
}

func (s *Surface) ID() string        { return s.cfg.ID }
func (s *Surface) Kind() Kind        { return s.cfg.Kind }
func (s *Surface) ViewerID() string  { return s.cfg.ViewerID }
func (s *Surface) GroupID() string   { return s.cfg.GroupID }
func (s *Surface) Session() *Session { return s.session }

// Detector 返回检测器，单帖视图为 nil。
func (s *Surface) Detector() *Detector { return s.detector }

// Watcher 返回变更 watcher。
func (s *Surface) Watcher() *broadcast.Watcher { return s.watcher }

// Snapshot 返回当前可见状态，类型由视图种类决定。
func (s *Surface) Snapshot() Update {
	if s.session != nil {
		snap := s.session.Snapshot()
		u := Update{SurfaceID: s.cfg.ID, Type: UpdateSnapshot, Snapshot: &snap}
		if b, ok := s.detector.Banner(); ok {
			u.Banner = &b
		}
		return u
	}
	snap := s.post.Snapshot()
	return Update{SurfaceID: s.cfg.ID, Type: UpdatePost, Post: &snap}
}

func (s *Surface) ShowMore(ctx context.Context) (Snapshot, error) {
	if s.session == nil {
		return Snapshot{}, ErrNotFeed
	}
	return s.session.ShowMore(ctx)
}

// Refresh 是手动刷新；单帖视图重新读取帖子。
func (s *Surface) Refresh(ctx context.Context) (Update, error) {
	if s.session == nil {
		_, err := s.post.Load(ctx)
		return s.Snapshot(), err
	}
	_, err := s.session.ManualRefresh(ctx)
	return s.Snapshot(), err
}

func (s *Surface) AcceptBanner(ctx context.Context) (Snapshot, error) {
	if s.detector == nil {
		return Snapshot{}, ErrNotFeed
	}
	return s.detector.AcceptBanner(ctx)
}

func (s *Surface) Search(ctx context.Context, query string) (Snapshot, error) {
	if s.session == nil {
		return Snapshot{}, ErrNotFeed
	}
	return s.session.Search(ctx, query)
}

func (s *Surface) ClearSearch(ctx context.Context) (Snapshot, error) {
	if s.session == nil {
		return Snapshot{}, ErrNotFeed
	}
	return s.session.ClearSearch(ctx)
}
