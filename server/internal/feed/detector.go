package feed

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"team-feed/server/internal/cache"
	"team-feed/server/internal/fetcher"
	"team-feed/server/internal/lastseen"
	"team-feed/server/internal/metrics"
	"team-feed/server/internal/model"
)

// DefaultDetectorInterval 是新动态检测的周期。
const DefaultDetectorInterval = 60 * time.Second

// Outcome 是一次检测的结论。
type Outcome string

const (
	OutcomeSkipped           Outcome = "skipped"
	OutcomeUnchanged         Outcome = "unchanged"
	OutcomeSelfAuthored      Outcome = "self_authored"
	OutcomeSuppressed        Outcome = "suppressed"
	OutcomeBanner            Outcome = "banner"
	OutcomeBackgroundRefresh Outcome = "background_refresh"
	OutcomeFailed            Outcome = "failed"
)

// Banner 是"有新动态"提示条。
type Banner struct {
	GroupID string    `json:"group_id"`
	Newest  time.Time `json:"newest"`
	PostID  string    `json:"post_id"`
	Raised  time.Time `json:"raised_at"`
}

// DetectorConfig 配置检测器。
type DetectorConfig struct {
	ViewerID string
	Interval time.Duration
	Now      func() time.Time
	Logger   *log.Logger
	Metrics  *metrics.Metrics
	// OnBanner 在提示条出现或消失时调用（消失时参数为 nil）。
	OnBanner func(*Banner)
}

// Detector 周期性地只取小组最新一条，与 lastSeen 比较决定是否提示。
//
// 判定顺序：
//  1. 搜索中：跳过。
//  2. 最新一条严格晚于 lastSeen：
//     自己发的 → 推进 lastSeen，不提示；
//     有匹配的抑制窗口 → 不提示，做一次后台刷新；
//     否则 → 提示。
//  3. 没有更新但缓存已过期：一次静默后台刷新。
type Detector struct {
	session      *Session
	fetcher      *fetcher.Fetcher
	cache        *cache.Cache
	suppressions *Suppressions
	seen         lastseen.Store

	viewerID string
	interval time.Duration
	now      func() time.Time
	logger   *log.Logger
	metrics  *metrics.Metrics
	onBanner func(*Banner)

	mu       sync.Mutex
	lastSeen time.Time
	banner   *Banner
}

func NewDetector(session *Session, f *fetcher.Fetcher, c *cache.Cache, supp *Suppressions, seen lastseen.Store, cfg DetectorConfig) *Detector {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultDetectorInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Detector{
		session:      session,
		fetcher:      f,
		cache:        c,
		suppressions: supp,
		seen:         seen,
		viewerID:     cfg.ViewerID,
		interval:     cfg.Interval,
		now:          cfg.Now,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		onBanner:     cfg.OnBanner,
	}
}

// Load 从持久化存储读取 lastSeen，作为挂载时的起点。
func (d *Detector) Load(ctx context.Context) error {
	t, err := d.seen.Get(ctx, d.viewerID, d.session.GroupID())
	if err != nil {
		return err
	}
	d.mu.Lock()
	if t.After(d.lastSeen) {
		d.lastSeen = t
	}
	d.mu.Unlock()
	return nil
}

// LastSeen 返回当前记住的最新时间。
func (d *Detector) LastSeen() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSeen
}

// Banner 返回当前提示条。
func (d *Detector) Banner() (Banner, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.banner == nil {
		return Banner{}, false
	}
	return *d.banner, true
}

// MarkSeen 推进 lastSeen（只前进不后退）并持久化。
// 副作用：若提示条指向的动态已被看到，顺带清除提示条。
func (d *Detector) MarkSeen(ctx context.Context, t time.Time) {
	d.mu.Lock()
	if !t.After(d.lastSeen) {
		d.mu.Unlock()
		return
	}
	d.lastSeen = t
	cleared := d.banner != nil && !d.banner.Newest.After(t)
	if cleared {
		d.banner = nil
	}
	d.mu.Unlock()

	if cleared {
		d.emitBanner(nil)
	}
	if err := d.seen.Set(ctx, d.viewerID, d.session.GroupID(), t); err != nil {
		d.logger.Printf("[Detector] ⚠️  persist last-seen failed: viewer=%s group=%s err=%v", d.viewerID, d.session.GroupID(), err)
	}
}

// Check 执行一次检测。
func (d *Detector) Check(ctx context.Context) (Outcome, error) {
	outcome, err := d.check(ctx)
	d.metrics.DetectorOutcome(string(outcome))
	return outcome, err
}

func (d *Detector) check(ctx context.Context) (Outcome, error) {
	groupID := d.session.GroupID()
	if d.session.Searching() {
		return OutcomeSkipped, nil
	}

	newest, err := d.fetcher.Newest(ctx, groupID)
	if err != nil {
		d.logger.Printf("[Detector] ⚠️  newest peek failed: group=%s err=%v", groupID, err)
		return OutcomeFailed, err
	}

	lastSeen := d.LastSeen()
	if newest != nil && lastSeen.IsZero() {
		// 从未看过这个小组：以当前最新为起点，不提示。
		d.MarkSeen(ctx, newest.CreatedAt)
		return OutcomeUnchanged, nil
	}

	if newest != nil && newest.CreatedAt.After(lastSeen) {
		if newest.AuthorID == d.viewerID {
			d.MarkSeen(ctx, newest.CreatedAt)
			return OutcomeSelfAuthored, nil
		}
		if w, ok := d.suppressions.Match(d.viewerID, groupID, *newest, d.now()); ok {
			if w.Reason == model.SuppressSelfAuthored {
				d.MarkSeen(ctx, newest.CreatedAt)
				return OutcomeSelfAuthored, nil
			}
			d.logger.Printf("[Detector] banner suppressed: group=%s reason=%s until=%s", groupID, w.Reason, w.Until.Format(time.RFC3339))
			d.backgroundRefresh(ctx)
			return OutcomeSuppressed, nil
		}
		d.raise(groupID, *newest)
		return OutcomeBanner, nil
	}

	if d.cache.Expired(groupID) {
		d.backgroundRefresh(ctx)
		return OutcomeBackgroundRefresh, nil
	}
	return OutcomeUnchanged, nil
}

func (d *Detector) backgroundRefresh(ctx context.Context) {
	if _, err := d.session.Refresh(ctx, Background); err != nil && !errors.Is(err, ErrBusy) {
		d.logger.Printf("[Detector] ⚠️  background refresh failed: group=%s err=%v", d.session.GroupID(), err)
	}
}

func (d *Detector) raise(groupID string, newest model.Post) {
	b := &Banner{
		GroupID: groupID,
		Newest:  newest.CreatedAt,
		PostID:  newest.ID,
		Raised:  d.now(),
	}
	d.mu.Lock()
	d.banner = b
	d.mu.Unlock()
	d.logger.Printf("[Detector] new activity: group=%s post=%s newest=%s", groupID, newest.ID, newest.CreatedAt.Format(time.RFC3339Nano))
	d.emitBanner(b)
}

func (d *Detector) emitBanner(b *Banner) {
	if d.onBanner == nil {
		return
	}
	if b != nil {
		cp := *b
		b = &cp
	}
	d.onBanner(b)
}

// AcceptBanner 是点击提示条：无论后续拉取是否成功都先清除提示条，
// 然后失效缓存、前台刷新，并把 lastSeen 推进到拉取到的最新值。
func (d *Detector) AcceptBanner(ctx context.Context) (Snapshot, error) {
	d.mu.Lock()
	b := d.banner
	d.banner = nil
	d.mu.Unlock()
	if b != nil {
		d.emitBanner(nil)
	}

	snap, err := d.session.ManualRefresh(ctx)
	if err != nil {
		return snap, err
	}
	if len(snap.Items) > 0 {
		d.MarkSeen(ctx, snap.Items[0].CreatedAt)
	}
	return snap, nil
}

// Run 按固定周期检测，直到 ctx 结束。
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.Check(ctx); err != nil && ctx.Err() == nil {
				d.logger.Printf("[Detector] ⚠️  check failed: group=%s err=%v", d.session.GroupID(), err)
			}
		}
	}
}
