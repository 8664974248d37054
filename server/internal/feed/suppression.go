package feed

import (
	"sync"
	"time"

	"team-feed/server/internal/model"
)

// DefaultSuppressionWindow 是所有抑制原因共用的时长。
const DefaultSuppressionWindow = 70 * time.Second

// Suppressions 记录每个查看者的抑制窗口，按查看者共享给他挂载的所有视图。
//
// 作用范围：
// - self-authored：只对窗口里记录的那条帖子生效（ItemID 为空时对整个小组生效）。
// - memo-only / self-deleted：对整个小组生效。
type Suppressions struct {
	mu       sync.Mutex
	windows  map[string][]model.SuppressionWindow
	duration time.Duration
	now      func() time.Time
}

func NewSuppressions(duration time.Duration, now func() time.Time) *Suppressions {
	if duration <= 0 {
		duration = DefaultSuppressionWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Suppressions{
		windows:  make(map[string][]model.SuppressionWindow),
		duration: duration,
		now:      now,
	}
}

// Duration 返回窗口时长。
func (s *Suppressions) Duration() time.Duration {
	return s.duration
}

// Suppress 为查看者开启一个从现在起计时的窗口。
func (s *Suppressions) Suppress(viewerID string, reason model.SuppressionReason, groupID, itemID string) model.SuppressionWindow {
	w := model.SuppressionWindow{
		Reason:  reason,
		GroupID: groupID,
		ItemID:  itemID,
		Until:   s.now().Add(s.duration),
	}
	s.Add(viewerID, w)
	return w
}

// Add 直接登记一个窗口（同原因同目标的旧窗口被替换）。
func (s *Suppressions) Add(viewerID string, w model.SuppressionWindow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	kept := s.windows[viewerID][:0]
	for _, old := range s.windows[viewerID] {
		if !old.Active(now) {
			continue
		}
		if old.Reason == w.Reason && old.GroupID == w.GroupID && old.ItemID == w.ItemID {
			continue
		}
		kept = append(kept, old)
	}
	s.windows[viewerID] = append(kept, w)
}

// Match 返回能解释 post 这条新动态的有效窗口。
func (s *Suppressions) Match(viewerID, groupID string, post model.Post, now time.Time) (model.SuppressionWindow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(viewerID, now)
	for _, w := range s.windows[viewerID] {
		if w.GroupID != groupID {
			continue
		}
		switch w.Reason {
		case model.SuppressSelfAuthored:
			if w.ItemID == "" || w.ItemID == post.ID {
				return w, true
			}
		default:
			return w, true
		}
	}
	return model.SuppressionWindow{}, false
}

// Active 返回查看者当前有效的窗口。
func (s *Suppressions) Active(viewerID string) []model.SuppressionWindow {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(viewerID, s.now())
	return append([]model.SuppressionWindow(nil), s.windows[viewerID]...)
}

func (s *Suppressions) pruneLocked(viewerID string, now time.Time) {
	list := s.windows[viewerID]
	kept := list[:0]
	for _, w := range list {
		if w.Active(now) {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		delete(s.windows, viewerID)
		return
	}
	s.windows[viewerID] = kept
}
