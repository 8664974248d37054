package feed

import (
	"context"
	"errors"
	"log"
	"sync"

	"team-feed/server/internal/fetcher"
	"team-feed/server/internal/model"
	"team-feed/server/internal/source"
)

// PostSnapshot 是单帖视图的可见状态。
type PostSnapshot struct {
	PostID string      `json:"post_id"`
	Post   *model.Post `json:"post,omitempty"`
	// Gone 表示帖子已被删除，视图应关闭或提示。
	Gone  bool   `json:"gone"`
	Error string `json:"error,omitempty"`
}

// PostView 是单帖视图/编辑视图：只持有一条帖子，收到与它相关的信号时重新读取。
type PostView struct {
	postID   string
	fetcher  *fetcher.Fetcher
	logger   *log.Logger
	onUpdate func(PostSnapshot)

	mu         sync.Mutex
	post       *model.Post
	gone       bool
	lastErr    error
	generation uint64
}

func NewPostView(f *fetcher.Fetcher, postID string, logger *log.Logger, onUpdate func(PostSnapshot)) *PostView {
	if logger == nil {
		logger = log.Default()
	}
	return &PostView{postID: postID, fetcher: f, logger: logger, onUpdate: onUpdate}
}

// Snapshot 返回当前状态。
func (v *PostView) Snapshot() PostSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

func (v *PostView) snapshotLocked() PostSnapshot {
	snap := PostSnapshot{PostID: v.postID, Gone: v.gone}
	if v.post != nil {
		p := *v.post
		snap.Post = &p
	}
	if v.lastErr != nil {
		snap.Error = v.lastErr.Error()
	}
	return snap
}

// Load 读取帖子。帖子不存在时标记为已删除，不返回错误。
func (v *PostView) Load(ctx context.Context) (PostSnapshot, error) {
	v.mu.Lock()
	v.generation++
	gen := v.generation
	v.mu.Unlock()

	post, err := v.fetcher.Get(ctx, v.postID)

	v.mu.Lock()
	if gen != v.generation {
		snap := v.snapshotLocked()
		v.mu.Unlock()
		return snap, nil
	}
	switch {
	case errors.Is(err, source.ErrNotFound):
		v.post = nil
		v.gone = true
		v.lastErr = nil
		err = nil
	case err != nil:
		v.logger.Printf("[PostView] ⚠️  reload failed, keeping current copy: post=%s err=%v", v.postID, err)
		v.lastErr = err
	default:
		v.post = &post
		v.gone = false
		v.lastErr = nil
	}
	snap := v.snapshotLocked()
	v.mu.Unlock()
	if v.onUpdate != nil {
		v.onUpdate(snap)
	}
	return snap, err
}

// ApplyChange 只对指向本帖（或不知道具体条目）的信号做出反应。
func (v *PostView) ApplyChange(ctx context.Context, sig model.ChangeSignal) bool {
	if sig.ItemID != "" && sig.ItemID != v.postID {
		return true
	}
	if sig.Kind == model.ChangeDelete && sig.ItemID == v.postID {
		v.mu.Lock()
		v.generation++
		v.post = nil
		v.gone = true
		snap := v.snapshotLocked()
		v.mu.Unlock()
		if v.onUpdate != nil {
			v.onUpdate(snap)
		}
		return true
	}
	_, _ = v.Load(ctx)
	return true
}

// GroupID 返回帖子所属小组，未加载时为空。
func (v *PostView) GroupID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.post == nil {
		return ""
	}
	return v.post.GroupID
}
