package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"team-feed/server/internal/broadcast"
	"team-feed/server/internal/cache"
	"team-feed/server/internal/feed"
	"team-feed/server/internal/fetcher"
	"team-feed/server/internal/model"
	"team-feed/server/internal/source"
)

var (
	// ErrInvalidInput 表示写请求缺少必需字段或取值非法。
	ErrInvalidInput = errors.New("invalid mutation")
)

// Orchestrator 负责本地写操作的编排。
//
// 职责与契约：
// - 先写远端：写失败直接返回，不失效缓存、不广播。
// - 写成功后按固定顺序产生副作用：失效小组缓存 → 登记抑制窗口 → 广播。
// - 缓存失效在返回前同步完成，调用方拿到结果时下一次读取必然走远端。
// - 广播失败只记日志：远端已经是最终状态，各视图的轮询与 TTL 兜底收敛。
type Orchestrator struct {
	store        source.Writer
	fetcher      *fetcher.Fetcher
	cache        *cache.Cache
	suppressions *feed.Suppressions
	broadcaster  *broadcast.Broadcaster
	logger       *log.Logger
}

func New(store source.Writer, f *fetcher.Fetcher, c *cache.Cache, supp *feed.Suppressions, b *broadcast.Broadcaster, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		store:        store,
		fetcher:      f,
		cache:        c,
		suppressions: supp,
		broadcaster:  b,
		logger:       logger,
	}
}

// CreatePost 以 viewerID 为作者发帖。
func (o *Orchestrator) CreatePost(ctx context.Context, viewerID string, in model.NewPost) (model.Post, error) {
	if strings.TrimSpace(in.GroupID) == "" {
		return model.Post{}, fmt.Errorf("%w: group_id required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Message) == "" && len(in.Images) == 0 {
		return model.Post{}, fmt.Errorf("%w: message or images required", ErrInvalidInput)
	}

	rec, err := o.store.Insert(ctx, source.Record{
		GroupID:         in.GroupID,
		AuthorID:        viewerID,
		Message:         in.Message,
		Tags:            in.Tags,
		Images:          in.Images,
		Status:          string(model.PostStatusOpen),
		ClientCreatedAt: in.ClientCreatedAt,
	})
	if err != nil {
		return model.Post{}, fmt.Errorf("insert post: %w", err)
	}
	return o.commit(ctx, viewerID, OpCreate, rec, nil)
}

// UpdatePost 应用部分更新。
func (o *Orchestrator) UpdatePost(ctx context.Context, viewerID, id string, patch model.PostPatch) (model.Post, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return model.Post{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, *patch.Status)
	}
	rec, err := o.store.Update(ctx, id, patch)
	if err != nil {
		return model.Post{}, fmt.Errorf("update post %s: %w", id, err)
	}
	return o.commit(ctx, viewerID, OpUpdate, rec, &patch)
}

// SetStatus 修改帖子状态。
func (o *Orchestrator) SetStatus(ctx context.Context, viewerID, id string, status model.PostStatus) (model.Post, error) {
	if !status.Valid() {
		return model.Post{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	rec, err := o.store.Update(ctx, id, model.PostPatch{Status: &status})
	if err != nil {
		return model.Post{}, fmt.Errorf("set status %s: %w", id, err)
	}
	return o.commit(ctx, viewerID, OpStatus, rec, nil)
}

// AddMemo 写入批注。批注不改变排序，也不算编辑。
func (o *Orchestrator) AddMemo(ctx context.Context, viewerID, id, memo string) (model.Post, error) {
	rec, err := o.store.Update(ctx, id, model.PostPatch{Memo: &memo})
	if err != nil {
		return model.Post{}, fmt.Errorf("add memo %s: %w", id, err)
	}
	return o.commit(ctx, viewerID, OpMemo, rec, nil)
}

// DeletePost 删除帖子，返回被删除前的内容。
func (o *Orchestrator) DeletePost(ctx context.Context, viewerID, id string) (model.Post, error) {
	rec, err := o.store.Delete(ctx, id)
	if err != nil {
		return model.Post{}, fmt.Errorf("delete post %s: %w", id, err)
	}
	return o.commit(ctx, viewerID, OpDelete, rec, nil)
}

// commit 在远端写成功之后执行副作用。
//
// 副作用说明：
// - 同步失效小组缓存。
// - 在广播之前登记抑制窗口，检测器看到广播时窗口已经生效。
// - 广播变更（持久标记 + 即时事件 + 重放缓冲）。
func (o *Orchestrator) commit(ctx context.Context, viewerID string, op Op, rec source.Record, patch *model.PostPatch) (model.Post, error) {
	effects := Reduce(op, rec.ID, patch)

	o.cache.Invalidate(rec.GroupID)
	if effects.Suppress != "" {
		o.suppressions.Suppress(viewerID, effects.Suppress, rec.GroupID, effects.SuppressItem)
	}

	sig, err := o.broadcaster.Announce(ctx, model.ChangeSignal{
		GroupID:  rec.GroupID,
		Kind:     effects.Kind,
		ItemID:   rec.ID,
		AuthorID: viewerID,
	})
	if err != nil {
		o.logger.Printf("[Orchestrator] ⚠️  announce failed, relying on poll/TTL: group=%s kind=%s item=%s err=%v",
			rec.GroupID, effects.Kind, rec.ID, err)
	} else {
		o.logger.Printf("[Orchestrator] %s committed: group=%s item=%s viewer=%s token=%s",
			op, rec.GroupID, rec.ID, viewerID, sig.Token)
	}

	post, err := o.fetcher.Normalize(ctx, rec)
	if err != nil {
		// 写已经成功，返回值只是回显；记录不完整时退回最小信息。
		o.logger.Printf("[Orchestrator] ⚠️  could not normalize written post: item=%s err=%v", rec.ID, err)
		return model.Post{ID: rec.ID, GroupID: rec.GroupID, AuthorID: rec.AuthorID, Message: rec.Message}, nil
	}
	return post, nil
}
