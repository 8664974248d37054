package source

import (
	"context"
	"errors"
	"time"

	"team-feed/server/internal/model"
)

// ErrNotFound 表示帖子不存在（或已删除）。
var ErrNotFound = errors.New("post not found")

// Record 是远端存储返回的原始帖子快照，尚未做图片字段归一化。
// 兼容性：历史数据可能缺字段，图片可能存放在三种位置之一。
type Record struct {
	ID       string
	GroupID  string
	AuthorID string
	Message  string
	Tags     []string

	// Images 是当前版本的图片字段。
	Images []string
	// ImageURLs 是中间版本的图片字段。
	ImageURLs []string
	// LegacyImages 表示图片存放在旧版子资源里，需要单独拉取。
	LegacyImages bool

	Status   string
	IsEdited bool
	Memo     string

	// CreatedAt 为 nil 表示数据损坏（无法参与排序）。
	CreatedAt       *time.Time
	ClientCreatedAt time.Time

	// DecodeErr 非空表示该条记录解码失败，由调用方按条跳过。
	DecodeErr error
}

// Query 描述一次有序分页查询：按 created_at 倒序，从 After 之后开始取 Limit 条。
type Query struct {
	GroupID string
	Limit   int
	After   model.Cursor
	// Search 非空时按正文/标签做不区分大小写的子串过滤。
	Search string
}

// Source 是远端动态源的只读契约。
type Source interface {
	// Query 返回按创建时间倒序排列的记录。
	Query(ctx context.Context, q Query) ([]Record, error)
	// Newest 只取小组内最新的一条（limit 1），小组为空时返回 nil。
	Newest(ctx context.Context, groupID string) (*Record, error)
	// Get 按 ID 读取单条记录。
	Get(ctx context.Context, id string) (*Record, error)
	// LegacyImages 读取旧版子资源里的图片列表。
	LegacyImages(ctx context.Context, postID string) ([]string, error)
}

// Writer 是远端写入契约，只由变更编排器使用。
type Writer interface {
	// Insert 写入新帖子，ID 与 CreatedAt 由存储分配。
	Insert(ctx context.Context, rec Record) (Record, error)
	Update(ctx context.Context, id string, patch model.PostPatch) (Record, error)
	// Delete 删除并返回被删除的记录。
	Delete(ctx context.Context, id string) (Record, error)
}

// Store 同时提供读写。
type Store interface {
	Source
	Writer
}

// applyPatch 把部分更新应用到记录上，返回正文类字段是否被修改。
func applyPatch(rec *Record, patch model.PostPatch) bool {
	edited := false
	if patch.Message != nil {
		rec.Message = *patch.Message
		edited = true
	}
	if patch.Tags != nil {
		rec.Tags = append([]string(nil), (*patch.Tags)...)
		edited = true
	}
	if patch.Images != nil {
		rec.Images = append([]string(nil), (*patch.Images)...)
		rec.ImageURLs = nil
		rec.LegacyImages = false
		edited = true
	}
	if patch.Status != nil {
		rec.Status = string(*patch.Status)
	}
	if patch.Memo != nil {
		rec.Memo = *patch.Memo
	}
	if edited {
		rec.IsEdited = true
	}
	return edited
}
