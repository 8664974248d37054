package model

import "time"

// PostStatus 表示帖子的处理状态。
type PostStatus string

const (
	PostStatusOpen     PostStatus = "open"
	PostStatusDone     PostStatus = "done"
	PostStatusArchived PostStatus = "archived"
)

// Valid 判断状态值是否合法。
func (s PostStatus) Valid() bool {
	switch s {
	case PostStatusOpen, PostStatusDone, PostStatusArchived:
		return true
	}
	return false
}

// Post 表示一个小组动态流里的帖子。
type Post struct {
	// ID 由远端存储分配，不透明。
	ID string `json:"id"`
	// GroupID 是帖子所属的小组（动态流的分组键）。
	GroupID string `json:"group_id"`
	// AuthorID 是作者的用户 ID。
	AuthorID string `json:"author_id"`

	// 以下字段在创建后可以被修改，不影响 ID 与 CreatedAt。
	Message  string     `json:"message"`
	Tags     []string   `json:"tags,omitempty"`
	Images   []string   `json:"images,omitempty"`
	Status   PostStatus `json:"status"`
	IsEdited bool       `json:"is_edited"`
	// Memo 是附加批注，不改变动态流的排序。
	Memo string `json:"memo,omitempty"`

	// CreatedAt 是服务端权威时间，同组内用于排序。
	CreatedAt time.Time `json:"created_at"`
	// ClientCreatedAt 是客户端创建时记录的时间，用于 CreatedAt 相同时的二级排序。
	ClientCreatedAt time.Time `json:"client_created_at"`
}

// Newer 判断 a 是否应排在 b 之前（按创建时间倒序）。
// 约定：CreatedAt 倒序，相同则 ClientCreatedAt 倒序，再相同按 ID 倒序，保证全序。
func Newer(a, b Post) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if !a.ClientCreatedAt.Equal(b.ClientCreatedAt) {
		return a.ClientCreatedAt.After(b.ClientCreatedAt)
	}
	return a.ID > b.ID
}

// NewPost 是创建帖子的输入。
type NewPost struct {
	GroupID         string    `json:"group_id"`
	Message         string    `json:"message"`
	Tags            []string  `json:"tags,omitempty"`
	Images          []string  `json:"images,omitempty"`
	ClientCreatedAt time.Time `json:"client_created_at,omitempty"`
}

// PostPatch 描述对帖子可变字段的部分更新，nil 表示不修改。
type PostPatch struct {
	Message *string     `json:"message,omitempty"`
	Tags    *[]string   `json:"tags,omitempty"`
	Images  *[]string   `json:"images,omitempty"`
	Status  *PostStatus `json:"status,omitempty"`
	Memo    *string     `json:"memo,omitempty"`
}

// Cursor 是远端分页的不透明续读位置。
type Cursor string

// Page 是一次有界拉取的结果。
type Page struct {
	Items      []Post `json:"items"`
	NextCursor Cursor `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// ChangeKind 表示变更类型。
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
	ChangeStatus ChangeKind = "status"
	ChangeMemo   ChangeKind = "memo"
	// ChangeUnknown 用于只通过持久标记感知到的变更（不知道具体类型）。
	ChangeUnknown ChangeKind = "unknown"
)

// ChangeSignal 是跨视图广播的"数据已变化"信号。
type ChangeSignal struct {
	// Seq 由变更日志分配，同一小组内单调递增。
	Seq int64 `json:"seq,omitempty"`
	// Token 是单调递增的持久标记值，消费方只处理严格更大的 Token。
	Token    string     `json:"token"`
	GroupID  string     `json:"group_id"`
	Kind     ChangeKind `json:"kind"`
	ItemID   string     `json:"item_id,omitempty"`
	AuthorID string     `json:"author_id,omitempty"`
	// EmittedAt 是广播时间。
	EmittedAt time.Time `json:"emitted_at"`
}

// SuppressionReason 表示抑制"新动态"提示的原因。
type SuppressionReason string

const (
	SuppressSelfAuthored SuppressionReason = "self-authored"
	SuppressMemoOnly     SuppressionReason = "memo-only"
	SuppressSelfDeleted  SuppressionReason = "self-deleted"
)

// SuppressionWindow 是一个有时限的豁免：窗口内不为可归因的变化弹出提示。
type SuppressionWindow struct {
	Reason  SuppressionReason `json:"reason"`
	GroupID string            `json:"group_id"`
	// ItemID 为空时对整个小组生效。
	ItemID string    `json:"item_id,omitempty"`
	Until  time.Time `json:"until"`
}

// Active 判断窗口在 now 时刻是否仍然有效。
func (w SuppressionWindow) Active(now time.Time) bool {
	return now.Before(w.Until)
}
