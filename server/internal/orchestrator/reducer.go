package orchestrator

import (
	"team-feed/server/internal/model"
)

// Op 是一次本地写操作的类型。
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpStatus Op = "status"
	OpMemo   Op = "memo"
)

// Effects 是一次写操作成功后需要产生的副作用。
type Effects struct {
	Kind model.ChangeKind
	// Suppress 为空表示不需要抑制窗口。
	Suppress model.SuppressionReason
	// SuppressItem 为空表示窗口对整个小组生效。
	SuppressItem string
}

// Reduce 只做"写操作 → 副作用"的归约，不触发外部调用。
//
// 约定：
// - 自己发帖：self-authored 窗口只覆盖这条新帖。
// - 自己删帖：self-deleted 窗口覆盖整个小组。
// - 只改批注：memo-only 窗口覆盖整个小组（批注不改变排序）。
// - 其他更新只广播，不抑制。
func Reduce(op Op, itemID string, patch *model.PostPatch) Effects {
	switch op {
	case OpCreate:
		return Effects{Kind: model.ChangeCreate, Suppress: model.SuppressSelfAuthored, SuppressItem: itemID}
	case OpDelete:
		return Effects{Kind: model.ChangeDelete, Suppress: model.SuppressSelfDeleted}
	case OpMemo:
		return Effects{Kind: model.ChangeMemo, Suppress: model.SuppressMemoOnly}
	case OpStatus:
		return Effects{Kind: model.ChangeStatus}
	}

	// 通用更新按补丁内容细分，兼容只带 memo/status 的旧客户端请求。
	if patch != nil {
		bodyChanged := patch.Message != nil || patch.Tags != nil || patch.Images != nil
		switch {
		case !bodyChanged && patch.Status == nil && patch.Memo != nil:
			return Reduce(OpMemo, itemID, nil)
		case !bodyChanged && patch.Memo == nil && patch.Status != nil:
			return Reduce(OpStatus, itemID, nil)
		}
	}
	return Effects{Kind: model.ChangeUpdate}
}
