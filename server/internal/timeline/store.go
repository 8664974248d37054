package timeline

import (
	"context"
	"time"

	"team-feed/server/internal/model"
)

// Store 是变更信号的有界日志，充当广播的重放缓冲区。
type Store interface {
	// Append 以 append-first 的契约写入信号，返回本次写入的 seq。
	// 约定：同一小组的 seq 单调递增；相同 Token 的写入幂等返回同一 seq。
	Append(ctx context.Context, groupID string, sig *model.ChangeSignal) (int64, error)
	// Since 返回 seq 大于 after 的信号，供晚挂载的订阅者补读。
	Since(ctx context.Context, groupID string, after int64) ([]model.ChangeSignal, error)
	// Recent 返回 EmittedAt 不早于 since 的信号。
	Recent(ctx context.Context, groupID string, since time.Time) ([]model.ChangeSignal, error)
}
