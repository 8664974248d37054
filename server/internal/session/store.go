package session

import (
	"context"

	"team-feed/server/internal/feed"
)

// Store 保存当前进程内挂载的视图，供 HTTP 与 WebSocket 入口按 ID 找回。
type Store interface {
	Get(ctx context.Context, id string) (*feed.Surface, error)
	Save(ctx context.Context, s *feed.Surface) error
	// Remove 移除并返回视图，调用方负责 Close。
	Remove(ctx context.Context, id string) (*feed.Surface, error)
	List(ctx context.Context) ([]*feed.Surface, error)
}
