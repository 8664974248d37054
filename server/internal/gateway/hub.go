package gateway

import (
	"sync"

	"team-feed/server/internal/feed"
)

// Hub 把视图的异步更新分发给订阅该视图的连接。
// 同一视图允许多个连接（例如同一用户开了两个标签页共用一个挂载）。
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*Gateway]struct{}
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[*Gateway]struct{})}
}

// Register 登记连接，连接关闭时自动注销。
func (h *Hub) Register(surfaceID string, g *Gateway) {
	h.mu.Lock()
	if h.conns[surfaceID] == nil {
		h.conns[surfaceID] = make(map[*Gateway]struct{})
	}
	h.conns[surfaceID][g] = struct{}{}
	h.mu.Unlock()

	g.OnClose(func() { h.unregister(surfaceID, g) })
}

func (h *Hub) unregister(surfaceID string, g *Gateway) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[surfaceID], g)
	if len(h.conns[surfaceID]) == 0 {
		delete(h.conns, surfaceID)
	}
}

// Publish 作为 feed.Mount 的 onUpdate 回调使用。
func (h *Hub) Publish(u feed.Update) {
	h.mu.RLock()
	targets := make([]*Gateway, 0, len(h.conns[u.SurfaceID]))
	for g := range h.conns[u.SurfaceID] {
		targets = append(targets, g)
	}
	h.mu.RUnlock()

	for _, g := range targets {
		g.Push(u)
	}
}

// CloseSurface 关闭某个视图的全部连接，视图卸载时调用。
func (h *Hub) CloseSurface(surfaceID string) {
	h.mu.RLock()
	targets := make([]*Gateway, 0, len(h.conns[surfaceID]))
	for g := range h.conns[surfaceID] {
		targets = append(targets, g)
	}
	h.mu.RUnlock()

	for _, g := range targets {
		_ = g.Close()
	}
}

// Count 返回某个视图当前的连接数。
func (h *Hub) Count(surfaceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[surfaceID])
}
