package gateway

import (
	"time"

	"team-feed/server/internal/feed"
)

// EventType 定义了网关处理的消息类型
type EventType string

const (
	// 客户端命令
	EventTypeShowMore     EventType = "show_more"     // 展开更多
	EventTypeRefresh      EventType = "refresh"       // 手动刷新
	EventTypeAcceptBanner EventType = "accept_banner" // 点击"有新动态"提示条
	EventTypeSearch       EventType = "search"        // 搜索（query 为空等价于清除）
	EventTypeClearSearch  EventType = "clear_search"  // 清除搜索

	// 服务端推送
	EventTypeSnapshot EventType = "snapshot" // 动态流快照
	EventTypePost     EventType = "post"     // 单帖快照
	EventTypeBanner   EventType = "banner"   // 提示条出现/消失
	EventTypeError    EventType = "error"    // 命令失败
)

// ClientMessage 客户端发送给网关的命令（WebSocket文本帧）
type ClientMessage struct {
	Type     EventType `json:"type"`
	EventID  string    `json:"event_id,omitempty"` // 回执关联
	Query    string    `json:"query,omitempty"`    // 仅 search 使用
	ClientTS time.Time `json:"client_ts,omitempty"`
}

// ServerMessage 网关发送给客户端的消息
type ServerMessage struct {
	Type      EventType          `json:"type"`
	Seq       int64              `json:"seq,omitempty"`      // 服务端序号，单连接内递增
	EventID   string             `json:"event_id,omitempty"` // 对应的客户端命令
	SurfaceID string             `json:"surface_id"`
	Snapshot  *feed.Snapshot     `json:"snapshot,omitempty"`
	Post      *feed.PostSnapshot `json:"post,omitempty"`
	// Banner 为 nil 且 Type=banner 表示提示条已消失。
	Banner   *feed.Banner `json:"banner,omitempty"`
	ServerTS time.Time    `json:"server_ts"`
	Error    string       `json:"error,omitempty"`
}

// fromUpdate 把视图更新转换为推送消息。
func fromUpdate(u feed.Update) *ServerMessage {
	msg := &ServerMessage{
		SurfaceID: u.SurfaceID,
		Snapshot:  u.Snapshot,
		Post:      u.Post,
		Banner:    u.Banner,
	}
	switch u.Type {
	case feed.UpdatePost:
		msg.Type = EventTypePost
	case feed.UpdateBanner:
		msg.Type = EventTypeBanner
	default:
		msg.Type = EventTypeSnapshot
	}
	return msg
}
