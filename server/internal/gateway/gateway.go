package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"team-feed/server/internal/feed"
)

// EventHandler 处理一条客户端命令
// 返回error表示处理失败，网关会回一条 error 消息但继续运行
type EventHandler func(ctx context.Context, event *ClientMessage) error

// Surface 是网关驱动的视图，*feed.Surface 满足该接口
type Surface interface {
	ID() string
	Snapshot() feed.Update
	ShowMore(ctx context.Context) (feed.Snapshot, error)
	Refresh(ctx context.Context) (feed.Update, error)
	AcceptBanner(ctx context.Context) (feed.Snapshot, error)
	Search(ctx context.Context, query string) (feed.Snapshot, error)
	ClearSearch(ctx context.Context) (feed.Snapshot, error)
}

// Gateway 是单个视图的 WebSocket 通道
// 职责：
// 1. 挂载后先推送一次完整快照
// 2. 把客户端命令串行交给视图执行，执行结果以快照回推
// 3. 转发视图的异步更新（后台刷新、提示条）
type Gateway struct {
	surface Surface

	conn     *websocket.Conn
	connLock sync.Mutex

	queue *EventQueue

	closeOnce sync.Once
	closeChan chan struct{}
	onClose   func()

	seqCounter int64
	seqLock    sync.Mutex

	config GatewayConfig
	logger *log.Logger
}

// GatewayConfig 网关配置
type GatewayConfig struct {
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	CommandTimeout time.Duration
}

// NewGateway 创建一个新的Gateway实例
func NewGateway(surface Surface, conn *websocket.Conn, config GatewayConfig, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.Default()
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	g := &Gateway{
		surface:   surface,
		conn:      conn,
		closeChan: make(chan struct{}),
		config:    config,
		logger:    logger,
	}
	g.queue = NewEventQueue(surface.ID(), g.handleCommand, config.CommandTimeout, logger)
	return g
}

// OnClose 注册连接关闭时的回调（例如从 Hub 注销）
func (g *Gateway) OnClose(fn func()) {
	g.onClose = fn
}

// Start 推送初始快照并启动读循环与心跳
func (g *Gateway) Start() error {
	if err := g.sendToClient(fromUpdate(g.surface.Snapshot())); err != nil {
		g.Close()
		return fmt.Errorf("send initial snapshot: %w", err)
	}

	go g.clientReadLoop(g.conn)
	go g.pingLoop()

	g.logger.Printf("[Gateway] started for surface %s", g.surface.ID())
	return nil
}

// Done 在网关关闭后返回
func (g *Gateway) Done() <-chan struct{} {
	return g.closeChan
}

// Push 转发视图的异步更新
func (g *Gateway) Push(u feed.Update) {
	if err := g.sendToClient(fromUpdate(u)); err != nil {
		g.logger.Printf("[Gateway] ⚠️  push failed: surface=%s type=%s err=%v", g.surface.ID(), u.Type, err)
	}
}

// clientReadLoop 读取客户端命令
func (g *Gateway) clientReadLoop(conn *websocket.Conn) {
	defer g.Close()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-g.closeChan:
				default:
					g.logger.Printf("[Gateway] client read error: surface=%s err=%v", g.surface.ID(), err)
				}
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := g.handleClientEvent(data); err != nil {
			g.logger.Printf("[Gateway] handle client event error: %v", err)
			// 发送错误给客户端，但不断开连接
			g.sendErrorToClient("", err)
		}
	}
}

// handleClientEvent 解析命令并入队
func (g *Gateway) handleClientEvent(data []byte) error {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("unmarshal client message: %w", err)
	}
	if msg.ClientTS.IsZero() {
		msg.ClientTS = time.Now()
	}
	return g.queue.Enqueue(&msg)
}

// handleCommand 在队列线程上执行命令，结果以快照回推
func (g *Gateway) handleCommand(ctx context.Context, msg *ClientMessage) error {
	var err error
	switch msg.Type {
	case EventTypeShowMore:
		_, err = g.surface.ShowMore(ctx)
	case EventTypeRefresh:
		_, err = g.surface.Refresh(ctx)
	case EventTypeAcceptBanner:
		_, err = g.surface.AcceptBanner(ctx)
	case EventTypeSearch:
		_, err = g.surface.Search(ctx, msg.Query)
	case EventTypeClearSearch:
		_, err = g.surface.ClearSearch(ctx)
	default:
		err = fmt.Errorf("unknown command %q", msg.Type)
	}

	if err != nil {
		g.sendErrorToClient(msg.EventID, err)
	}
	// 失败后的可见状态也要回推，客户端据此收起加载状态
	reply := fromUpdate(g.surface.Snapshot())
	reply.EventID = msg.EventID
	if sendErr := g.sendToClient(reply); sendErr != nil && err == nil {
		err = sendErr
	}
	return err
}

// sendToClient 发送消息给客户端
func (g *Gateway) sendToClient(msg *ServerMessage) error {
	g.seqLock.Lock()
	g.seqCounter++
	msg.Seq = g.seqCounter
	g.seqLock.Unlock()

	if msg.ServerTS.IsZero() {
		msg.ServerTS = time.Now()
	}
	if msg.SurfaceID == "" {
		msg.SurfaceID = g.surface.ID()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal server message: %w", err)
	}

	g.connLock.Lock()
	defer g.connLock.Unlock()

	if g.conn == nil {
		return errors.New("client connection is closed")
	}
	_ = g.conn.SetWriteDeadline(time.Now().Add(g.config.WriteTimeout))
	if err := g.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to client: %w", err)
	}
	return nil
}

// sendErrorToClient 发送错误消息给客户端
func (g *Gateway) sendErrorToClient(eventID string, cause error) {
	msg := &ServerMessage{Type: EventTypeError, EventID: eventID, Error: cause.Error()}
	if errors.Is(cause, feed.ErrBusy) {
		msg.Error = "busy"
	}
	if err := g.sendToClient(msg); err != nil {
		g.logger.Printf("[Gateway] ⚠️  send error failed: %v", err)
	}
}

// pingLoop 定期发送ping保持连接
func (g *Gateway) pingLoop() {
	ticker := time.NewTicker(g.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.closeChan:
			return
		case <-ticker.C:
			g.connLock.Lock()
			if g.conn != nil {
				_ = g.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(g.config.WriteTimeout))
			}
			g.connLock.Unlock()
		}
	}
}

// Close 关闭网关，不会卸载视图本身
func (g *Gateway) Close() error {
	var closeErr error

	g.closeOnce.Do(func() {
		g.logger.Printf("[Gateway] closing surface %s", g.surface.ID())

		close(g.closeChan)
		_ = g.queue.Close()
		closeErr = g.closeClientConn()

		if g.onClose != nil {
			g.onClose()
		}
	})

	return closeErr
}

// closeClientConn 关闭客户端连接
func (g *Gateway) closeClientConn() error {
	g.connLock.Lock()
	defer g.connLock.Unlock()

	if g.conn == nil {
		return nil
	}

	_ = g.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)

	err := g.conn.Close()
	g.conn = nil
	return err
}
