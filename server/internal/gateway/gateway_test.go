package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"team-feed/server/internal/feed"
	"team-feed/server/internal/model"
)

var quiet = log.New(io.Discard, "", 0)

// fakeSurface 模拟一个动态流视图：show_more 每次多展示一条。
type fakeSurface struct {
	mu       sync.Mutex
	id       string
	revealed int
	query    string
	calls    []string
	failNext error
}

func (s *fakeSurface) ID() string { return s.id }

func (s *fakeSurface) snapshotLocked() feed.Snapshot {
	items := make([]model.Post, 0, s.revealed)
	for i := 0; i < s.revealed; i++ {
		items = append(items, model.Post{ID: string(rune('a' + i))})
	}
	return feed.Snapshot{GroupID: "g", Items: items, RevealCount: s.revealed, Query: s.query}
}

func (s *fakeSurface) Snapshot() feed.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshotLocked()
	return feed.Update{SurfaceID: s.id, Type: feed.UpdateSnapshot, Snapshot: &snap}
}

func (s *fakeSurface) record(call string) error {
	s.calls = append(s.calls, call)
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *fakeSurface) ShowMore(context.Context) (feed.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("show_more"); err != nil {
		return s.snapshotLocked(), err
	}
	s.revealed++
	return s.snapshotLocked(), nil
}

func (s *fakeSurface) Refresh(context.Context) (feed.Update, error) {
	s.mu.Lock()
	err := s.record("refresh")
	s.mu.Unlock()
	return s.Snapshot(), err
}

func (s *fakeSurface) AcceptBanner(context.Context) (feed.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), s.record("accept_banner")
}

func (s *fakeSurface) Search(_ context.Context, q string) (feed.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.query = q
	return s.snapshotLocked(), s.record("search")
}

func (s *fakeSurface) ClearSearch(context.Context) (feed.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.query = ""
	return s.snapshotLocked(), s.record("clear_search")
}

type harness struct {
	surface *fakeSurface
	hub     *Hub
	server  *httptest.Server
	client  *websocket.Conn
	gw      chan *Gateway
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		surface: &fakeSurface{id: "s1", revealed: 1},
		hub:     NewHub(),
		gw:      make(chan *Gateway, 1),
	}
	upgrader := websocket.Upgrader{}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g := NewGateway(h.surface, conn, GatewayConfig{}, quiet)
		h.hub.Register(h.surface.ID(), g)
		if err := g.Start(); err != nil {
			return
		}
		h.gw <- g
	}))
	t.Cleanup(h.server.Close)

	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	h.client = client
	return h
}

func (h *harness) read(t *testing.T) ServerMessage {
	t.Helper()
	_ = h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	if err := h.client.ReadJSON(&msg); err != nil {
		t.Fatalf("read server message: %v", err)
	}
	return msg
}

func (h *harness) send(t *testing.T, msg ClientMessage) {
	t.Helper()
	if err := h.client.WriteJSON(msg); err != nil {
		t.Fatalf("write client message: %v", err)
	}
}

func TestGatewaySendsInitialSnapshot(t *testing.T) {
	h := newHarness(t)

	msg := h.read(t)
	if msg.Type != EventTypeSnapshot || msg.SurfaceID != "s1" || msg.Seq != 1 {
		t.Fatalf("unexpected initial message: %+v", msg)
	}
	if msg.Snapshot == nil || len(msg.Snapshot.Items) != 1 {
		t.Fatalf("expected snapshot with 1 item, got %+v", msg.Snapshot)
	}
}

func TestGatewayExecutesCommandsInOrder(t *testing.T) {
	h := newHarness(t)
	h.read(t)

	h.send(t, ClientMessage{Type: EventTypeShowMore, EventID: "e1"})
	h.send(t, ClientMessage{Type: EventTypeSearch, EventID: "e2", Query: "deploy"})
	h.send(t, ClientMessage{Type: EventTypeClearSearch, EventID: "e3"})

	first := h.read(t)
	if first.EventID != "e1" || len(first.Snapshot.Items) != 2 {
		t.Fatalf("unexpected show_more reply: %+v", first)
	}
	second := h.read(t)
	if second.EventID != "e2" || second.Snapshot.Query != "deploy" {
		t.Fatalf("unexpected search reply: %+v", second)
	}
	third := h.read(t)
	if third.EventID != "e3" || third.Snapshot.Query != "" {
		t.Fatalf("unexpected clear reply: %+v", third)
	}
	if !(first.Seq < second.Seq && second.Seq < third.Seq) {
		t.Fatalf("expected increasing seq, got %d %d %d", first.Seq, second.Seq, third.Seq)
	}

	h.surface.mu.Lock()
	calls := append([]string(nil), h.surface.calls...)
	h.surface.mu.Unlock()
	want := []string{"show_more", "search", "clear_search"}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Fatalf("expected calls %v, got %v", want, calls)
	}
}

// TestGatewayReportsBusyAndKeepsConnection 验证命令失败时先回 error，再回当前状态，连接保持。
func TestGatewayReportsBusyAndKeepsConnection(t *testing.T) {
	h := newHarness(t)
	h.read(t)

	h.surface.mu.Lock()
	h.surface.failNext = feed.ErrBusy
	h.surface.mu.Unlock()

	h.send(t, ClientMessage{Type: EventTypeRefresh, EventID: "r1"})
	errMsg := h.read(t)
	if errMsg.Type != EventTypeError || errMsg.EventID != "r1" || errMsg.Error != "busy" {
		t.Fatalf("unexpected error message: %+v", errMsg)
	}
	state := h.read(t)
	if state.Type != EventTypeSnapshot || state.EventID != "r1" {
		t.Fatalf("expected snapshot after error, got %+v", state)
	}

	h.send(t, ClientMessage{Type: "teleport", EventID: "x"})
	if msg := h.read(t); msg.Type != EventTypeError || !strings.Contains(msg.Error, "unknown command") {
		t.Fatalf("expected unknown command error, got %+v", msg)
	}
	h.read(t)

	// 非法 JSON 同样不会断开连接
	if err := h.client.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := h.read(t); msg.Type != EventTypeError {
		t.Fatalf("expected error for malformed frame, got %+v", msg)
	}
	h.send(t, ClientMessage{Type: EventTypeShowMore, EventID: "ok"})
	if msg := h.read(t); msg.EventID != "ok" {
		t.Fatalf("expected connection alive, got %+v", msg)
	}
}

func TestHubRoutesPushesAndUnregistersOnClose(t *testing.T) {
	h := newHarness(t)
	h.read(t)
	g := <-h.gw

	if got := h.hub.Count("s1"); got != 1 {
		t.Fatalf("expected 1 registered connection, got %d", got)
	}

	now := time.Now()
	h.hub.Publish(feed.Update{SurfaceID: "other", Type: feed.UpdateBanner, Banner: &feed.Banner{GroupID: "x"}})
	h.hub.Publish(feed.Update{SurfaceID: "s1", Type: feed.UpdateBanner, Banner: &feed.Banner{GroupID: "g", Newest: now, PostID: "p9"}})

	msg := h.read(t)
	if msg.Type != EventTypeBanner || msg.Banner == nil || msg.Banner.PostID != "p9" {
		t.Fatalf("unexpected pushed message: %+v", msg)
	}

	h.hub.CloseSurface("s1")
	select {
	case <-g.Done():
	case <-time.After(time.Second):
		t.Fatal("gateway not closed")
	}
	if got := h.hub.Count("s1"); got != 0 {
		t.Fatalf("expected connection unregistered, got %d", got)
	}

	_ = h.client.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := h.client.ReadMessage(); err == nil {
		t.Fatal("expected client to observe close")
	}
}

func TestServerMessageJSONOmitsEmptyParts(t *testing.T) {
	data, err := json.Marshal(fromUpdate(feed.Update{SurfaceID: "s1", Type: feed.UpdateBanner}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["type"] != "banner" {
		t.Fatalf("expected banner type, got %v", raw["type"])
	}
	if _, ok := raw["banner"]; ok {
		t.Fatal("cleared banner must omit banner field")
	}
	if _, ok := raw["snapshot"]; ok {
		t.Fatal("banner message must omit snapshot")
	}
}
