package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"team-feed/server/internal/config"
	"team-feed/server/internal/feed"
	"team-feed/server/internal/fetcher"
	"team-feed/server/internal/gateway"
	"team-feed/server/internal/metrics"
	"team-feed/server/internal/model"
	"team-feed/server/internal/orchestrator"
	"team-feed/server/internal/session"
	"team-feed/server/internal/source"
)

// ViewerHeader 携带当前用户 ID。鉴权由前置网关完成，这里只信任该头。
const ViewerHeader = "X-Viewer-ID"

type Server struct {
	config       *config.Config
	deps         feed.Deps
	store        session.Store
	hub          *gateway.Hub
	orchestrator *orchestrator.Orchestrator
	metrics      *metrics.Metrics
	logger       *log.Logger
	newID        func() string

	// WebSocket upgrader
	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, deps feed.Deps, orch *orchestrator.Orchestrator, store session.Store) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		config:       cfg,
		deps:         deps,
		store:        store,
		hub:          gateway.NewHub(),
		orchestrator: orch,
		metrics:      deps.Metrics,
		logger:       logger,
		newID:        uuid.NewString,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.originAllowed}
	return s
}

func (s *Server) Routes() http.Handler {
	// Gin 统一承载中间件与路由，便于扩展日志/鉴权/限流等能力。
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := engine.Group("/api", s.viewerMiddleware())

	api.POST("/surfaces", s.handleMount)
	surfaces := api.Group("/surfaces/:id", s.surfaceMiddleware())
	surfaces.GET("", s.handleSnapshot)
	surfaces.DELETE("", s.handleUnmount)
	surfaces.POST("/more", s.handleShowMore)
	surfaces.POST("/refresh", s.handleRefresh)
	surfaces.POST("/banner/accept", s.handleAcceptBanner)
	surfaces.POST("/search", s.handleSearch)
	surfaces.DELETE("/search", s.handleClearSearch)
	surfaces.GET("/stream", s.handleStream)

	api.POST("/posts", s.handleCreatePost)
	api.PATCH("/posts/:id", s.handleUpdatePost)
	api.DELETE("/posts/:id", s.handleDeletePost)
	api.PUT("/posts/:id/status", s.handleSetStatus)
	api.PUT("/posts/:id/memo", s.handleAddMemo)
	return engine
}

// Close 卸载全部视图，进程退出前调用。
func (s *Server) Close(ctx context.Context) {
	surfaces, err := s.store.List(ctx)
	if err != nil {
		s.logger.Printf("[API] ⚠️  list surfaces on shutdown: %v", err)
		return
	}
	for _, surface := range surfaces {
		s.unmount(ctx, surface.ID())
	}
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type mountRequest struct {
	Kind    feed.Kind `json:"kind"`
	GroupID string    `json:"group_id"`
	PostID  string    `json:"post_id"`
}

type mountResponse struct {
	SurfaceID string      `json:"surface_id"`
	Update    feed.Update `json:"update"`
}

// handleMount 挂载一个视图：动态流（group_id）或单帖/编辑（post_id）。
func (s *Server) handleMount(c *gin.Context) {
	var req mountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	id := s.newID()
	surface, err := feed.Mount(c.Request.Context(), s.deps, feed.SurfaceConfig{
		ID:       id,
		Kind:     req.Kind,
		ViewerID: viewerID(c),
		GroupID:  req.GroupID,
		PostID:   req.PostID,
	}, s.hub.Publish)
	if err != nil {
		if errors.Is(err, source.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "post not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if update := surface.Snapshot(); update.Post != nil && update.Post.Gone {
		surface.Close()
		c.JSON(http.StatusNotFound, gin.H{"error": "post not found"})
		return
	}

	// 副作用：登记到注册表，后续请求与 WebSocket 按 ID 找回。
	if err := s.store.Save(c.Request.Context(), surface); err != nil {
		surface.Close()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save surface failed"})
		return
	}
	c.JSON(http.StatusCreated, mountResponse{SurfaceID: id, Update: surface.Snapshot()})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, surfaceFrom(c).Snapshot())
}

func (s *Server) handleUnmount(c *gin.Context) {
	s.unmount(c.Request.Context(), surfaceFrom(c).ID())
	c.Status(http.StatusNoContent)
}

func (s *Server) unmount(ctx context.Context, id string) {
	surface, err := s.store.Remove(ctx, id)
	if err != nil {
		return
	}
	s.hub.CloseSurface(id)
	surface.Close()
}

func (s *Server) handleShowMore(c *gin.Context) {
	surface := surfaceFrom(c)
	_, err := surface.ShowMore(c.Request.Context())
	s.respond(c, surface, err)
}

func (s *Server) handleRefresh(c *gin.Context) {
	surface := surfaceFrom(c)
	_, err := surface.Refresh(c.Request.Context())
	s.respond(c, surface, err)
}

func (s *Server) handleAcceptBanner(c *gin.Context) {
	surface := surfaceFrom(c)
	_, err := surface.AcceptBanner(c.Request.Context())
	s.respond(c, surface, err)
}

type searchRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	surface := surfaceFrom(c)
	_, err := surface.Search(c.Request.Context(), req.Query)
	s.respond(c, surface, err)
}

func (s *Server) handleClearSearch(c *gin.Context) {
	surface := surfaceFrom(c)
	_, err := surface.ClearSearch(c.Request.Context())
	s.respond(c, surface, err)
}

// respond 总是带上当前可见状态：失败时界面仍展示已有内容。
func (s *Server) respond(c *gin.Context, surface *feed.Surface, err error) {
	update := surface.Snapshot()
	if err == nil {
		c.JSON(http.StatusOK, update)
		return
	}
	c.JSON(statusFor(err), gin.H{"error": err.Error(), "update": update})
}

func (s *Server) handleStream(c *gin.Context) {
	surface := surfaceFrom(c)
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Printf("[API] ❌ Failed to upgrade websocket: surface=%s err=%v", surface.ID(), err)
		return
	}

	gw := gateway.NewGateway(surface, conn, gateway.GatewayConfig{
		WriteTimeout:   s.config.Gateway.WriteTimeout,
		PingInterval:   s.config.Gateway.PingInterval,
		CommandTimeout: s.config.Gateway.CommandTimeout,
	}, s.logger)
	s.hub.Register(surface.ID(), gw)
	if err := gw.Start(); err != nil {
		s.logger.Printf("[API] ❌ Failed to start gateway: surface=%s err=%v", surface.ID(), err)
		return
	}

	<-gw.Done()
	s.logger.Printf("[API] 🔌 Stream closed for surface %s (remaining: %d)", surface.ID(), s.hub.Count(surface.ID()))
}

func (s *Server) handleCreatePost(c *gin.Context) {
	var req model.NewPost
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	post, err := s.orchestrator.CreatePost(c.Request.Context(), viewerID(c), req)
	s.respondPost(c, http.StatusCreated, post, err)
}

func (s *Server) handleUpdatePost(c *gin.Context) {
	var patch model.PostPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	post, err := s.orchestrator.UpdatePost(c.Request.Context(), viewerID(c), c.Param("id"), patch)
	s.respondPost(c, http.StatusOK, post, err)
}

func (s *Server) handleDeletePost(c *gin.Context) {
	post, err := s.orchestrator.DeletePost(c.Request.Context(), viewerID(c), c.Param("id"))
	s.respondPost(c, http.StatusOK, post, err)
}

type statusRequest struct {
	Status model.PostStatus `json:"status"`
}

func (s *Server) handleSetStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	post, err := s.orchestrator.SetStatus(c.Request.Context(), viewerID(c), c.Param("id"), req.Status)
	s.respondPost(c, http.StatusOK, post, err)
}

type memoRequest struct {
	Memo string `json:"memo"`
}

func (s *Server) handleAddMemo(c *gin.Context) {
	var req memoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	post, err := s.orchestrator.AddMemo(c.Request.Context(), viewerID(c), c.Param("id"), req.Memo)
	s.respondPost(c, http.StatusOK, post, err)
}

func (s *Server) respondPost(c *gin.Context, status int, post model.Post, err error) {
	if err != nil {
		// 这里记录详细错误到服务端日志，返回给前端的错误保持简洁。
		s.logger.Printf("[API] ❌ %s %s failed: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(status, post)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidInput), errors.Is(err, feed.ErrNotFeed):
		return http.StatusBadRequest
	case errors.Is(err, source.ErrNotFound), errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, feed.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, fetcher.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

const (
	viewerKey  = "viewer_id"
	surfaceKey = "surface"
)

func (s *Server) viewerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		viewer := c.GetHeader(ViewerHeader)
		if viewer == "" {
			// 浏览器 WebSocket 无法自定义请求头，允许用查询参数传递。
			viewer = c.Query("viewer_id")
		}
		if viewer == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ViewerHeader + " required"})
			return
		}
		c.Set(viewerKey, viewer)
		c.Next()
	}
}

// surfaceMiddleware 按路径参数找回视图，只允许挂载者本人访问。
func (s *Server) surfaceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		surface, err := s.store.Get(c.Request.Context(), c.Param("id"))
		if err != nil || surface.ViewerID() != viewerID(c) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "surface not found"})
			return
		}
		c.Set(surfaceKey, surface)
		c.Next()
	}
}

func viewerID(c *gin.Context) string {
	return c.GetString(viewerKey)
}

func surfaceFrom(c *gin.Context) *feed.Surface {
	return c.MustGet(surfaceKey).(*feed.Surface)
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.config.Server.AllowedOrigins, origin)
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && slices.Contains(s.config.Server.AllowedOrigins, origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, "+ViewerHeader)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
