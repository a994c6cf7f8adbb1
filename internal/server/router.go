package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/chatrelay/internal/chat"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/metrics"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/observability"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/relay"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/scheduler"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultHeartbeatInterval = 15 * time.Second

var (
	errMissingStore      = errors.New("status store dependency required")
	errMissingActions    = errors.New("sync actions dependency required")
	errMissingDispatcher = errors.New("realtime dispatcher dependency required")
)

// StatusStore is the read side of the local chat store.
type StatusStore interface {
	Identity(ctx context.Context) (chat.Identity, error)
	Watermark(ctx context.Context) (int64, error)
	OutboundQueue(ctx context.Context) ([]chat.Message, error)
	Chatrooms(ctx context.Context) ([]chat.Chatroom, error)
	Peers(ctx context.Context) ([]chat.Peer, error)
	Messages(ctx context.Context, chatroom string) ([]chat.Message, error)
}

// SyncActions triggers relay operations. *scheduler.Adapter implements it.
type SyncActions interface {
	RunSyncOnce(ctx context.Context) error
	RunPostMessage(ctx context.Context, chatroom, text string) (relay.PostMessageResponse, error)
	LastSync() scheduler.SyncStatus
}

type Dependencies struct {
	Store             StatusStore
	Actions           SyncActions
	Realtime          *RealtimeDispatcher
	Metrics           *metrics.Metrics
	Gatherer          prometheus.Gatherer
	HeartbeatInterval time.Duration
	// TriggerRate limits POST requests per client. Zero disables limiting.
	TriggerRate  rate.Limit
	TriggerBurst int
	Logger       *zap.Logger
}

// NewHTTPHandler builds the local status API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Actions == nil {
		return nil, errMissingActions
	}
	if deps.Realtime == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(otelgin.Middleware(observability.ServiceName))
	router.Use(deps.Metrics.HTTPMiddleware())
	router.Use(gzip.Gzip(gzip.DefaultCompression,
		gzip.WithExcludedPaths([]string{"/metrics"}),
		gzip.WithExcludedPathsRegexs([]string{`^/chatrooms/[^/]+/events$`}),
	))

	handler := &httpHandler{
		store:     deps.Store,
		actions:   deps.Actions,
		realtime:  deps.Realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/status", handler.handleStatus)
	router.GET("/chatrooms", handler.handleChatrooms)
	router.GET("/chatrooms/:name/messages", handler.handleMessages)
	router.GET("/chatrooms/:name/events", handler.handleChatroomEvents)
	router.GET("/peers", handler.handlePeers)

	triggers := router.Group("/")
	if deps.TriggerRate > 0 {
		triggers.Use(newRateLimiter(deps.TriggerRate, deps.TriggerBurst).handler())
	}
	triggers.POST("/sync", handler.handleSync)
	triggers.POST("/chatrooms/:name/messages", handler.handlePostMessage)

	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	store     StatusStore
	actions   SyncActions
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

type statusResponsePayload struct {
	AppID         string               `json:"app_id,omitempty"`
	Registered    bool                 `json:"registered"`
	ChatName      string               `json:"chat_name,omitempty"`
	ServerAddress string               `json:"server_address,omitempty"`
	Watermark     int64                `json:"watermark"`
	Outbound      int                  `json:"outbound"`
	LastSync      scheduler.SyncStatus `json:"last_sync"`
}

type postMessagePayload struct {
	Text string `json:"text"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()
	identity, err := h.store.Identity(ctx)
	if err != nil {
		h.storeFailure(c, "load identity", err)
		return
	}
	watermark, err := h.store.Watermark(ctx)
	if err != nil {
		h.storeFailure(c, "load watermark", err)
		return
	}
	outbound, err := h.store.OutboundQueue(ctx)
	if err != nil {
		h.storeFailure(c, "load outbound queue", err)
		return
	}
	c.JSON(http.StatusOK, statusResponsePayload{
		AppID:         identity.DisplayAppID(),
		Registered:    identity.Registered(),
		ChatName:      identity.ChatName,
		ServerAddress: identity.ServerAddress,
		Watermark:     watermark,
		Outbound:      len(outbound),
		LastSync:      h.actions.LastSync(),
	})
}

func (h *httpHandler) handleSync(c *gin.Context) {
	err := h.actions.RunSyncOnce(c.Request.Context())
	status := h.actions.LastSync()
	switch {
	case err == nil:
		c.JSON(http.StatusOK, status)
	case errors.Is(err, relay.ErrSyncInProgress):
		c.JSON(http.StatusConflict, status)
	default:
		c.JSON(http.StatusBadGateway, status)
	}
}

func (h *httpHandler) handleChatrooms(c *gin.Context) {
	chatrooms, err := h.store.Chatrooms(c.Request.Context())
	if err != nil {
		h.storeFailure(c, "list chatrooms", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chatrooms": chatrooms})
}

func (h *httpHandler) handleMessages(c *gin.Context) {
	chatroom, err := chat.NewChatroomName(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_chatroom"})
		return
	}
	messages, err := h.store.Messages(c.Request.Context(), chatroom)
	if err != nil {
		h.storeFailure(c, "list messages", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chatroom": chatroom, "messages": messages})
}

func (h *httpHandler) handlePostMessage(c *gin.Context) {
	var request postMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	response, err := h.actions.RunPostMessage(c.Request.Context(), c.Param("name"), request.Text)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, response)
	case errors.Is(err, relay.ErrNotRegistered):
		c.JSON(http.StatusConflict, gin.H{"error": "not_registered"})
	case errors.Is(err, chat.ErrInvalidMessage), errors.Is(err, chat.ErrInvalidChatroom):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message"})
	default:
		h.logger.Error("failed to post message", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "post_failed"})
	}
}

func (h *httpHandler) handlePeers(c *gin.Context) {
	peers, err := h.store.Peers(c.Request.Context())
	if err != nil {
		h.storeFailure(c, "list peers", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peers": peers})
}

func (h *httpHandler) handleChatroomEvents(c *gin.Context) {
	chatroom, err := chat.NewChatroomName(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_chatroom"})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, chatroom)
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.SSEvent(realtimeEventHeartbeat, heartbeatPayload(chatroom))
	c.Writer.Flush()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event := <-stream:
			c.SSEvent(string(event.Kind), event)
			return true
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload(chatroom))
			return true
		}
	})
}

func heartbeatPayload(chatroom string) gin.H {
	return gin.H{
		"source":    realtimeSourceClient,
		"chatroom":  chatroom,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func (h *httpHandler) storeFailure(c *gin.Context, operation string, err error) {
	h.logger.Error("status query failed", zap.String("operation", operation), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_failure"})
}
