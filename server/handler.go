package server

import (
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/alimasry/collab-ot/ot"
	"github.com/alimasry/collab-ot/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Options configures the HTTP handler.
type Options struct {
	// StaticDir is served for unmatched GET requests when it exists.
	StaticDir string
	// OpsPerSecond and Burst limit operations per websocket connection.
	// Zero disables limiting.
	OpsPerSecond float64
	Burst        int
	// AllowOrigins lists CORS origins. Empty allows any origin.
	AllowOrigins []string
}

type handler struct {
	manager *session.Manager
	opts    Options
	logger  *slog.Logger
}

// NewHandler creates the HTTP handler with all routes.
func NewHandler(manager *session.Manager, opts Options, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{manager: manager, opts: opts, logger: logger.With("component", "http")}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), h.logRequests, corsMiddleware(opts.AllowOrigins))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "sessions": len(manager.Active())})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	contents := r.Group("/contents")
	contents.GET("", h.listContents)
	contents.POST("", h.createContent)
	contents.GET("/:id", h.getContent)
	contents.GET("/:id/operations", h.getOperations)
	contents.POST("/:id/operations", h.submitOperation)

	// WebSocket endpoint.
	r.GET("/ws", h.serveWS)

	if opts.StaticDir != "" {
		if info, err := os.Stat(opts.StaticDir); err == nil && info.IsDir() {
			fs := http.FileServer(http.Dir(opts.StaticDir))
			r.NoRoute(gin.WrapH(fs))
		}
	}
	return r
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func (h *handler) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.logger.Debug("request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start))
}

// rejectStatus maps a rejection to its HTTP status.
func rejectStatus(reason session.RejectReason) int {
	switch reason {
	case session.ReasonFutureVersion, session.ReasonAlreadyExists:
		return http.StatusConflict
	case session.ReasonUnknownDocument:
		return http.StatusNotFound
	case session.ReasonInvalidOperation, session.ReasonContentMismatch:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) fail(c *gin.Context, err error) {
	reason := session.Reason(err)
	status := rejectStatus(reason)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.FullPath(), "err", err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "reason": reason})
}

func (h *handler) listContents(c *gin.Context) {
	ids, err := h.manager.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"contents": ids})
}

type createRequest struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	CreatedBy string `json:"createdBy"`
}

func (h *handler) createContent(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "reason": session.ReasonInvalidOperation})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := h.manager.Create(c.Request.Context(), req.ID, req.Text, req.CreatedBy); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": req.ID, "version": 0})
}

func (h *handler) getContent(c *gin.Context) {
	st, err := h.manager.State(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handler) getOperations(c *gin.Context) {
	from := 0
	if v := c.Query("from"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a non-negative integer", "reason": session.ReasonInvalidOperation})
			return
		}
		from = n
	}
	ops, err := h.manager.Operations(c.Request.Context(), c.Param("id"), from)
	if err != nil {
		h.fail(c, err)
		return
	}
	if ops == nil {
		ops = []ot.Operation{}
	}
	c.JSON(http.StatusOK, gin.H{"from": from, "operations": ops})
}

func (h *handler) submitOperation(c *gin.Context) {
	var op ot.Operation
	if err := c.ShouldBindJSON(&op); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "reason": session.ReasonInvalidOperation})
		return
	}
	id := c.Param("id")
	if op.ContentID == "" {
		op.ContentID = id
	} else if op.ContentID != id {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operation content id does not match path", "reason": session.ReasonContentMismatch})
		return
	}
	acc, err := h.manager.Submit(c.Request.Context(), op)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

func (h *handler) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade error", "err", err)
		return
	}
	var limiter *rate.Limiter
	if h.opts.OpsPerSecond > 0 {
		burst := h.opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(h.opts.OpsPerSecond), burst)
	}
	client := newClient(h.manager, conn, limiter, h.logger)
	go client.WritePump()
	go client.ReadPump()
}
