// Package web provides the HTTP surface of the shelf-lock daemon: the status
// page, the JSON views, the Unlock/Lock command endpoints and /metrics.
package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sweeney/shelf-lock/internal/command"
	"github.com/sweeney/shelf-lock/internal/journal"
	"github.com/sweeney/shelf-lock/internal/logic"
	"github.com/sweeney/shelf-lock/internal/status"
	"pkt.systems/pslog"
)

// DefaultCommandTimeout bounds how long a request waits for the control loop.
const DefaultCommandTimeout = 3 * time.Second

const (
	defaultEventsLimit = 50
	maxEventsLimit     = 500
	indexEventsLimit   = 10
)

// Journal lists recent report attempts.
type Journal interface {
	Recent(ctx context.Context, limit int) ([]journal.Row, error)
}

// Options configures the optional parts of a Server.
type Options struct {
	// Queue receives Unlock and Lock commands. Nil disables the endpoints.
	Queue *command.Queue
	// Journal backs /events.json. Nil disables it.
	Journal Journal
	// Metrics is served on /metrics when set.
	Metrics http.Handler

	CommandTimeout time.Duration
	Logger         pslog.Logger
}

// Server serves the status page and command endpoints over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	opts       Options
	logger     pslog.Logger
}

// New creates a Server that reads state from the given tracker.
func New(addr string, tracker *status.Tracker, opts Options) *Server {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	s := &Server{
		tracker: tracker,
		opts:    opts,
		logger:  logger.With("subsystem", "http"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests)

	r.GET("/", s.handleIndex)
	r.GET("/index.html", s.handleIndex)
	r.GET("/index.json", s.handleJSON)
	r.GET("/status", s.handleStatus)
	r.GET("/events.json", s.handleEvents)
	r.POST("/unlock", s.handleUnlock)
	r.POST("/lock", s.handleLock)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("http.request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start),
	)
}

func (s *Server) handleIndex(c *gin.Context) {
	snap := s.tracker.Snapshot()

	var events []journal.Row
	if s.opts.Journal != nil {
		rows, err := s.opts.Journal.Recent(c.Request.Context(), indexEventsLimit)
		if err != nil {
			s.logger.Warn("http.journal.failed", "error", err)
		} else {
			events = rows
		}
	}

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := renderHTML(c.Writer, snap, events); err != nil {
		s.logger.Error("http.render.failed", "error", err)
	}
}

func (s *Server) handleJSON(c *gin.Context) {
	c.Data(http.StatusOK, "application/json", status.FormatJSON(s.tracker.Snapshot()))
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, status.BuildShelfStatus(s.tracker.Snapshot()))
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.opts.Journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}

	limit := defaultEventsLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxEventsLimit)
	}

	rows, err := s.opts.Journal.Recent(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("http.journal.failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "journal unavailable"})
		return
	}
	c.JSON(http.StatusOK, formatEvents(rows))
}

func (s *Server) handleUnlock(c *gin.Context) {
	var body command.UnlockRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	req, err := command.NewUnlock(body, "http")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.submit(c, req)
}

func (s *Server) handleLock(c *gin.Context) {
	s.submit(c, command.NewLock("http"))
}

func (s *Server) submit(c *gin.Context, req command.Request) {
	if s.opts.Queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "commands disabled"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.CommandTimeout)
	defer cancel()

	reply, err := s.opts.Queue.Submit(ctx, req)
	switch {
	case errors.Is(err, command.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "busy"})
		return
	case err != nil:
		s.logger.Warn("http.command.timeout", "kind", req.Kind, "error", err)
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "control loop did not answer"})
		return
	}

	body := gin.H{"result": reply.Result, "lock_position": reply.Position}
	switch reply.Result {
	case logic.ResultOK:
		c.JSON(http.StatusOK, body)
	case logic.ResultConflict:
		body["active_session_id"] = reply.ActiveSessionID
		c.JSON(http.StatusConflict, body)
	default:
		c.JSON(http.StatusBadRequest, body)
	}
}
