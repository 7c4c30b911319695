// Package httpapi serves the operational HTTP surface: health, scheduler
// status and Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"moodping/internal/task/scheduler"
	logx "moodping/pkg/logx"

	"github.com/gin-gonic/gin"
)

const DefaultAddr = ":8080"

func init() { gin.SetMode(gin.ReleaseMode) }

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusSource is satisfied by *scheduler.Service.
type StatusSource interface {
	Status() scheduler.Status
	Running() bool
}

type Config struct {
	Addr    string
	Version string
	Pprof   bool

	// PprofToken, when set, is required as "Authorization: Bearer <token>"
	// on /debug/pprof.
	PprofToken string
}

type Deps struct {
	DB      Pinger
	Status  StatusSource
	Metrics http.Handler
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	now  func() time.Time

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "httpapi")), now: time.Now}
}

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", s.health)
	r.GET("/status", s.status)
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
	if s.cfg.Pprof {
		mountPprof(r.Group("/debug/pprof", bearer(s.cfg.PprofToken)))
	}
	return r
}

// HealthResponse mirrors the bot's health document.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	Scheduler string    `json:"scheduler"`
	Version   string    `json:"version"`
}

func (s *Server) health(c *gin.Context) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: s.now().UTC(),
		Database:  "connected",
		Scheduler: "stopped",
		Version:   s.cfg.Version,
	}
	code := http.StatusOK

	if s.deps.DB == nil {
		resp.Database = "disabled"
	} else {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		err := s.deps.DB.Ping(ctx)
		cancel()
		if err != nil {
			s.log.Warn("health: database ping failed", logx.Err(err))
			resp.Status = "unhealthy"
			resp.Database = "disconnected"
			code = http.StatusServiceUnavailable
		}
	}
	if s.deps.Status != nil && s.deps.Status.Running() {
		resp.Scheduler = "running"
	}
	c.JSON(code, resp)
}

func (s *Server) status(c *gin.Context) {
	if s.deps.Status == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler not configured"})
		return
	}
	c.JSON(http.StatusOK, s.deps.Status.Status())
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if !s.log.Enabled(logx.LevelDebug) {
			return
		}
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("dur", time.Since(start)),
		)
	}
}

// Start binds the listener and serves in the background. Bind errors are
// returned; serve errors after that are logged.
func (s *Server) Start(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.srv, s.ln = srv, ln
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", logx.Err(err))
		}
	}()
	s.log.Info("http server listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or "" when not started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.ln = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
