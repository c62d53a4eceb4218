// Package server serves the chat over HTTP: password login issuing JWTs, chat profiles,
// a WebSocket per chat session, health and runtime stats.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/kbctl/internal/chat"
	"github.com/raphaelgruber/kbctl/internal/metrics"
	"github.com/raphaelgruber/kbctl/internal/retry"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

// Options configures the HTTP layer.
type Options struct {
	Addr           string
	AllowedOrigins []string
	ForceSSL       bool
	Version        string
}

// Server wires the chat service into a gin engine with lifecycle management.
type Server struct {
	opts        Options
	auth        *Auth
	builder     *chat.Builder
	profiles    []chat.Profile
	retryPolicy retry.Policy
	logger      *slog.Logger
	metrics     *metrics.Collector

	engine   *gin.Engine
	upgrader websocket.Upgrader
	// pongWait is how long a socket may stay silent before it is considered dead.
	pongWait time.Duration
}

// New creates the server and registers its routes.
func New(opts Options, auth *Auth, builder *chat.Builder, profiles []chat.Profile, policy retry.Policy, logger *slog.Logger, m *metrics.Collector) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if len(profiles) == 0 {
		profiles = chat.DefaultProfiles()
	}
	s := &Server{
		opts:        opts,
		auth:        auth,
		builder:     builder,
		profiles:    profiles,
		retryPolicy: policy,
		logger:      logger,
		metrics:     m,
		pongWait:    defaultPongWait,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(s.logger))
	r.Use(SecureMiddleware(s.opts.ForceSSL))
	r.Use(CORSMiddleware(s.opts.AllowedOrigins))

	r.GET("/health", s.handleHealth)
	r.POST("/auth/login", s.handleLogin)
	r.GET("/ws", s.handleWebSocket)

	authed := r.Group("/")
	authed.Use(s.auth.RequireAuth())
	authed.GET("/api/profiles", s.handleProfiles)
	authed.GET("/stats", s.handleStats)
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("chat server listening", "addr", s.opts.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}
	token, expires, err := s.auth.Login(req.Username, req.Password)
	if errors.Is(err, ErrBadCredentials) {
		s.logger.Warn("login rejected", "user", req.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
		return
	}
	c.JSON(http.StatusOK, loginResponse{Token: token, ExpiresAt: expires})
}

func (s *Server) handleProfiles(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"profiles": s.profiles})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": s.opts.Version})
}

func (s *Server) handleStats(c *gin.Context) {
	if s.metrics == nil {
		c.JSON(http.StatusOK, metrics.Snapshot{})
		return
	}
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}
