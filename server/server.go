// Package server exposes the conversation service over HTTP using Gin.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/reverie-ai/reverie"
	"github.com/reverie-ai/reverie/identity"
	"github.com/reverie-ai/reverie/internal/config"
)

// Config carries the values the HTTP layer needs beyond its collaborators.
type Config struct {
	APIKey        string // empty = auth disabled outside production
	Environment   string
	Version       string
	EmbeddingName string
}

// Server wires the Gin engine to the orchestrator and identity managers.
type Server struct {
	router   *gin.Engine
	cfg      Config
	orch     *reverie.Orchestrator
	users    *identity.Users
	sessions *identity.Sessions
	store    reverie.MemoryStore
	roles    *reverie.RoleRegistry
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger (default: discard).
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New builds the server and registers all routes.
func New(cfg Config, orch *reverie.Orchestrator, users *identity.Users, sessions *identity.Sessions, store reverie.MemoryStore, roles *reverie.RoleRegistry, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		orch:     orch,
		users:    users,
		sessions: sessions,
		store:    store,
		roles:    roles,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLog())

	router.GET("/health", s.handleHealth)

	v1 := router.Group("/v1")
	v1.Use(s.auth())
	{
		v1.POST("/chat", s.handleChat)
		v1.POST("/chat/completions", s.handleChatCompletions)
		v1.GET("/memories", s.handleListMemories)
		v1.POST("/users", s.handleCreateUser)
		v1.GET("/users/:id", s.handleGetUser)
		v1.GET("/users/:id/sessions", s.handleListUserSessions)
		v1.POST("/sessions", s.handleCreateSession)
		v1.GET("/sessions/:id", s.handleGetSession)
	}

	s.router = router
	return s
}

// Handler returns the http.Handler for serving or tests.
func (s *Server) Handler() http.Handler { return s.router }

// requestLog logs one line per request at Info with method, path, status
// and duration.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// auth enforces the X-API-Key header. In production a key is always
// required; in development it is checked only when configured.
func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.APIKey == "" && s.cfg.Environment != config.EnvProduction {
			c.Next()
			return
		}
		key := c.GetHeader("X-API-Key")
		if key == "" {
			s.writeError(c, &reverie.ErrAuth{Kind: reverie.AuthMissing})
			c.Abort()
			return
		}
		if key != s.cfg.APIKey {
			s.writeError(c, &reverie.ErrAuth{Kind: reverie.AuthInvalid})
			c.Abort()
			return
		}
		c.Next()
	}
}

// errorBody is the typed JSON error envelope.
func errorBody(kind, message string) gin.H {
	return gin.H{"error": gin.H{"kind": kind, "message": message}}
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		authErr        *reverie.ErrAuth
		invalidRole    *reverie.ErrInvalidRole
		unknownUser    *reverie.ErrUnknownUser
		unknownSession *reverie.ErrUnknownSession
		llmErr         *reverie.ErrLLM
		httpErr        *reverie.ErrHTTP
		storeErr       *reverie.ErrStoreUnavailable
	)
	switch {
	case errors.As(err, &authErr):
		if authErr.Kind == reverie.AuthMissing {
			c.JSON(http.StatusUnauthorized, errorBody("auth_missing", "X-API-Key header required"))
		} else {
			c.JSON(http.StatusForbidden, errorBody("auth_invalid", "invalid API key"))
		}
	case errors.As(err, &invalidRole):
		c.JSON(http.StatusBadRequest, errorBody("invalid_role", err.Error()))
	case errors.As(err, &unknownUser):
		c.JSON(http.StatusNotFound, errorBody("unknown_user", err.Error()))
	case errors.As(err, &unknownSession):
		c.JSON(http.StatusNotFound, errorBody("unknown_session", err.Error()))
	case errors.As(err, &storeErr):
		c.JSON(http.StatusServiceUnavailable, errorBody("store_unavailable", err.Error()))
	case errors.As(err, &llmErr), errors.As(err, &httpErr):
		c.JSON(http.StatusBadGateway, errorBody("llm_error", err.Error()))
	default:
		s.logger.Error("unhandled request error", "error", err)
		c.JSON(http.StatusInternalServerError, errorBody("internal", "internal error"))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"version":         s.cfg.Version,
		"environment":     s.cfg.Environment,
		"embedding_model": s.cfg.EmbeddingName,
		"components": gin.H{
			"store":        "ok",
			"orchestrator": "ok",
		},
	})
}
