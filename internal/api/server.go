// Package api exposes the gateway over HTTP with gin.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ineyio/tokengate"
)

// DefaultMaxBodyBytes caps request bodies.
const DefaultMaxBodyBytes = 1 << 20

// Gateway is the part of *tokengate.Gateway the HTTP surface drives.
type Gateway interface {
	ChatCompletion(ctx context.Context, in tokengate.Inbound, req tokengate.ChatRequest) (tokengate.ChatResponse, error)
	ChatCompletionStream(ctx context.Context, in tokengate.Inbound, req tokengate.ChatRequest) (*tokengate.GatewayStream, error)
	ReloadRules(ctx context.Context) error
	InvalidateWeeklyPromptCache()
	Snapshot() tokengate.Snapshot
}

type statusSection struct {
	name string
	fn   func() any
}

// Server serves the chat completion endpoint and the operational hooks.
type Server struct {
	gw          Gateway
	adminSecret []byte
	maxBody     int64
	authLimiter tokengate.RateLimiter
	sections    []statusSection
	logger      *slog.Logger

	engine *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithAdminSecret sets the HS256 secret for admin bearer tokens. Without
// one every admin route answers 503.
func WithAdminSecret(secret string) Option {
	return func(s *Server) { s.adminSecret = []byte(secret) }
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithAuthFailureLimiter charges the client address for every failed
// authentication. Once its bucket is empty, further failures answer 429.
func WithAuthFailureLimiter(l tokengate.RateLimiter) Option {
	return func(s *Server) { s.authLimiter = l }
}

// WithStatusSection adds a named section to GET /admin/status.
func WithStatusSection(name string, fn func() any) Option {
	return func(s *Server) { s.sections = append(s.sections, statusSection{name: name, fn: fn}) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer builds the gin engine for gw.
func NewServer(gw Gateway, opts ...Option) *Server {
	s := &Server{
		gw:      gw,
		maxBody: DefaultMaxBodyBytes,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	e := gin.New()
	e.Use(
		gin.CustomRecovery(s.recover),
		requestID(),
		requestLogger(s.logger),
		bodyLimit(s.maxBody),
	)

	e.POST("/v1/chat/completions", s.handleChat)
	e.GET("/health", s.handleHealth)

	admin := e.Group("/admin", adminAuth(s.adminSecret))
	admin.GET("/status", s.handleStatus)
	admin.POST("/rules/reload", s.handleReloadRules)
	admin.POST("/weekly-prompts/invalidate", s.handleInvalidatePrompts)

	s.engine = e
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) recover(c *gin.Context, recovered any) {
	s.logger.Error("handler panic",
		"request_id", c.GetString(requestIDKey),
		"path", c.Request.URL.Path,
		"panic", recovered,
	)
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorPayload("internal error", "internal"))
}
