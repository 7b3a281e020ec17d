// Package api serves the chat session, the plugin registry and the pass
// history over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mattjoyce/palaver/internal/auth"
	"github.com/mattjoyce/palaver/internal/chat"
	"github.com/mattjoyce/palaver/internal/command"
	"github.com/mattjoyce/palaver/internal/convo"
	"github.com/mattjoyce/palaver/internal/events"
	"github.com/mattjoyce/palaver/internal/history"
	"github.com/mattjoyce/palaver/internal/plugin"
)

// Conversation is the chat session driven by the API.
type Conversation interface {
	Send(ctx context.Context, text string) (*convo.Turn, error)
	Stop(ctx context.Context) error
	Reset(ctx context.Context) error
	ToggleAudio(ctx context.Context, on bool) error
	Transcribe(ctx context.Context, text string) error
	Capabilities(ctx context.Context) (chat.Capabilities, error)
}

// PluginRegistry defines the interface for plugin operations
type PluginRegistry interface {
	Entries() []plugin.Entry
	SetEnabled(id string, enabled bool) error
}

// History reads persisted turns and passes.
type History interface {
	GetTurn(ctx context.Context, id string) (*convo.Turn, error)
	ListTurns(ctx context.Context, f history.TurnFilter) ([]*convo.Turn, error)
	ListPasses(ctx context.Context, turnID string, limit int) ([]*command.Pass, error)
}

// NoticeStream is the read side of the events hub.
type NoticeStream interface {
	Since(lastID int64) []events.Notice
	Subscribe() (<-chan events.Notice, func())
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// ChatTimeout bounds a POST /chat request. Zero means 2 minutes.
	ChatTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	session   Conversation
	registry  PluginRegistry
	history   History
	notices   NoticeStream
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, session Conversation, registry PluginRegistry, hist History, notices NoticeStream, logger *slog.Logger) *Server {
	if config.ChatTimeout <= 0 {
		config.ChatTimeout = 2 * time.Minute
	}
	return &Server{
		config:    config,
		session:   session,
		registry:  registry,
		history:   hist,
		notices:   notices,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	// Run server in a goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes(auth.ScopeChatRW)).Post("/chat", s.handleChat)
		r.With(s.requireScopes(auth.ScopeChatRW)).Post("/stop", s.handleStop)
		r.With(s.requireScopes(auth.ScopeChatRW)).Post("/reset", s.handleReset)
		r.With(s.requireScopes(auth.ScopeChatRW)).Post("/audio", s.handleAudio)
		r.With(s.requireScopes(auth.ScopeChatRW)).Post("/transcribe", s.handleTranscribe)
		r.With(s.requireScopes(auth.ScopeChatRO)).Get("/capabilities", s.handleCapabilities)

		r.With(s.requireScopes(auth.ScopeChatRO)).Get("/turns", s.handleListTurns)
		r.With(s.requireScopes(auth.ScopeChatRO)).Get("/turns/{turnID}", s.handleGetTurn)
		r.With(s.requireScopes(auth.ScopeChatRO)).Get("/turns/{turnID}/passes", s.handleListPasses)
		r.With(s.requireScopes(auth.ScopeChatRO)).Get("/passes", s.handleListPasses)

		r.With(s.requireScopes(auth.ScopePluginsRO)).Get("/plugins", s.handleListPlugins)
		r.With(s.requireScopes(auth.ScopePluginsRW)).Post("/plugins/{pluginID}/enable", s.handleSetEnabled(true))
		r.With(s.requireScopes(auth.ScopePluginsRW)).Post("/plugins/{pluginID}/disable", s.handleSetEnabled(false))

		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events/ws", s.handleEventsWS)
	})

	return otelhttp.NewHandler(r, "palaver.api",
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return operation + " " + r.Method + " " + r.URL.Path
		}),
	)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
