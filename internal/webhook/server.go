package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/palaver/internal/chat"
)

// Server represents the webhook HTTP server.
type Server struct {
	config Config
	conv   Conversation
	logger *slog.Logger
	server *http.Server

	endpoints map[string]*EndpointConfig
}

// New creates a new webhook server instance.
func New(config Config, conv Conversation, logger *slog.Logger) *Server {
	endpoints := make(map[string]*EndpointConfig)
	for i := range config.Endpoints {
		ep := &config.Endpoints[i]
		if ep.MaxBodySize == 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		if ep.SignatureHeader == "" {
			ep.SignatureHeader = DefaultSignatureHeader
		}
		endpoints[ep.Path] = ep
	}

	return &Server{
		config:    config,
		conv:      conv,
		logger:    logger,
		endpoints: endpoints,
	}
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// chat deliveries wait for the whole turn
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the routed handler for all configured endpoints.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path := range s.endpoints {
		r.Post(path, s.handleWebhook)
	}

	return r
}

// loggingMiddleware logs HTTP requests without their bodies.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	endpoint, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, endpoint.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > endpoint.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	signature := r.Header.Get(endpoint.SignatureHeader)
	if signature == "" {
		s.logger.Warn("webhook signature missing",
			"path", r.URL.Path,
			"header", endpoint.SignatureHeader,
		)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := verifyHMACSignature(body, signature, endpoint.Secret); err != nil {
		s.logger.Warn("webhook signature verification failed",
			"path", r.URL.Path,
			"error", err,
		)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	text := extractText(body)
	if text == "" {
		s.respondError(w, http.StatusBadRequest, "text is required")
		return
	}

	switch endpoint.Action {
	case ActionTranscribe:
		if err := s.conv.Transcribe(ctx, text); err != nil {
			s.respondSessionError(w, endpoint, err)
			return
		}
		s.logger.Info("webhook transcription delivered", "path", r.URL.Path)
		s.respondJSON(w, http.StatusAccepted, TriggerResponse{Action: ActionTranscribe})

	default:
		turn, err := s.conv.Send(ctx, text)
		if err != nil {
			s.respondSessionError(w, endpoint, err)
			return
		}
		s.logger.Info("webhook turn completed", "path", r.URL.Path, "turn_id", turn.ID)
		s.respondJSON(w, http.StatusOK, TriggerResponse{
			Action: ActionChat,
			TurnID: turn.ID,
			Output: turn.Output,
		})
	}
}

// extractText reads {"text": ...}; anything else is taken verbatim.
func extractText(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var p Payload
		if err := json.Unmarshal(trimmed, &p); err == nil {
			return strings.TrimSpace(p.Text)
		}
	}
	return string(trimmed)
}

func (s *Server) respondSessionError(w http.ResponseWriter, endpoint *EndpointConfig, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyInput):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrInFlight):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, chat.ErrClosed):
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("webhook delivery failed",
			"path", endpoint.Path,
			"action", endpoint.Action,
			"error", err,
		)
		s.respondError(w, http.StatusInternalServerError, "delivery failed")
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
