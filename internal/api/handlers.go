package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/palaver/internal/chat"
	"github.com/mattjoyce/palaver/internal/command"
	"github.com/mattjoyce/palaver/internal/convo"
	"github.com/mattjoyce/palaver/internal/history"
	"github.com/mattjoyce/palaver/internal/plugin"
)

const maxListLimit = 1000

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	entries := s.registry.Entries()
	enabled := 0
	for _, e := range entries {
		if e.Enabled {
			enabled++
		}
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:         "ok",
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		PluginsLoaded:  len(entries),
		PluginsEnabled: enabled,
	})
}

// handleChat handles POST /chat.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.ChatTimeout)
	defer cancel()

	turn, err := s.session.Send(ctx, req.Text)
	if err != nil {
		s.writeSessionError(w, "chat", err)
		return
	}
	respondJSON(w, http.StatusOK, ChatResponse{Turn: turn})
}

// handleStop handles POST /stop.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Stop(r.Context()); err != nil {
		s.writeSessionError(w, "stop", err)
		return
	}
	respondJSON(w, http.StatusAccepted, StatusResponse{Status: "stopping"})
}

// handleReset handles POST /reset.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Reset(r.Context()); err != nil {
		s.writeSessionError(w, "reset", err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "reset"})
}

// handleAudio handles POST /audio.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	var req AudioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.session.ToggleAudio(r.Context(), req.On); err != nil {
		s.writeSessionError(w, "audio", err)
		return
	}
	status := "off"
	if req.On {
		status = "on"
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: status})
}

// handleTranscribe handles POST /transcribe.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	var req TranscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.session.Transcribe(r.Context(), req.Text); err != nil {
		s.writeSessionError(w, "transcribe", err)
		return
	}
	respondJSON(w, http.StatusAccepted, StatusResponse{Status: "delivered"})
}

// handleCapabilities handles GET /capabilities.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	caps, err := s.session.Capabilities(r.Context())
	if err != nil {
		s.writeSessionError(w, "capabilities", err)
		return
	}
	respondJSON(w, http.StatusOK, caps)
}

// handleListTurns handles GET /turns.
func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	turns, err := s.history.ListTurns(r.Context(), history.TurnFilter{
		ThreadID:        q.Get("thread_id"),
		IncludeInternal: q.Get("internal") == "true",
		Limit:           limit,
	})
	if err != nil {
		s.logger.Error("failed to list turns", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list turns")
		return
	}
	if turns == nil {
		turns = []*convo.Turn{}
	}
	respondJSON(w, http.StatusOK, TurnListResponse{Turns: turns})
}

// handleGetTurn handles GET /turns/{turnID}.
func (s *Server) handleGetTurn(w http.ResponseWriter, r *http.Request) {
	turn, err := s.history.GetTurn(r.Context(), chi.URLParam(r, "turnID"))
	if errors.Is(err, history.ErrTurnNotFound) {
		s.writeError(w, http.StatusNotFound, "turn not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get turn", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get turn")
		return
	}
	respondJSON(w, http.StatusOK, turn)
}

// handleListPasses handles GET /passes and GET /turns/{turnID}/passes.
func (s *Server) handleListPasses(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	passes, err := s.history.ListPasses(r.Context(), chi.URLParam(r, "turnID"), limit)
	if err != nil {
		s.logger.Error("failed to list passes", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list passes")
		return
	}
	if passes == nil {
		passes = []*command.Pass{}
	}
	respondJSON(w, http.StatusOK, PassListResponse{Passes: passes})
}

// handleListPlugins handles GET /plugins.
func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	entries := s.registry.Entries()
	resp := PluginListResponse{Plugins: make([]PluginSummary, 0, len(entries))}
	for _, e := range entries {
		resp.Plugins = append(resp.Plugins, PluginSummary{
			ID:          e.ID,
			Enabled:     e.Enabled,
			Description: e.Description,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleSetEnabled handles POST /plugins/{pluginID}/enable and /disable.
func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "pluginID")
		err := s.registry.SetEnabled(id, enabled)
		if errors.Is(err, plugin.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "plugin not found")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.logger.Info("plugin toggled via API", "plugin", id, "enabled", enabled)
		respondJSON(w, http.StatusOK, PluginSummary{ID: id, Enabled: enabled})
	}
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > maxListLimit {
		return 0, errors.New("limit must be an integer between 0 and 1000")
	}
	return n, nil
}

// writeSessionError maps session errors onto HTTP statuses.
func (s *Server) writeSessionError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyInput):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrInFlight):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, chat.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, op+" timed out")
	default:
		s.logger.Error("session request failed", "op", op, "error", err)
		s.writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
