package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/palaver/internal/events"
)

// handleEvents streams hub notices as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before replaying so nothing published in between is lost.
	ch, cancel := s.notices.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	// Send buffered notices first for late clients.
	for _, n := range s.notices.Since(lastID) {
		if err := writeSSE(w, n); err != nil {
			return
		}
		lastID = n.ID
	}
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if n.ID <= lastID {
				continue
			}
			if err := writeSSE(w, n); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			// SSE comment line as keep-alive.
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, n events.Notice) error {
	if _, err := fmt.Fprintf(w, "id: %d\n", n.ID); err != nil {
		return err
	}
	if n.Type != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", n.Type); err != nil {
			return err
		}
	}
	// Data must be on "data:" lines; the payload is single-line JSON.
	if _, err := fmt.Fprintf(w, "data: %s\n\n", n.Data); err != nil {
		return err
	}
	return nil
}
