package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/mattjoyce/palaver/internal/events"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// handleEventsWS streams hub notices as websocket text frames. The "since"
// query parameter plays the role of Last-Event-ID.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	ch, cancel := s.notices.Subscribe()
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	// Reads are never expected; CloseRead handles pings and the peer's close.
	ctx := conn.CloseRead(r.Context())

	lastID := parseLastEventID(r.URL.Query().Get("since"))
	if err := streamNotices(ctx, s.notices.Since(lastID), ch, lastID, conn); err != nil && ctx.Err() == nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func streamNotices(ctx context.Context, backlog []events.Notice, ch <-chan events.Notice, lastID int64, writer wsWriter) error {
	for _, n := range backlog {
		if err := writeWSNotice(ctx, writer, n); err != nil {
			return err
		}
		lastID = n.ID
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-ch:
			if !ok {
				return nil
			}
			if n.ID <= lastID {
				continue
			}
			if err := writeWSNotice(ctx, writer, n); err != nil {
				return err
			}
			lastID = n.ID
		}
	}
}

func writeWSNotice(ctx context.Context, writer wsWriter, n events.Notice) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return writer.Write(ctx, websocket.MessageText, payload)
}
