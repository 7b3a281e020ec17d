package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mattjoyce/palaver/internal/command"
	"github.com/mattjoyce/palaver/internal/convo"
	"github.com/mattjoyce/palaver/internal/event"
	"github.com/mattjoyce/palaver/internal/log"
)

var ErrClosed = errors.New("chat: session closed")

const shutdownTimeout = 10 * time.Second

// Capabilities are the UI features plugins asked for.
type Capabilities struct {
	Vision      bool `json:"vision"`
	Attachments bool `json:"attachments"`
}

// Session serializes every pipeline operation and every background pass
// completion onto one goroutine. Its methods are safe for concurrent use.
type Session struct {
	pipeline *Pipeline
	ctrl     *command.Controller
	logger   *slog.Logger

	inbox chan func(context.Context)
	done  chan struct{}
}

// NewSession wraps p. Background pass results are handed back to the
// session goroutine once Run is called.
func NewSession(p *Pipeline) *Session {
	s := &Session{
		pipeline: p,
		ctrl:     p.Controller(),
		logger:   log.WithComponent("session"),
		inbox:    make(chan func(context.Context), 16),
		done:     make(chan struct{}),
	}
	p.watch = s.watch
	return s
}

// Run processes the inbox until ctx is cancelled, then delivers
// plugin.shutdown to every registered plugin and waits for background passes.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info("session started")
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			s.shutdown(context.WithoutCancel(ctx))
			return ctx.Err()
		case fn := <-s.inbox:
			fn(ctx)
		}
	}
}

func (s *Session) shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	s.ctrl.Dispatch(ctx, event.New(event.PluginShutdown, nil), true)
	if err := s.ctrl.Wait(ctx); err != nil {
		s.logger.Warn("background passes still running at shutdown", "error", err)
	}
	s.logger.Info("session stopped")
}

// do runs fn on the session goroutine and waits for it.
func (s *Session) do(ctx context.Context, fn func(context.Context) error) error {
	errc := make(chan error, 1)
	select {
	case s.inbox <- func(sctx context.Context) { errc <- fn(sctx) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrClosed
		}
	}
}

// post queues fn without waiting. It is dropped once the session is closed.
func (s *Session) post(fn func(context.Context)) {
	select {
	case s.inbox <- fn:
	case <-s.done:
	}
}

func (s *Session) watch(turn *convo.Turn, results <-chan command.Result) {
	go func() {
		select {
		case res := <-results:
			s.post(func(ctx context.Context) {
				if err := s.pipeline.Finish(ctx, res); err != nil {
					s.logger.Warn("turn finished with error", "turn_id", turn.ID, "status", res.Status, "error", err)
				}
			})
		case <-s.done:
		}
	}()
}

// Send submits user input and returns the turn once the model has replied.
func (s *Session) Send(ctx context.Context, text string) (*convo.Turn, error) {
	var turn *convo.Turn
	err := s.do(ctx, func(sctx context.Context) error {
		t, err := s.pipeline.Send(sctx, command.Submission{Text: text})
		turn = t
		return err
	})
	return turn, err
}

// Stop aborts in-flight work: plugins see force.stop and audio input is
// switched off, and the stop latch is set for the next command pass boundary.
func (s *Session) Stop(ctx context.Context) error {
	s.ctrl.RequestStop()
	return s.do(ctx, func(sctx context.Context) error {
		s.ctrl.Dispatch(sctx, event.New(event.ForceStop, map[string]any{"value": true}), false)
		s.ctrl.Dispatch(sctx, event.New(event.AudioInputToggle, map[string]any{"value": false}), false)
		return nil
	})
}

// ToggleAudio tells plugins to switch audio input on or off.
func (s *Session) ToggleAudio(ctx context.Context, on bool) error {
	return s.do(ctx, func(sctx context.Context) error {
		s.ctrl.Dispatch(sctx, event.New(event.AudioInputToggle, map[string]any{"value": on}), false)
		return nil
	})
}

// Transcribe notifies every registered plugin of a transcription, enabled or
// not.
func (s *Session) Transcribe(ctx context.Context, text string) error {
	return s.do(ctx, func(sctx context.Context) error {
		s.ctrl.DispatchOnly(sctx, event.New(event.AudioInputTranscribe, map[string]any{"value": text}))
		return nil
	})
}

// Capabilities asks the enabled plugins which optional UI features to offer.
func (s *Session) Capabilities(ctx context.Context) (Capabilities, error) {
	var caps Capabilities
	err := s.do(ctx, func(sctx context.Context) error {
		vision := event.New(event.UIVision, map[string]any{"value": false})
		s.ctrl.Dispatch(sctx, vision, false)
		attachments := event.New(event.UIAttachments, map[string]any{"value": false})
		s.ctrl.Dispatch(sctx, attachments, false)
		caps = Capabilities{Vision: vision.Bool("value"), Attachments: attachments.Bool("value")}
		return nil
	})
	return caps, err
}

// Reset starts a new conversation thread.
func (s *Session) Reset(ctx context.Context) error {
	return s.do(ctx, func(context.Context) error {
		s.pipeline.Reset()
		return nil
	})
}
