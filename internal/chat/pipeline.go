// Package chat drives conversation turns through the plugin event bus and the
// model, and owns the session goroutine that serializes them.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/palaver/internal/command"
	"github.com/mattjoyce/palaver/internal/convo"
	"github.com/mattjoyce/palaver/internal/event"
	"github.com/mattjoyce/palaver/internal/events"
	"github.com/mattjoyce/palaver/internal/log"
)

var (
	ErrEmptyInput = errors.New("chat: empty input")
	ErrInFlight   = errors.New("chat: commands from the previous turn are still running")
)

// historyWindow is the number of earlier turns sent to the model.
const historyWindow = 20

// TurnStore persists turns.
type TurnStore interface {
	SaveTurn(ctx context.Context, t *convo.Turn) error
}

// Options configures a Pipeline.
type Options struct {
	SystemPrompt string
	Store        TurnStore
	Publisher    events.Publisher
}

// Pipeline runs one turn per submission: user.send, ctx.before, cmd.syntax,
// the model call, ctx.after, then a background cmd.execute pass when the
// reply carries command calls. Turns end with ctx.end.
//
// A Pipeline is not safe for concurrent use. Drive it from one goroutine,
// normally a Session.
type Pipeline struct {
	ctrl   *command.Controller
	model  Model
	opts   Options
	logger *slog.Logger

	// watch receives the result channel of each background pass. When nil
	// the pipeline waits for the result itself.
	watch func(turn *convo.Turn, results <-chan command.Result)

	thread  []*convo.Turn
	pending int
}

// NewPipeline creates a pipeline and registers it as the controller's reply
// target.
func NewPipeline(ctrl *command.Controller, model Model, opts Options) *Pipeline {
	if opts.Publisher == nil {
		opts.Publisher = events.Discard
	}
	p := &Pipeline{
		ctrl:   ctrl,
		model:  model,
		opts:   opts,
		logger: log.WithComponent("chat"),
	}
	ctrl.SetSubmitter(p)
	return p
}

// Controller returns the command controller the pipeline dispatches through.
func (p *Pipeline) Controller() *command.Controller {
	return p.ctrl
}

// Pending reports how many turns are waiting on a background command pass.
func (p *Pipeline) Pending() int {
	return p.pending
}

// Submit implements command.Submitter for the reply loop.
func (p *Pipeline) Submit(ctx context.Context, sub command.Submission) error {
	_, err := p.Send(ctx, sub)
	return err
}

// Send runs a turn for sub and returns it once the model reply is in. Command
// calls in the reply run in the background unless no watcher is installed.
func (p *Pipeline) Send(ctx context.Context, sub command.Submission) (*convo.Turn, error) {
	if !sub.Force {
		if strings.TrimSpace(sub.Text) == "" {
			return nil, ErrEmptyInput
		}
		if p.pending > 0 {
			return nil, ErrInFlight
		}
	}

	send := event.New(event.UserSend, map[string]any{"value": sub.Text})
	p.ctrl.Dispatch(ctx, send, false)
	text := textOr(send, sub.Text)

	prev := sub.Prev
	if prev == nil {
		prev = p.last()
	}
	turn := convo.Continue(text, prev)
	if sub.Prev == nil {
		// User input starts a new reply chain.
		turn.Hops = 0
		turn.RunID = uuid.NewString()
	}
	turn.Internal = sub.Internal

	logger := p.logger.With("turn_id", turn.ID, "hops", turn.Hops)
	logger.Debug("turn started", "internal", turn.Internal)
	span := trace.SpanFromContext(ctx)
	span.AddEvent("turn started", trace.WithAttributes(
		attribute.String("turn.id", turn.ID),
		attribute.String("turn.run_id", turn.RunID),
		attribute.Int("turn.hops", turn.Hops),
	))

	before := event.New(event.CtxBefore, map[string]any{"value": text}).WithTurn(turn)
	p.ctrl.Dispatch(ctx, before, false)
	turn.Input = textOr(before, text)

	reply, err := p.model.Complete(ctx, p.messages(ctx, turn))
	if err != nil {
		span.RecordError(err, trace.WithAttributes(attribute.String("turn.id", turn.ID)))
		return turn, fmt.Errorf("model completion for turn %s: %w", turn.ID, err)
	}

	after := event.New(event.CtxAfter, map[string]any{"value": reply}).WithTurn(turn)
	p.ctrl.Dispatch(ctx, after, false)
	turn.Output = textOr(after, reply)

	p.remember(turn)
	p.save(ctx, turn)

	if len(turn.Commands) == 0 {
		p.finalize(ctx, turn)
		return turn, nil
	}

	exec := event.New(event.CmdExecute, map[string]any{
		"commands": event.CommandsData(turn.Commands),
	}).WithTurn(turn)
	results, err := p.ctrl.DispatchAsync(ctx, exec)
	if err != nil {
		logger.Warn("command pass not started", "error", err)
		p.finalize(ctx, turn)
		return turn, fmt.Errorf("dispatch commands for turn %s: %w", turn.ID, err)
	}
	p.pending++
	logger.Info("command pass started", "commands", len(turn.Commands))

	if p.watch != nil {
		p.watch(turn, results)
		return turn, nil
	}
	select {
	case res := <-results:
		return turn, p.Finish(ctx, res)
	case <-ctx.Done():
		// The result channel is buffered; the worker never blocks on it.
		p.pending--
		logger.Warn("stopped waiting for command pass", "error", ctx.Err())
		return turn, ctx.Err()
	}
}

// Finish completes the turn of a background pass and runs the reply loop.
// Failed passes still end their turn; interrupted ones carry no event.
func (p *Pipeline) Finish(ctx context.Context, res command.Result) error {
	if p.pending > 0 {
		p.pending--
	}
	if res.Event != nil && res.Event.Turn != nil {
		turn := res.Event.Turn
		p.save(ctx, turn)
		p.finalize(ctx, turn)
	}
	return p.ctrl.OnFinished(ctx, res)
}

func (p *Pipeline) finalize(ctx context.Context, turn *convo.Turn) {
	p.ctrl.Dispatch(ctx, event.New(event.CtxEnd, nil).WithTurn(turn), false)
	p.opts.Publisher.Publish(events.TurnCompleted, turn)
}

// messages builds the model conversation: the system prompt with command
// syntax contributed by plugins, earlier turns of the thread, then the input.
func (p *Pipeline) messages(ctx context.Context, turn *convo.Turn) []Message {
	msgs := []Message{}
	if system := p.systemPrompt(ctx, turn); system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	for _, t := range p.thread {
		if t.ThreadID != turn.ThreadID {
			continue
		}
		msgs = append(msgs, Message{Role: "user", Content: t.Input})
		if t.Output != "" {
			msgs = append(msgs, Message{Role: "assistant", Content: t.Output})
		}
	}
	return append(msgs, Message{Role: "user", Content: turn.Input})
}

func (p *Pipeline) systemPrompt(ctx context.Context, turn *convo.Turn) string {
	ev := event.New(event.CmdSyntax, map[string]any{"syntax": []any{}}).WithTurn(turn)
	p.ctrl.Dispatch(ctx, ev, false)

	prompt := p.opts.SystemPrompt
	syntax, _ := ev.Data["syntax"].([]any)
	if len(syntax) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString(prompt)
	if prompt != "" {
		b.WriteString("\n\n")
	}
	if instr := ev.Text("instruction"); instr != "" {
		b.WriteString(instr)
		b.WriteString("\n")
	}
	for _, item := range syntax {
		line, err := json.Marshal(item)
		if err != nil {
			continue
		}
		b.Write(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (p *Pipeline) last() *convo.Turn {
	if len(p.thread) == 0 {
		return nil
	}
	return p.thread[len(p.thread)-1]
}

func (p *Pipeline) remember(turn *convo.Turn) {
	if last := p.last(); last != nil && last.ThreadID != turn.ThreadID {
		p.thread = nil
	}
	p.thread = append(p.thread, turn)
	if len(p.thread) > historyWindow {
		p.thread = p.thread[len(p.thread)-historyWindow:]
	}
}

// Reset starts a new thread on the next user turn.
func (p *Pipeline) Reset() {
	p.thread = nil
}

func (p *Pipeline) save(ctx context.Context, turn *convo.Turn) {
	if p.opts.Store == nil {
		return
	}
	if err := p.opts.Store.SaveTurn(ctx, turn); err != nil {
		p.logger.Warn("failed to save turn", "turn_id", turn.ID, "error", err)
	}
}

// textOr returns the event's "value" text, or fallback when a handler removed
// it or replaced it with a non-string.
func textOr(ev *event.Event, fallback string) string {
	if v, ok := ev.Data["value"].(string); ok {
		return v
	}
	return fallback
}
