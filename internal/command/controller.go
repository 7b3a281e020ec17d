// Package command runs dispatch passes over the plugin registry, on the
// caller's goroutine or in the background, and feeds command results back
// into the conversation.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mattjoyce/palaver/internal/dispatch"
	"github.com/mattjoyce/palaver/internal/event"
	"github.com/mattjoyce/palaver/internal/events"
	"github.com/mattjoyce/palaver/internal/log"
	"github.com/mattjoyce/palaver/internal/plugin"
)

var (
	// ErrBusy is returned when every background pass slot is taken.
	ErrBusy = errors.New("command: background dispatch busy")
	// ErrTurnBusy is returned when the event's turn is held by another pass.
	ErrTurnBusy = errors.New("command: turn held by another pass")
	// ErrReplyLimit is returned when the reply loop hit its hop bound.
	ErrReplyLimit = errors.New("command: reply hop limit reached")
)

const (
	DefaultMaxAsyncPasses = 1
	DefaultAsyncTimeout   = 5 * time.Minute
	DefaultMaxReplyHops   = 8
)

// Options bound background passes and the reply loop. Zero values take the
// defaults.
type Options struct {
	MaxAsyncPasses int
	AsyncTimeout   time.Duration
	MaxReplyHops   int
}

func (o Options) withDefaults() Options {
	if o.MaxAsyncPasses <= 0 {
		o.MaxAsyncPasses = DefaultMaxAsyncPasses
	}
	if o.AsyncTimeout <= 0 {
		o.AsyncTimeout = DefaultAsyncTimeout
	}
	if o.MaxReplyHops <= 0 {
		o.MaxReplyHops = DefaultMaxReplyHops
	}
	return o
}

// Option configures a Controller.
type Option func(*Controller)

// WithSubmitter sets the pipeline used by the reply loop.
func WithSubmitter(s Submitter) Option {
	return func(c *Controller) { c.submitter = s }
}

// WithPublisher sets where pass lifecycle notices go.
func WithPublisher(p events.Publisher) Option {
	return func(c *Controller) {
		if p != nil {
			c.publisher = p
		}
	}
}

// WithRecorder persists every finished pass.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// Controller iterates the registry for events. It owns the stop latch and
// the background pass slots.
type Controller struct {
	dispatcher *dispatch.Dispatcher
	registry   *plugin.Registry
	opts       Options

	submitter Submitter
	publisher events.Publisher
	recorder  Recorder
	logger    *slog.Logger

	stopping atomic.Bool
	slots    chan struct{}

	mu   sync.Mutex
	held map[string]struct{} // turn ids held by background passes

	// active maps running background pass ids to whether a stop arrived
	// while they ran.
	active map[string]bool

	wg sync.WaitGroup
}

// New creates a Controller dispatching through d.
func New(d *dispatch.Dispatcher, opts Options, options ...Option) *Controller {
	opts = opts.withDefaults()
	c := &Controller{
		dispatcher: d,
		registry:   d.Registry(),
		opts:       opts,
		publisher:  events.Discard,
		logger:     log.WithComponent("command"),
		slots:      make(chan struct{}, opts.MaxAsyncPasses),
		held:       make(map[string]struct{}),
		active:     make(map[string]bool),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// SetSubmitter wires the reply loop after construction, for pipelines that
// themselves need the controller.
func (c *Controller) SetSubmitter(s Submitter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitter = s
}

// RequestStop sets the stop latch. The next cmd.execute pass to reach a plugin
// boundary aborts and clears it. Background passes running at the time are
// marked stopped: their results are not replied to, and the latch is cleared
// when the last of them returns if no boundary consumed it.
func (c *Controller) RequestStop() {
	c.mu.Lock()
	for id := range c.active {
		c.active[id] = true
	}
	c.stopping.Store(true)
	c.mu.Unlock()
	c.publisher.Publish(events.StopRequested, nil)
}

// Stopping reports whether the stop latch is set.
func (c *Controller) Stopping() bool {
	return c.stopping.Load()
}

// Dispatch delivers ev to the enabled plugins in registration order, or to
// every registered plugin when all is set. The pass ends at the first plugin
// boundary where ev.Stop is set, the latch is set for a cmd.execute event, or
// ctx is done.
func (c *Controller) Dispatch(ctx context.Context, ev *event.Event, all bool) *Pass {
	p := newPass(ev, false)
	if ev.Turn != nil && c.isHeld(ev.Turn.ID) {
		p.Aborted = AbortTurnBusy
		p.finish(StatusSucceeded, ErrTurnBusy)
		c.logger.Warn("turn held by a background pass, event not dispatched",
			"event", ev.Name, "turn_id", ev.Turn.ID)
		c.record(ctx, p)
		return p
	}

	ctx, span := tracer.Start(ctx, "command.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("event.name", string(ev.Name)), attribute.Bool("dispatch.all", all))

	c.run(ctx, ev, p, all)
	p.finish(StatusSucceeded, nil)
	span.SetAttributes(attribute.StringSlice("dispatch.invoked", p.Invoked))
	c.record(ctx, p)
	return p
}

// DispatchOnly delivers ev to every registered plugin, ignoring enabled
// state, ev.Stop and the latch.
func (c *Controller) DispatchOnly(ctx context.Context, ev *event.Event) *Pass {
	ctx, span := tracer.Start(ctx, "command.dispatch_only")
	defer span.End()
	span.SetAttributes(attribute.String("event.name", string(ev.Name)))

	p := newPass(ev, false)
	p.Only = true
	for _, id := range c.registry.IDs() {
		c.dispatcher.Apply(ctx, id, ev, false)
		p.Invoked = append(p.Invoked, id)
	}
	p.finish(StatusSucceeded, nil)
	c.record(ctx, p)
	return p
}

// run is the pass loop shared by the synchronous and background paths.
func (c *Controller) run(ctx context.Context, ev *event.Event, p *Pass, all bool) {
	logger := c.logger.With("pass_id", p.ID, "event", ev.Name)
	logger.Debug("dispatch pass begin", "async", p.Async, "all", all)

	for _, id := range c.registry.IDs() {
		if !all && !c.registry.IsEnabled(id) {
			continue
		}
		if reason := c.abortReason(ctx, ev); reason != AbortNone {
			p.Aborted = reason
			p.AbortedAt = id
			logger.Debug("dispatch pass aborted", "reason", reason, "before", id)
			return
		}
		logger.Debug("apply event to plugin", "plugin", id)
		c.dispatcher.Apply(ctx, id, ev, p.Async)
		p.Invoked = append(p.Invoked, id)
	}
}

func (c *Controller) abortReason(ctx context.Context, ev *event.Event) Abort {
	if ev.Stop {
		return AbortStopped
	}
	if ev.Name == event.CmdExecute && c.stopping.CompareAndSwap(true, false) {
		return AbortLatch
	}
	if ctx.Err() != nil {
		return AbortCancelled
	}
	return AbortNone
}

// DispatchAsync runs the enabled-plugin pass for ev on a background goroutine.
// Exactly one Result is delivered on the returned channel. Requests beyond
// the configured number of concurrent passes fail with ErrBusy, and a turn
// that is already held fails with ErrTurnBusy. The slot and the turn are
// released only once the worker goroutine returns, even if a timed_out or
// cancelled result was delivered earlier.
func (c *Controller) DispatchAsync(ctx context.Context, ev *event.Event) (<-chan Result, error) {
	turnID := ""
	if ev.Turn != nil {
		turnID = ev.Turn.ID
		if !c.hold(turnID) {
			return nil, ErrTurnBusy
		}
	}
	release := func() {
		if ev.Turn != nil {
			c.unhold(turnID)
		}
	}
	select {
	case c.slots <- struct{}{}:
	default:
		release()
		return nil, ErrBusy
	}

	p := newPass(ev, true)
	c.mu.Lock()
	c.active[p.ID] = false
	c.mu.Unlock()
	runCtx, cancel := context.WithTimeout(ctx, c.opts.AsyncTimeout)

	out := make(chan Result, 1)
	var once sync.Once
	deliver := func(r Result) {
		once.Do(func() {
			data := map[string]any{"pass_id": p.ID, "event": ev.Name, "turn_id": turnID, "status": r.Status}
			if r.Err != nil {
				data["error"] = r.Err.Error()
			}
			c.publisher.Publish(events.PassFinished, data)
			out <- r
			close(out)
		})
	}

	c.publisher.Publish(events.PassStarted, map[string]any{
		"pass_id": p.ID, "event": ev.Name, "turn_id": turnID,
	})

	finished := make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		err := c.work(runCtx, ev, p)
		cause := runCtx.Err()
		close(finished)
		cancel()

		status := StatusSucceeded
		switch {
		case err != nil:
			status = StatusFailed
		case cause != nil:
			status, err = interrupted(cause)
		}
		p.Stopped = c.deactivate(p.ID)
		p.finish(status, err)
		c.record(context.WithoutCancel(ctx), p)

		release()
		<-c.slots

		deliver(Result{Event: ev, Pass: p, Status: status, Err: err, Stopped: p.Stopped})
	}()

	go func() {
		select {
		case <-finished:
			return
		case <-runCtx.Done():
		}
		select {
		case <-finished:
			// Done fired because the worker cancelled on its way out.
			return
		default:
		}
		status, err := interrupted(runCtx.Err())
		c.logger.Warn("background pass interrupted", "pass_id", p.ID, "event", ev.Name, "status", status)
		deliver(Result{Status: status, Err: err})
	}()

	return out, nil
}

func interrupted(cause error) (Status, error) {
	if errors.Is(cause, context.DeadlineExceeded) {
		return StatusTimedOut, fmt.Errorf("background pass timed out: %w", cause)
	}
	return StatusCancelled, fmt.Errorf("background pass cancelled: %w", cause)
}

// work runs a background pass, turning a panic into an error.
func (c *Controller) work(ctx context.Context, ev *event.Event, p *Pass) (err error) {
	ctx, span := tracer.Start(ctx, "command.dispatch_async")
	defer span.End()
	span.SetAttributes(attribute.String("event.name", string(ev.Name)), attribute.String("pass.id", p.ID))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("background pass panic: %v", r)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.Error("background pass failed", "pass_id", p.ID, "event", ev.Name, "error", err)
		}
	}()

	c.run(ctx, ev, p, false)
	return nil
}

// OnFinished handles a background pass result on the session goroutine. When
// the turn asks for a reply, its results (or ExtraCtx, verbatim) are
// submitted as the next turn.
func (c *Controller) OnFinished(ctx context.Context, res Result) error {
	if res.Status != StatusSucceeded {
		err := res.Err
		if err == nil {
			err = fmt.Errorf("background pass %s", res.Status)
		}
		c.logger.Warn("background pass did not succeed", "status", res.Status, "error", err)
		return err
	}
	if res.Event == nil || res.Event.Turn == nil || !res.Event.Turn.Reply {
		return nil
	}

	turn := res.Event.Turn
	logger := c.logger.With("turn_id", turn.ID)
	if res.Stopped {
		logger.Info("reply skipped, stop requested during the pass")
		return nil
	}
	if turn.Hops >= c.opts.MaxReplyHops {
		logger.Warn("reply loop stopped", "hops", turn.Hops, "max", c.opts.MaxReplyHops)
		return fmt.Errorf("turn %s after %d hops: %w", turn.ID, turn.Hops, ErrReplyLimit)
	}

	data, err := turn.ReplyData()
	if err != nil {
		return err
	}
	prev, err := turn.AsPrevious()
	if err != nil {
		return err
	}

	c.mu.Lock()
	submitter := c.submitter
	c.mu.Unlock()
	if submitter == nil {
		return fmt.Errorf("reply for turn %s: no submitter configured", turn.ID)
	}

	logger.Info("replying with command results", "hops", turn.Hops, "bytes", len(data))
	if err := submitter.Submit(ctx, Submission{
		Text:     data,
		Force:    true,
		Internal: turn.Internal,
		Prev:     prev,
	}); err != nil {
		return fmt.Errorf("submit reply for turn %s: %w", turn.ID, err)
	}
	return nil
}

// Wait blocks until every background worker has returned or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deactivate removes a finished background pass and reports whether a stop
// arrived while it ran. The latch is cleared once no stopped pass remains.
func (c *Controller) deactivate(passID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	stopped := c.active[passID]
	delete(c.active, passID)
	if !stopped {
		return false
	}
	for _, s := range c.active {
		if s {
			return true
		}
	}
	c.stopping.Store(false)
	return true
}

func (c *Controller) hold(turnID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.held[turnID]; ok {
		return false
	}
	c.held[turnID] = struct{}{}
	return true
}

func (c *Controller) unhold(turnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.held, turnID)
}

func (c *Controller) isHeld(turnID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.held[turnID]
	return ok
}

func (c *Controller) record(ctx context.Context, p *Pass) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordPass(ctx, p); err != nil {
		c.logger.Warn("failed to record pass", "pass_id", p.ID, "error", err)
	}
}
