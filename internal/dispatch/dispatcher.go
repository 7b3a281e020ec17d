package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mattjoyce/palaver/internal/event"
	"github.com/mattjoyce/palaver/internal/log"
	"github.com/mattjoyce/palaver/internal/plugin"
)

// FailureFunc observes handler failures after the event has been restored.
type FailureFunc func(pluginID string, name event.Name, err error)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithFailureHook registers fn to be called for every failed apply.
func WithFailureHook(fn FailureFunc) Option {
	return func(d *Dispatcher) {
		d.onFailure = fn
	}
}

// WithLogger overrides the dispatcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// Dispatcher applies events to plugins looked up in a registry.
type Dispatcher struct {
	registry  *plugin.Registry
	logger    *slog.Logger
	onFailure FailureFunc
}

// New creates a Dispatcher over reg.
func New(reg *plugin.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		logger:   log.WithComponent("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the registry the dispatcher resolves plugin ids against.
func (d *Dispatcher) Registry() *plugin.Registry {
	return d.registry
}

// Apply invokes the handler registered under pluginID exactly once. Output is
// carried by mutations of ev. Unknown ids are logged and skipped.
func (d *Dispatcher) Apply(ctx context.Context, pluginID string, ev *event.Event, async bool) {
	h, ok := d.registry.Get(pluginID)
	if !ok {
		d.logger.Warn("plugin not registered", "plugin", pluginID, "event", ev.Name)
		return
	}

	ctx, span := tracer.Start(ctx, "dispatch.apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("plugin.id", pluginID),
		attribute.String("event.name", string(ev.Name)),
		attribute.Bool("dispatch.async", async),
	)

	snapshot := event.CloneData(ev.Data)
	stop := ev.Stop

	err := invoke(plugin.WithAsync(ctx, async), h, ev)
	if err == nil {
		return
	}

	restore(ev, snapshot, stop)

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	d.logger.Error("plugin handler failed",
		"plugin", pluginID,
		"event", ev.Name,
		"async", async,
		"error", err,
	)
	if d.onFailure != nil {
		d.onFailure(pluginID, ev.Name, err)
	}
}

// invoke calls h, converting a panic into an error.
func invoke(ctx context.Context, h plugin.Handler, ev *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h.Handle(ctx, ev)
}

// restore puts the payload back in place so holders of the map see it too.
func restore(ev *event.Event, snapshot map[string]any, stop bool) {
	ev.Stop = stop
	if snapshot == nil {
		ev.Data = nil
		return
	}
	if ev.Data == nil {
		ev.Data = make(map[string]any, len(snapshot))
	}
	clear(ev.Data)
	maps.Copy(ev.Data, snapshot)
}

// PanicError wraps a value recovered from a handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}
