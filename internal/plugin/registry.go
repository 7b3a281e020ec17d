// Package plugin holds the ordered plugin registry and the handler types
// plugins implement.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mattjoyce/palaver/internal/event"
)

var (
	ErrDuplicate = errors.New("plugin already registered")
	ErrNotFound  = errors.New("plugin not found")
)

// Handler reacts to events. It may mutate ev.Data and ev.Turn and may set
// ev.Stop to end the current pass.
type Handler interface {
	Handle(ctx context.Context, ev *event.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev *event.Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev *event.Event) error {
	return f(ctx, ev)
}

// Describer is implemented by handlers that can describe themselves.
type Describer interface {
	Description() string
}

// Entry is a snapshot of one registration.
type Entry struct {
	ID          string
	Enabled     bool
	Description string
	Handler     Handler
}

type entry struct {
	id      string
	handler Handler
	enabled bool
}

// Registry maps plugin ids to handlers. Registration order is dispatch order;
// toggling the enabled flag never reorders entries.
type Registry struct {
	mu      sync.RWMutex
	entries []*entry
	index   map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]*entry)}
}

// Register appends a plugin.
func (r *Registry) Register(id string, h Handler, enabled bool) error {
	if id == "" {
		return fmt.Errorf("plugin id is empty")
	}
	if h == nil {
		return fmt.Errorf("plugin %q: handler is nil", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.index[id]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicate, id)
	}
	e := &entry{id: id, handler: h, enabled: enabled}
	r.entries = append(r.entries, e)
	r.index[id] = e
	return nil
}

// IDs returns registered ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.id
	}
	return out
}

// Get returns the handler registered under id.
func (r *Registry) Get(id string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.index[id]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// IsEnabled reports whether id is registered and enabled.
func (r *Registry) IsEnabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.index[id]
	return ok && e.enabled
}

// SetEnabled flips the enabled flag of a registered plugin.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.index[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	e.enabled = enabled
	return nil
}

// Entries returns a snapshot of all registrations in order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		item := Entry{ID: e.id, Enabled: e.enabled, Handler: e.handler}
		if d, ok := e.handler.(Describer); ok {
			item.Description = d.Description()
		}
		out = append(out, item)
	}
	return out
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
