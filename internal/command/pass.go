package command

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mattjoyce/palaver/internal/event"
)

// Abort says why a pass ended before running out of plugins.
type Abort string

const (
	AbortNone      Abort = ""
	AbortStopped   Abort = "stopped"   // a handler set ev.Stop
	AbortLatch     Abort = "latch"     // the stop latch was set
	AbortCancelled Abort = "cancelled" // the pass context ended
	AbortTurnBusy  Abort = "turn_busy" // the turn is held by a background pass
)

// Status is the outcome of a pass.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// Pass summarises one iteration over the registry for a single event.
type Pass struct {
	ID      string     `json:"id"`
	Event   event.Name `json:"event"`
	TurnID  string     `json:"turn_id,omitempty"`
	Async   bool       `json:"async"`
	Only    bool       `json:"only,omitempty"`
	Invoked []string   `json:"invoked"`
	Aborted Abort      `json:"aborted,omitempty"`
	// AbortedAt is the plugin that would have run next when the pass aborted.
	AbortedAt  string    `json:"aborted_at,omitempty"`
	// Stopped is set on background passes that were running when a stop was
	// requested.
	Stopped    bool      `json:"stopped,omitempty"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func newPass(ev *event.Event, async bool) *Pass {
	p := &Pass{
		ID:        ulid.Make().String(),
		Event:     ev.Name,
		Async:     async,
		Invoked:   []string{},
		StartedAt: time.Now().UTC(),
	}
	if ev.Turn != nil {
		p.TurnID = ev.Turn.ID
	}
	return p
}

func (p *Pass) finish(status Status, err error) {
	p.Status = status
	if err != nil {
		p.Error = err.Error()
	}
	p.FinishedAt = time.Now().UTC()
}

// Duration is how long the pass took.
func (p *Pass) Duration() time.Duration {
	return p.FinishedAt.Sub(p.StartedAt)
}

// Result is delivered exactly once per background pass.
//
// For cancelled and timed_out results the worker may still be running when the
// result arrives, so Event and Pass are nil.
type Result struct {
	Event   *event.Event
	Pass    *Pass
	Status  Status
	Err     error
	// Stopped means a stop was requested while the pass ran. No reply is
	// submitted for it.
	Stopped bool
}
