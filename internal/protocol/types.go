// Package protocol defines the JSON envelopes exchanged with subprocess
// plugins over stdin/stdout.
package protocol

import (
	"time"

	"github.com/mattjoyce/palaver/internal/convo"
)

// Version is the only protocol version spoken by this build.
const Version = 1

// Request is written to a plugin's stdin, one per event delivery.
type Request struct {
	Protocol   int            `json:"protocol"`
	Plugin     string         `json:"plugin"`
	Event      Event          `json:"event"`
	Turn       *convo.Turn    `json:"turn,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	Async      bool           `json:"async"`
	DeadlineAt time.Time      `json:"deadline_at"`
}

// Event is the wire form of an event delivery.
type Event struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data"`
	Stop bool           `json:"stop"`
}

// Response is read from a plugin's stdout.
type Response struct {
	Status string `json:"status"` // ok | error
	Error  string `json:"error,omitempty"`

	// Data keys are shallow-merged into the event payload.
	Data map[string]any `json:"data,omitempty"`
	Stop bool           `json:"stop,omitempty"`

	// Results are appended to the turn; Reply and ExtraCtx mark it for
	// re-submission.
	Results  []map[string]any `json:"results,omitempty"`
	Reply    bool             `json:"reply,omitempty"`
	ExtraCtx string           `json:"extra_ctx,omitempty"`

	Logs []LogEntry `json:"logs,omitempty"`
}

// LogEntry represents a log message from a plugin.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}
