// Package convo models one exchange turn of a conversation as it flows
// through plugin dispatch.
package convo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
)

// Command is one command call requested by the model.
type Command struct {
	Cmd    string         `json:"cmd"`
	Params map[string]any `json:"params,omitempty"`
}

// Turn is the mutable record of a single exchange. Plugins read and write it
// during a dispatch pass; only one pass may hold a turn at a time.
type Turn struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id,omitempty"`
	RunID    string `json:"run_id,omitempty"`

	Input  string `json:"input"`
	Output string `json:"output,omitempty"`

	Commands []Command        `json:"commands,omitempty"`
	Results  []map[string]any `json:"results,omitempty"`

	// Reply marks the turn's results for re-submission as the next input.
	Reply bool `json:"reply,omitempty"`
	// Internal turns are kept out of user-visible history.
	Internal bool `json:"internal,omitempty"`
	// ExtraCtx, when set, is submitted verbatim instead of the JSON results.
	ExtraCtx string `json:"extra_ctx,omitempty"`
	// Hops counts reply-loop submissions that led to this turn.
	Hops int `json:"hops"`

	CreatedAt time.Time `json:"created_at"`
}

// New starts a turn for the given input.
func New(input string) *Turn {
	return &Turn{
		ID:        uuid.NewString(),
		Input:     input,
		CreatedAt: time.Now().UTC(),
	}
}

// Continue starts a turn that follows prev in the same thread. A nil prev
// yields a fresh thread.
func Continue(input string, prev *Turn) *Turn {
	t := New(input)
	if prev == nil {
		t.ThreadID = uuid.NewString()
		return t
	}
	t.ThreadID = prev.ThreadID
	t.RunID = prev.RunID
	t.Hops = prev.Hops + 1
	if t.ThreadID == "" {
		t.ThreadID = uuid.NewString()
	}
	return t
}

// AddResult appends a command result.
func (t *Turn) AddResult(result map[string]any) {
	t.Results = append(t.Results, result)
}

// ReplyWith marks the turn for re-submission, optionally overriding the
// submitted content.
func (t *Turn) ReplyWith(extra string) {
	t.Reply = true
	if extra != "" {
		t.ExtraCtx = extra
	}
}

// ReplyData is what the reply loop submits: ExtraCtx verbatim when set,
// otherwise the JSON encoding of Results.
func (t *Turn) ReplyData() (string, error) {
	if t.ExtraCtx != "" {
		return t.ExtraCtx, nil
	}
	results := t.Results
	if results == nil {
		results = []map[string]any{}
	}
	b, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("encode turn results: %w", err)
	}
	return string(b), nil
}

// AsPrevious returns a deep copy of the turn for use as the previous turn of
// a follow-up submission.
func (t *Turn) AsPrevious() (*Turn, error) {
	prev := &Turn{}
	if err := copier.CopyWithOption(prev, t, copier.Option{DeepCopy: true}); err != nil {
		return nil, fmt.Errorf("copy turn %s: %w", t.ID, err)
	}
	// time.Time has no exported fields to copy.
	prev.CreatedAt = t.CreatedAt
	return prev, nil
}

func (t *Turn) String() string {
	return fmt.Sprintf("turn(id=%s thread=%s hops=%d reply=%t internal=%t results=%d)",
		t.ID, t.ThreadID, t.Hops, t.Reply, t.Internal, len(t.Results))
}
