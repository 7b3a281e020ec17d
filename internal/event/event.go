// Package event defines the messages delivered to plugins.
package event

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/palaver/internal/convo"
)

// Name identifies the kind of an event.
type Name string

const (
	// UserSend is dispatched when user input is submitted, before the model runs.
	UserSend Name = "user.send"
	// CmdExecute carries command calls requested by the model.
	CmdExecute Name = "cmd.execute"
	// CmdSyntax collects command descriptions for the system prompt.
	CmdSyntax Name = "cmd.syntax"
	// CtxBefore is dispatched with a fresh turn before the model is called.
	CtxBefore Name = "ctx.before"
	// CtxAfter is dispatched once the model reply is on the turn.
	CtxAfter Name = "ctx.after"
	// CtxEnd marks a finalized turn.
	CtxEnd Name = "ctx.end"
	// UIVision asks plugins whether vision input should be offered.
	UIVision Name = "ui.vision"
	// UIAttachments asks plugins whether attachments should be offered.
	UIAttachments Name = "ui.attachments"
	// ForceStop tells plugins to abandon in-flight work.
	ForceStop Name = "force.stop"
	// AudioInputToggle switches audio input on or off.
	AudioInputToggle Name = "audio.input.toggle"
	// AudioInputTranscribe delivers a transcription request to every plugin.
	AudioInputTranscribe Name = "audio.input.transcribe"
	// PluginShutdown is observed by every registered plugin on session close.
	PluginShutdown Name = "plugin.shutdown"
)

var names = []Name{
	UserSend,
	CmdExecute,
	CmdSyntax,
	CtxBefore,
	CtxAfter,
	CtxEnd,
	UIVision,
	UIAttachments,
	ForceStop,
	AudioInputToggle,
	AudioInputTranscribe,
	PluginShutdown,
}

// Names returns every known event name.
func Names() []Name {
	out := make([]Name, len(names))
	copy(out, names)
	return out
}

// Valid reports whether n is a known event name.
func (n Name) Valid() bool {
	for _, known := range names {
		if n == known {
			return true
		}
	}
	return false
}

// ParseName converts s to a known Name.
func ParseName(s string) (Name, error) {
	n := Name(strings.TrimSpace(s))
	if !n.Valid() {
		return "", fmt.Errorf("unknown event name %q", s)
	}
	return n, nil
}

// Event is one occurrence delivered to a sequence of plugins. Handlers mutate
// Data and Turn in place and may set Stop to end the pass.
type Event struct {
	Name Name
	Data map[string]any
	Turn *convo.Turn
	Stop bool
}

// New builds an event. A nil data map is replaced with an empty one.
func New(name Name, data map[string]any) *Event {
	if data == nil {
		data = make(map[string]any)
	}
	return &Event{Name: name, Data: data}
}

// WithTurn attaches a turn and returns the event.
func (e *Event) WithTurn(t *convo.Turn) *Event {
	e.Turn = t
	return e
}

// Bool reads a boolean payload value, reporting false when missing.
func (e *Event) Bool(key string) bool {
	v, _ := e.Data[key].(bool)
	return v
}

// Text reads a string payload value.
func (e *Event) Text(key string) string {
	v, _ := e.Data[key].(string)
	return v
}

// CloneData deep-copies nested maps and slices of a payload. Scalar values
// are shared.
func CloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return CloneData(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(tv))
		copy(out, tv)
		return out
	case []map[string]any:
		out := make([]map[string]any, len(tv))
		for i, item := range tv {
			out[i] = CloneData(item)
		}
		return out
	default:
		return v
	}
}

// CommandsData converts command calls to the payload form carried under the
// "commands" key of a cmd.execute event.
func CommandsData(cmds []convo.Command) []any {
	out := make([]any, 0, len(cmds))
	for _, c := range cmds {
		item := map[string]any{"cmd": c.Cmd}
		if c.Params != nil {
			item["params"] = c.Params
		}
		out = append(out, item)
	}
	return out
}

// Commands decodes the "commands" payload value. Malformed items are skipped.
func (e *Event) Commands() []convo.Command {
	switch v := e.Data["commands"].(type) {
	case []convo.Command:
		return v
	case []any:
		out := make([]convo.Command, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name, _ := m["cmd"].(string)
			if name == "" {
				continue
			}
			params, _ := m["params"].(map[string]any)
			out = append(out, convo.Command{Cmd: name, Params: params})
		}
		return out
	default:
		return nil
	}
}
