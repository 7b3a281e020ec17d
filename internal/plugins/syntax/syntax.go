// Package syntax is the built-in plugin that teaches the model how to call
// commands and pulls those calls back out of its replies.
//
// A call is a JSON object between two ~###~ markers:
//
//	~###~{"cmd": "sys_exec", "params": {"command": "ls"}}~###~
package syntax

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/mattjoyce/palaver/internal/convo"
	"github.com/mattjoyce/palaver/internal/event"
	"github.com/mattjoyce/palaver/internal/log"
)

const ID = "cmd_syntax"

// Marker delimits a command call in model output.
const Marker = "~###~"

const instruction = "You can run commands. To call one, reply with a JSON object " +
	`{"cmd": "<name>", "params": {...}} wrapped between ` + Marker + " markers, " +
	"one object per call. Command results are sent back to you as the next message. " +
	"Available commands:"

var callPattern = regexp.MustCompile(`(?s)` + regexp.QuoteMeta(Marker) + `(.*?)` + regexp.QuoteMeta(Marker))

type Plugin struct {
	// Strip removes call blocks from the reply text shown to the user.
	Strip  bool
	logger *slog.Logger
}

func New(strip bool) *Plugin {
	return &Plugin{Strip: strip, logger: log.WithPlugin(ID)}
}

func (p *Plugin) Description() string {
	return "Describes command syntax to the model and extracts command calls from replies"
}

func (p *Plugin) Handle(_ context.Context, ev *event.Event) error {
	switch ev.Name {
	case event.CmdSyntax:
		if _, ok := ev.Data["instruction"]; !ok {
			ev.Data["instruction"] = instruction
		}
	case event.CtxAfter:
		if ev.Turn == nil {
			return nil
		}
		text := ev.Text("value")
		cmds, rest := Parse(text)
		if len(cmds) == 0 {
			return nil
		}
		ev.Turn.Commands = append(ev.Turn.Commands, cmds...)
		p.logger.Debug("extracted command calls", "turn_id", ev.Turn.ID, "count", len(cmds))
		if p.Strip {
			ev.Data["value"] = rest
		}
	}
	return nil
}

// Parse extracts the command calls in text and returns them along with text
// with the call blocks removed. Blocks that are not valid calls are left in
// place.
func Parse(text string) ([]convo.Command, string) {
	var cmds []convo.Command
	rest := callPattern.ReplaceAllStringFunc(text, func(block string) string {
		body := strings.TrimSpace(block[len(Marker) : len(block)-len(Marker)])
		var c convo.Command
		if err := json.Unmarshal([]byte(body), &c); err != nil || c.Cmd == "" {
			return block
		}
		cmds = append(cmds, c)
		return ""
	})
	return cmds, strings.TrimSpace(rest)
}

// Format renders a command call the way Parse reads it.
func Format(c convo.Command) string {
	b, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return Marker + string(b) + Marker
}
