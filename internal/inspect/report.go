// Package inspect renders the reply-loop lineage of a stored turn.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattjoyce/palaver/internal/command"
	"github.com/mattjoyce/palaver/internal/convo"
	"github.com/mattjoyce/palaver/internal/history"
)

// maxSteps bounds how many turns of a run are loaded.
const maxSteps = 1000

// Source reads stored turns and passes.
type Source interface {
	GetTurn(ctx context.Context, id string) (*convo.Turn, error)
	ListTurns(ctx context.Context, f history.TurnFilter) ([]*convo.Turn, error)
	ListPasses(ctx context.Context, turnID string, limit int) ([]*command.Pass, error)
}

// Report is the structured JSON representation of a lineage report.
type Report struct {
	TurnID   string `json:"turn_id"`
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id"`
	Hops     int    `json:"hops"`
	Steps    []Step `json:"steps"`
}

// Step is one turn in the reply chain.
type Step struct {
	Hop      int              `json:"hop"`
	TurnID   string           `json:"turn_id"`
	Input    string           `json:"input"`
	Output   string           `json:"output,omitempty"`
	Commands []convo.Command  `json:"commands,omitempty"`
	Results  []map[string]any `json:"results,omitempty"`
	Reply    bool             `json:"reply"`
	Internal bool             `json:"internal"`
	Passes   []PassSummary    `json:"passes"`
}

// PassSummary is the condensed view of a dispatch pass over a step.
type PassSummary struct {
	ID        string         `json:"id"`
	Event     string         `json:"event"`
	Async     bool           `json:"async"`
	Status    command.Status `json:"status"`
	Invoked   []string       `json:"invoked"`
	Aborted   command.Abort  `json:"aborted,omitempty"`
	AbortedAt string         `json:"aborted_at,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// BuildReport renders a terminal-friendly lineage report for a turn.
func BuildReport(ctx context.Context, src Source, turnID string) (string, error) {
	report, err := gatherReportData(ctx, src, turnID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Lineage Report\n")
	fmt.Fprintf(&out, "Turn ID     : %s\n", report.TurnID)
	fmt.Fprintf(&out, "Thread ID   : %s\n", renderUnset(report.ThreadID, "<none>"))
	fmt.Fprintf(&out, "Run ID      : %s\n", renderUnset(report.RunID, "<none>"))
	fmt.Fprintf(&out, "Hops        : %d\n", report.Hops)
	fmt.Fprintf(&out, "\n")

	for _, step := range report.Steps {
		marker := ""
		if step.TurnID == report.TurnID {
			marker = " *"
		}
		fmt.Fprintf(&out, "[%d] %s%s\n", step.Hop, step.TurnID, marker)
		fmt.Fprintf(&out, "    input      : %s\n", oneLine(step.Input))
		fmt.Fprintf(&out, "    output     : %s\n", renderUnset(oneLine(step.Output), "<empty>"))
		fmt.Fprintf(&out, "    reply      : %t\n", step.Reply)
		if step.Internal {
			fmt.Fprintf(&out, "    internal   : true\n")
		}

		if len(step.Commands) == 0 {
			fmt.Fprintf(&out, "    commands   : <none>\n")
		} else {
			fmt.Fprintf(&out, "    commands   :\n")
			for _, c := range step.Commands {
				fmt.Fprintf(&out, "      - %s %s\n", c.Cmd, compactJSON(c.Params))
			}
		}
		if len(step.Results) > 0 {
			fmt.Fprintf(&out, "    results    :\n")
			for _, line := range strings.Split(strings.TrimSpace(prettyJSON(step.Results)), "\n") {
				fmt.Fprintf(&out, "      %s\n", line)
			}
		}

		if len(step.Passes) == 0 {
			fmt.Fprintf(&out, "    passes     : <none>\n")
		} else {
			fmt.Fprintf(&out, "    passes     :\n")
			for _, p := range step.Passes {
				fmt.Fprintf(&out, "      - %s %s (%s) invoked=[%s]", p.Event, p.ID, p.Status, strings.Join(p.Invoked, ","))
				if p.Aborted != "" {
					fmt.Fprintf(&out, " aborted=%s", p.Aborted)
					if p.AbortedAt != "" {
						fmt.Fprintf(&out, "@%s", p.AbortedAt)
					}
				}
				if p.Error != "" {
					fmt.Fprintf(&out, " error=%q", p.Error)
				}
				fmt.Fprintf(&out, "\n")
			}
		}
		fmt.Fprintf(&out, "\n")
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON lineage report.
func BuildJSONReport(ctx context.Context, src Source, turnID string) (string, error) {
	report, err := gatherReportData(ctx, src, turnID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, src Source, turnID string) (*Report, error) {
	if strings.TrimSpace(turnID) == "" {
		return nil, fmt.Errorf("turn_id is required")
	}

	root, err := src.GetTurn(ctx, turnID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		TurnID:   root.ID,
		ThreadID: root.ThreadID,
		RunID:    root.RunID,
		Steps:    make([]Step, 0),
	}

	chain := []*convo.Turn{root}
	if root.RunID != "" {
		chain, err = src.ListTurns(ctx, history.TurnFilter{
			RunID:           root.RunID,
			IncludeInternal: true,
			Limit:           maxSteps,
		})
		if err != nil {
			return nil, fmt.Errorf("load run %s: %w", root.RunID, err)
		}
	}

	for _, t := range chain {
		passes, err := src.ListPasses(ctx, t.ID, 0)
		if err != nil {
			return nil, fmt.Errorf("load passes for turn %s: %w", t.ID, err)
		}
		step := Step{
			Hop:      t.Hops,
			TurnID:   t.ID,
			Input:    t.Input,
			Output:   t.Output,
			Commands: t.Commands,
			Results:  t.Results,
			Reply:    t.Reply,
			Internal: t.Internal,
			Passes:   make([]PassSummary, 0, len(passes)),
		}
		// Passes come back newest first; the report reads in run order.
		for i := len(passes) - 1; i >= 0; i-- {
			p := passes[i]
			step.Passes = append(step.Passes, PassSummary{
				ID:        p.ID,
				Event:     string(p.Event),
				Async:     p.Async,
				Status:    p.Status,
				Invoked:   p.Invoked,
				Aborted:   p.Aborted,
				AbortedAt: p.AbortedAt,
				Error:     p.Error,
			})
		}
		report.Steps = append(report.Steps, step)
		if t.Hops > report.Hops {
			report.Hops = t.Hops
		}
	}

	return report, nil
}

func prettyJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func compactJSON(v map[string]any) string {
	if len(v) == 0 {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
