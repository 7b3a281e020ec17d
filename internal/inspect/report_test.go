package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/palaver/internal/command"
	"github.com/mattjoyce/palaver/internal/convo"
	"github.com/mattjoyce/palaver/internal/event"
	"github.com/mattjoyce/palaver/internal/history"
	"github.com/mattjoyce/palaver/internal/storage"
)

func openStore(t *testing.T) *history.Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return history.New(db)
}

// seedRun stores a user turn that ran one command and the reply-loop turn that
// followed it.
func seedRun(t *testing.T, s *history.Store) (first, second *convo.Turn) {
	t.Helper()
	ctx := context.Background()

	first = convo.Continue("what is in /tmp?", nil)
	first.RunID = "run-1"
	first.Output = "let me look"
	first.Commands = []convo.Command{{Cmd: "sys_exec", Params: map[string]any{"command": "ls /tmp"}}}
	first.AddResult(map[string]any{"cmd": "sys_exec", "result": "a.txt"})
	first.Reply = true
	if err := s.SaveTurn(ctx, first); err != nil {
		t.Fatalf("SaveTurn(first): %v", err)
	}

	second = convo.Continue(`[{"cmd":"sys_exec","result":"a.txt"}]`, first)
	second.Output = "there is a.txt"
	second.Internal = true
	if err := s.SaveTurn(ctx, second); err != nil {
		t.Fatalf("SaveTurn(second): %v", err)
	}

	// A turn from a different run in the same thread must not show up.
	other := convo.Continue("unrelated", first)
	other.RunID = "run-2"
	other.Hops = 0
	if err := s.SaveTurn(ctx, other); err != nil {
		t.Fatalf("SaveTurn(other): %v", err)
	}

	now := time.Now().UTC()
	passes := []*command.Pass{
		{ID: "p1", Event: event.CmdSyntax, TurnID: first.ID, Invoked: []string{"cmd_syntax"},
			Status: command.StatusSucceeded, StartedAt: now, FinishedAt: now},
		{ID: "p2", Event: event.CmdExecute, TurnID: first.ID, Async: true, Invoked: []string{"cmd_sys_exec"},
			Status: command.StatusSucceeded, StartedAt: now.Add(time.Millisecond), FinishedAt: now.Add(2 * time.Millisecond)},
		{ID: "p3", Event: event.CtxEnd, TurnID: second.ID, Invoked: []string{}, Aborted: command.AbortStopped,
			AbortedAt: "audit", Status: command.StatusSucceeded, StartedAt: now.Add(3 * time.Millisecond), FinishedAt: now.Add(3 * time.Millisecond)},
	}
	for _, p := range passes {
		if err := s.RecordPass(ctx, p); err != nil {
			t.Fatalf("RecordPass(%s): %v", p.ID, err)
		}
	}
	return first, second
}

func TestBuildReportRendersRunLineage(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	first, second := seedRun(t, s)

	out, err := BuildReport(context.Background(), s, second.ID)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}

	checks := []string{
		"Lineage Report",
		"Turn ID     : " + second.ID,
		"Run ID      : run-1",
		"Hops        : 1",
		"[0] " + first.ID,
		"[1] " + second.ID + " *",
		`- sys_exec {"command":"ls /tmp"}`,
		"cmd.syntax p1 (succeeded) invoked=[cmd_syntax]",
		"cmd.execute p2 (succeeded) invoked=[cmd_sys_exec]",
		"aborted=stopped@audit",
		"internal   : true",
	}
	for _, want := range checks {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "unrelated") {
		t.Fatalf("report leaked a turn from another run:\n%s", out)
	}
	if strings.Index(out, "p1") > strings.Index(out, "p2") {
		t.Fatalf("passes not in run order:\n%s", out)
	}
}

func TestBuildJSONReport(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	first, _ := seedRun(t, s)

	raw, err := BuildJSONReport(context.Background(), s, first.ID)
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}

	var report Report
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.TurnID != first.ID || report.RunID != "run-1" {
		t.Fatalf("report header = %+v", report)
	}
	if len(report.Steps) != 2 {
		t.Fatalf("len(steps) = %d, want 2", len(report.Steps))
	}
	if got := len(report.Steps[0].Passes); got != 2 {
		t.Fatalf("first step passes = %d, want 2", got)
	}
	if report.Steps[1].Passes[0].Aborted != command.AbortStopped {
		t.Fatalf("second step abort = %q", report.Steps[1].Passes[0].Aborted)
	}
}

func TestBuildReportWithoutRun(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	turn := convo.New("hello")
	if err := s.SaveTurn(context.Background(), turn); err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}

	out, err := BuildReport(context.Background(), s, turn.ID)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	if !strings.Contains(out, "Run ID      : <none>") || !strings.Contains(out, "passes     : <none>") {
		t.Fatalf("unexpected report:\n%s", out)
	}
}

func TestBuildReportErrors(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	if _, err := BuildReport(context.Background(), s, "  "); err == nil {
		t.Fatal("expected error for empty turn id")
	}
	_, err := BuildReport(context.Background(), s, "missing")
	if !errors.Is(err, history.ErrTurnNotFound) {
		t.Fatalf("err = %v, want ErrTurnNotFound", err)
	}
}
