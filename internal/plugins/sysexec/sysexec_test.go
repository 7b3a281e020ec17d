package sysexec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/palaver/internal/convo"
	"github.com/mattjoyce/palaver/internal/event"
)

func execEvent(cmds ...convo.Command) *event.Event {
	return event.New(event.CmdExecute, map[string]any{
		"commands": event.CommandsData(cmds),
	}).WithTurn(convo.New("run"))
}

func sysExec(command string) convo.Command {
	return convo.Command{Cmd: Command, Params: map[string]any{"command": command}}
}

func TestExecuteCollectsResults(t *testing.T) {
	p := New(Config{})
	ev := execEvent(sysExec("echo hello"), convo.Command{Cmd: "other"}, sysExec("echo oops >&2"))

	require.NoError(t, p.Handle(context.Background(), ev))

	require.Len(t, ev.Turn.Results, 2)
	assert.Equal(t, map[string]any{
		"request": map[string]any{"cmd": Command},
		"result":  "hello\n",
	}, ev.Turn.Results[0])
	assert.Equal(t, "oops\n", ev.Turn.Results[1]["result"])
	assert.True(t, ev.Turn.Reply)
	assert.Empty(t, ev.Turn.ExtraCtx)
}

func TestExecuteReportsErrorsAsResults(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		command convo.Command
		want    string
	}{
		{"missing command", Config{}, convo.Command{Cmd: Command}, "Error: missing command parameter"},
		{"empty output", Config{}, sysExec("true"), emptyResult},
		{"timeout", Config{Timeout: 100 * time.Millisecond}, sysExec("sleep 10"), "Error: command timed out after 100ms"},
		{"bad shell", Config{Shell: "/nonexistent/shell"}, sysExec("ls"), "Error: "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := execEvent(tt.command)
			require.NoError(t, New(tt.cfg).Handle(context.Background(), ev))
			require.Len(t, ev.Turn.Results, 1)
			assert.Contains(t, ev.Turn.Results[0]["result"], tt.want)
		})
	}
}

func TestExecuteIgnoresOtherCommands(t *testing.T) {
	ev := execEvent(convo.Command{Cmd: "web_search"})
	require.NoError(t, New(Config{}).Handle(context.Background(), ev))
	assert.Empty(t, ev.Turn.Results)
	assert.False(t, ev.Turn.Reply)
}

func TestOutputTruncated(t *testing.T) {
	ev := execEvent(sysExec("printf 'abcdefghij'"))
	require.NoError(t, New(Config{MaxOutput: 4}).Handle(context.Background(), ev))
	assert.Equal(t, "abcd", ev.Turn.Results[0]["result"])
}

func TestForceStopCancelsRunningCommand(t *testing.T) {
	p := New(Config{})
	ev := execEvent(sysExec("sleep 10"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Handle(context.Background(), ev)
	}()

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.running) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Handle(context.Background(), event.New(event.ForceStop, nil)))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("command not cancelled")
	}
	assert.Equal(t, "Error: command cancelled", ev.Turn.Results[0]["result"])
}

func TestCmdSyntaxAppends(t *testing.T) {
	ev := event.New(event.CmdSyntax, map[string]any{"syntax": []any{"existing"}})
	require.NoError(t, New(Config{}).Handle(context.Background(), ev))

	syntax := ev.Data["syntax"].([]any)
	require.Len(t, syntax, 2)
	assert.Equal(t, Command, syntax[1].(map[string]any)["cmd"])
}

func TestConfigFromMap(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{"shell": "/bin/bash", "workdir": "/tmp", "max_output": 10}, time.Second)
	assert.Equal(t, Config{Shell: "/bin/bash", Workdir: "/tmp", Timeout: time.Second, MaxOutput: 10}, cfg)
}
