package syntax

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/palaver/internal/convo"
	"github.com/mattjoyce/palaver/internal/event"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantCmds []string
		wantRest string
	}{
		{
			name:     "no calls",
			text:     "just talking",
			wantRest: "just talking",
		},
		{
			name:     "single call",
			text:     `Let me look. ~###~{"cmd":"sys_exec","params":{"command":"ls"}}~###~`,
			wantCmds: []string{"sys_exec"},
			wantRest: "Let me look.",
		},
		{
			name:     "two calls across lines",
			text:     "~###~{\"cmd\":\"a\"}~###~\n~###~ {\n\"cmd\": \"b\"\n} ~###~",
			wantCmds: []string{"a", "b"},
			wantRest: "",
		},
		{
			name:     "invalid block kept",
			text:     `~###~not json~###~ ok`,
			wantRest: `~###~not json~###~ ok`,
		},
		{
			name:     "missing cmd kept",
			text:     `~###~{"params":{}}~###~`,
			wantRest: `~###~{"params":{}}~###~`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmds, rest := Parse(tt.text)
			var names []string
			for _, c := range cmds {
				names = append(names, c.Cmd)
			}
			assert.Equal(t, tt.wantCmds, names)
			assert.Equal(t, tt.wantRest, rest)
		})
	}
}

func TestFormatParses(t *testing.T) {
	c := convo.Command{Cmd: "sys_exec", Params: map[string]any{"command": "echo hi"}}
	cmds, rest := Parse(Format(c))
	require.Len(t, cmds, 1)
	assert.Equal(t, c, cmds[0])
	assert.Empty(t, rest)
}

func TestHandleCtxAfter(t *testing.T) {
	text := `Running. ~###~{"cmd":"sys_exec","params":{"command":"ls"}}~###~`

	t.Run("extracts and strips", func(t *testing.T) {
		turn := convo.New("hi")
		ev := event.New(event.CtxAfter, map[string]any{"value": text}).WithTurn(turn)
		require.NoError(t, New(true).Handle(context.Background(), ev))

		require.Len(t, turn.Commands, 1)
		assert.Equal(t, "ls", turn.Commands[0].Params["command"])
		assert.Equal(t, "Running.", ev.Text("value"))
	})

	t.Run("keeps text", func(t *testing.T) {
		turn := convo.New("hi")
		ev := event.New(event.CtxAfter, map[string]any{"value": text}).WithTurn(turn)
		require.NoError(t, New(false).Handle(context.Background(), ev))

		assert.Len(t, turn.Commands, 1)
		assert.Equal(t, text, ev.Text("value"))
	})

	t.Run("no turn", func(t *testing.T) {
		ev := event.New(event.CtxAfter, map[string]any{"value": text})
		assert.NoError(t, New(true).Handle(context.Background(), ev))
	})
}

func TestHandleCmdSyntax(t *testing.T) {
	ev := event.New(event.CmdSyntax, nil)
	require.NoError(t, New(true).Handle(context.Background(), ev))
	assert.Contains(t, ev.Text("instruction"), Marker)

	ev = event.New(event.CmdSyntax, map[string]any{"instruction": "custom"})
	require.NoError(t, New(true).Handle(context.Background(), ev))
	assert.Equal(t, "custom", ev.Text("instruction"))
}
