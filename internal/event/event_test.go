package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/palaver/internal/convo"
)

func TestNewNeverNilData(t *testing.T) {
	ev := New(UserSend, nil)
	require.NotNil(t, ev.Data)
	assert.False(t, ev.Stop)
	assert.Nil(t, ev.Turn)
}

func TestParseName(t *testing.T) {
	n, err := ParseName(" cmd.execute ")
	require.NoError(t, err)
	assert.Equal(t, CmdExecute, n)

	_, err = ParseName("cmd.unknown")
	assert.Error(t, err)
}

func TestNamesAreValidAndUnique(t *testing.T) {
	seen := map[Name]bool{}
	for _, n := range Names() {
		assert.True(t, n.Valid(), "name %q", n)
		assert.False(t, seen[n], "duplicate name %q", n)
		seen[n] = true
	}
	assert.Len(t, seen, 12)
}

func TestCloneDataIsDeep(t *testing.T) {
	orig := map[string]any{
		"value": true,
		"nested": map[string]any{
			"list": []any{"a", map[string]any{"b": 1}},
		},
		"tags": []string{"x"},
	}

	cloned := CloneData(orig)
	cloned["value"] = false
	cloned["nested"].(map[string]any)["list"].([]any)[1].(map[string]any)["b"] = 2
	cloned["tags"].([]string)[0] = "y"

	assert.Equal(t, true, orig["value"])
	assert.Equal(t, 1, orig["nested"].(map[string]any)["list"].([]any)[1].(map[string]any)["b"])
	assert.Equal(t, "x", orig["tags"].([]string)[0])
}

func TestAccessors(t *testing.T) {
	ev := New(AudioInputToggle, map[string]any{"value": true, "text": "hi"})
	assert.True(t, ev.Bool("value"))
	assert.False(t, ev.Bool("missing"))
	assert.Equal(t, "hi", ev.Text("text"))
	assert.Equal(t, "", ev.Text("value"))
}

func TestCommandsRoundTrip(t *testing.T) {
	cmds := []convo.Command{
		{Cmd: "sys_exec", Params: map[string]any{"command": "ls"}},
		{Cmd: "noop"},
	}
	ev := New(CmdExecute, map[string]any{"commands": CommandsData(cmds)})
	assert.Equal(t, cmds, ev.Commands())
}

func TestCommandsDecodesWireForm(t *testing.T) {
	ev := New(CmdExecute, map[string]any{"commands": []any{
		map[string]any{"cmd": "sys_exec", "params": map[string]any{"command": "pwd"}},
		map[string]any{"params": map[string]any{}},
		"garbage",
	}})

	got := ev.Commands()
	require.Len(t, got, 1)
	assert.Equal(t, "pwd", got[0].Params["command"])

	assert.Nil(t, New(CmdExecute, nil).Commands())
}
