package dispatch

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/palaver/internal/convo"
	"github.com/mattjoyce/palaver/internal/event"
	"github.com/mattjoyce/palaver/internal/log"
	"github.com/mattjoyce/palaver/internal/plugin"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type failure struct {
	plugin string
	name   event.Name
	err    error
}

func newDispatcher(t *testing.T, handlers map[string]plugin.HandlerFunc) (*Dispatcher, *[]failure) {
	t.Helper()
	reg := plugin.NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		if h, ok := handlers[id]; ok {
			require.NoError(t, reg.Register(id, h, true))
		}
	}
	var failures []failure
	d := New(reg, WithFailureHook(func(id string, name event.Name, err error) {
		failures = append(failures, failure{id, name, err})
	}))
	return d, &failures
}

func TestApplyMutatesEvent(t *testing.T) {
	d, failures := newDispatcher(t, map[string]plugin.HandlerFunc{
		"a": func(_ context.Context, ev *event.Event) error {
			ev.Data["seen"] = true
			ev.Turn.AddResult(map[string]any{"ok": true})
			ev.Stop = true
			return nil
		},
	})

	ev := event.New(event.CmdExecute, nil).WithTurn(convo.New("hi"))
	d.Apply(context.Background(), "a", ev, false)

	assert.Equal(t, true, ev.Data["seen"])
	assert.True(t, ev.Stop)
	assert.Len(t, ev.Turn.Results, 1)
	assert.Empty(t, *failures)
}

func TestApplyRestoresOnError(t *testing.T) {
	boom := errors.New("boom")
	d, failures := newDispatcher(t, map[string]plugin.HandlerFunc{
		"a": func(_ context.Context, ev *event.Event) error {
			ev.Data["value"] = "changed"
			ev.Data["extra"] = 1
			ev.Data["nested"].(map[string]any)["k"] = "changed"
			ev.Stop = true
			return boom
		},
	})

	data := map[string]any{"value": "orig", "nested": map[string]any{"k": "orig"}}
	ev := event.New(event.UserSend, data)
	d.Apply(context.Background(), "a", ev, false)

	assert.False(t, ev.Stop)
	assert.Equal(t, map[string]any{"value": "orig", "nested": map[string]any{"k": "orig"}}, ev.Data)
	// Restored in place: the caller's map reference sees the original values.
	assert.Equal(t, "orig", data["value"])

	require.Len(t, *failures, 1)
	assert.Equal(t, "a", (*failures)[0].plugin)
	assert.Equal(t, event.UserSend, (*failures)[0].name)
	assert.ErrorIs(t, (*failures)[0].err, boom)
}

func TestApplyRecoversPanic(t *testing.T) {
	d, failures := newDispatcher(t, map[string]plugin.HandlerFunc{
		"a": func(_ context.Context, ev *event.Event) error {
			ev.Data["value"] = "changed"
			ev.Stop = true
			panic("kaboom")
		},
	})

	ev := event.New(event.CtxAfter, map[string]any{"value": "orig"})
	require.NotPanics(t, func() {
		d.Apply(context.Background(), "a", ev, false)
	})

	assert.False(t, ev.Stop)
	assert.Equal(t, "orig", ev.Data["value"])
	require.Len(t, *failures, 1)

	var pe *PanicError
	require.ErrorAs(t, (*failures)[0].err, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
}

func TestApplyKeepsStopSetBeforeHandler(t *testing.T) {
	d, _ := newDispatcher(t, map[string]plugin.HandlerFunc{
		"a": func(_ context.Context, ev *event.Event) error {
			ev.Stop = false
			return errors.New("fail")
		},
	})

	ev := event.New(event.CmdExecute, nil)
	ev.Stop = true
	d.Apply(context.Background(), "a", ev, false)
	assert.True(t, ev.Stop)
}

func TestApplyUnknownPlugin(t *testing.T) {
	d, failures := newDispatcher(t, nil)

	ev := event.New(event.CmdExecute, map[string]any{"k": "v"})
	d.Apply(context.Background(), "missing", ev, false)

	assert.Equal(t, map[string]any{"k": "v"}, ev.Data)
	assert.Empty(t, *failures)
}

func TestApplyPropagatesAsyncFlag(t *testing.T) {
	var got []bool
	d, _ := newDispatcher(t, map[string]plugin.HandlerFunc{
		"a": func(ctx context.Context, _ *event.Event) error {
			got = append(got, plugin.IsAsync(ctx))
			return nil
		},
	})

	d.Apply(context.Background(), "a", event.New(event.CmdExecute, nil), false)
	d.Apply(context.Background(), "a", event.New(event.CmdExecute, nil), true)
	assert.Equal(t, []bool{false, true}, got)
}

func TestApplyInvokesExactlyOnce(t *testing.T) {
	calls := map[string]int{}
	count := func(id string) plugin.HandlerFunc {
		return func(context.Context, *event.Event) error {
			calls[id]++
			return nil
		}
	}
	d, _ := newDispatcher(t, map[string]plugin.HandlerFunc{"a": count("a"), "b": count("b")})

	d.Apply(context.Background(), "b", event.New(event.CtxEnd, nil), false)
	assert.Equal(t, map[string]int{"b": 1}, calls)
}
