package tui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/palaver/internal/convo"
	"github.com/mattjoyce/palaver/internal/events"
)

type fakeBackend struct {
	chat    func(text string) (*convo.Turn, error)
	stopped int
}

func (f *fakeBackend) Chat(_ context.Context, text string) (*convo.Turn, error) {
	return f.chat(text)
}

func (f *fakeBackend) Stop(context.Context) error  { f.stopped++; return nil }
func (f *fakeBackend) Reset(context.Context) error { return nil }

func (f *fakeBackend) Subscribe(ctx context.Context, _ int64, _ chan<- events.Notice) error {
	<-ctx.Done()
	return ctx.Err()
}

func newTestModel(t *testing.T, b *fakeBackend) Model {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m := New(ctx, b)
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return next.(Model)
}

// collect runs cmd and flattens batches, skipping commands that block.
func collect(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	done := make(chan tea.Msg, 1)
	go func() { done <- cmd() }()
	var msg tea.Msg
	select {
	case msg = <-done:
	case <-time.After(200 * time.Millisecond):
		return nil
	}
	if batch, ok := msg.(tea.BatchMsg); ok {
		var out []tea.Msg
		for _, c := range batch {
			out = append(out, collect(c)...)
		}
		return out
	}
	return []tea.Msg{msg}
}

func typeText(m Model, s string) Model {
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)})
	return next.(Model)
}

func notice(t *testing.T, id int64, typ string, data any) noticeMsg {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return noticeMsg(events.Notice{ID: id, Type: typ, Data: raw})
}

func TestSendShowsReply(t *testing.T) {
	b := &fakeBackend{chat: func(text string) (*convo.Turn, error) {
		turn := convo.New(text)
		turn.Output = "hi there"
		return turn, nil
	}}
	m := typeText(newTestModel(t, b), "hello")

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	assert.True(t, m.waiting)
	assert.Empty(t, m.input.Value())

	var reply *replyMsg
	for _, msg := range collect(cmd) {
		if r, ok := msg.(replyMsg); ok {
			reply = &r
		}
	}
	require.NotNil(t, reply)

	next, _ = m.Update(*reply)
	m = next.(Model)
	assert.False(t, m.waiting)
	transcript := strings.Join(m.lines, "\n")
	assert.Contains(t, transcript, "hello")
	assert.Contains(t, transcript, "hi there")

	// The completion notice for the same turn is not shown twice.
	next, _ = m.Update(notice(t, 1, events.TurnCompleted, reply.turn))
	m = next.(Model)
	assert.Equal(t, 1, strings.Count(strings.Join(m.lines, "\n"), "hi there"))
}

func TestEnterIgnoredWhileWaiting(t *testing.T) {
	b := &fakeBackend{chat: func(string) (*convo.Turn, error) { return convo.New("x"), nil }}
	m := typeText(newTestModel(t, b), "one")
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = typeText(next.(Model), "two")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd)
}

func TestChatError(t *testing.T) {
	b := &fakeBackend{chat: func(string) (*convo.Turn, error) { return nil, errors.New("busy") }}
	m := typeText(newTestModel(t, b), "x")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)

	for _, msg := range collect(cmd) {
		if e, ok := msg.(errMsg); ok {
			next, _ = m.Update(e)
			m = next.(Model)
		}
	}
	assert.False(t, m.waiting)
	assert.Equal(t, "busy", m.lastError)
	assert.Contains(t, m.View(), "busy")
}

func TestBackgroundPassNotices(t *testing.T) {
	m := newTestModel(t, &fakeBackend{})

	next, _ := m.Update(notice(t, 1, events.PassStarted, map[string]any{"pass_id": "p", "event": "cmd.execute"}))
	m = next.(Model)
	assert.Equal(t, 1, m.running)
	assert.Contains(t, m.View(), "command pass running")

	next, _ = m.Update(notice(t, 2, events.PassFinished, map[string]any{
		"pass_id": "p", "event": "cmd.execute", "status": "timed_out", "error": "deadline exceeded",
	}))
	m = next.(Model)
	assert.Equal(t, 0, m.running)
	assert.Equal(t, int64(2), m.lastID)
	assert.Contains(t, strings.Join(m.lines, "\n"), "timed_out")

	follow := convo.New(`[{"result":"ok"}]`)
	follow.Internal = true
	follow.Output = "the command printed ok"
	next, _ = m.Update(notice(t, 3, events.TurnCompleted, follow))
	m = next.(Model)
	transcript := strings.Join(m.lines, "\n")
	assert.Contains(t, transcript, `[{"result":"ok"}]`)
	assert.Contains(t, transcript, "the command printed ok")
}

func TestEscStops(t *testing.T) {
	b := &fakeBackend{}
	m := newTestModel(t, b)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	msgs := collect(cmd)
	require.Len(t, msgs, 1)
	assert.Equal(t, ackMsg("stop sent"), msgs[0])
	assert.Equal(t, 1, b.stopped)
}

func TestClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var req struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Text == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"chat: empty input"}`))
			return
		}
		turn := convo.New(req.Text)
		turn.Output = "ok"
		_ = json.NewEncoder(w).Encode(map[string]any{"turn": turn})
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "4", r.Header.Get("Last-Event-ID"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("id: 5\nevent: turn.completed\ndata: {\"id\":\"t\"}\n\n: keep-alive\n\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL+"/", "k")
	ctx := context.Background()

	turn, err := c.Chat(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, "ok", turn.Output)

	_, err = c.Chat(ctx, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty input")

	ch := make(chan events.Notice, 4)
	err = c.Subscribe(ctx, 4, ch)
	require.Error(t, err, "stream end is reported")
	require.Len(t, ch, 1)
	n := <-ch
	assert.Equal(t, int64(5), n.ID)
	assert.Equal(t, events.TurnCompleted, n.Type)
	assert.JSONEq(t, `{"id":"t"}`, string(n.Data))
}

func TestWrapTranscript(t *testing.T) {
	got := wrapTranscript("assistant: the quick brown fox "+strings.Repeat("x", 25), 10)
	for _, line := range strings.Split(got, "\n") {
		assert.LessOrEqual(t, len(line), 10, "line %q", line)
	}
	assert.Contains(t, got, "quick")

	assert.Equal(t, "unchanged", wrapTranscript("unchanged", 0))
}
