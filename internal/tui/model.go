// Package tui is the terminal chat client. It talks to a running palaver
// API and follows background command passes over the events stream.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
	"github.com/muesli/reflow/wrap"

	"github.com/mattjoyce/palaver/internal/command"
	"github.com/mattjoyce/palaver/internal/convo"
	"github.com/mattjoyce/palaver/internal/events"
)

// Backend is the part of the API the client uses.
type Backend interface {
	Chat(ctx context.Context, text string) (*convo.Turn, error)
	Stop(ctx context.Context) error
	Reset(ctx context.Context) error
	Subscribe(ctx context.Context, lastID int64, ch chan<- events.Notice) error
}

const maxToolPreview = 400

// --- Message types ---

type replyMsg struct{ turn *convo.Turn }

type noticeMsg events.Notice

type errMsg struct{ err error }

type ackMsg string

type disconnectedMsg struct{ err error }

type reconnectMsg struct{}

// passNotice is the payload of pass.started and pass.finished.
type passNotice struct {
	PassID string         `json:"pass_id"`
	Event  string         `json:"event"`
	TurnID string         `json:"turn_id"`
	Status command.Status `json:"status"`
	Error  string         `json:"error"`
}

// Model is the BubbleTea model for the chat client.
type Model struct {
	ctx     context.Context
	backend Backend

	input textinput.Model
	view  viewport.Model
	spin  spinner.Model
	theme Theme

	width  int
	height int

	lines   []string
	seen    map[string]bool
	waiting bool
	running int

	notices   chan events.Notice
	lastID    int64
	connected bool
	lastError string
}

// New creates a chat client model. ctx bounds every request it makes.
func New(ctx context.Context, backend Backend) Model {
	in := textinput.New()
	in.Placeholder = "Say something..."
	in.Prompt = "> "
	in.CharLimit = 4000
	in.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Model{
		ctx:     ctx,
		backend: backend,
		input:   in,
		view:    viewport.New(80, 20),
		spin:    sp,
		theme:   NewDefaultTheme(),
		seen:    make(map[string]bool),
		notices: make(chan events.Notice, 64),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.subscribe(),
		m.receiveNotice(),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text == "" || m.waiting {
				return m, nil
			}
			m.input.Reset()
			m.waiting = true
			m.lastError = ""
			m.appendLine(m.theme.User.Render("you: ") + text)
			return m, tea.Batch(m.send(text), m.spin.Tick)
		case tea.KeyEsc:
			return m, m.call("stop", m.backend.Stop)
		case tea.KeyCtrlR:
			return m, m.call("reset", m.backend.Reset)
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.view, cmd = m.view.Update(msg)
			return m, cmd
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.view.Width = max(msg.Width-6, 10)
		m.view.Height = max(msg.Height-8, 3)
		m.input.Width = max(msg.Width-8, 10)
		m.refresh()
		return m, nil

	case replyMsg:
		m.waiting = false
		m.addTurn(msg.turn)
		return m, nil

	case errMsg:
		m.waiting = false
		m.lastError = msg.err.Error()
		return m, nil

	case ackMsg:
		m.appendLine(m.theme.Notice.Render("· " + string(msg)))
		return m, nil

	case noticeMsg:
		m.connected = true
		m.handleNotice(events.Notice(msg))
		cmds := []tea.Cmd{m.receiveNotice()}
		if m.running > 0 {
			cmds = append(cmds, m.spin.Tick)
		}
		return m, tea.Batch(cmds...)

	case disconnectedMsg:
		m.connected = false
		if m.ctx.Err() != nil {
			return m, nil
		}
		if msg.err != nil {
			m.lastError = "events: " + msg.err.Error() + ", reconnecting..."
		}
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.subscribe()

	case spinner.TickMsg:
		if !m.waiting && m.running == 0 {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *Model) handleNotice(n events.Notice) {
	if n.ID > m.lastID {
		m.lastID = n.ID
	}
	switch n.Type {
	case events.PassStarted:
		var p passNotice
		if json.Unmarshal(n.Data, &p) == nil {
			m.running++
			m.appendLine(m.theme.Running.Render(fmt.Sprintf("· running %s", p.Event)))
		}
	case events.PassFinished:
		var p passNotice
		if json.Unmarshal(n.Data, &p) != nil {
			return
		}
		m.running = max(m.running-1, 0)
		if p.Status != command.StatusSucceeded {
			m.appendLine(m.theme.Failed.Render(fmt.Sprintf("· %s %s: %s", p.Event, p.Status, p.Error)))
		}
	case events.PluginFailed:
		var f struct {
			Plugin string `json:"plugin"`
			Event  string `json:"event"`
			Error  string `json:"error"`
		}
		if json.Unmarshal(n.Data, &f) == nil {
			m.appendLine(m.theme.Failed.Render(fmt.Sprintf("· plugin %s failed on %s: %s", f.Plugin, f.Event, f.Error)))
		}
	case events.TurnCompleted:
		var t convo.Turn
		if json.Unmarshal(n.Data, &t) == nil {
			m.addTurn(&t)
		}
	case events.StopRequested:
		m.appendLine(m.theme.Notice.Render("· stop requested"))
	}
}

// addTurn shows a turn's reply once. Internal turns carry command results
// as their input.
func (m *Model) addTurn(t *convo.Turn) {
	if t == nil || m.seen[t.ID] {
		return
	}
	m.seen[t.ID] = true
	if t.Internal {
		m.appendLine(m.theme.Tool.Render("tool: ") + preview(t.Input))
	}
	if t.Output != "" {
		m.appendLine(m.theme.Assistant.Render("assistant: ") + t.Output)
	}
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxToolPreview {
		return s[:maxToolPreview] + "..."
	}
	return s
}

func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	m.refresh()
}

func (m *Model) refresh() {
	m.view.SetContent(wrapTranscript(strings.Join(m.lines, "\n"), m.view.Width))
	m.view.GotoBottom()
}

// wrapTranscript word-wraps at width and hard-wraps words that still do not
// fit, such as long command output without spaces.
func wrapTranscript(s string, width int) string {
	if width <= 0 {
		return s
	}
	return wrap.String(wordwrap.String(s, width), width)
}

func (m Model) View() string {
	status := m.theme.Dim.Render("disconnected")
	if m.connected {
		status = m.theme.Dim.Render("connected")
	}
	if m.waiting || m.running > 0 {
		label := "thinking"
		if m.running > 0 {
			label = fmt.Sprintf("%d command pass running", m.running)
		}
		status = m.spin.View() + " " + m.theme.Running.Render(label)
	}
	header := lipgloss.JoinHorizontal(lipgloss.Center, m.theme.Title.Render("PALAVER"), " ", status)

	parts := []string{header, m.theme.Border.Render(m.view.View()), m.input.View()}
	if m.lastError != "" {
		parts = append(parts, m.theme.Failed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, m.theme.Dim.Render(" [enter] Send • [esc] Stop • [ctrl+r] New thread • [ctrl+c] Quit"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

// --- Commands ---

func (m Model) send(text string) tea.Cmd {
	return func() tea.Msg {
		turn, err := m.backend.Chat(m.ctx, text)
		if err != nil {
			return errMsg{err}
		}
		return replyMsg{turn}
	}
}

func (m Model) call(name string, fn func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(m.ctx); err != nil {
			return errMsg{err}
		}
		return ackMsg(name + " sent")
	}
}

func (m Model) subscribe() tea.Cmd {
	lastID := m.lastID
	return func() tea.Msg {
		return disconnectedMsg{m.backend.Subscribe(m.ctx, lastID, m.notices)}
	}
}

// receiveNotice waits for the next notice from the stream.
func (m Model) receiveNotice() tea.Cmd {
	return func() tea.Msg {
		select {
		case n := <-m.notices:
			return noticeMsg(n)
		case <-m.ctx.Done():
			return nil
		}
	}
}
