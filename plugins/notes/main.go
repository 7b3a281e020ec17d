// Command notes is a subprocess plugin that gives the model a small persistent
// scratchpad. It advertises note_add, note_list and note_clear on cmd.syntax
// and runs them on cmd.execute.
//
// Build it next to its manifest:
//
//	go build -o plugins/notes/notes ./plugins/notes
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/palaver/internal/convo"
	"github.com/mattjoyce/palaver/internal/protocol"
)

const (
	defaultStorePath = "notes.json"
	defaultMaxNotes  = 200

	cmdAdd   = "note_add"
	cmdList  = "note_list"
	cmdClear = "note_clear"
)

type pluginConfig struct {
	Path     string
	MaxNotes int
}

type note struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	TurnID    string `json:"turn_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

type noteStore struct {
	Notes []note `json:"notes"`
}

func main() {
	resp := handle()
	_ = json.NewEncoder(os.Stdout).Encode(resp)
}

func handle() protocol.Response {
	var req protocol.Request
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		return errResp(fmt.Sprintf("invalid request JSON: %v", err))
	}
	if req.Protocol != protocol.Version {
		return errResp(fmt.Sprintf("unsupported protocol version %d", req.Protocol))
	}
	return handleEvent(req, parseConfig(req.Config))
}

func handleEvent(req protocol.Request, cfg pluginConfig) protocol.Response {
	switch req.Event.Name {
	case "cmd.syntax":
		return handleSyntax(req.Event)
	case "cmd.execute":
		return handleExecute(req, cfg)
	case "plugin.shutdown":
		return protocol.Response{Status: "ok"}
	default:
		// Subscribed events only; anything else is a manifest mismatch.
		return protocol.Response{
			Status: "ok",
			Logs:   []protocol.LogEntry{warn(fmt.Sprintf("ignoring event %q", req.Event.Name))},
		}
	}
}

// handleSyntax returns the full syntax list; the host merges data keys
// shallowly, so earlier entries must be carried forward.
func handleSyntax(ev protocol.Event) protocol.Response {
	syntax, _ := ev.Data["syntax"].([]any)
	syntax = append(syntax,
		map[string]any{
			"cmd":         cmdAdd,
			"instruction": "save a short note for later turns",
			"params":      "text",
		},
		map[string]any{
			"cmd":         cmdList,
			"instruction": "list saved notes, newest last",
			"params":      "",
		},
		map[string]any{
			"cmd":         cmdClear,
			"instruction": "delete every saved note",
			"params":      "",
		},
	)
	return protocol.Response{
		Status: "ok",
		Data:   map[string]any{"syntax": syntax},
	}
}

func handleExecute(req protocol.Request, cfg pluginConfig) protocol.Response {
	cmds := parseCommands(req.Event.Data["commands"])
	mine := make([]convo.Command, 0, len(cmds))
	for _, c := range cmds {
		switch c.Cmd {
		case cmdAdd, cmdList, cmdClear:
			mine = append(mine, c)
		}
	}
	if len(mine) == 0 {
		return protocol.Response{Status: "ok"}
	}

	store, err := loadStore(cfg.Path)
	if err != nil {
		return errResp(err.Error())
	}

	turnID := ""
	if req.Turn != nil {
		turnID = req.Turn.ID
	}

	var logs []protocol.LogEntry
	results := make([]map[string]any, 0, len(mine))
	dirty := false
	for _, c := range mine {
		var out any
		switch c.Cmd {
		case cmdAdd:
			text := strings.TrimSpace(asString(c.Params["text"]))
			if text == "" {
				out = "Error: missing text parameter"
				break
			}
			n := note{ID: uuid.NewString(), Text: text, TurnID: turnID, CreatedAt: nowISO()}
			store.Notes = append(store.Notes, n)
			if len(store.Notes) > cfg.MaxNotes {
				store.Notes = store.Notes[len(store.Notes)-cfg.MaxNotes:]
			}
			dirty = true
			out = map[string]any{"saved": n.ID}
			logs = append(logs, info(fmt.Sprintf("saved note %s", n.ID)))
		case cmdList:
			texts := make([]string, 0, len(store.Notes))
			for _, n := range store.Notes {
				texts = append(texts, n.Text)
			}
			out = texts
		case cmdClear:
			out = map[string]any{"cleared": len(store.Notes)}
			store.Notes = nil
			dirty = true
		}
		results = append(results, map[string]any{
			"request": map[string]any{"cmd": c.Cmd},
			"result":  out,
		})
	}

	if dirty {
		if err := saveStore(cfg.Path, store); err != nil {
			return errResp(err.Error())
		}
	}

	return protocol.Response{
		Status:  "ok",
		Results: results,
		Reply:   true,
		Logs:    logs,
	}
}

func parseConfig(raw map[string]any) pluginConfig {
	cfg := pluginConfig{Path: defaultStorePath, MaxNotes: defaultMaxNotes}
	if p := strings.TrimSpace(asString(raw["path"])); p != "" {
		cfg.Path = p
	}
	switch v := raw["max_notes"].(type) {
	case float64:
		if v > 0 {
			cfg.MaxNotes = int(v)
		}
	case int:
		if v > 0 {
			cfg.MaxNotes = v
		}
	}
	return cfg
}

func parseCommands(raw any) []convo.Command {
	items, _ := raw.([]any)
	out := make([]convo.Command, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name := asString(m["cmd"])
		if name == "" {
			continue
		}
		params, _ := m["params"].(map[string]any)
		out = append(out, convo.Command{Cmd: name, Params: params})
	}
	return out
}

func loadStore(path string) (*noteStore, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &noteStore{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read notes: %w", err)
	}
	var s noteStore
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("notes file %s is invalid JSON: %w", path, err)
	}
	return &s, nil
}

// saveStore writes through a temp file so a killed plugin never leaves a
// truncated store behind.
func saveStore(path string, s *noteStore) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode notes: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create notes dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".notes-*.json")
	if err != nil {
		return fmt.Errorf("write notes: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write notes: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write notes: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write notes: %w", err)
	}
	return nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func errResp(msg string) protocol.Response {
	return protocol.Response{
		Status: "error",
		Error:  msg,
		Logs:   []protocol.LogEntry{{Level: "error", Message: msg}},
	}
}

func info(msg string) protocol.LogEntry {
	return protocol.LogEntry{Level: "info", Message: msg}
}

func warn(msg string) protocol.LogEntry {
	return protocol.LogEntry{Level: "warn", Message: msg}
}
