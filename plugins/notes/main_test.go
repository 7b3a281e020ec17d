package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mattjoyce/palaver/internal/convo"
	"github.com/mattjoyce/palaver/internal/protocol"
)

func executeReq(path string, cmds ...map[string]any) protocol.Request {
	items := make([]any, 0, len(cmds))
	for _, c := range cmds {
		items = append(items, c)
	}
	return protocol.Request{
		Protocol: protocol.Version,
		Plugin:   "notes",
		Event: protocol.Event{
			Name: "cmd.execute",
			Data: map[string]any{"commands": items},
		},
		Turn:   &convo.Turn{ID: "turn-1"},
		Config: map[string]any{"path": path},
	}
}

func TestSyntaxAppendsToExistingList(t *testing.T) {
	req := protocol.Request{
		Protocol: protocol.Version,
		Event: protocol.Event{
			Name: "cmd.syntax",
			Data: map[string]any{"syntax": []any{map[string]any{"cmd": "sys_exec"}}},
		},
	}

	resp := handleEvent(req, parseConfig(nil))
	if resp.Status != "ok" {
		t.Fatalf("status = %q, want ok (error=%s)", resp.Status, resp.Error)
	}
	syntax, ok := resp.Data["syntax"].([]any)
	if !ok {
		t.Fatalf("data.syntax = %#v, want list", resp.Data["syntax"])
	}
	if len(syntax) != 4 {
		t.Fatalf("len(syntax) = %d, want 4", len(syntax))
	}
	if first := syntax[0].(map[string]any)["cmd"]; first != "sys_exec" {
		t.Fatalf("existing entry lost: first cmd = %v", first)
	}
}

func TestAddThenListPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.json")

	resp := handleEvent(executeReq(path,
		map[string]any{"cmd": cmdAdd, "params": map[string]any{"text": "buy milk"}},
	), parseConfig(map[string]any{"path": path}))
	if resp.Status != "ok" {
		t.Fatalf("add status = %q (error=%s)", resp.Status, resp.Error)
	}
	if !resp.Reply || len(resp.Results) != 1 {
		t.Fatalf("add response = %#v, want one result with reply", resp)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("notes file not written: %v", err)
	}

	resp = handleEvent(executeReq(path,
		map[string]any{"cmd": cmdList},
		map[string]any{"cmd": "sys_exec", "params": map[string]any{"command": "ls"}},
	), parseConfig(map[string]any{"path": path}))
	if len(resp.Results) != 1 {
		t.Fatalf("len(results) = %d, want 1 (foreign commands ignored)", len(resp.Results))
	}
	texts, ok := resp.Results[0]["result"].([]string)
	if !ok || len(texts) != 1 || texts[0] != "buy milk" {
		t.Fatalf("list result = %#v", resp.Results[0]["result"])
	}
}

func TestAddRequiresText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.json")
	resp := handleEvent(executeReq(path, map[string]any{"cmd": cmdAdd}), parseConfig(map[string]any{"path": path}))
	if resp.Status != "ok" {
		t.Fatalf("status = %q", resp.Status)
	}
	if got := resp.Results[0]["result"]; got != "Error: missing text parameter" {
		t.Fatalf("result = %v", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("notes file should not be written when nothing changed")
	}
}

func TestMaxNotesKeepsNewest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.json")
	cfg := parseConfig(map[string]any{"path": path, "max_notes": float64(2)})

	for _, text := range []string{"a", "b", "c"} {
		handleEvent(executeReq(path, map[string]any{"cmd": cmdAdd, "params": map[string]any{"text": text}}), cfg)
	}

	store, err := loadStore(path)
	if err != nil {
		t.Fatalf("loadStore: %v", err)
	}
	if len(store.Notes) != 2 || store.Notes[0].Text != "b" || store.Notes[1].Text != "c" {
		t.Fatalf("notes = %#v, want [b c]", store.Notes)
	}
	if store.Notes[0].TurnID != "turn-1" {
		t.Fatalf("turn id = %q, want turn-1", store.Notes[0].TurnID)
	}
}

func TestClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.json")
	cfg := parseConfig(map[string]any{"path": path})
	handleEvent(executeReq(path, map[string]any{"cmd": cmdAdd, "params": map[string]any{"text": "x"}}), cfg)

	resp := handleEvent(executeReq(path, map[string]any{"cmd": cmdClear}), cfg)
	got, _ := resp.Results[0]["result"].(map[string]any)
	if got["cleared"] != 1 {
		t.Fatalf("clear result = %#v", resp.Results[0]["result"])
	}
	store, err := loadStore(path)
	if err != nil {
		t.Fatalf("loadStore: %v", err)
	}
	if len(store.Notes) != 0 {
		t.Fatalf("notes = %#v, want none", store.Notes)
	}
}

func TestNoMatchingCommandsIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.json")
	resp := handleEvent(executeReq(path, map[string]any{"cmd": "sys_exec"}), parseConfig(map[string]any{"path": path}))
	if resp.Status != "ok" || resp.Reply || len(resp.Results) != 0 {
		t.Fatalf("response = %#v, want empty ok", resp)
	}
}

func TestCorruptStoreIsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	resp := handleEvent(executeReq(path, map[string]any{"cmd": cmdList}), parseConfig(map[string]any{"path": path}))
	if resp.Status != "error" {
		t.Fatalf("status = %q, want error", resp.Status)
	}
}
