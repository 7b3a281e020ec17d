package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/palaver/internal/api"
	"github.com/mattjoyce/palaver/internal/app"
	"github.com/mattjoyce/palaver/internal/config"
	"github.com/mattjoyce/palaver/internal/convo"
	"github.com/mattjoyce/palaver/internal/events"
	"github.com/mattjoyce/palaver/internal/history"
	"github.com/mattjoyce/palaver/internal/inspect"
	"github.com/mattjoyce/palaver/internal/log"
	"github.com/mattjoyce/palaver/internal/tui"
	"github.com/mattjoyce/palaver/internal/webhook"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

// writeShellPlugin installs a protocol-v1 plugin whose entrypoint is script.
func writeShellPlugin(t *testing.T, root, name, events, script string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := "name: " + name + "\nversion: 1.0.0\nprotocol: 1\nentrypoint: run.sh\nevents: " + events + "\n"
	if err := os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return dir
}

type harness struct {
	app    *app.App
	cancel context.CancelFunc
	done   chan struct{}
}

func start(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	a, err := app.New(ctx, cfg)
	if err != nil {
		cancel()
		t.Fatalf("app.New: %v", err)
	}
	h := &harness{app: a, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		_ = a.Session.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-h.done
		_ = a.Close()
	})
	return h
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.State.Path = filepath.Join(dir, "palaver.db")
	cfg.PluginsDir = filepath.Join(dir, "plugins")
	if err := os.MkdirAll(cfg.PluginsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	return cfg
}

// waitForRun polls history until the run of first has n turns.
func waitForRun(t *testing.T, store *history.Store, first *convo.Turn, n int) []*convo.Turn {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		turns, err := store.ListTurns(context.Background(), history.TurnFilter{RunID: first.RunID, IncludeInternal: true})
		if err != nil {
			t.Fatalf("ListTurns: %v", err)
		}
		if len(turns) >= n {
			return turns
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach %d turns", first.RunID, n)
	return nil
}

func TestSysExecReplyLoop(t *testing.T) {
	cfg := testConfig(t)
	auditDir := writeShellPlugin(t, cfg.PluginsDir, "audit", "[ctx.end]",
		"cat >> requests.log\necho '{\"status\":\"ok\"}'\n")
	h := start(t, cfg)

	sub, cancelSub := h.app.Hub.Subscribe()
	defer cancelSub()

	first, err := h.app.Session.Send(context.Background(),
		`~###~{"cmd":"sys_exec","params":{"command":"echo hello-e2e"}}~###~`)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(first.Commands) != 1 || first.Commands[0].Cmd != "sys_exec" {
		t.Fatalf("commands = %#v, want one sys_exec call", first.Commands)
	}
	if first.RunID == "" {
		t.Fatal("user turn has no run id")
	}

	turns := waitForRun(t, h.app.History, first, 2)
	if !turns[0].Reply {
		t.Fatal("first turn should be marked for reply")
	}
	if len(turns[0].Results) != 1 {
		t.Fatalf("results = %#v, want one", turns[0].Results)
	}
	if !strings.Contains(turns[1].Input, "hello-e2e") {
		t.Fatalf("reply input = %q, want command output", turns[1].Input)
	}
	if turns[1].Hops != 1 {
		t.Fatalf("hops = %d, want 1", turns[1].Hops)
	}

	// The pass lifecycle reached the hub.
	var sawStarted, sawFinished bool
	timeout := time.After(5 * time.Second)
	for !(sawStarted && sawFinished) {
		select {
		case n := <-sub:
			switch n.Type {
			case events.PassStarted:
				sawStarted = true
			case events.PassFinished:
				var data struct {
					Status string `json:"status"`
				}
				_ = json.Unmarshal(n.Data, &data)
				if data.Status != "succeeded" {
					t.Fatalf("pass finished with %q", data.Status)
				}
				sawFinished = true
			}
		case <-timeout:
			t.Fatalf("missing pass notices (started=%v finished=%v)", sawStarted, sawFinished)
		}
	}

	// The subprocess plugin saw ctx.end for both turns.
	deadline := time.Now().Add(5 * time.Second)
	for {
		data, _ := os.ReadFile(filepath.Join(auditDir, "requests.log"))
		if strings.Contains(string(data), turns[0].ID) && strings.Contains(string(data), turns[1].ID) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("audit plugin did not see both turns:\n%s", data)
		}
		time.Sleep(20 * time.Millisecond)
	}

	report, err := inspect.BuildReport(context.Background(), h.app.History, turns[1].ID)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	for _, want := range []string{"[0] " + first.ID, "[1] " + turns[1].ID, "cmd.execute"} {
		if !strings.Contains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}
}

func TestExternalCommandPlugin(t *testing.T) {
	cfg := testConfig(t)
	writeShellPlugin(t, cfg.PluginsDir, "greeter", "[cmd.execute]", `
req=$(cat)
case "$req" in
  *'"cmd":"greet"'*) echo '{"status":"ok","results":[{"greeting":"hi from sh"}],"reply":true}' ;;
  *) echo '{"status":"ok"}' ;;
esac
`)
	h := start(t, cfg)

	first, err := h.app.Session.Send(context.Background(), `~###~{"cmd":"greet"}~###~`)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	turns := waitForRun(t, h.app.History, first, 2)
	if !strings.Contains(turns[1].Input, "hi from sh") {
		t.Fatalf("reply input = %q, want plugin result", turns[1].Input)
	}
}

func TestDisabledPluginIsSkipped(t *testing.T) {
	cfg := testConfig(t)
	cfg.Plugins["cmd_sys_exec"] = config.PluginConf{Enabled: false}
	h := start(t, cfg)

	turn, err := h.app.Session.Send(context.Background(),
		`~###~{"cmd":"sys_exec","params":{"command":"echo nope"}}~###~`)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The pass runs but nobody answers, so no reply turn follows.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := h.app.History.GetTurn(context.Background(), turn.ID)
		if err == nil && len(got.Results) > 0 {
			t.Fatalf("disabled plugin produced results: %#v", got.Results)
		}
		time.Sleep(50 * time.Millisecond)
	}
	turns, err := h.app.History.ListTurns(context.Background(), history.TurnFilter{RunID: turn.RunID, IncludeInternal: true})
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("len(turns) = %d, want 1", len(turns))
	}
}

func TestAPIChatThroughClient(t *testing.T) {
	cfg := testConfig(t)
	h := start(t, cfg)

	srv := api.New(api.Config{APIKey: "secret"}, h.app.Session, h.app.Registry, h.app.History, h.app.Hub, log.WithComponent("api"))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := tui.NewClient(ts.URL, "secret")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	notices := make(chan events.Notice, 16)
	go func() { _ = client.Subscribe(ctx, 0, notices) }()

	turn, err := client.Chat(ctx, "hello over http")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if turn.Output != "hello over http" {
		t.Fatalf("output = %q, want echo", turn.Output)
	}

	for {
		select {
		case n := <-notices:
			if n.Type == events.TurnCompleted {
				if !strings.Contains(string(n.Data), turn.ID) {
					continue
				}
				if err := client.Reset(ctx); err != nil {
					t.Fatalf("Reset: %v", err)
				}
				return
			}
		case <-ctx.Done():
			t.Fatal("turn.completed notice not received")
		}
	}
}

func TestSecondInstanceIsLockedOut(t *testing.T) {
	cfg := testConfig(t)
	start(t, cfg)

	if _, err := app.New(context.Background(), cfg); err == nil {
		t.Fatal("expected second app on the same state to fail")
	}
}

func TestWebhookDeliveries(t *testing.T) {
	cfg := testConfig(t)
	sttDir := writeShellPlugin(t, cfg.PluginsDir, "stt_sink", "[audio.input.transcribe]",
		"cat >> heard.log\necho '{\"status\":\"ok\"}'\n")
	cfg.Webhooks = &config.WebhooksConfig{
		Listen: "127.0.0.1:0",
		Endpoints: []config.WebhookEndpoint{
			{Path: "/hooks/chat", Action: "chat", Secret: "chat-secret"},
			{Path: "/hooks/stt", Action: "transcribe", Secret: "stt-secret"},
		},
	}
	h := start(t, cfg)

	whCfg, err := webhook.FromGlobalConfig(cfg.Webhooks)
	if err != nil {
		t.Fatalf("FromGlobalConfig: %v", err)
	}
	ts := httptest.NewServer(webhook.New(whCfg, h.app.Session, log.WithComponent("webhook")).Handler())
	defer ts.Close()

	deliver := func(path, secret string, body []byte) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set(webhook.DefaultSignatureHeader, webhook.Sign(body, secret))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		return resp
	}

	body := []byte(`{"text":"hello from a hook"}`)
	resp := deliver("/hooks/chat", "chat-secret", body)
	var out webhook.TriggerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || out.Output != "hello from a hook" {
		t.Fatalf("chat delivery = %d %+v", resp.StatusCode, out)
	}
	if _, err := h.app.History.GetTurn(context.Background(), out.TurnID); err != nil {
		t.Fatalf("webhook turn not persisted: %v", err)
	}

	resp = deliver("/hooks/stt", "chat-secret", []byte("wrong key"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-endpoint secret status = %d, want 403", resp.StatusCode)
	}

	resp = deliver("/hooks/stt", "stt-secret", []byte("lights off"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("transcribe status = %d, want 202", resp.StatusCode)
	}
	heard, err := os.ReadFile(filepath.Join(sttDir, "heard.log"))
	if err != nil {
		t.Fatalf("transcription not delivered: %v", err)
	}
	if !strings.Contains(string(heard), "lights off") {
		t.Fatalf("heard.log = %s", heard)
	}
}
