// Package sysexec is the built-in plugin that runs shell commands requested
// by the model and replies with their output.
package sysexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/palaver/internal/event"
	"github.com/mattjoyce/palaver/internal/log"
)

const (
	ID      = "cmd_sys_exec"
	Command = "sys_exec"

	emptyResult = "No result (STDOUT/STDERR empty)"

	defaultTimeout   = 60 * time.Second
	defaultMaxOutput = 64 * 1024
	killGrace        = 5 * time.Second
)

// Config is read from the plugin's config block.
type Config struct {
	Shell     string
	Workdir   string
	Timeout   time.Duration
	MaxOutput int
}

// ConfigFromMap reads shell, workdir and max_output from a plugin config
// block. Unknown keys are ignored.
func ConfigFromMap(m map[string]any, timeout time.Duration) Config {
	cfg := Config{Timeout: timeout}
	if v, ok := m["shell"].(string); ok {
		cfg.Shell = v
	}
	if v, ok := m["workdir"].(string); ok {
		cfg.Workdir = v
	}
	switch v := m["max_output"].(type) {
	case int:
		cfg.MaxOutput = v
	case float64:
		cfg.MaxOutput = int(v)
	}
	return cfg
}

type Plugin struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running map[int]context.CancelFunc
	nextRun int
}

func New(cfg Config) *Plugin {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = defaultMaxOutput
	}
	return &Plugin{
		cfg:     cfg,
		logger:  log.WithPlugin(ID),
		running: make(map[int]context.CancelFunc),
	}
}

func (p *Plugin) Description() string {
	return "Runs shell commands requested by the model (" + Command + ")"
}

func (p *Plugin) Handle(ctx context.Context, ev *event.Event) error {
	switch ev.Name {
	case event.CmdSyntax:
		syntax, _ := ev.Data["syntax"].([]any)
		ev.Data["syntax"] = append(syntax, map[string]any{
			"cmd":         Command,
			"instruction": "execute a system command in the shell and return its output",
			"params":      "command",
		})
	case event.CmdExecute:
		p.execute(ctx, ev)
	case event.ForceStop:
		p.cancelAll()
	}
	return nil
}

func (p *Plugin) execute(ctx context.Context, ev *event.Event) {
	if ev.Turn == nil {
		return
	}
	handled := false
	for _, c := range ev.Commands() {
		if c.Cmd != Command {
			continue
		}
		handled = true
		command, _ := c.Params["command"].(string)
		result := p.run(ctx, command)
		ev.Turn.AddResult(map[string]any{
			"request": map[string]any{"cmd": c.Cmd},
			"result":  result,
		})
	}
	if handled {
		ev.Turn.ReplyWith("")
	}
}

// run executes command and returns what the model should see. Failures are
// reported in the result text.
func (p *Plugin) run(ctx context.Context, command string) string {
	if command == "" {
		return "Error: missing command parameter"
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	id := p.track(cancel)
	defer p.untrack(id)

	logger := p.logger.With("command", command)
	logger.Info("executing system command")

	cmd := exec.CommandContext(ctx, p.cfg.Shell, "-c", command)
	cmd.Dir = p.cfg.Workdir
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = killGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Sprintf("Error: command timed out after %s", p.cfg.Timeout)
		}
		return "Error: command cancelled"
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			logger.Warn("system command failed to run", "error", err)
			return "Error: " + err.Error()
		}
		logger.Debug("system command exited non-zero", "exit_code", exitErr.ExitCode())
	}

	// stderr wins when both are present.
	result := stdout.String()
	if stderr.Len() > 0 {
		result = stderr.String()
	}
	if result == "" {
		return emptyResult
	}
	if len(result) > p.cfg.MaxOutput {
		result = result[:p.cfg.MaxOutput]
	}
	return result
}

func (p *Plugin) track(cancel context.CancelFunc) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextRun++
	p.running[p.nextRun] = cancel
	return p.nextRun
}

func (p *Plugin) untrack(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, id)
}

func (p *Plugin) cancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, cancel := range p.running {
		cancel()
		delete(p.running, id)
	}
}
