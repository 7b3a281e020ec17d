package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/palaver/internal/event"
	"github.com/mattjoyce/palaver/internal/log"
	"github.com/mattjoyce/palaver/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr captured from a plugin run.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	defaultExecTimeout = 60 * time.Second
)

// ExecHandler delivers events to a subprocess plugin, one process per event.
type ExecHandler struct {
	plugin  *External
	config  map[string]any
	timeout time.Duration
	logger  *slog.Logger
}

// NewExecHandler wraps a discovered plugin. A zero timeout uses the default.
func NewExecHandler(p *External, config map[string]any, timeout time.Duration) *ExecHandler {
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	return &ExecHandler{
		plugin:  p,
		config:  config,
		timeout: timeout,
		logger:  log.WithPlugin(p.Name).With("component", "exec"),
	}
}

func (h *ExecHandler) Description() string {
	return h.plugin.Description
}

// Handle runs the plugin for events it subscribed to and applies its response
// to ev. Events outside the manifest's list are ignored.
func (h *ExecHandler) Handle(ctx context.Context, ev *event.Event) error {
	if !h.plugin.HandlesEvent(ev.Name) {
		return nil
	}

	req := &protocol.Request{
		Protocol:   protocol.Version,
		Plugin:     h.plugin.Name,
		Event:      protocol.Event{Name: string(ev.Name), Data: ev.Data, Stop: ev.Stop},
		Turn:       ev.Turn,
		Config:     h.config,
		Async:      IsAsync(ctx),
		DeadlineAt: time.Now().Add(h.timeout).UTC(),
	}

	resp, stderr, err := h.spawn(ctx, req)
	if stderr != "" {
		h.logger.Debug("plugin stderr", "event", ev.Name, "stderr", stderr)
	}
	if err != nil {
		return err
	}

	for _, entry := range resp.Logs {
		h.logger.Info("plugin log", "level", entry.Level, "message", entry.Message)
	}
	if resp.Status == "error" {
		return fmt.Errorf("plugin %q returned error: %s", h.plugin.Name, resp.Error)
	}

	applyResponse(ev, resp)
	return nil
}

func applyResponse(ev *event.Event, resp *protocol.Response) {
	if ev.Data == nil && len(resp.Data) > 0 {
		ev.Data = make(map[string]any, len(resp.Data))
	}
	for k, v := range resp.Data {
		ev.Data[k] = v
	}
	if resp.Stop {
		ev.Stop = true
	}
	if ev.Turn == nil {
		return
	}
	for _, r := range resp.Results {
		ev.Turn.AddResult(r)
	}
	if resp.Reply {
		ev.Turn.ReplyWith(resp.ExtraCtx)
	}
}

// spawn starts the entrypoint, writes req to stdin and decodes the response
// from stdout. On timeout or cancellation the process gets SIGTERM, then
// SIGKILL after the grace period.
func (h *ExecHandler) spawn(ctx context.Context, req *protocol.Request) (*protocol.Response, string, error) {
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	cmd := exec.Command(h.plugin.Entrypoint)
	cmd.Dir = h.plugin.Path
	// Own process group, so termination reaches the plugin's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}
	var stderr bytes.Buffer
	stdout := &cappedBuffer{limit: protocol.MaxResponseBytes + 1}
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	h.logger.Debug("spawning plugin", "entrypoint", h.plugin.Entrypoint, "timeout", h.timeout)
	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start process: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		writeErr <- protocol.EncodeRequest(stdin, req)
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var abort error
	select {
	case <-timer.C:
		abort = context.DeadlineExceeded
	case <-ctx.Done():
		abort = ctx.Err()
	case err := <-waitErr:
		stderrStr := truncateStderr(stderr.String())
		if werr := <-writeErr; werr != nil {
			return nil, stderrStr, werr
		}
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, stderrStr, fmt.Errorf("wait for process: %w", err)
			}
			h.logger.Warn("plugin exited with non-zero status", "exit_code", exitErr.ExitCode())
		}

		resp, raw, err := protocol.DecodeResponseLenient(bytes.NewReader(stdout.buf.Bytes()))
		if err != nil {
			h.logger.Error("failed to decode plugin response", "error", err, "stdout", string(raw))
			return nil, stderrStr, fmt.Errorf("decode response: %w", err)
		}
		return resp, stderrStr, nil
	}

	h.terminate(cmd, waitErr)
	return nil, truncateStderr(stderr.String()), fmt.Errorf("plugin %q aborted: %w", h.plugin.Name, abort)
}

func (h *ExecHandler) terminate(cmd *exec.Cmd, waitErr <-chan error) {
	h.logger.Warn("plugin run aborted, sending SIGTERM")
	if err := signalGroup(cmd, syscall.SIGTERM); err != nil {
		h.logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		h.logger.Info("plugin exited after SIGTERM")
	case <-grace.C:
		h.logger.Warn("plugin did not exit after SIGTERM, sending SIGKILL")
		if err := signalGroup(cmd, syscall.SIGKILL); err != nil {
			h.logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

// signalGroup signals the plugin's process group, falling back to the
// process alone when the group is gone.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err == nil {
		return nil
	}
	return cmd.Process.Signal(sig)
}

// cappedBuffer keeps the first limit bytes written and discards the rest, so a
// runaway plugin cannot exhaust memory. Writes never fail.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}

type asyncKey struct{}

// WithAsync marks ctx as belonging to a background dispatch pass.
func WithAsync(ctx context.Context, async bool) context.Context {
	return context.WithValue(ctx, asyncKey{}, async)
}

// IsAsync reports whether ctx belongs to a background dispatch pass.
func IsAsync(ctx context.Context) bool {
	v, _ := ctx.Value(asyncKey{}).(bool)
	return v
}
