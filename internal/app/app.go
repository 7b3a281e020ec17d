// Package app assembles a running palaver instance from its configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/mattjoyce/palaver/internal/chat"
	"github.com/mattjoyce/palaver/internal/command"
	"github.com/mattjoyce/palaver/internal/config"
	"github.com/mattjoyce/palaver/internal/dispatch"
	"github.com/mattjoyce/palaver/internal/event"
	"github.com/mattjoyce/palaver/internal/events"
	"github.com/mattjoyce/palaver/internal/history"
	"github.com/mattjoyce/palaver/internal/lock"
	"github.com/mattjoyce/palaver/internal/log"
	"github.com/mattjoyce/palaver/internal/plugin"
	"github.com/mattjoyce/palaver/internal/plugins/syntax"
	"github.com/mattjoyce/palaver/internal/plugins/sysexec"
	"github.com/mattjoyce/palaver/internal/storage"
)

const hubCapacity = 256

// App is a wired palaver instance. Run the Session to serve it.
type App struct {
	Config     *config.Config
	DB         *sql.DB
	History    *history.Store
	Hub        *events.Hub
	Registry   *plugin.Registry
	Controller *command.Controller
	Pipeline   *chat.Pipeline
	Session    *chat.Session

	lock *lock.PIDLock
}

// New opens state, builds the plugin registry and wires the controller,
// pipeline and session.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := log.WithComponent("app")

	pidLock, err := lock.AcquirePIDLock(lock.PathFor(cfg.State.Path))
	if err != nil {
		return nil, fmt.Errorf("state %s: %w", cfg.State.Path, err)
	}

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		_ = pidLock.Release()
		return nil, err
	}
	logger.Info("database opened", "path", cfg.State.Path)

	reg, err := BuildRegistry(cfg, logger)
	if err != nil {
		_ = db.Close()
		_ = pidLock.Release()
		return nil, err
	}

	model, err := chat.NewModel(cfg.Model.Name)
	if err != nil {
		_ = db.Close()
		_ = pidLock.Release()
		return nil, err
	}

	store := history.New(db)
	hub := events.NewHub(hubCapacity)

	disp := dispatch.New(reg, dispatch.WithFailureHook(func(pluginID string, name event.Name, err error) {
		hub.Publish(events.PluginFailed, map[string]any{
			"plugin": pluginID,
			"event":  name,
			"error":  err.Error(),
		})
	}))
	ctrl := command.New(disp, command.Options{
		MaxAsyncPasses: cfg.Dispatch.MaxAsyncPasses,
		AsyncTimeout:   cfg.Dispatch.AsyncTimeout,
		MaxReplyHops:   cfg.Dispatch.MaxReplyHops,
	}, command.WithPublisher(hub), command.WithRecorder(store))

	pipeline := chat.NewPipeline(ctrl, model, chat.Options{
		SystemPrompt: cfg.Model.SystemPrompt,
		Store:        store,
		Publisher:    hub,
	})

	return &App{
		Config:     cfg,
		DB:         db,
		History:    store,
		Hub:        hub,
		Registry:   reg,
		Controller: ctrl,
		Pipeline:   pipeline,
		Session:    chat.NewSession(pipeline),
		lock:       pidLock,
	}, nil
}

// Close releases the database and the state lock. Stop the session first.
func (a *App) Close() error {
	err := a.DB.Close()
	if rerr := a.lock.Release(); err == nil {
		err = rerr
	}
	return err
}

// BuildRegistry registers the built-in plugins and every subprocess plugin
// found under cfg.PluginsDir. Ids listed in cfg.Order come first, in that
// order; the rest follow built-ins first, then discovery order.
func BuildRegistry(cfg *config.Config, logger *slog.Logger) (*plugin.Registry, error) {
	if logger == nil {
		logger = log.WithComponent("app")
	}

	handlers := map[string]plugin.Handler{}
	var defaults []string
	add := func(id string, h plugin.Handler) {
		if _, dup := handlers[id]; dup {
			logger.Warn("plugin id already taken, ignoring", "plugin", id)
			return
		}
		handlers[id] = h
		defaults = append(defaults, id)
	}

	add(syntax.ID, syntax.New(boolOption(cfg.Plugins[syntax.ID].Config, "strip")))
	sx := cfg.Plugins[sysexec.ID]
	add(sysexec.ID, sysexec.New(sysexec.ConfigFromMap(sx.Config, sx.Timeout)))

	externals, err := discover(cfg.PluginsDir, logger)
	if err != nil {
		return nil, err
	}
	for _, p := range externals {
		pc := cfg.Plugins[p.Name]
		add(p.Name, plugin.NewExecHandler(p, pc.Config, pc.Timeout))
	}

	order := make([]string, 0, len(defaults))
	placed := make(map[string]bool, len(defaults))
	for _, id := range cfg.Order {
		if _, ok := handlers[id]; !ok {
			return nil, fmt.Errorf("order: %w: %q", plugin.ErrNotFound, id)
		}
		order = append(order, id)
		placed[id] = true
	}
	for _, id := range defaults {
		if !placed[id] {
			order = append(order, id)
		}
	}

	reg := plugin.NewRegistry()
	for _, id := range order {
		enabled := cfg.PluginEnabled(id)
		if err := reg.Register(id, handlers[id], enabled); err != nil {
			return nil, err
		}
		logger.Info("plugin registered", "plugin", id, "enabled", enabled)
	}
	return reg, nil
}

// discover tolerates a missing plugins directory.
func discover(dir string, logger *slog.Logger) ([]*plugin.External, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		logger.Warn("plugins dir not found, using built-in plugins only", "plugins_dir", dir)
		return nil, nil
	}
	externals, err := plugin.Discover(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("plugin discovery: %w", err)
	}
	return externals, nil
}

func boolOption(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}
