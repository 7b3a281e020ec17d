package plugin

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/palaver/internal/protocol"
)

const manifestFilename = "manifest.yaml"

// Discover scans pluginsDir for manifest.yaml files and returns the valid
// subprocess plugins in directory order. Invalid plugins are logged and
// skipped; duplicate names keep the first one found.
func Discover(pluginsDir string, logger *slog.Logger) ([]*External, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	root := strings.TrimSpace(pluginsDir)
	if root == "" {
		return nil, fmt.Errorf("plugins dir is empty")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plugins dir %q: %w", root, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("plugins dir does not exist: %s", absRoot)
		}
		return nil, fmt.Errorf("failed to stat plugins dir %s: %w", absRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("plugins dir is not a directory: %s", absRoot)
	}

	var out []*External
	seen := make(map[string]string)
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != manifestFilename {
			return nil
		}

		pluginPath := filepath.Dir(path)
		p, err := loadExternal(pluginPath, absRoot)
		if err != nil {
			logger.Warn("failed to load plugin", "path", pluginPath, "error", err)
			return nil
		}
		if kept, dup := seen[p.Name]; dup {
			logger.Warn("duplicate plugin ignored (keeping first discovered)",
				"plugin", p.Name, "ignored_path", p.Path, "kept_path", kept)
			return nil
		}
		seen[p.Name] = p.Path
		out = append(out, p)
		logger.Info("loaded plugin", "plugin", p.Name, "path", p.Path, "version", p.Version)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan plugins dir %s: %w", absRoot, err)
	}
	return out, nil
}

func loadExternal(pluginPath, root string) (*External, error) {
	data, err := os.ReadFile(filepath.Join(pluginPath, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := parseManifest(data)
	if err != nil {
		return nil, err
	}
	events, err := validateManifest(m)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if m.Protocol != protocol.Version {
		return nil, fmt.Errorf("unsupported protocol version %d (supported: %d)", m.Protocol, protocol.Version)
	}

	entrypoint := filepath.Join(pluginPath, m.Entrypoint)
	if err := validateTrust(entrypoint, pluginPath, root); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	return &External{
		Name:        m.Name,
		Path:        pluginPath,
		Entrypoint:  entrypoint,
		Protocol:    m.Protocol,
		Version:     m.Version,
		Description: m.Description,
		Events:      events,
		Fingerprint: fingerprint(data),
	}, nil
}

// validateTrust requires the entrypoint to resolve inside both the plugin
// directory and the plugins root, to be executable, and the plugin directory
// not to be world-writable.
func validateTrust(entrypoint, pluginPath, root string) error {
	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypoint)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}
	resolvedPluginPath, err := filepath.EvalSymlinks(pluginPath)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin path symlink: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("failed to resolve plugins dir symlink: %w", err)
	}

	sep := string(os.PathSeparator)
	if !strings.HasPrefix(resolvedEntrypoint, resolvedRoot+sep) {
		return fmt.Errorf("entrypoint %s is not under plugins dir %s", resolvedEntrypoint, resolvedRoot)
	}
	if !strings.HasPrefix(resolvedEntrypoint, resolvedPluginPath+sep) {
		return fmt.Errorf("entrypoint %s is not under plugin directory %s", resolvedEntrypoint, resolvedPluginPath)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	dirInfo, err := os.Stat(resolvedPluginPath)
	if err != nil {
		return fmt.Errorf("plugin directory not found: %w", err)
	}
	if dirInfo.Mode().Perm()&0o002 != 0 {
		return fmt.Errorf("plugin directory is world-writable: %s", resolvedPluginPath)
	}
	return nil
}
