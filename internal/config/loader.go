// Package config loads the palaver YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultConfigName = "config.yaml"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, verifies and parses the configuration at configPath. A
// directory is resolved to the config.yaml inside it. When a .checksums file
// sits next to the config, the config must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := resolvePath(configPath)
	if err != nil {
		return nil, err
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", absPath, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.Path = absPath
	return cfg, nil
}

// Parse interpolates ${VAR} references, parses YAML, fills defaults and
// validates.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg = applyConfigDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds a config location when none is given on the command line.
func Discover() (string, error) {
	if dir := os.Getenv("PALAVER_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "palaver")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/palaver"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	if _, err := os.Stat(defaultConfigName); err == nil {
		return "./" + defaultConfigName, nil
	}

	return "", fmt.Errorf("no config found (checked: $PALAVER_CONFIG_DIR, ~/.config/palaver, /etc/palaver, ./config.yaml)")
}

func resolvePath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, defaultConfigName)
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but %s not found: %s", defaultConfigName, absPath)
		}
	}
	return absPath, nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.Dispatch.MaxAsyncPasses == 0 {
		cfg.Dispatch.MaxAsyncPasses = defaults.Dispatch.MaxAsyncPasses
	}
	if cfg.Dispatch.AsyncTimeout == 0 {
		cfg.Dispatch.AsyncTimeout = defaults.Dispatch.AsyncTimeout
	}
	if cfg.Dispatch.MaxReplyHops == 0 {
		cfg.Dispatch.MaxReplyHops = defaults.Dispatch.MaxReplyHops
	}
	if cfg.Model.Name == "" {
		cfg.Model.Name = defaults.Model.Name
	}
	if cfg.PluginsDir == "" {
		cfg.PluginsDir = defaults.PluginsDir
	}
	if cfg.Plugins == nil {
		cfg.Plugins = make(map[string]PluginConf)
	}
	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is so validation can report them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Dispatch.MaxAsyncPasses < 0 {
		return fmt.Errorf("dispatch.max_async_passes must be positive")
	}
	if cfg.Dispatch.AsyncTimeout < 0 {
		return fmt.Errorf("dispatch.async_timeout must be positive")
	}
	if cfg.Dispatch.MaxReplyHops < 0 {
		return fmt.Errorf("dispatch.max_reply_hops must be positive")
	}

	if cfg.API.Enabled {
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d].token", i)
			if tok.Token == "" {
				return fmt.Errorf("%s is required", field)
			}
			if err := unresolved(field, tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	seen := make(map[string]bool, len(cfg.Order))
	for _, id := range cfg.Order {
		if seen[id] {
			return fmt.Errorf("order: plugin %q listed twice", id)
		}
		seen[id] = true
	}

	if err := validateWebhooks(cfg.Webhooks); err != nil {
		return err
	}

	for name, plugin := range cfg.Plugins {
		if plugin.Timeout < 0 {
			return fmt.Errorf("plugin %q: timeout must be positive", name)
		}
		if !plugin.Enabled || plugin.Config == nil {
			continue
		}
		if err := checkUnresolvedEnvVars(plugin.Config, name); err != nil {
			return err
		}
	}
	return nil
}

func validateWebhooks(wc *WebhooksConfig) error {
	if wc == nil {
		return nil
	}
	if wc.Listen == "" {
		return fmt.Errorf("webhooks.listen is required when webhooks are configured")
	}
	paths := make(map[string]bool, len(wc.Endpoints))
	for i, ep := range wc.Endpoints {
		field := fmt.Sprintf("webhooks.endpoints[%d]", i)
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("%s.path must start with / (got %q)", field, ep.Path)
		}
		if paths[ep.Path] {
			return fmt.Errorf("%s.path %q is used twice", field, ep.Path)
		}
		paths[ep.Path] = true
		if ep.Action != "chat" && ep.Action != "transcribe" {
			return fmt.Errorf("%s.action must be chat or transcribe (got %q)", field, ep.Action)
		}
		if ep.Secret == "" {
			return fmt.Errorf("%s.secret is required", field)
		}
		if err := unresolved(field+".secret", ep.Secret); err != nil {
			return err
		}
	}
	return nil
}

func unresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// checkUnresolvedEnvVars recursively checks for ${VAR} placeholders in config values.
func checkUnresolvedEnvVars(data map[string]any, pluginName string) error {
	for key, value := range data {
		switch v := value.(type) {
		case string:
			if err := unresolved(fmt.Sprintf("plugin %q: config.%s", pluginName, key), v); err != nil {
				return err
			}
		case map[string]any:
			if err := checkUnresolvedEnvVars(v, pluginName); err != nil {
				return err
			}
		}
	}
	return nil
}
