package config

import "time"

// Config represents the complete palaver configuration.
type Config struct {
	Service    ServiceConfig         `yaml:"service"`
	State      StateConfig           `yaml:"state"`
	API        APIConfig             `yaml:"api,omitempty"`
	Dispatch   DispatchConfig        `yaml:"dispatch"`
	Model      ModelConfig           `yaml:"model"`
	PluginsDir string                `yaml:"plugins_dir"`
	Plugins    map[string]PluginConf `yaml:"plugins"`
	// Order lists plugin ids in registration (dispatch) order. Plugins not
	// listed are registered after these, built-ins first.
	Order []string `yaml:"order,omitempty"`

	Webhooks *WebhooksConfig `yaml:"webhooks,omitempty"`

	// Path is the absolute path the config was loaded from.
	Path string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with every scope.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes. Name labels the token in
// logs; it defaults to its position in the list.
type APIToken struct {
	Name   string   `yaml:"name,omitempty"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// DispatchConfig bounds background command passes and the reply loop.
type DispatchConfig struct {
	MaxAsyncPasses int           `yaml:"max_async_passes"`
	AsyncTimeout   time.Duration `yaml:"async_timeout"`
	MaxReplyHops   int           `yaml:"max_reply_hops"`
}

// ModelConfig selects the model backend.
type ModelConfig struct {
	Name         string `yaml:"name"`
	SystemPrompt string `yaml:"system_prompt"`
}

// PluginConf defines configuration for a single plugin.
type PluginConf struct {
	Enabled bool           `yaml:"enabled"`
	Config  map[string]any `yaml:"config,omitempty"`
	Timeout time.Duration  `yaml:"timeout,omitempty"`
}

// WebhooksConfig defines the signed inbound listener.
type WebhooksConfig struct {
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint defines a single webhook endpoint. Action is chat or
// transcribe.
type WebhookEndpoint struct {
	Path            string `yaml:"path"`
	Action          string `yaml:"action"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	MaxBodySize     string `yaml:"max_body_size"`
}

// Defaults returns a Config with the built-in defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "palaver",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/palaver.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Dispatch: DispatchConfig{
			MaxAsyncPasses: 1,
			AsyncTimeout:   5 * time.Minute,
			MaxReplyHops:   8,
		},
		Model: ModelConfig{
			Name: "echo",
		},
		PluginsDir: "./plugins",
		Plugins:    make(map[string]PluginConf),
	}
}

// PluginEnabled reports whether id should start enabled. Plugins without a
// config entry are enabled.
func (c *Config) PluginEnabled(id string) bool {
	pc, ok := c.Plugins[id]
	if !ok {
		return true
	}
	return pc.Enabled
}
