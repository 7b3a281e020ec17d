// Package doctor validates palaver configuration against the plugins it
// would register.
package doctor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/palaver/internal/auth"
	"github.com/mattjoyce/palaver/internal/config"
	"github.com/mattjoyce/palaver/internal/plugin"
	"github.com/mattjoyce/palaver/internal/plugins/syntax"
	"github.com/mattjoyce/palaver/internal/plugins/sysexec"
	"github.com/mattjoyce/palaver/internal/webhook"
)

const (
	maxSensibleReplyHops = 50
	minSensibleTimeout   = time.Second
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against a built plugin registry.
type Doctor struct {
	cfg      *config.Config
	registry *plugin.Registry
}

// New creates a Doctor from a loaded config and plugin registry.
func New(cfg *config.Config, registry *plugin.Registry) *Doctor {
	return &Doctor{cfg: cfg, registry: registry}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validatePluginRefs(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.validateDispatch(r)
	d.validateWebhooks(r)
	d.warnCommandPath(r)
	d.warnUnconfiguredPlugins(r)
	d.warnAPIKey(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateServiceConfig checks required service fields.
func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.PluginsDir == "" {
		d.addError(r, "service", "plugins_dir", "plugins_dir is required")
	}
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	}
}

// validatePluginRefs checks that configured plugins are registered.
func (d *Doctor) validatePluginRefs(r *Result) {
	for name, pc := range d.cfg.Plugins {
		if _, ok := d.registry.Get(name); ok {
			continue
		}
		field := fmt.Sprintf("plugins.%s", name)
		if pc.Enabled {
			d.addError(r, "plugin_refs", field,
				fmt.Sprintf("plugin %q is enabled in config but is neither built in nor found in plugins_dir", name))
		} else {
			d.addWarning(r, "plugin_refs", field,
				fmt.Sprintf("plugin %q is configured but not found", name))
		}
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addError(r, "api", "api.auth", "API enabled but no api_key or tokens configured; every request would be rejected")
	}
}

// validateTokenScopes checks that every scope is one the API understands.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			if auth.IsKnownScope(scope) {
				continue
			}
			d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
				fmt.Sprintf("unknown scope %q (expected one of %s)", strings.TrimSpace(scope), strings.Join(auth.KnownScopes(), ", ")))
		}
	}
}

// validateDispatch flags bounds that are legal but almost certainly wrong.
func (d *Doctor) validateDispatch(r *Result) {
	dc := d.cfg.Dispatch
	if dc.MaxReplyHops > maxSensibleReplyHops {
		d.addWarning(r, "dispatch", "dispatch.max_reply_hops",
			fmt.Sprintf("max_reply_hops %d allows very long unattended command loops", dc.MaxReplyHops))
	}
	if dc.AsyncTimeout > 0 && dc.AsyncTimeout < minSensibleTimeout {
		d.addWarning(r, "dispatch", "dispatch.async_timeout",
			fmt.Sprintf("async_timeout %s is shorter than most commands take", dc.AsyncTimeout))
	}
	for name, pc := range d.cfg.Plugins {
		if pc.Timeout > 0 && dc.AsyncTimeout > 0 && pc.Timeout > dc.AsyncTimeout {
			d.addWarning(r, "dispatch", fmt.Sprintf("plugins.%s.timeout", name),
				fmt.Sprintf("plugin timeout %s exceeds dispatch.async_timeout %s; the pass times out first", pc.Timeout, dc.AsyncTimeout))
		}
	}
}

// warnCommandPath warns when commands can run but never be extracted.
func (d *Doctor) warnCommandPath(r *Result) {
	if d.registry.IsEnabled(sysexec.ID) && !d.registry.IsEnabled(syntax.ID) {
		d.addWarning(r, "plugins", "plugins."+syntax.ID,
			fmt.Sprintf("%s is enabled but %s is not; model replies will never produce command calls", sysexec.ID, syntax.ID))
	}
}

// warnUnconfiguredPlugins warns about discovered plugins that start enabled
// only because config does not mention them.
func (d *Doctor) warnUnconfiguredPlugins(r *Result) {
	for _, e := range d.registry.Entries() {
		if e.ID == syntax.ID || e.ID == sysexec.ID {
			continue
		}
		if _, inConfig := d.cfg.Plugins[e.ID]; !inConfig {
			d.addWarning(r, "unconfigured", "",
				fmt.Sprintf("plugin %q discovered but not referenced in config (enabled by default)", e.ID))
		}
	}
}

// validateWebhooks checks the inbound listener against the API server and
// parses each endpoint the way the server will.
func (d *Doctor) validateWebhooks(r *Result) {
	wc := d.cfg.Webhooks
	if wc == nil {
		return
	}
	if len(wc.Endpoints) == 0 {
		d.addWarning(r, "webhooks", "webhooks.endpoints", "webhooks configured without endpoints; the listener will not start")
		return
	}
	if d.cfg.API.Enabled && wc.Listen == d.cfg.API.Listen {
		d.addError(r, "webhooks", "webhooks.listen",
			fmt.Sprintf("webhooks.listen %q is also used by the API server", wc.Listen))
	}
	if _, err := webhook.FromGlobalConfig(wc); err != nil {
		d.addError(r, "webhooks", "webhooks.endpoints", err.Error())
	}
}

// warnAPIKey warns about the all-access key.
func (d *Doctor) warnAPIKey(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	for i, token := range d.cfg.API.Auth.Tokens {
		if token.Token == "" {
			d.addWarning(r, "env_vars", fmt.Sprintf("api.auth.tokens[%d].token", i),
				"token value is empty (possibly unresolved environment variable)")
		}
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth.api_key",
			"api_key grants full access; prefer tokens with scopes")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
