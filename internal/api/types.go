package api

import (
	"github.com/mattjoyce/palaver/internal/command"
	"github.com/mattjoyce/palaver/internal/convo"
)

// ChatRequest is the JSON body for POST /chat.
type ChatRequest struct {
	Text string `json:"text" jsonschema:"minLength=1"`
}

// ChatResponse is returned by POST /chat once the model has replied. Command
// calls in the reply run in the background; follow them on /events.
type ChatResponse struct {
	Turn *convo.Turn `json:"turn"`
}

// AudioRequest is the JSON body for POST /audio.
type AudioRequest struct {
	On bool `json:"on"`
}

// TranscribeRequest is the JSON body for POST /transcribe.
type TranscribeRequest struct {
	Text string `json:"text"`
}

// PluginSummary describes one registry entry.
type PluginSummary struct {
	ID          string `json:"id"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
}

// PluginListResponse is returned by GET /plugins, in dispatch order.
type PluginListResponse struct {
	Plugins []PluginSummary `json:"plugins"`
}

// TurnListResponse is returned by GET /turns.
type TurnListResponse struct {
	Turns []*convo.Turn `json:"turns"`
}

// PassListResponse is returned by GET /passes and GET /turns/{id}/passes.
type PassListResponse struct {
	Passes []*command.Pass `json:"passes"`
}

// StatusResponse acknowledges an action.
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	PluginsLoaded  int    `json:"plugins_loaded"`
	PluginsEnabled int    `json:"plugins_enabled"`
}
