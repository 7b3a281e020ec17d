package api

import (
	"net/http"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/mattjoyce/palaver/internal/auth"
	"github.com/mattjoyce/palaver/internal/chat"
)

type route struct {
	method  string
	path    string
	summary string
	scope   string
	request any
	reply   any
}

var routes = []route{
	{http.MethodPost, "/chat", "Submit user input and wait for the model reply", auth.ScopeChatRW, ChatRequest{}, ChatResponse{}},
	{http.MethodPost, "/stop", "Stop running commands", auth.ScopeChatRW, nil, StatusResponse{}},
	{http.MethodPost, "/reset", "Start a new conversation thread", auth.ScopeChatRW, nil, StatusResponse{}},
	{http.MethodPost, "/audio", "Toggle audio input", auth.ScopeChatRW, AudioRequest{}, StatusResponse{}},
	{http.MethodPost, "/transcribe", "Deliver a transcription to every plugin", auth.ScopeChatRW, TranscribeRequest{}, StatusResponse{}},
	{http.MethodGet, "/capabilities", "UI features requested by plugins", auth.ScopeChatRO, nil, chat.Capabilities{}},
	{http.MethodGet, "/turns", "List recent turns", auth.ScopeChatRO, nil, TurnListResponse{}},
	{http.MethodGet, "/turns/{turnID}", "Get one turn", auth.ScopeChatRO, nil, nil},
	{http.MethodGet, "/turns/{turnID}/passes", "List dispatch passes over a turn", auth.ScopeChatRO, nil, PassListResponse{}},
	{http.MethodGet, "/passes", "List recent dispatch passes", auth.ScopeChatRO, nil, PassListResponse{}},
	{http.MethodGet, "/plugins", "List plugins in dispatch order", auth.ScopePluginsRO, nil, PluginListResponse{}},
	{http.MethodPost, "/plugins/{pluginID}/enable", "Enable a plugin", auth.ScopePluginsRW, nil, PluginSummary{}},
	{http.MethodPost, "/plugins/{pluginID}/disable", "Disable a plugin", auth.ScopePluginsRW, nil, PluginSummary{}},
	{http.MethodGet, "/events", "Server-sent stream of lifecycle notices", auth.ScopeEventsRO, nil, nil},
	{http.MethodGet, "/events/ws", "Websocket stream of lifecycle notices; ?since=<id> replays the backlog", auth.ScopeEventsRO, nil, nil},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document covering the API routes.
func buildOpenAPIDoc() map[string]any {
	reflector := &jsonschema.Reflector{DoNotReference: true}
	paths := map[string]any{}

	for _, rt := range routes {
		op := map[string]any{
			"summary":  rt.summary,
			"security": []any{map[string]any{"BearerAuth": []string{rt.scope}}},
			"responses": map[string]any{
				"200": response("OK", reflector, rt.reply),
				"401": map[string]any{"description": "Missing or invalid token"},
				"403": map[string]any{"description": "Insufficient scope"},
			},
		}
		if rt.request != nil {
			op["requestBody"] = map[string]any{
				"required": true,
				"content": map[string]any{
					"application/json": map[string]any{"schema": reflector.Reflect(rt.request)},
				},
			}
		}
		item, _ := paths[rt.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.path] = item
		}
		item[strings.ToLower(rt.method)] = op
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "palaver",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func response(desc string, reflector *jsonschema.Reflector, body any) map[string]any {
	out := map[string]any{"description": desc}
	if body != nil {
		out["content"] = map[string]any{
			"application/json": map[string]any{"schema": reflector.Reflect(body)},
		}
	}
	return out
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}
