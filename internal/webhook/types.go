package webhook

import (
	"context"

	"github.com/mattjoyce/palaver/internal/convo"
)

// Conversation is the part of the chat session a webhook can drive.
type Conversation interface {
	Send(ctx context.Context, text string) (*convo.Turn, error)
	Transcribe(ctx context.Context, text string) error
}

// Action says what a verified delivery does.
type Action string

const (
	// ActionChat submits the text as user input and waits for the reply.
	ActionChat Action = "chat"
	// ActionTranscribe delivers the text to every plugin as a transcription.
	ActionTranscribe Action = "transcribe"
)

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	// Path is the URL path, e.g. "/hooks/stt".
	Path   string
	Action Action

	// Secret is the HMAC-SHA256 key shared with the sender.
	Secret string
	// SignatureHeader carries the signature, e.g. "X-Hub-Signature-256".
	SignatureHeader string

	MaxBodySize int64
}

// Payload is the accepted JSON body. A body that is not a JSON object is
// taken as plain text.
type Payload struct {
	Text string `json:"text"`
}

// TriggerResponse is the JSON response for accepted deliveries.
type TriggerResponse struct {
	Action Action `json:"action"`
	TurnID string `json:"turn_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

const (
	DefaultMaxBodySize     = 1048576 // 1 MB
	DefaultSignatureHeader = "X-Hub-Signature-256"
)
