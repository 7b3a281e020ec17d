package chat

import (
	"context"
	"fmt"
	"strings"
)

// Message is one entry of the conversation sent to a model.
type Message struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

// Model produces the assistant reply for a conversation.
type Model interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, messages []Message) (string, error)

func (f ModelFunc) Complete(ctx context.Context, messages []Message) (string, error) {
	return f(ctx, messages)
}

// Echo replies with the last user message. Typing a command call block runs
// the command, which makes it useful for exercising plugins without a backend.
type Echo struct{}

func (Echo) Complete(_ context.Context, messages []Message) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content, nil
		}
	}
	return "", nil
}

// NewModel resolves a configured model name.
func NewModel(name string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "echo":
		return Echo{}, nil
	default:
		return nil, fmt.Errorf("unknown model %q", name)
	}
}
