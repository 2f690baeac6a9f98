package ai

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

// Provider is the minimal one-shot generation contract.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
