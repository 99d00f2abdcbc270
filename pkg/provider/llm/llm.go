// Package llm defines the reply-generation contract.
//
// Providers are stateless per call: they hold no session memory, so callers
// pass the full conversation history on every request. The same provider
// instance serves live turns and the post-call extraction path, which only
// differ in the system prompt they supply.
package llm

import "context"

// Message roles used in conversation history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged turn of conversation history.
type Message struct {
	Role    string
	Content string
}

// CompletionRequest describes one completion call.
type CompletionRequest struct {
	// SystemPrompt is prepended as a system message when non-empty.
	SystemPrompt string
	// Messages is the full conversation history, oldest first.
	Messages []Message
	// Temperature, when non-zero, overrides the backend default.
	Temperature float64
	// MaxTokens, when positive, caps the completion length.
	MaxTokens int
}

// Usage reports backend token accounting when available.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is the result of a completion call.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider generates a reply from a conversation history. Implementations
// must be safe for concurrent use across calls.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Name identifies the provider for logging and metrics.
	Name() string
}
