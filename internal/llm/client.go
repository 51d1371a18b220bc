package llm

import "context"

// Client is the interface the reasoning loop uses to talk to the model
// backend.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// Tools are OpenAI-format function definitions.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
