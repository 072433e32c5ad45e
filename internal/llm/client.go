package llm

import "context"

// Client is the interface all model providers implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// tools carries the JSON schema of every registered tool; an empty
	// slice disables tool calling for the request.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
