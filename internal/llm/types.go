// Package llm provides model provider implementations.
package llm

import "time"

// Message represents a chat message exchanged with a model.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on tool-result messages
	ToolName   string     `json:"tool_name,omitempty"`    // set on tool-result messages
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned call identifier, required so a later
	// tool-result message can be correlated with this request.
	ID       string       `json:"id,omitempty"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the function half of a tool call: which tool and
// with what arguments.
type ToolFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is the unified response from any model provider.
// Wire format conversion happens at provider boundaries
// (ollama.go, openai.go).
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	// Token usage (provider-neutral).
	InputTokens  int
	OutputTokens int
}
