package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient wraps the official OpenAI SDK behind the provider
// interface.
type OpenAIClient struct {
	client openai.Client
}

// NewOpenAIClient creates an OpenAI provider with the given API key.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Chat sends a chat completion request to OpenAI.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: convertMessages(messages),
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai chat: no choices returned")
	}

	choice := completion.Choices[0].Message
	out := &ChatResponse{
		Model:        model,
		CreatedAt:    time.Unix(completion.Created, 0),
		Done:         true,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
		Message: Message{
			Role:    "assistant",
			Content: choice.Content,
		},
	}

	for _, wtc := range choice.ToolCalls {
		var tc ToolCall
		tc.ID = wtc.ID
		tc.Function.Name = wtc.Function.Name
		// OpenAI sends arguments as a JSON string; the neutral form
		// carries them decoded. Malformed JSON becomes empty args so
		// the tool layer can report the problem as a tool result.
		args := map[string]any{}
		if wtc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(wtc.Function.Arguments), &args)
		}
		tc.Function.Arguments = args
		out.Message.ToolCalls = append(out.Message.ToolCalls, tc)
	}

	return out, nil
}

// convertMessages maps neutral messages to the SDK's param unions,
// preserving tool-call linkage so multi-turn tool exchanges replay
// correctly.
func convertMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "user":
			out = append(out, openai.UserMessage(m.Content))
		case "tool":
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case "assistant":
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				assistant.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				argsJSON, err := json.Marshal(tc.Function.Arguments)
				if err != nil {
					argsJSON = []byte("{}")
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Function.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}
	return out
}

// convertTools maps generic tool schemas (the registry's wire format,
// already shaped like OpenAI function definitions) to SDK params.
func convertTools(tools []map[string]any) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		param := openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        name,
				Description: openai.String(desc),
			},
		}
		if schema, ok := fn["parameters"].(map[string]any); ok {
			param.Function.Parameters = openai.FunctionParameters(schema)
		}
		out = append(out, param)
	}
	return out
}

// Ping checks if the OpenAI API is reachable with the configured key.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	_, err := c.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai unreachable: %w", err)
	}
	return nil
}
