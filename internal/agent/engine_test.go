package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/darcyhq/stella/internal/confirm"
	"github.com/darcyhq/stella/internal/llm"
	"github.com/darcyhq/stella/internal/memory"
	"github.com/darcyhq/stella/internal/tools"
)

// scriptedClient replays a fixed sequence of responses and records
// every request it sees.
type scriptedClient struct {
	responses []*llm.ChatResponse
	errs      []error
	calls     int
	seen      [][]llm.Message
}

func (c *scriptedClient) Chat(ctx context.Context, model string, messages []llm.Message, toolSchemas []map[string]any) (*llm.ChatResponse, error) {
	c.seen = append(c.seen, messages)
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i >= len(c.responses) {
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "done"}}, nil
	}
	return c.responses[i], nil
}

func (c *scriptedClient) Ping(ctx context.Context) error { return nil }

func assistantText(content string) *llm.ChatResponse {
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: content}}
}

func assistantCalls(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", ToolCalls: calls}}
}

func call(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Function: llm.ToolFunction{Name: name, Arguments: args}}
}

func newTestEngine(t *testing.T, client llm.Client, registry *tools.Registry, confirmer confirm.Confirmer, budget int) *Engine {
	t.Helper()
	if registry == nil {
		registry = tools.NewRegistry()
	}
	return New(Config{
		SessionID:    "sess-1",
		Client:       client,
		Model:        "test-model",
		History:      memory.NewHistory("sess-1", "You are a test assistant."),
		Registry:     registry,
		Confirmer:    confirmer,
		MaxToolCalls: budget,
	})
}

func TestHandleMessagePlainAnswer(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{assistantText("hello there")}}
	engine := newTestEngine(t, client, nil, nil, 10)

	res := engine.HandleMessage(context.Background(), "hi")
	if res.Failed {
		t.Fatal("unexpected failure")
	}
	if res.Text != "hello there" {
		t.Errorf("got %q, want %q", res.Text, "hello there")
	}
	if res.ToolCalls != 0 {
		t.Errorf("got %d tool calls, want 0", res.ToolCalls)
	}
	// system + user + assistant
	if n := engine.History().Len(); n != 3 {
		t.Errorf("history has %d turns, want 3", n)
	}
}

func TestHandleMessageToolResultParity(t *testing.T) {
	registry := tools.NewRegistry()
	var executed []string
	registry.Register(&tools.Tool{
		Name: "echo",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			executed = append(executed, tools.StringArg(args, "text"))
			return "echoed", nil
		},
	})

	client := &scriptedClient{responses: []*llm.ChatResponse{
		assistantCalls(
			call("c1", "echo", map[string]any{"text": "a"}),
			call("c2", "echo", map[string]any{"text": "b"}),
		),
		assistantText("both echoed"),
	}}
	engine := newTestEngine(t, client, registry, nil, 10)

	res := engine.HandleMessage(context.Background(), "echo twice")
	if res.Failed {
		t.Fatal("unexpected failure")
	}
	if res.ToolCalls != 2 {
		t.Errorf("got %d tool calls, want 2", res.ToolCalls)
	}
	if len(executed) != 2 || executed[0] != "a" || executed[1] != "b" {
		t.Errorf("executed = %v, want [a b] in order", executed)
	}

	// Every requested call must have exactly one tool-result turn,
	// linked by call ID, before the second model call.
	second := client.seen[1]
	var resultIDs []string
	for _, m := range second {
		if m.Role == "tool" {
			resultIDs = append(resultIDs, m.ToolCallID)
		}
	}
	if len(resultIDs) != 2 || resultIDs[0] != "c1" || resultIDs[1] != "c2" {
		t.Errorf("tool result IDs = %v, want [c1 c2]", resultIDs)
	}
}

func TestHandleMessageToolErrorFoldedIntoConversation(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&tools.Tool{
		Name: "flaky",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("backend unavailable")
		},
	})

	client := &scriptedClient{responses: []*llm.ChatResponse{
		assistantCalls(call("c1", "flaky", nil)),
		assistantText("the backend is down, sorry"),
	}}
	engine := newTestEngine(t, client, registry, nil, 10)

	res := engine.HandleMessage(context.Background(), "try it")
	if res.Failed {
		t.Fatal("tool error must not fail the loop")
	}
	if res.Text != "the backend is down, sorry" {
		t.Errorf("got %q", res.Text)
	}

	second := client.seen[1]
	last := second[len(second)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "backend unavailable") {
		t.Errorf("error not folded into tool result: %+v", last)
	}
}

func TestHandleMessageUnknownTool(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		assistantCalls(call("c1", "no_such_tool", nil)),
		assistantText("I cannot do that"),
	}}
	engine := newTestEngine(t, client, nil, nil, 10)

	res := engine.HandleMessage(context.Background(), "do the thing")
	if res.Failed {
		t.Fatal("unknown tool must not fail the loop")
	}
	second := client.seen[1]
	last := second[len(second)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "no_such_tool") {
		t.Errorf("missing tool-unavailable result: %+v", last)
	}
}

func TestHandleMessageBudgetExhausted(t *testing.T) {
	registry := tools.NewRegistry()
	executed := 0
	registry.Register(&tools.Tool{
		Name: "tick",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			executed++
			return "tock", nil
		},
	})

	client := &scriptedClient{responses: []*llm.ChatResponse{
		assistantCalls(
			call("c1", "tick", nil),
			call("c2", "tick", nil),
			call("c3", "tick", nil),
		),
		assistantText("ran out of budget"),
	}}
	engine := newTestEngine(t, client, registry, nil, 2)

	res := engine.HandleMessage(context.Background(), "tick three times")
	if res.Failed {
		t.Fatal("budget exhaustion must not fail the loop")
	}
	if executed != 2 {
		t.Errorf("executed %d calls, want 2", executed)
	}
	if res.ToolCalls != 3 {
		t.Errorf("counted %d tool calls, want 3", res.ToolCalls)
	}

	// The third call still gets a result turn so the conversation
	// stays well formed, but it says the call was not executed.
	second := client.seen[1]
	var results []llm.Message
	for _, m := range second {
		if m.Role == "tool" {
			results = append(results, m)
		}
	}
	if len(results) != 3 {
		t.Fatalf("got %d tool results, want 3", len(results))
	}
	if !strings.Contains(results[2].Content, "not executed") {
		t.Errorf("budget result = %q", results[2].Content)
	}
}

func TestHandleMessageConfirmDecline(t *testing.T) {
	registry := tools.NewRegistry()
	executed := false
	registry.Register(&tools.Tool{
		Name:    "create_task",
		Confirm: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			executed = true
			return "created", nil
		},
	})

	client := &scriptedClient{responses: []*llm.ChatResponse{
		assistantCalls(call("c1", "create_task", map[string]any{"name": "x"})),
		assistantText("okay, I won't"),
	}}
	engine := newTestEngine(t, client, registry, confirm.Always(confirm.Declined), 10)

	res := engine.HandleMessage(context.Background(), "make a task")
	if res.Failed {
		t.Fatal("decline must not fail the loop")
	}
	if executed {
		t.Error("declined tool was executed")
	}
	second := client.seen[1]
	last := second[len(second)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "declined") {
		t.Errorf("missing decline result: %+v", last)
	}
}

func TestHandleMessageConfirmTimeoutDeclines(t *testing.T) {
	registry := tools.NewRegistry()
	executed := false
	registry.Register(&tools.Tool{
		Name:    "create_task",
		Confirm: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			executed = true
			return "created", nil
		},
	})

	client := &scriptedClient{responses: []*llm.ChatResponse{
		assistantCalls(call("c1", "create_task", map[string]any{"name": "x"})),
		assistantText("no answer, skipping"),
	}}
	engine := newTestEngine(t, client, registry, confirm.Always(confirm.TimedOut), 10)

	engine.HandleMessage(context.Background(), "make a task")
	if executed {
		t.Error("timed-out confirmation must not execute the tool")
	}
}

func TestHandleMessageConfirmApproveExecutes(t *testing.T) {
	registry := tools.NewRegistry()
	executed := false
	registry.Register(&tools.Tool{
		Name:    "create_task",
		Confirm: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			executed = true
			return "created", nil
		},
	})

	client := &scriptedClient{responses: []*llm.ChatResponse{
		assistantCalls(call("c1", "create_task", map[string]any{"name": "x"})),
		assistantText("done"),
	}}
	engine := newTestEngine(t, client, registry, confirm.Always(confirm.Approved), 10)

	engine.HandleMessage(context.Background(), "make a task")
	if !executed {
		t.Error("approved tool was not executed")
	}
}

func TestHandleMessageModelErrorReturnsApology(t *testing.T) {
	client := &scriptedClient{errs: []error{errors.New("connection refused")}}
	engine := newTestEngine(t, client, nil, nil, 10)

	res := engine.HandleMessage(context.Background(), "hi")
	if !res.Failed {
		t.Fatal("model error must fail the loop")
	}
	if res.Text != CrashApology {
		t.Errorf("got %q, want the fixed apology", res.Text)
	}
}

func TestHandleMessageLookupResultsFeedHumanizer(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&tools.Tool{
		Name:     "list_projects",
		CachesAs: "project",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return `{"p1":"Website Redesign"}`, nil
		},
	})

	client := &scriptedClient{responses: []*llm.ChatResponse{
		assistantCalls(call("c1", "list_projects", nil)),
		assistantText("you have one project"),
	}}
	engine := newTestEngine(t, client, registry, nil, 10)

	engine.HandleMessage(context.Background(), "what projects are there?")
	if got := engine.Humanizer().Lookup("project", "p1"); got != "Website Redesign" {
		t.Errorf("cache lookup = %q, want %q", got, "Website Redesign")
	}
}
