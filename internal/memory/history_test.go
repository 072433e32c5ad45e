package memory

import (
	"strings"
	"testing"

	"github.com/darcyhq/stella/internal/llm"
)

func TestHistoryStartsWithSystemTurn(t *testing.T) {
	h := NewHistory("sess-1", "You are a test assistant.")

	turns := h.Snapshot()
	if len(turns) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(turns))
	}
	if turns[0].Role != RoleSystem || turns[0].Content != "You are a test assistant." {
		t.Errorf("unexpected first turn: %+v", turns[0])
	}
	if h.SessionID() != "sess-1" {
		t.Errorf("unexpected session id %q", h.SessionID())
	}
}

func TestHistoryPreservesToolLinkage(t *testing.T) {
	h := NewHistory("sess-1", "system")
	h.AddUser("what is due?")
	h.AddAssistant(llm.Message{ToolCalls: []llm.ToolCall{{
		ID:       "call-1",
		Function: llm.ToolFunction{Name: "list_tasks"},
	}}})
	h.AddToolResult("call-1", "list_tasks", `{"t1": "Billing migration"}`)

	turns := h.Snapshot()
	if len(turns) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(turns))
	}
	assistant := turns[2]
	if assistant.Role != RoleAssistant || len(assistant.ToolCalls) != 1 {
		t.Errorf("expected verbatim assistant turn with tool call, got %+v", assistant)
	}
	result := turns[3]
	if result.Role != RoleTool || result.ToolCallID != "call-1" || result.ToolName != "list_tasks" {
		t.Errorf("expected correlated tool result, got %+v", result)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	h := NewHistory("sess-1", "system")
	h.AddUser("hello")

	snap := h.Snapshot()
	snap[1].Content = "mutated"

	if got := h.Snapshot()[1].Content; got != "hello" {
		t.Errorf("expected history unaffected by snapshot mutation, got %q", got)
	}
}

func TestTranscriptRendering(t *testing.T) {
	turns := []llm.Message{
		{Role: RoleSystem, Content: "never shown"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, ToolCalls: []llm.ToolCall{{
			Function: llm.ToolFunction{Name: "list_tasks"},
		}}},
		{Role: RoleTool, ToolName: "list_tasks", Content: `{"t1": "Billing"}`},
		{Role: RoleAssistant, Content: "you have one task"},
	}

	got := Transcript(turns)
	if strings.Contains(got, "never shown") {
		t.Errorf("expected system prompt omitted, got %q", got)
	}
	for _, want := range []string{
		"user: hi\n",
		"[assistant requested list_tasks]\n",
		"[tool list_tasks]",
		"assistant: you have one task\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("expected transcript to contain %q, got %q", want, got)
		}
	}
}
