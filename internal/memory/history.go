// Package memory provides per-session conversation memory.
package memory

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/darcyhq/stella/internal/llm"
)

// Turn roles recorded in a history. These mirror the model wire roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// History is the ordered, append-only turn log for one session.
// Exactly one system turn exists, always first. A History is owned by
// a single engine instance; the mutex only guards against snapshot
// readers (web dashboard, transcript capture) racing the owner.
type History struct {
	mu        sync.Mutex
	sessionID string
	turns     []llm.Message
	createdAt time.Time
}

// NewHistory creates a history for the session with the given system
// prompt as its first turn.
func NewHistory(sessionID, systemPrompt string) *History {
	return &History{
		sessionID: sessionID,
		turns:     []llm.Message{{Role: RoleSystem, Content: systemPrompt}},
		createdAt: time.Now(),
	}
}

// SessionID returns the owning session's identifier.
func (h *History) SessionID() string {
	return h.sessionID
}

// AddUser appends a user turn.
func (h *History) AddUser(content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, llm.Message{Role: RoleUser, Content: content})
}

// AddAssistant appends the assistant turn exactly as the model
// produced it. Storing the verbatim message, tool calls included, is
// required so later tool-result turns stay structurally linked to
// their originating call IDs.
func (h *History) AddAssistant(msg llm.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msg.Role = RoleAssistant
	h.turns = append(h.turns, msg)
}

// AddToolResult appends a tool-result turn correlated to a prior
// assistant tool call.
func (h *History) AddToolResult(toolCallID, toolName, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, llm.Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		ToolName:   toolName,
	})
}

// Snapshot returns a copy of all turns in order. The copy is safe to
// retain after the session closes.
func (h *History) Snapshot() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of turns recorded.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// Transcript renders the conversation as readable text, one line per
// turn, omitting the system prompt and tool plumbing detail. This is
// the form persisted into checkup records and fed to the extraction
// engine.
func Transcript(turns []llm.Message) string {
	var b strings.Builder
	for _, t := range turns {
		switch t.Role {
		case RoleSystem:
			continue
		case RoleTool:
			fmt.Fprintf(&b, "[tool %s] %s\n", t.ToolName, t.Content)
		case RoleAssistant:
			if t.Content == "" && len(t.ToolCalls) > 0 {
				for _, tc := range t.ToolCalls {
					fmt.Fprintf(&b, "[assistant requested %s]\n", tc.Function.Name)
				}
				continue
			}
			fmt.Fprintf(&b, "assistant: %s\n", t.Content)
		default:
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
	}
	return b.String()
}
