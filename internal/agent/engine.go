// Package agent implements the core agent execution loop: the
// per-session control algorithm that turns one user utterance into
// zero or more tool invocations and a final textual answer.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/darcyhq/stella/internal/confirm"
	"github.com/darcyhq/stella/internal/events"
	"github.com/darcyhq/stella/internal/llm"
	"github.com/darcyhq/stella/internal/memory"
	"github.com/darcyhq/stella/internal/tools"
)

// CrashApology is the fixed, non-technical message returned when the
// loop hits an unrecoverable error. The subject never sees raw error
// text.
const CrashApology = "Sorry, I crashed ): Give us a moment, we will get back to you soon."

// budgetExhaustedResult is recorded for tool calls past the budget.
// The call is not executed; the model is told so it can explain.
const budgetExhaustedResult = "The maximum number of tool calls has been reached. This call was not executed; wrap up and inform the user."

// Config holds everything an Engine needs. All fields except Logger,
// Bus and Humanizer are required.
type Config struct {
	SessionID string
	Client    llm.Client
	Model     string
	History   *memory.History
	Registry  *tools.Registry
	Confirmer confirm.Confirmer
	Humanizer *Humanizer
	Bus       *events.Bus
	Logger    *slog.Logger

	// MaxToolCalls bounds how many tool calls one utterance may
	// trigger. Calls past the budget are recorded as failed but the
	// loop continues so the model can explain.
	MaxToolCalls int
}

// Engine drives the model/tool exchange for one session. An Engine
// owns its history, registry and lookup cache; it is never shared
// across sessions and handles one utterance at a time.
type Engine struct {
	sessionID    string
	client       llm.Client
	model        string
	history      *memory.History
	registry     *tools.Registry
	confirmer    confirm.Confirmer
	humanizer    *Humanizer
	bus          *events.Bus
	logger       *slog.Logger
	maxToolCalls int
}

// Result is the outcome of handling one utterance.
type Result struct {
	// Text is the final assistant answer, or CrashApology on failure.
	Text string
	// Failed is set when the loop hit an unrecoverable error.
	Failed bool
	// ToolCalls counts tool-call requests issued while handling the
	// utterance, including declined and budget-exhausted ones.
	ToolCalls int
}

// New creates an engine for one session.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	humanizer := cfg.Humanizer
	if humanizer == nil {
		humanizer = NewHumanizer(nil)
	}
	confirmer := cfg.Confirmer
	if confirmer == nil {
		confirmer = confirm.Always(confirm.Declined)
	}
	return &Engine{
		sessionID:    cfg.SessionID,
		client:       cfg.Client,
		model:        cfg.Model,
		history:      cfg.History,
		registry:     cfg.Registry,
		confirmer:    confirmer,
		humanizer:    humanizer,
		bus:          cfg.Bus,
		logger:       logger,
		maxToolCalls: cfg.MaxToolCalls,
	}
}

// SessionID returns the engine's session identifier.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// History returns the engine's conversation memory.
func (e *Engine) History() *memory.History {
	return e.history
}

// Humanizer returns the engine's lookup cache and humanization rules.
func (e *Engine) Humanizer() *Humanizer {
	return e.humanizer
}

// HandleMessage appends the utterance as a user turn and drives the
// model/tool exchange until the model answers without requesting
// tools. Tool failures, declined confirmations and budget exhaustion
// are folded into conversation state, never surfaced as errors; only
// a failing model call ends the exchange unsuccessfully, in which
// case Result carries the fixed apology.
func (e *Engine) HandleMessage(ctx context.Context, utterance string) Result {
	ctx = tools.WithSessionID(ctx, e.sessionID)
	e.history.AddUser(utterance)

	toolCallCount := 0

	for {
		turns := e.history.Snapshot()
		schemas := e.registry.Schemas()

		e.publish(events.SourceAgent, events.KindModelCall, map[string]any{
			"session_id": e.sessionID,
			"model":      e.model,
			"turns":      len(turns),
		})

		resp, err := e.client.Chat(ctx, e.model, turns, schemas)
		if err != nil {
			// Unrecoverable: the model call itself failed. Convert to
			// the fixed user-facing apology; the raw error goes to the
			// log only.
			e.logger.Error("model call failed",
				"session_id", e.sessionID,
				"model", e.model,
				"error", err,
			)
			e.publish(events.SourceAgent, events.KindEngineDone, map[string]any{
				"session_id": e.sessionID,
				"tool_calls": toolCallCount,
				"failed":     true,
			})
			return Result{Text: CrashApology, Failed: true, ToolCalls: toolCallCount}
		}

		// The assistant turn is stored verbatim so tool-result turns
		// stay linked to their originating call IDs.
		e.history.AddAssistant(resp.Message)

		e.publish(events.SourceAgent, events.KindModelDone, map[string]any{
			"session_id": e.sessionID,
			"model":      e.model,
			"tool_calls": len(resp.Message.ToolCalls),
			"tokens_in":  resp.InputTokens,
			"tokens_out": resp.OutputTokens,
		})

		if len(resp.Message.ToolCalls) == 0 {
			e.publish(events.SourceAgent, events.KindEngineDone, map[string]any{
				"session_id": e.sessionID,
				"tool_calls": toolCallCount,
				"failed":     false,
			})
			return Result{Text: resp.Message.Content, ToolCalls: toolCallCount}
		}

		// Execute requested calls strictly in order. Sequential
		// execution keeps lookup-cache writes visible to later calls
		// in the same assistant turn.
		for _, tc := range resp.Message.ToolCalls {
			toolCallCount++
			e.handleToolCall(ctx, tc, toolCallCount)
		}
	}
}

// handleToolCall resolves one requested tool call to exactly one
// tool-result turn: budget exhaustion, declined confirmation,
// execution error, or success.
func (e *Engine) handleToolCall(ctx context.Context, tc llm.ToolCall, countSoFar int) {
	name := tc.Function.Name
	args := tc.Function.Arguments

	if countSoFar > e.maxToolCalls {
		e.logger.Warn("tool call budget exhausted",
			"session_id", e.sessionID,
			"tool", name,
			"budget", e.maxToolCalls,
		)
		e.history.AddToolResult(tc.ID, name, budgetExhaustedResult)
		return
	}

	tool := e.registry.Get(name)

	if tool != nil && tool.Confirm {
		prompt := e.humanizer.Prompt(name, args)
		e.publish(events.SourceConfirm, events.KindConfirmRequested, map[string]any{
			"session_id": e.sessionID,
			"tool":       name,
		})
		decision := e.confirmer.Confirm(ctx, e.sessionID, prompt)
		e.publish(events.SourceConfirm, events.KindConfirmResolved, map[string]any{
			"session_id": e.sessionID,
			"tool":       name,
			"decision":   decision.String(),
		})
		if !decision.Allowed() {
			e.history.AddToolResult(tc.ID, name,
				"The user declined this action. It was not executed; reflect that in your response.")
			return
		}
	}

	e.publish(events.SourceAgent, events.KindToolCall, map[string]any{
		"session_id": e.sessionID,
		"tool":       name,
	})

	start := time.Now()
	result, err := e.registry.Execute(ctx, name, args)
	elapsed := time.Since(start)

	if err != nil {
		// Tool failures are conversation state, not loop failures:
		// the model sees the error text and reacts in language.
		e.logger.Warn("tool execution failed",
			"session_id", e.sessionID,
			"tool", name,
			"error", err,
		)
		e.history.AddToolResult(tc.ID, name, fmt.Sprintf("Error: %v", err))
		e.publish(events.SourceAgent, events.KindToolDone, map[string]any{
			"session_id":  e.sessionID,
			"tool":        name,
			"ok":          false,
			"duration_ms": elapsed.Milliseconds(),
		})
		return
	}

	e.history.AddToolResult(tc.ID, name, result)

	if tool != nil && tool.CachesAs != "" {
		e.humanizer.Store(tool.CachesAs, result)
	}

	e.publish(events.SourceAgent, events.KindToolDone, map[string]any{
		"session_id":  e.sessionID,
		"tool":        name,
		"ok":          true,
		"duration_ms": elapsed.Milliseconds(),
	})
}

func (e *Engine) publish(source, kind string, data map[string]any) {
	e.bus.Publish(events.Event{Source: source, Kind: kind, Data: data})
}
