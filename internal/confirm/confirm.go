// Package confirm implements the human approval exchange that gates
// mutating tool calls. Outcomes are explicit values, not errors:
// decline and timeout are expected results the engine folds back into
// conversation state.
package confirm

import "context"

// Decision is the outcome of one confirmation exchange.
type Decision int

const (
	// Declined means the user rejected the action, or no reply
	// arrived before the deadline.
	Declined Decision = iota
	// Approved means the user explicitly approved the action.
	Approved
	// TimedOut means the reply deadline passed. Callers treat it the
	// same as Declined; the distinction exists for observability.
	TimedOut
)

// String returns the decision name for logs and events.
func (d Decision) String() string {
	switch d {
	case Approved:
		return "approved"
	case TimedOut:
		return "timed_out"
	default:
		return "declined"
	}
}

// Allowed reports whether the gated action may proceed.
func (d Decision) Allowed() bool {
	return d == Approved
}

// Confirmer issues a confirmation request and blocks until it
// resolves. Implementations enforce their own reply timeout and must
// resolve to TimedOut rather than hang; one request receives exactly
// one decision.
type Confirmer interface {
	Confirm(ctx context.Context, sessionID, prompt string) Decision
}

// Func adapts a plain function to the Confirmer interface, for tests
// and static policies.
type Func func(ctx context.Context, sessionID, prompt string) Decision

// Confirm implements Confirmer.
func (f Func) Confirm(ctx context.Context, sessionID, prompt string) Decision {
	return f(ctx, sessionID, prompt)
}

// Always returns a Confirmer that resolves every request to d.
func Always(d Decision) Confirmer {
	return Func(func(context.Context, string, string) Decision { return d })
}
