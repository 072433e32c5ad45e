// Package checkup implements the check-in lifecycle: scheduling a
// conversation with a roster member, hydrating it with tracker and
// profile context, driving it through an agent engine, and distilling
// the finished transcript into the next profile record.
package checkup

import "fmt"

// State is the position of one check-in within its lifecycle.
type State int

const (
	// StateScheduled means a trigger exists but has not fired.
	StateScheduled State = iota
	// StateHydrating means context is being gathered for the session.
	StateHydrating
	// StateConversing means the member and the engine are exchanging
	// messages.
	StateConversing
	// StateEndRequested means the model asked, and the member agreed,
	// to wrap up.
	StateEndRequested
	// StateClosing means the transcript is being persisted and the
	// session handle removed.
	StateClosing
	// StateExtracting means the profile extraction run is in flight.
	StateExtracting
	// StatePersisted means the new profile record has been written.
	StatePersisted
	// StateRescheduled means the next trigger is registered.
	StateRescheduled
)

// String returns the state name for logs and events.
func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateHydrating:
		return "hydrating"
	case StateConversing:
		return "conversing"
	case StateEndRequested:
		return "end_requested"
	case StateClosing:
		return "closing"
	case StateExtracting:
		return "extracting"
	case StatePersisted:
		return "persisted"
	case StateRescheduled:
		return "rescheduled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// HydrationError means a check-in could not start because the subject
// is unusable: unknown member, or a member with no chat channel. No
// session is created; the trigger is consumed.
type HydrationError struct {
	SubjectID string
	Reason    string
	Err       error
}

func (e *HydrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot hydrate check-in for %s: %s: %v", e.SubjectID, e.Reason, e.Err)
	}
	return fmt.Sprintf("cannot hydrate check-in for %s: %s", e.SubjectID, e.Reason)
}

func (e *HydrationError) Unwrap() error {
	return e.Err
}
