// Package events provides a publish/subscribe event bus for
// operational observability. Events flow from components (agent
// engine, checkup manager, gateway bridge, scheduler) to subscribers
// (WebSocket handler, MQTT mirror). The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard
// checks. Events are advisory only and never gate control flow.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the agent execution engine.
	SourceAgent = "agent"
	// SourceConfirm identifies events from the confirmation exchange.
	SourceConfirm = "confirm"
	// SourceCheckup identifies events from the checkup lifecycle.
	SourceCheckup = "checkup"
	// SourceGateway identifies events from the chat gateway bridge.
	SourceGateway = "gateway"
	// SourceScheduler identifies events from the trigger scheduler.
	SourceScheduler = "scheduler"
)

// Kind constants describe the type of event within a source.
const (
	// KindModelCall signals the start of a model invocation.
	// Data: session_id, model, turns.
	KindModelCall = "model_call"
	// KindModelDone signals completion of a model invocation.
	// Data: session_id, model, tool_calls, tokens_in, tokens_out.
	KindModelDone = "model_done"
	// KindToolCall signals the start of a tool execution.
	// Data: session_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: session_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindEngineDone signals an engine finished handling one utterance.
	// Data: session_id, tool_calls, failed.
	KindEngineDone = "engine_done"

	// KindConfirmRequested signals a pending confirmation was posted.
	// Data: session_id, tool.
	KindConfirmRequested = "confirm_requested"
	// KindConfirmResolved signals a confirmation reply (or timeout).
	// Data: session_id, tool, decision.
	KindConfirmResolved = "confirm_resolved"

	// KindCheckupState signals a checkup state machine transition.
	// Data: session_id, subject_id, state.
	KindCheckupState = "checkup_state"

	// KindMessageReceived signals an inbound gateway message.
	// Data: channel_id, sender, message_len.
	KindMessageReceived = "message_received"

	// KindTriggerFired signals a scheduled checkup trigger has fired.
	// Data: trigger_id, subject_id.
	KindTriggerFired = "trigger_fired"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive
// events on buffered channels; slow subscribers miss events rather
// than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept <-chan Event (the caller's view).
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
