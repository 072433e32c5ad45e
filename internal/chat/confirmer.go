package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/darcyhq/stella/internal/confirm"
)

// DefaultConfirmTimeout bounds how long a confirmation prompt waits
// for a reply before resolving to TimedOut.
const DefaultConfirmTimeout = 45 * time.Second

// confirmWaiters routes yes/no replies to whichever confirmation is
// pending on a channel. At most one confirmation waits per channel:
// the engine executes tool calls sequentially, so a second prompt
// cannot arrive while the first is open.
type confirmWaiters struct {
	mu      sync.Mutex
	waiting map[string]chan string // channel ID -> reply
}

func newConfirmWaiters() *confirmWaiters {
	return &confirmWaiters{waiting: make(map[string]chan string)}
}

// claim registers a waiter for the channel. The second return is
// false when a confirmation is already pending there.
func (w *confirmWaiters) claim(channelID string) (chan string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.waiting[channelID]; busy {
		return nil, false
	}
	ch := make(chan string, 1)
	w.waiting[channelID] = ch
	return ch, true
}

func (w *confirmWaiters) release(channelID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.waiting, channelID)
}

// resolve delivers an inbound message to the channel's pending
// confirmation. Returns false when none is waiting, in which case the
// message should be routed normally.
func (w *confirmWaiters) resolve(channelID, text string) bool {
	w.mu.Lock()
	ch, ok := w.waiting[channelID]
	if ok {
		delete(w.waiting, channelID)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	ch <- text
	return true
}

// channelConfirmer asks for approval by posting the humanized prompt
// to one chat channel and waiting for the member's reply.
type channelConfirmer struct {
	transport Transport
	waiters   *confirmWaiters
	channelID string
	timeout   time.Duration
}

// Confirm implements confirm.Confirmer.
func (c *channelConfirmer) Confirm(ctx context.Context, sessionID, prompt string) confirm.Decision {
	ch, ok := c.waiters.claim(c.channelID)
	if !ok {
		// A prompt is already pending on this channel; fail closed.
		return confirm.Declined
	}
	defer c.waiters.release(c.channelID)

	if err := c.transport.Send(ctx, c.channelID, prompt+"\n\nReply yes to approve, or no to skip."); err != nil {
		return confirm.Declined
	}

	select {
	case <-ctx.Done():
		return confirm.Declined
	case <-time.After(c.timeout):
		return confirm.TimedOut
	case reply := <-ch:
		if isApproval(reply) {
			return confirm.Approved
		}
		return confirm.Declined
	}
}

// isApproval interprets a free-text reply as approval. Anything not
// clearly positive declines.
func isApproval(reply string) bool {
	switch strings.ToLower(strings.TrimSpace(reply)) {
	case "yes", "y", "yes!", "yep", "yeah", "sure", "ok", "okay", "approve", "approved", "do it", "go ahead", "👍":
		return true
	default:
		return false
	}
}
