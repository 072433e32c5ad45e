package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/darcyhq/stella/internal/agent"
	"github.com/darcyhq/stella/internal/confirm"
	"github.com/darcyhq/stella/internal/events"
)

// Transport abstracts the gateway connection for testability. The
// real implementation is *Gateway.
type Transport interface {
	Send(ctx context.Context, channelID, text string) error
	Messages() <-chan *Inbound
}

// CheckupRouter is the check-in manager's claim on inbound messages.
// HandleInbound returns true when a live check-in owns the channel.
type CheckupRouter interface {
	HandleInbound(ctx context.Context, channelID, text string) bool
}

// EngineFactory builds an interactive engine for an ad-hoc
// conversation on a channel. The confirmer is already bound to that
// channel.
type EngineFactory func(channelID string, confirmer confirm.Confirmer) *agent.Engine

// handleTimeout bounds how long a single inbound message may be
// processed (engine loop plus confirmations plus reply send).
const handleTimeout = 10 * time.Minute

// rateWindow is the sliding window for per-channel rate limiting.
const rateWindow = time.Minute

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Transport Transport
	Checkups  CheckupRouter
	NewEngine EngineFactory
	Logger    *slog.Logger
	Bus       *events.Bus

	// RateLimit is messages per channel per minute; 0 means unlimited.
	RateLimit int

	// ConfirmTimeout overrides DefaultConfirmTimeout when positive.
	ConfirmTimeout time.Duration
}

// Bridge routes inbound chat messages: pending confirmation replies
// first, then live check-in sessions, then ad-hoc interactive
// conversations. Each channel is handled serially; different channels
// run concurrently so one member's long exchange never blocks
// another's.
type Bridge struct {
	transport      Transport
	checkups       CheckupRouter
	newEngine      EngineFactory
	logger         *slog.Logger
	bus            *events.Bus
	rateLimit      int
	confirmTimeout time.Duration
	waiters        *confirmWaiters

	mu           sync.Mutex
	engines      map[string]*agent.Engine // channel ID -> interactive engine
	channelLocks map[string]*sync.Mutex
	channelTimes map[string][]time.Time
}

// NewBridge creates a chat bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	return &Bridge{
		transport:      cfg.Transport,
		checkups:       cfg.Checkups,
		newEngine:      cfg.NewEngine,
		logger:         logger,
		bus:            cfg.Bus,
		rateLimit:      cfg.RateLimit,
		confirmTimeout: timeout,
		waiters:        newConfirmWaiters(),
		engines:        make(map[string]*agent.Engine),
		channelLocks:   make(map[string]*sync.Mutex),
		channelTimes:   make(map[string][]time.Time),
	}
}

// ConfirmerFor returns a confirmer that prompts on the given channel.
// The check-in manager and the engine factory both use this.
func (b *Bridge) ConfirmerFor(channelID string) confirm.Confirmer {
	return &channelConfirmer{
		transport: b.transport,
		waiters:   b.waiters,
		channelID: channelID,
		timeout:   b.confirmTimeout,
	}
}

// Start consumes inbound messages until ctx is cancelled or the
// message channel closes. Confirmation replies are resolved inline;
// everything else is dispatched to a per-channel handler goroutine so
// an engine waiting on a confirmation never deadlocks the loop.
func (b *Bridge) Start(ctx context.Context) {
	b.logger.Info("chat bridge started")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("chat bridge shutting down")
			return
		case msg, ok := <-b.transport.Messages():
			if !ok {
				b.logger.Info("gateway message channel closed, bridge stopping")
				return
			}

			b.bus.Publish(events.Event{
				Source: events.SourceGateway,
				Kind:   events.KindMessageReceived,
				Data: map[string]any{
					"channel_id":  msg.ChannelID,
					"sender":      msg.Sender,
					"message_len": len(msg.Text),
				},
			})

			if b.waiters.resolve(msg.ChannelID, msg.Text) {
				continue
			}

			if !b.allowChannel(msg.ChannelID) {
				b.logger.Warn("chat message rate-limited", "channel_id", msg.ChannelID)
				continue
			}

			go b.handleMessage(ctx, msg)
		}
	}
}

// handleMessage routes one inbound message to the check-in manager or
// an interactive engine, serialized per channel.
func (b *Bridge) handleMessage(ctx context.Context, msg *Inbound) {
	lock := b.lockFor(msg.ChannelID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	if b.checkups != nil && b.checkups.HandleInbound(ctx, msg.ChannelID, msg.Text) {
		return
	}

	engine := b.engineFor(msg.ChannelID)
	if engine == nil {
		b.logger.Debug("no engine for channel, message dropped", "channel_id", msg.ChannelID)
		return
	}

	result := engine.HandleMessage(ctx, msg.Text)
	if result.Text == "" {
		return
	}
	if err := b.transport.Send(ctx, msg.ChannelID, result.Text); err != nil {
		b.logger.Error("chat reply send failed",
			"channel_id", msg.ChannelID,
			"error", err,
		)
	}
}

// engineFor returns the channel's interactive engine, building one on
// first contact. Interactive conversations are long-lived: the engine
// and its history survive between messages.
func (b *Bridge) engineFor(channelID string) *agent.Engine {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.engines[channelID]; ok {
		return e
	}
	if b.newEngine == nil {
		return nil
	}
	e := b.newEngine(channelID, b.ConfirmerFor(channelID))
	if e != nil {
		b.engines[channelID] = e
	}
	return e
}

func (b *Bridge) lockFor(channelID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.channelLocks[channelID]
	if !ok {
		lock = &sync.Mutex{}
		b.channelLocks[channelID] = lock
	}
	return lock
}

// allowChannel checks the per-minute rate limit for a channel.
func (b *Bridge) allowChannel(channelID string) bool {
	if b.rateLimit <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-rateWindow)

	b.mu.Lock()
	defer b.mu.Unlock()

	timestamps := b.channelTimes[channelID]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= b.rateLimit {
		b.channelTimes[channelID] = valid
		return false
	}

	b.channelTimes[channelID] = append(valid, now)
	return true
}
