package checkup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/darcyhq/stella/internal/agent"
	"github.com/darcyhq/stella/internal/confirm"
	"github.com/darcyhq/stella/internal/events"
	"github.com/darcyhq/stella/internal/facts"
	"github.com/darcyhq/stella/internal/llm"
	"github.com/darcyhq/stella/internal/memory"
	"github.com/darcyhq/stella/internal/prompts"
	"github.com/darcyhq/stella/internal/roster"
	"github.com/darcyhq/stella/internal/scheduler"
	"github.com/darcyhq/stella/internal/tools"
	"github.com/darcyhq/stella/internal/tracker"
)

// Tool-call budgets per engine variant. Check-in conversations are
// long and tool-heavy; extraction needs one reschedule plus a few
// progress notes.
const (
	ConverseMaxToolCalls = 99
	ExtractMaxToolCalls  = 7
)

// DefaultInterval is used when extraction does not pick the next
// check-in time itself.
const DefaultInterval = 7 * 24 * time.Hour

// Surface delivers outbound messages to a chat channel.
type Surface interface {
	Send(ctx context.Context, channelID, text string) error
}

// ConfirmerFactory returns a confirmer bound to one chat channel, so
// approval prompts reach the member the session belongs to.
type ConfirmerFactory func(channelID string) confirm.Confirmer

// Session is one live check-in conversation.
type Session struct {
	ID         string
	SubjectID  string
	MemberName string
	ChannelID  string
	StartedAt  time.Time

	state        State
	engine       *agent.Engine
	endRequested atomic.Bool
}

// Config holds the manager's collaborators.
type Config struct {
	Logger    *slog.Logger
	Bus       *events.Bus
	Store     *Store
	Roster    *roster.Store
	Tracker   tracker.Tracker
	Facts     *facts.Store
	Scheduler *scheduler.Scheduler
	Surface   Surface
	Confirm   ConfirmerFactory
	Client llm.Client
	Model  string

	// ExtractModel runs the profile extraction; empty means Model.
	ExtractModel string

	// Interval between check-ins when extraction does not schedule
	// one. Zero means DefaultInterval.
	Interval time.Duration

	// MaxToolCalls and ExtractMaxToolCalls override the package
	// defaults when positive.
	MaxToolCalls        int
	ExtractMaxToolCalls int
}

// Manager owns the session table and drives each check-in through its
// lifecycle. Triggers and inbound messages arrive on different
// goroutines; the mutex guards the table and state transitions.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session // channel ID -> session
}

// NewManager creates a manager. Wire HandleTrigger into the scheduler
// and HandleInbound into the chat bridge.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ExtractModel == "" {
		cfg.ExtractModel = cfg.Model
	}
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = ConverseMaxToolCalls
	}
	if cfg.ExtractMaxToolCalls <= 0 {
		cfg.ExtractMaxToolCalls = ExtractMaxToolCalls
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// HandleTrigger is the scheduler callback: a fired trigger starts a
// check-in with its member. Hydration failures are logged, never
// retried; the member simply gets no conversation until the roster is
// fixed and a new trigger exists.
func (m *Manager) HandleTrigger(ctx context.Context, t *scheduler.Trigger) {
	m.cfg.Bus.Publish(events.Event{
		Source: events.SourceScheduler,
		Kind:   events.KindTriggerFired,
		Data:   map[string]any{"trigger_id": t.ID, "subject_id": t.MemberID},
	})
	if err := m.StartCheckup(ctx, t.MemberID); err != nil {
		m.logger.Error("check-in failed to start", "subject_id", t.MemberID, "error", err)
	}
}

// StartCheckup hydrates and opens a check-in conversation with the
// member. It returns a HydrationError when the member is unknown or
// has no chat channel; no session is created in that case.
func (m *Manager) StartCheckup(ctx context.Context, subjectID string) error {
	member, err := m.lookupSubject(subjectID)
	if err != nil {
		return err
	}

	sessionID := uuid.NewString()
	s := &Session{
		ID:         sessionID,
		SubjectID:  subjectID,
		MemberName: member.Name,
		ChannelID:  member.ChannelID,
		StartedAt:  time.Now(),
		state:      StateHydrating,
	}

	m.mu.Lock()
	if _, busy := m.sessions[member.ChannelID]; busy {
		m.mu.Unlock()
		return fmt.Errorf("check-in already active on channel %s", member.ChannelID)
	}
	m.sessions[member.ChannelID] = s
	m.mu.Unlock()
	m.publishState(s, StateHydrating)

	engine, err := m.hydrate(ctx, s)
	if err != nil {
		m.remove(s)
		return fmt.Errorf("hydration failed for %s: %w", member.Name, err)
	}
	s.engine = engine
	m.setState(s, StateConversing)

	// Synthetic kickoff: the member has not said anything yet; the
	// model produces the opening message.
	kickoff := fmt.Sprintf("(A scheduled check-in with %s is starting now. Open the conversation.)", member.Name)
	result := engine.HandleMessage(ctx, kickoff)
	if result.Failed {
		m.remove(s)
		m.send(ctx, s.ChannelID, result.Text)
		return fmt.Errorf("check-in opening failed for %s", member.Name)
	}
	m.send(ctx, s.ChannelID, result.Text)

	// The model can ask to close during the kickoff turn (nothing to
	// discuss); honor it here since no further inbound may arrive.
	if s.endRequested.Load() {
		m.finish(ctx, s)
		return nil
	}

	m.logger.Info("check-in started",
		"session_id", s.ID,
		"subject_id", subjectID,
		"member", member.Name,
	)
	return nil
}

// HandleInbound routes one inbound chat message. It returns true when
// a check-in session owns the channel, whether or not the message was
// acted on; false means the caller should route elsewhere.
func (m *Manager) HandleInbound(ctx context.Context, channelID, text string) bool {
	m.mu.Lock()
	s := m.sessions[channelID]
	if s != nil && s.state != StateConversing {
		m.mu.Unlock()
		// The session is winding down; late messages are dropped.
		return true
	}
	m.mu.Unlock()
	if s == nil {
		return false
	}

	result := s.engine.HandleMessage(ctx, text)
	m.send(ctx, channelID, result.Text)
	if result.Failed {
		// The session survives a crashed exchange; the member's next
		// message retries with the same history.
		return true
	}

	if s.endRequested.Load() {
		m.finish(ctx, s)
	}
	return true
}

// ActiveSessions returns a snapshot of live sessions for the
// dashboard.
func (m *Manager) ActiveSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) lookupSubject(subjectID string) (*roster.Member, error) {
	id, err := uuid.Parse(subjectID)
	if err != nil {
		return nil, &HydrationError{SubjectID: subjectID, Reason: "invalid member id", Err: err}
	}
	member, err := m.cfg.Roster.Get(id)
	if err != nil {
		return nil, &HydrationError{SubjectID: subjectID, Reason: "member not found", Err: err}
	}
	if member.ChannelID == "" {
		return nil, &HydrationError{SubjectID: subjectID, Reason: "member has no chat channel"}
	}
	return member, nil
}

// hydrate gathers profile, facts and open tasks, and builds the
// conversation engine.
func (m *Manager) hydrate(ctx context.Context, s *Session) (*agent.Engine, error) {
	var profile string
	if rec, err := m.cfg.Store.Current(s.SubjectID); err == nil {
		profile = rec.Profile
	} else if err != ErrNotFound {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	memberFacts, err := m.cfg.Facts.GetForMember(s.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load facts: %w", err)
	}

	tasks, err := m.cfg.Tracker.ListTasks(ctx, s.MemberName)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}

	prompt := prompts.CheckupPrompt(s.MemberName, profile, formatFacts(memberFacts), formatTasks(tasks))

	registry := tools.NewRegistry()
	tracker.RegisterTools(registry, m.cfg.Tracker)
	facts.RegisterTools(registry, m.cfg.Facts, s.SubjectID)
	m.registerEndTool(registry, s)
	m.registerProfileTool(registry, s)

	return agent.New(agent.Config{
		SessionID:    s.ID,
		Client:       m.cfg.Client,
		Model:        m.cfg.Model,
		History:      memory.NewHistory(s.ID, prompt),
		Registry:     registry,
		Confirmer:    m.confirmerFor(s.ChannelID),
		Humanizer:    m.newHumanizer(),
		Bus:          m.cfg.Bus,
		Logger:       m.logger,
		MaxToolCalls: m.cfg.MaxToolCalls,
	}), nil
}

func (m *Manager) newHumanizer() *agent.Humanizer {
	h := agent.NewHumanizer(m.cfg.Roster)
	h.Rule("create_task", "project_id", "project")
	h.Rule("update_task", "task_id", "task")
	h.Rule("update_task", "project_id", "project")
	h.Rule("update_task_progress", "task_id", "task")
	return h
}

func (m *Manager) confirmerFor(channelID string) confirm.Confirmer {
	if m.cfg.Confirm == nil {
		return confirm.Always(confirm.Declined)
	}
	return m.cfg.Confirm(channelID)
}

// registerEndTool adds the confirm-gated conversation closer. The
// handler only flips a flag; the actual teardown starts once the
// model's goodbye message has gone out.
func (m *Manager) registerEndTool(registry *tools.Registry, s *Session) {
	registry.Register(&tools.Tool{
		Name:        "request_end_conversation",
		Description: "End the check-in once it has run its course. Ask for approval, then say goodbye.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Confirm: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			s.endRequested.Store(true)
			m.setState(s, StateEndRequested)
			return "Understood. Say goodbye in your next message; the conversation closes after that.", nil
		},
	})
}

func (m *Manager) registerProfileTool(registry *tools.Registry, s *Session) {
	registry.Register(&tools.Tool{
		Name:        "set_profile",
		Description: "Replace the stored one-paragraph profile of this member. Use when they describe their situation better than the current profile does.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"profile": map[string]any{
					"type":        "string",
					"description": "The new profile text.",
				},
			},
			"required": []string{"profile"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			profile := tools.StringArg(args, "profile")
			if profile == "" {
				return "", fmt.Errorf("set_profile: profile is required")
			}
			if err := m.cfg.Store.SetProfile(s.SubjectID, profile); err != nil {
				return "", err
			}
			return "profile updated", nil
		},
	})
}

// finish runs Closing through Rescheduled. The transcript is
// persisted before extraction so a failed profile run never loses the
// conversation.
func (m *Manager) finish(ctx context.Context, s *Session) {
	m.setState(s, StateClosing)

	transcript := memory.Transcript(s.engine.History().Snapshot())
	if err := m.cfg.Store.SaveTranscript(&Transcript{
		SessionID: s.ID,
		SubjectID: s.SubjectID,
		Body:      transcript,
	}); err != nil {
		m.logger.Error("failed to persist transcript", "session_id", s.ID, "error", err)
	}

	m.remove(s)

	m.setState(s, StateExtracting)
	ext, scheduled := m.runExtraction(ctx, s, transcript)

	if _, err := m.cfg.Store.Append(s.SubjectID, ext); err != nil {
		m.logger.Error("failed to persist checkup record", "session_id", s.ID, "error", err)
	}
	m.setState(s, StatePersisted)

	if !scheduled {
		next := time.Now().Add(m.cfg.Interval)
		if err := m.cfg.Scheduler.Add(&scheduler.Trigger{MemberID: s.SubjectID, FireAt: next}); err != nil {
			m.logger.Error("failed to schedule next check-in", "subject_id", s.SubjectID, "error", err)
		}
	}
	m.setState(s, StateRescheduled)

	m.logger.Info("check-in finished",
		"session_id", s.ID,
		"subject_id", s.SubjectID,
		"member", s.MemberName,
	)
}

// runExtraction drives the unattended profile run over the persisted
// transcript. Its tools run pre-approved: everything recorded here
// was already said by the member during the conversation.
func (m *Manager) runExtraction(ctx context.Context, s *Session, transcript string) (*Extraction, bool) {
	scheduled := false

	registry := tools.NewRegistry()
	tracker.RegisterProgressTool(registry, m.cfg.Tracker)
	registry.Register(&tools.Tool{
		Name:        "schedule_next_checkup",
		Description: "Schedule the next check-in with this member at a specific time.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"when": map[string]any{
					"type":        "string",
					"description": "ISO 8601 datetime, e.g. 2026-09-08T10:00:00Z.",
				},
			},
			"required": []string{"when"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			when, err := parseWhen(tools.StringArg(args, "when"))
			if err != nil {
				return "", err
			}
			if err := m.cfg.Scheduler.Add(&scheduler.Trigger{MemberID: s.SubjectID, FireAt: when}); err != nil {
				return "", err
			}
			scheduled = true
			return fmt.Sprintf("next check-in scheduled for %s", when.Format(time.RFC3339)), nil
		},
	})

	engine := agent.New(agent.Config{
		SessionID:    s.ID + "/extract",
		Client:       m.cfg.Client,
		Model:        m.cfg.ExtractModel,
		History:      memory.NewHistory(s.ID, prompts.ExtractionPrompt(s.MemberName)),
		Registry:     registry,
		Confirmer:    confirm.Always(confirm.Approved),
		Bus:          m.cfg.Bus,
		Logger:       m.logger,
		MaxToolCalls: m.cfg.ExtractMaxToolCalls,
	})

	result := engine.HandleMessage(ctx, transcript)
	if result.Failed {
		m.logger.Error("extraction run failed", "session_id", s.ID)
		return &Extraction{Summary: "(extraction failed)"}, scheduled
	}

	ext, err := parseExtraction(result.Text)
	if err != nil {
		m.logger.Warn("extraction produced no usable JSON",
			"session_id", s.ID,
			"error", err,
		)
		return &Extraction{Summary: strings.TrimSpace(result.Text)}, scheduled
	}
	return ext, scheduled
}

func (m *Manager) setState(s *Session, state State) {
	m.mu.Lock()
	s.state = state
	m.mu.Unlock()
	m.publishState(s, state)
}

func (m *Manager) publishState(s *Session, state State) {
	m.cfg.Bus.Publish(events.Event{
		Source: events.SourceCheckup,
		Kind:   events.KindCheckupState,
		Data: map[string]any{
			"session_id": s.ID,
			"subject_id": s.SubjectID,
			"state":      state.String(),
		},
	})
	m.logger.Debug("check-in state", "session_id", s.ID, "state", state.String())
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ChannelID)
	m.mu.Unlock()
}

func (m *Manager) send(ctx context.Context, channelID, text string) {
	if text == "" {
		return
	}
	if err := m.cfg.Surface.Send(ctx, channelID, text); err != nil {
		m.logger.Error("failed to deliver message", "channel_id", channelID, "error", err)
	}
}

// parseExtraction pulls the JSON object out of the model's final
// answer, tolerating prose or code fences around it.
func parseExtraction(text string) (*Extraction, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in extraction output")
	}
	var ext Extraction
	if err := json.Unmarshal([]byte(text[start:end+1]), &ext); err != nil {
		return nil, fmt.Errorf("failed to parse extraction output: %w", err)
	}
	return &ext, nil
}

func parseWhen(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("schedule_next_checkup: when is required")
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("schedule_next_checkup: cannot parse time %q", raw)
}

func formatFacts(found []*facts.Fact) string {
	var b strings.Builder
	for _, f := range found {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", f.Category, f.Key, f.Value)
	}
	return b.String()
}

func formatTasks(tasks []*tracker.Task) string {
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "- %s (%s, id %s)\n", t.Name, t.Status, t.ID)
	}
	return b.String()
}
