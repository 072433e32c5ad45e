package checkup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/darcyhq/stella/internal/confirm"
	"github.com/darcyhq/stella/internal/facts"
	"github.com/darcyhq/stella/internal/llm"
	"github.com/darcyhq/stella/internal/roster"
	"github.com/darcyhq/stella/internal/scheduler"
	"github.com/darcyhq/stella/internal/tracker"
)

// scriptedClient returns canned responses in order.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	calls     int
}

func (c *scriptedClient) Chat(ctx context.Context, model string, messages []llm.Message, schemas []map[string]any) (*llm.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls >= len(c.responses) {
		return nil, fmt.Errorf("scripted client exhausted after %d calls", c.calls)
	}
	resp := c.responses[c.calls]
	c.calls++
	return resp, nil
}

func (c *scriptedClient) Ping(ctx context.Context) error { return nil }

func assistantText(text string) *llm.ChatResponse {
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: text}, Done: true}
}

func assistantCall(id, name string, args map[string]any) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message: llm.Message{
			Role: "assistant",
			ToolCalls: []llm.ToolCall{
				{ID: id, Function: llm.ToolFunction{Name: name, Arguments: args}},
			},
		},
		Done: true,
	}
}

// fakeSurface records outbound messages per channel.
type fakeSurface struct {
	mu   sync.Mutex
	sent []string
}

func (s *fakeSurface) Send(ctx context.Context, channelID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, channelID+": "+text)
	return nil
}

// fakeTracker serves one open task and records progress notes.
type fakeTracker struct {
	mu    sync.Mutex
	notes []string
}

func (f *fakeTracker) ListProjects(ctx context.Context) ([]*tracker.Project, error) {
	return []*tracker.Project{{ID: "p1", Name: "Platform"}}, nil
}

func (f *fakeTracker) ListTasks(ctx context.Context, assignee string) ([]*tracker.Task, error) {
	return []*tracker.Task{{ID: "t1", Name: "Billing migration", Status: tracker.StatusInProgress, Assignee: assignee}}, nil
}

func (f *fakeTracker) CreateTask(ctx context.Context, task *tracker.Task) (*tracker.Task, error) {
	return task, nil
}

func (f *fakeTracker) UpdateTask(ctx context.Context, id string, upd *tracker.TaskUpdate) (*tracker.Task, error) {
	return &tracker.Task{ID: id}, nil
}

func (f *fakeTracker) AddProgress(ctx context.Context, id, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, id+": "+note)
	return nil
}

type fixture struct {
	manager   *Manager
	store     *Store
	roster    *roster.Store
	scheduler *scheduler.Store
	surface   *fakeSurface
	tracker   *fakeTracker
	member    *roster.Member
}

func newFixture(t *testing.T, client llm.Client) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	openDB := func() *sql.DB {
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			t.Fatalf("failed to open database: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		return db
	}

	store, err := NewStoreWithDB(openDB())
	if err != nil {
		t.Fatalf("checkup store: %v", err)
	}
	rosterStore, err := roster.NewStoreWithDB(openDB(), logger)
	if err != nil {
		t.Fatalf("roster store: %v", err)
	}
	factStore, err := facts.NewStoreWithDB(openDB())
	if err != nil {
		t.Fatalf("fact store: %v", err)
	}
	schedStore, err := scheduler.NewStoreWithDB(openDB())
	if err != nil {
		t.Fatalf("scheduler store: %v", err)
	}

	member, err := rosterStore.Upsert(&roster.Member{Name: "Ada", ChannelID: "chan-1"})
	if err != nil {
		t.Fatalf("upsert member: %v", err)
	}

	surface := &fakeSurface{}
	trk := &fakeTracker{}
	sched := scheduler.New(logger, schedStore, func(ctx context.Context, tr *scheduler.Trigger) {})

	manager := NewManager(Config{
		Logger:    logger,
		Store:     store,
		Roster:    rosterStore,
		Tracker:   trk,
		Facts:     factStore,
		Scheduler: sched,
		Surface:   surface,
		Confirm: func(channelID string) confirm.Confirmer {
			return confirm.Always(confirm.Approved)
		},
		Client: client,
		Model:  "test-model",
	})

	return &fixture{
		manager:   manager,
		store:     store,
		roster:    rosterStore,
		scheduler: schedStore,
		surface:   surface,
		tracker:   trk,
		member:    member,
	}
}

func TestStartCheckupOpensConversation(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		assistantText("Hi Ada! How is the billing migration going?"),
	}}
	fx := newFixture(t, client)

	if err := fx.manager.StartCheckup(context.Background(), fx.member.ID.String()); err != nil {
		t.Fatalf("start checkup: %v", err)
	}

	if len(fx.surface.sent) != 1 || !strings.Contains(fx.surface.sent[0], "chan-1: Hi Ada!") {
		t.Fatalf("unexpected outbound messages: %v", fx.surface.sent)
	}
	if len(fx.manager.ActiveSessions()) != 1 {
		t.Fatal("expected one active session")
	}

	// Hydration ends up in the system prompt: the open task is listed.
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.calls != 1 {
		t.Fatalf("expected 1 model call, got %d", client.calls)
	}
}

func TestStartCheckupUnknownMember(t *testing.T) {
	fx := newFixture(t, &scriptedClient{})

	err := fx.manager.StartCheckup(context.Background(), "e0ae05f2-0000-7000-8000-000000000000")
	var hErr *HydrationError
	if !errors.As(err, &hErr) {
		t.Fatalf("expected HydrationError, got %v", err)
	}
	if len(fx.manager.ActiveSessions()) != 0 {
		t.Error("expected no session after hydration failure")
	}
	if len(fx.surface.sent) != 0 {
		t.Errorf("expected no outbound messages, got %v", fx.surface.sent)
	}
}

func TestStartCheckupMemberWithoutChannel(t *testing.T) {
	fx := newFixture(t, &scriptedClient{})
	member, err := fx.roster.Upsert(&roster.Member{Name: "Grace"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	err = fx.manager.StartCheckup(context.Background(), member.ID.String())
	var hErr *HydrationError
	if !errors.As(err, &hErr) {
		t.Fatalf("expected HydrationError, got %v", err)
	}
}

func TestHandleInboundUnknownChannel(t *testing.T) {
	fx := newFixture(t, &scriptedClient{})
	if handled := fx.manager.HandleInbound(context.Background(), "chan-other", "hello"); handled {
		t.Error("expected message on unknown channel to be unhandled")
	}
}

func TestFullCheckupLifecycle(t *testing.T) {
	nextWeek := time.Now().Add(5 * 24 * time.Hour).UTC().Truncate(time.Second)
	client := &scriptedClient{responses: []*llm.ChatResponse{
		// Conversation.
		assistantText("Hi Ada! How is the billing migration going?"),
		assistantCall("c1", "update_task_progress", map[string]any{"task_id": "t1", "note": "migration finished"}),
		assistantCall("c2", "request_end_conversation", map[string]any{}),
		assistantText("Wonderful news. Talk to you next week, bye!"),
		// Extraction run.
		assistantCall("c3", "schedule_next_checkup", map[string]any{"when": nextWeek.Format(time.RFC3339)}),
		assistantText(`{"summary":"Finished the billing migration.","mood":"positive","blockers":[],"highlights":["billing migration done"]}`),
	}}
	fx := newFixture(t, client)
	ctx := context.Background()

	if err := fx.manager.StartCheckup(ctx, fx.member.ID.String()); err != nil {
		t.Fatalf("start checkup: %v", err)
	}
	if handled := fx.manager.HandleInbound(ctx, "chan-1", "All done, the migration shipped yesterday!"); !handled {
		t.Fatal("expected inbound message to be handled")
	}

	// Session closed.
	if n := len(fx.manager.ActiveSessions()); n != 0 {
		t.Fatalf("expected no active sessions, got %d", n)
	}

	// Goodbye delivered.
	last := fx.surface.sent[len(fx.surface.sent)-1]
	if !strings.Contains(last, "bye!") {
		t.Errorf("expected goodbye as last message, got %q", last)
	}

	// Progress note recorded against the task.
	fx.tracker.mu.Lock()
	notes := append([]string(nil), fx.tracker.notes...)
	fx.tracker.mu.Unlock()
	if len(notes) != 1 || !strings.Contains(notes[0], "t1: migration finished") {
		t.Errorf("unexpected progress notes: %v", notes)
	}

	// Transcript persisted with the member's words.
	transcripts, err := fx.store.TranscriptsForSubject(fx.member.ID.String(), 0)
	if err != nil {
		t.Fatalf("transcripts: %v", err)
	}
	if len(transcripts) != 1 || !strings.Contains(transcripts[0].Body, "migration shipped yesterday") {
		t.Fatalf("unexpected transcripts: %+v", transcripts)
	}

	// Profile record written from the extraction JSON.
	rec, err := fx.store.Current(fx.member.ID.String())
	if err != nil {
		t.Fatalf("current record: %v", err)
	}
	if rec.Summary != "Finished the billing migration." {
		t.Errorf("unexpected summary: %q", rec.Summary)
	}
	if rec.Mood != "positive" {
		t.Errorf("unexpected mood: %q", rec.Mood)
	}
	if len(rec.Highlights) != 1 {
		t.Errorf("unexpected highlights: %v", rec.Highlights)
	}

	// Next trigger registered at the extracted time, no default added.
	triggers, err := fx.scheduler.List()
	if err != nil {
		t.Fatalf("triggers: %v", err)
	}
	if len(triggers) != 1 {
		t.Fatalf("expected 1 trigger, got %d", len(triggers))
	}
	if !triggers[0].FireAt.Equal(nextWeek) {
		t.Errorf("expected trigger at %v, got %v", nextWeek, triggers[0].FireAt)
	}
	if triggers[0].MemberID != fx.member.ID.String() {
		t.Errorf("unexpected trigger member: %s", triggers[0].MemberID)
	}
}

func TestEndRequestedDuringKickoffCloses(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		assistantCall("c1", "request_end_conversation", map[string]any{}),
		assistantText("Nothing on the agenda today. Talk soon, Ada!"),
		assistantText(`{"summary": "nothing to report", "mood": "", "blockers": [], "highlights": []}`),
	}}
	fx := newFixture(t, client)

	if err := fx.manager.StartCheckup(context.Background(), fx.member.ID.String()); err != nil {
		t.Fatalf("start checkup: %v", err)
	}

	if n := len(fx.manager.ActiveSessions()); n != 0 {
		t.Fatalf("expected session closed after kickoff end, got %d active", n)
	}
	rec, err := fx.store.Current(fx.member.ID.String())
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if rec.Summary != "nothing to report" {
		t.Errorf("unexpected summary %q", rec.Summary)
	}
}

func TestFinishSchedulesDefaultWhenExtractionDoesNot(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		assistantText("Hi Ada!"),
		assistantCall("c1", "request_end_conversation", map[string]any{}),
		assistantText("Bye!"),
		// Extraction answers directly without scheduling.
		assistantText(`{"summary":"Short chat.","mood":"neutral","blockers":[],"highlights":[]}`),
	}}
	fx := newFixture(t, client)
	ctx := context.Background()

	if err := fx.manager.StartCheckup(ctx, fx.member.ID.String()); err != nil {
		t.Fatalf("start checkup: %v", err)
	}
	fx.manager.HandleInbound(ctx, "chan-1", "can we keep it short today?")

	triggers, err := fx.scheduler.List()
	if err != nil {
		t.Fatalf("triggers: %v", err)
	}
	if len(triggers) != 1 {
		t.Fatalf("expected fallback trigger, got %d", len(triggers))
	}
	until := time.Until(triggers[0].FireAt)
	if until < 6*24*time.Hour || until > 8*24*time.Hour {
		t.Errorf("expected fallback trigger about a week out, got %v", until)
	}
}

func TestEndDeclinedKeepsConversationOpen(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		assistantText("Hi Ada!"),
		assistantCall("c1", "request_end_conversation", map[string]any{}),
		assistantText("No problem, let's keep going. How is the migration?"),
	}}
	fx := newFixture(t, client)
	fx.manager.cfg.Confirm = func(channelID string) confirm.Confirmer {
		return confirm.Always(confirm.Declined)
	}
	ctx := context.Background()

	if err := fx.manager.StartCheckup(ctx, fx.member.ID.String()); err != nil {
		t.Fatalf("start checkup: %v", err)
	}
	fx.manager.HandleInbound(ctx, "chan-1", "actually wait, one more thing")

	if n := len(fx.manager.ActiveSessions()); n != 1 {
		t.Fatalf("expected session to stay open, got %d sessions", n)
	}
	if _, err := fx.store.Current(fx.member.ID.String()); err != ErrNotFound {
		t.Errorf("expected no record persisted, got err=%v", err)
	}
}

func TestParseExtraction(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    string
		wantErr bool
	}{
		{
			name: "bare json",
			text: `{"summary":"ok","mood":"neutral"}`,
			want: "ok",
		},
		{
			name: "fenced json",
			text: "Here is the profile:\n```json\n{\"summary\":\"fine\"}\n```",
			want: "fine",
		},
		{
			name:    "no json",
			text:    "I could not produce a profile.",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext, err := parseExtraction(tt.text)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if ext.Summary != tt.want {
				t.Errorf("expected summary %q, got %q", tt.want, ext.Summary)
			}
		})
	}
}

func TestParseWhen(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr bool
	}{
		{"2026-09-08T10:00:00Z", false},
		{"2026-09-08T10:00:00", false},
		{"2026-09-08T10:00", false},
		{"2026-09-08", false},
		{"next tuesday", true},
		{"", true},
	}
	for _, tt := range tests {
		_, err := parseWhen(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseWhen(%q) err=%v, wantErr=%v", tt.raw, err, tt.wantErr)
		}
	}
}
