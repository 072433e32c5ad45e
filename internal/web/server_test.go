package web

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/darcyhq/stella/internal/checkup"
	"github.com/darcyhq/stella/internal/events"
	"github.com/darcyhq/stella/internal/roster"
)

func testServer(t *testing.T) (*Server, *checkup.Store, *roster.Store) {
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

	checkups, err := checkup.NewStoreWithDB(openDB())
	if err != nil {
		t.Fatalf("checkup store: %v", err)
	}
	rosterStore, err := roster.NewStoreWithDB(openDB(), logger)
	if err != nil {
		t.Fatalf("roster store: %v", err)
	}

	srv := NewServer("", 0, logger, events.New(), nil, checkups, rosterStore, nil)
	return srv, checkups, rosterStore
}

func TestHandleHealth(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandleStatus(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := httptest.NewRecorder()
	srv.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := body["uptime"]; !ok {
		t.Error("expected uptime in status")
	}
}

func TestHandleMembersWithProfile(t *testing.T) {
	srv, checkups, rosterStore := testServer(t)

	member, err := rosterStore.Upsert(&roster.Member{Name: "Ada", Email: "ada@example.org"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := checkups.Append(member.ID.String(), &checkup.Extraction{Summary: "Shipping the billing migration."}); err != nil {
		t.Fatalf("append: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.handleMembers(rec, httptest.NewRequest(http.MethodGet, "/v1/members", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Ada") || !strings.Contains(body, "billing migration") {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestHandleMemberHistoryHTML(t *testing.T) {
	srv, checkups, rosterStore := testServer(t)

	member, err := rosterStore.Upsert(&roster.Member{Name: "Ada"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := checkups.Append(member.ID.String(), &checkup.Extraction{
		Summary:  "All fine.",
		Mood:     "positive",
		Blockers: []string{"waiting on review"},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/members/"+member.ID.String()+"/history", nil)
	req.SetPathValue("id", member.ID.String())
	rec := httptest.NewRecorder()
	srv.handleMemberHistoryHTML(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<h1>") {
		t.Errorf("expected rendered HTML heading, got: %s", body)
	}
	if !strings.Contains(body, "waiting on review") {
		t.Errorf("expected blocker in page, got: %s", body)
	}
	if !strings.Contains(rec.Header().Get("Content-Type"), "text/html") {
		t.Errorf("unexpected content type: %s", rec.Header().Get("Content-Type"))
	}
}

func TestHistoryMarkdownEmpty(t *testing.T) {
	md := historyMarkdown("Ada", nil)
	if !strings.Contains(md, "No check-ins recorded yet.") {
		t.Errorf("unexpected markdown: %s", md)
	}
}
