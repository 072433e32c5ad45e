package facts

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/darcyhq/stella/internal/tools"

	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStoreWithDB(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestSetAndGet(t *testing.T) {
	s := testStore(t)

	f, err := s.Set("m1", CategoryPreference, "standup_time", "prefers mornings", "sess-1")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if f.ID.String() == "" {
		t.Fatal("expected generated ID")
	}

	got, err := s.Get("m1", CategoryPreference, "standup_time")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Value != "prefers mornings" || got.Source != "sess-1" {
		t.Errorf("got %+v", got)
	}
}

func TestSetReplacesValue(t *testing.T) {
	s := testStore(t)

	first, err := s.Set("m1", CategoryWork, "current_focus", "billing service", "sess-1")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	second, err := s.Set("m1", CategoryWork, "current_focus", "search rewrite", "sess-2")
	if err != nil {
		t.Fatalf("set again: %v", err)
	}
	if first.ID != second.ID {
		t.Error("update must keep the original ID")
	}

	all, err := s.GetForMember("m1")
	if err != nil {
		t.Fatalf("get for member: %v", err)
	}
	if len(all) != 1 || all[0].Value != "search rewrite" {
		t.Errorf("got %+v", all)
	}
}

func TestFactsScopedPerMember(t *testing.T) {
	s := testStore(t)

	if _, err := s.Set("m1", CategoryWork, "team", "payments", ""); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := s.Set("m2", CategoryWork, "team", "search", ""); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := s.Get("m2", CategoryWork, "team")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Value != "search" {
		t.Errorf("got %q", got.Value)
	}

	m1, err := s.GetForMember("m1")
	if err != nil {
		t.Fatalf("get for member: %v", err)
	}
	if len(m1) != 1 || m1[0].Value != "payments" {
		t.Errorf("got %+v", m1)
	}
}

func TestSearch(t *testing.T) {
	s := testStore(t)

	_, _ = s.Set("m1", CategoryBlocker, "ci_flakiness", "blocked on flaky integration tests", "")
	_, _ = s.Set("m1", CategoryPersonal, "vacation", "out first week of October", "")

	found, err := s.Search("m1", "flaky")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 1 || found[0].Key != "ci_flakiness" {
		t.Errorf("got %+v", found)
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)

	_, _ = s.Set("m1", CategoryWork, "team", "payments", "")
	if err := s.Delete("m1", CategoryWork, "team"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete("m1", CategoryWork, "team"); err == nil {
		t.Error("expected error deleting missing fact")
	}
}

func TestFactTools(t *testing.T) {
	s := testStore(t)
	registry := tools.NewRegistry()
	RegisterTools(registry, s, "m1")

	ctx := tools.WithSessionID(context.Background(), "sess-9")

	if _, err := registry.Execute(ctx, "record_fact", map[string]any{
		"category": "preference",
		"key":      "standup_time",
		"value":    "prefers mornings",
	}); err != nil {
		t.Fatalf("record_fact: %v", err)
	}

	got, err := s.Get("m1", CategoryPreference, "standup_time")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Source != "sess-9" {
		t.Errorf("source = %q, want session id", got.Source)
	}

	out, err := registry.Execute(ctx, "recall_facts", nil)
	if err != nil {
		t.Fatalf("recall_facts: %v", err)
	}
	if !strings.Contains(out, "standup_time") {
		t.Errorf("recall output %q", out)
	}

	out, err = registry.Execute(ctx, "search_facts", map[string]any{"query": "mornings"})
	if err != nil {
		t.Fatalf("search_facts: %v", err)
	}
	if !strings.Contains(out, "prefers mornings") {
		t.Errorf("search output %q", out)
	}
}
