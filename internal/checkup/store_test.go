package checkup

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := NewStoreWithDB(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func countCurrent(t *testing.T, store *Store, subjectID string) int {
	t.Helper()
	records, err := store.History(subjectID, 50)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	n := 0
	for _, r := range records {
		if r.IsCurrent {
			n++
		}
	}
	return n
}

func TestAppendFirstRecord(t *testing.T) {
	store := testStore(t)

	rec, err := store.Append("m1", &Extraction{
		Summary:    "Migrating the billing service.",
		Mood:       "positive",
		Blockers:   []string{"waiting on credentials"},
		Highlights: []string{"schema migration done"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !rec.IsCurrent {
		t.Error("expected new record to be current")
	}
	if rec.Profile != "Migrating the billing service." {
		t.Errorf("expected profile to take the summary, got %q", rec.Profile)
	}

	got, err := store.Current("m1")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if got.ID != rec.ID {
		t.Errorf("expected current record %s, got %s", rec.ID, got.ID)
	}
	if len(got.Blockers) != 1 || got.Blockers[0] != "waiting on credentials" {
		t.Errorf("unexpected blockers: %v", got.Blockers)
	}
}

func TestAppendClosesPriorRecord(t *testing.T) {
	store := testStore(t)

	first, err := store.Append("m1", &Extraction{Summary: "first"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := store.Append("m1", &Extraction{Summary: "second"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if n := countCurrent(t, store, "m1"); n != 1 {
		t.Fatalf("expected exactly 1 current record, got %d", n)
	}

	records, err := store.History("m1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	var closed *Record
	for _, r := range records {
		if r.ID == first.ID {
			closed = r
		}
	}
	if closed == nil {
		t.Fatal("first record missing from history")
	}
	if closed.IsCurrent {
		t.Error("expected first record to be closed")
	}
	if closed.EndTime.IsZero() {
		t.Error("expected first record to have an end time")
	}
	if !second.StartTime.Equal(closed.EndTime) {
		t.Errorf("expected new start %v to equal prior end %v", second.StartTime, closed.EndTime)
	}
}

func TestAppendReturnsStoredTimes(t *testing.T) {
	store := testStore(t)

	rec, err := store.Append("m1", &Extraction{Summary: "first"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec.StartTime.Nanosecond() != 0 {
		t.Errorf("expected start time truncated to seconds, got %v", rec.StartTime)
	}

	got, err := store.Current("m1")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if !got.StartTime.Equal(rec.StartTime) {
		t.Errorf("reloaded start %v does not match returned %v", got.StartTime, rec.StartTime)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("reloaded created_at %v does not match returned %v", got.CreatedAt, rec.CreatedAt)
	}
}

func TestAppendCarriesProfileForward(t *testing.T) {
	store := testStore(t)

	if _, err := store.Append("m1", &Extraction{Summary: "knows the auth stack"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	rec, err := store.Append("m1", &Extraction{})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec.Profile != "knows the auth stack" {
		t.Errorf("expected profile carried forward, got %q", rec.Profile)
	}
}

func TestAppendScopedPerSubject(t *testing.T) {
	store := testStore(t)
	store.Append("m1", &Extraction{Summary: "a"})
	store.Append("m2", &Extraction{Summary: "b"})
	store.Append("m1", &Extraction{Summary: "c"})

	m2, err := store.Current("m2")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if !m2.IsCurrent || m2.Summary != "b" {
		t.Errorf("unexpected m2 record: %+v", m2)
	}
}

func TestCurrentNotFound(t *testing.T) {
	store := testStore(t)
	if _, err := store.Current("nobody"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetProfile(t *testing.T) {
	store := testStore(t)

	// No record yet: SetProfile seeds an initial one.
	if err := store.SetProfile("m1", "new hire, ramping up"); err != nil {
		t.Fatalf("set profile: %v", err)
	}
	rec, err := store.Current("m1")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if rec.Profile != "new hire, ramping up" {
		t.Errorf("unexpected profile: %q", rec.Profile)
	}

	if err := store.SetProfile("m1", "owns the deploy pipeline"); err != nil {
		t.Fatalf("set profile: %v", err)
	}
	rec, _ = store.Current("m1")
	if rec.Profile != "owns the deploy pipeline" {
		t.Errorf("expected profile replaced, got %q", rec.Profile)
	}
	if n := countCurrent(t, store, "m1"); n != 1 {
		t.Errorf("expected 1 current record, got %d", n)
	}
}

func TestTranscripts(t *testing.T) {
	store := testStore(t)

	tr := &Transcript{SessionID: "sess-1", SubjectID: "m1", Body: "user: hi\nassistant: hello\n"}
	if err := store.SaveTranscript(tr); err != nil {
		t.Fatalf("save transcript: %v", err)
	}
	if tr.ID == "" {
		t.Fatal("expected generated transcript id")
	}

	got, err := store.TranscriptBySession("sess-1")
	if err != nil {
		t.Fatalf("get transcript: %v", err)
	}
	if got.Body != tr.Body {
		t.Errorf("unexpected body: %q", got.Body)
	}

	if _, err := store.TranscriptBySession("sess-2"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	list, err := store.TranscriptsForSubject("m1", 0)
	if err != nil {
		t.Fatalf("list transcripts: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 transcript, got %d", len(list))
	}
}
