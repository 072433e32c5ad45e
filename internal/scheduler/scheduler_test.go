package scheduler

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStoreCreateAndList(t *testing.T) {
	store := testStore(t)

	later := &Trigger{MemberID: "m1", FireAt: time.Now().Add(2 * time.Hour)}
	sooner := &Trigger{MemberID: "m2", FireAt: time.Now().Add(1 * time.Hour)}
	if err := store.Create(later); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(sooner); err != nil {
		t.Fatalf("create: %v", err)
	}
	if later.ID == "" || sooner.ID == "" {
		t.Fatal("expected generated IDs")
	}

	triggers, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(triggers) != 2 {
		t.Fatalf("expected 2 triggers, got %d", len(triggers))
	}
	if triggers[0].MemberID != "m2" {
		t.Errorf("expected soonest trigger first, got member %q", triggers[0].MemberID)
	}
}

func TestStoreGetNotFound(t *testing.T) {
	store := testStore(t)
	if _, err := store.Get("nope"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreListForMember(t *testing.T) {
	store := testStore(t)
	store.Create(&Trigger{MemberID: "m1", FireAt: time.Now().Add(time.Hour)})
	store.Create(&Trigger{MemberID: "m2", FireAt: time.Now().Add(time.Hour)})

	triggers, err := store.ListForMember("m1")
	if err != nil {
		t.Fatalf("list for member: %v", err)
	}
	if len(triggers) != 1 || triggers[0].MemberID != "m1" {
		t.Fatalf("unexpected triggers: %+v", triggers)
	}
}

func TestSchedulerFiresDueTrigger(t *testing.T) {
	store := testStore(t)

	var mu sync.Mutex
	var fired []*Trigger
	done := make(chan struct{})
	sched := New(testLogger(), store, func(ctx context.Context, tr *Trigger) {
		mu.Lock()
		fired = append(fired, tr)
		mu.Unlock()
		close(done)
	})

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sched.Stop()

	if err := sched.Add(&Trigger{MemberID: "m1", FireAt: time.Now().Add(10 * time.Millisecond)}); err != nil {
		t.Fatalf("add: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("trigger did not fire")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0].MemberID != "m1" {
		t.Fatalf("unexpected fires: %+v", fired)
	}

	triggers, _ := store.List()
	if len(triggers) != 0 {
		t.Errorf("expected fired trigger removed from store, found %d", len(triggers))
	}
}

func TestSchedulerFiresMissedTriggerOnStart(t *testing.T) {
	store := testStore(t)
	store.Create(&Trigger{MemberID: "m1", FireAt: time.Now().Add(-time.Hour)})

	done := make(chan struct{})
	sched := New(testLogger(), store, func(ctx context.Context, tr *Trigger) {
		close(done)
	})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sched.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("missed trigger did not fire on startup")
	}
}

func TestStopWaitsForInFlightFire(t *testing.T) {
	store := testStore(t)

	started := make(chan struct{})
	release := make(chan struct{})
	sched := New(testLogger(), store, func(ctx context.Context, tr *Trigger) {
		close(started)
		<-release
	})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := sched.Add(&Trigger{MemberID: "m1", FireAt: time.Now()}); err != nil {
		t.Fatalf("add: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("trigger did not fire")
	}

	stopped := make(chan struct{})
	go func() {
		sched.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a fire was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the fire finished")
	}
}

func TestSchedulerCancel(t *testing.T) {
	store := testStore(t)
	sched := New(testLogger(), store, func(ctx context.Context, tr *Trigger) {
		t.Error("cancelled trigger fired")
	})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sched.Stop()

	tr := &Trigger{MemberID: "m1", FireAt: time.Now().Add(50 * time.Millisecond)}
	if err := sched.Add(tr); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := sched.Cancel(tr.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	time.Sleep(150 * time.Millisecond)

	triggers, _ := store.List()
	if len(triggers) != 0 {
		t.Errorf("expected no triggers after cancel, found %d", len(triggers))
	}
}

func TestSchedulerCancelForMember(t *testing.T) {
	store := testStore(t)
	sched := New(testLogger(), store, func(ctx context.Context, tr *Trigger) {})

	sched.Add(&Trigger{MemberID: "m1", FireAt: time.Now().Add(time.Hour)})
	sched.Add(&Trigger{MemberID: "m1", FireAt: time.Now().Add(2 * time.Hour)})
	sched.Add(&Trigger{MemberID: "m2", FireAt: time.Now().Add(time.Hour)})

	if err := sched.CancelForMember("m1"); err != nil {
		t.Fatalf("cancel for member: %v", err)
	}

	triggers, _ := store.List()
	if len(triggers) != 1 || triggers[0].MemberID != "m2" {
		t.Fatalf("unexpected remaining triggers: %+v", triggers)
	}
}
