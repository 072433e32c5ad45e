// Package scheduler manages check-in triggers: one-shot timers that
// say when each member's next conversation should start. Triggers are
// persisted so a restart picks up where the process left off.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FireFunc is called when a trigger comes due. The trigger row has
// already been removed; scheduling the next check-in is the
// callback's job.
type FireFunc func(ctx context.Context, trigger *Trigger)

// Scheduler loads triggers at startup and keeps one timer per
// pending trigger.
type Scheduler struct {
	logger *slog.Logger
	store  *Store
	fire   FireFunc

	mu      sync.Mutex
	timers  map[string]*time.Timer // trigger ID -> timer
	running bool
	wg      sync.WaitGroup
}

// New creates a scheduler. Nothing runs until Start.
func New(logger *slog.Logger, store *Store, fire FireFunc) *Scheduler {
	return &Scheduler{
		logger: logger,
		store:  store,
		fire:   fire,
		timers: make(map[string]*time.Timer),
	}
}

// Start loads persisted triggers and arms their timers. Triggers
// whose time passed while the process was down fire immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	triggers, err := s.store.List()
	if err != nil {
		return err
	}
	for _, t := range triggers {
		s.arm(t)
	}

	s.logger.Info("scheduler started", "triggers", len(triggers))
	return nil
}

// Stop cancels all timers and waits for in-flight fires to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Add persists a trigger and arms its timer.
func (s *Scheduler) Add(t *Trigger) error {
	if err := s.store.Create(t); err != nil {
		return err
	}
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		s.arm(t)
	}
	s.logger.Info("trigger scheduled", "id", t.ID, "member_id", t.MemberID, "at", t.FireAt)
	return nil
}

// Cancel removes a trigger and stops its timer.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	return s.store.Delete(id)
}

// CancelForMember removes every pending trigger for a member.
func (s *Scheduler) CancelForMember(memberID string) error {
	triggers, err := s.store.ListForMember(memberID)
	if err != nil {
		return err
	}
	for _, t := range triggers {
		if err := s.Cancel(t.ID); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns all stored triggers, soonest first.
func (s *Scheduler) Pending() ([]*Trigger, error) {
	return s.store.List()
}

// arm sets the timer for one trigger. Past-due triggers fire with
// zero delay.
func (s *Scheduler) arm(t *Trigger) {
	delay := time.Until(t.FireAt)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[t.ID]; ok {
		timer.Stop()
	}
	s.timers[t.ID] = time.AfterFunc(delay, func() {
		s.onFire(t.ID)
	})
	s.logger.Debug("trigger armed", "id", t.ID, "delay", delay)
}

// onFire runs when a timer expires: remove the row first so a crash
// mid-fire cannot double-run the conversation, then invoke the
// callback.
func (s *Scheduler) onFire(id string) {
	// Join the WaitGroup under the lock, after the running check:
	// Stop flips running before it waits, so a fire that got this far
	// is always counted and a stopped scheduler never adds.
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	delete(s.timers, id)
	s.mu.Unlock()

	t, err := s.store.Get(id)
	if err != nil {
		s.logger.Error("failed to load fired trigger", "id", id, "error", err)
		return
	}
	if err := s.store.Delete(id); err != nil {
		s.logger.Error("failed to delete fired trigger", "id", id, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	s.logger.Info("trigger fired", "id", id, "member_id", t.MemberID)
	s.fire(ctx, t)
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"running":       s.running,
		"active_timers": len(s.timers),
	}
}
