package scheduler

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a trigger does not exist.
var ErrNotFound = errors.New("scheduler: trigger not found")

// Trigger is a one-shot check-in timer for a member.
type Trigger struct {
	ID        string
	MemberID  string
	FireAt    time.Time
	CreatedAt time.Time
}

// Store persists triggers in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens the database at the given path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newStore(db)
}

// NewStoreWithDB wraps an existing database handle.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	return newStore(db)
}

func newStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkup_triggers (
			id TEXT PRIMARY KEY,
			member_id TEXT NOT NULL,
			fire_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_triggers_member ON checkup_triggers(member_id);
		CREATE INDEX IF NOT EXISTS idx_triggers_fire_at ON checkup_triggers(fire_at);
	`)
	return err
}

// Create inserts a trigger, assigning an ID if unset.
func (s *Store) Create(t *Trigger) error {
	if t.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate id: %w", err)
		}
		t.ID = id.String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO checkup_triggers (id, member_id, fire_at, created_at)
		VALUES (?, ?, ?, ?)
	`, t.ID, t.MemberID, t.FireAt.UTC().Format(time.RFC3339), t.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert trigger: %w", err)
	}
	return nil
}

// Get returns one trigger by ID.
func (s *Store) Get(id string) (*Trigger, error) {
	row := s.db.QueryRow(`
		SELECT id, member_id, fire_at, created_at
		FROM checkup_triggers WHERE id = ?
	`, id)
	return scanTrigger(row)
}

// List returns all triggers, soonest first.
func (s *Store) List() ([]*Trigger, error) {
	rows, err := s.db.Query(`
		SELECT id, member_id, fire_at, created_at
		FROM checkup_triggers ORDER BY fire_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query triggers: %w", err)
	}
	defer rows.Close()
	return scanTriggers(rows)
}

// ListForMember returns a member's pending triggers, soonest first.
func (s *Store) ListForMember(memberID string) ([]*Trigger, error) {
	rows, err := s.db.Query(`
		SELECT id, member_id, fire_at, created_at
		FROM checkup_triggers WHERE member_id = ? ORDER BY fire_at ASC
	`, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to query triggers: %w", err)
	}
	defer rows.Close()
	return scanTriggers(rows)
}

// Delete removes a trigger.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM checkup_triggers WHERE id = ?`, id)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTrigger(row scannable) (*Trigger, error) {
	var t Trigger
	var fireAt, createdAt string
	if err := row.Scan(&t.ID, &t.MemberID, &fireAt, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan trigger: %w", err)
	}
	t.FireAt, _ = time.Parse(time.RFC3339, fireAt)
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &t, nil
}

func scanTriggers(rows *sql.Rows) ([]*Trigger, error) {
	var triggers []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}
