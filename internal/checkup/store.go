package checkup

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a record or transcript does not exist.
var ErrNotFound = errors.New("checkup: not found")

// Record is one slice of a member's profile history. Records form a
// contiguous chain per subject: each new record starts where the
// previous one ended, and exactly one record per subject is current.
type Record struct {
	ID         string
	SubjectID  string
	StartTime  time.Time
	EndTime    time.Time // zero while current
	IsCurrent  bool
	Profile    string
	Summary    string
	Mood       string
	Blockers   []string
	Highlights []string
	CreatedAt  time.Time
}

// Extraction is the distilled outcome of one finished conversation.
type Extraction struct {
	Summary    string   `json:"summary"`
	Mood       string   `json:"mood"`
	Blockers   []string `json:"blockers"`
	Highlights []string `json:"highlights"`
}

// Transcript is the readable text of one finished conversation,
// persisted before extraction so the profile run can be redone
// without the live session.
type Transcript struct {
	ID        string
	SessionID string
	SubjectID string
	Body      string
	CreatedAt time.Time
}

// Store persists checkup records and transcripts in SQLite.
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
		CREATE TABLE IF NOT EXISTS checkup_records (
			id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT,
			is_current INTEGER NOT NULL DEFAULT 1,
			profile TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			mood TEXT NOT NULL DEFAULT '',
			blockers TEXT NOT NULL DEFAULT '[]',
			highlights TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_records_subject ON checkup_records(subject_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_records_current
			ON checkup_records(subject_id) WHERE is_current = 1;

		CREATE TABLE IF NOT EXISTS transcripts (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transcripts_subject ON transcripts(subject_id);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Current returns the subject's current record, or ErrNotFound before
// the first check-in.
func (s *Store) Current(subjectID string) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT id, subject_id, start_time, end_time, is_current,
		       profile, summary, mood, blockers, highlights, created_at
		FROM checkup_records
		WHERE subject_id = ? AND is_current = 1
	`, subjectID)
	return scanRecord(row)
}

// Append closes the subject's current record and opens the next one
// in a single transaction. The new record starts where the old one
// ends and inherits the profile text unless the extraction is empty.
// At most one record per subject is current afterwards.
func (s *Store) Append(subjectID string, ext *Extraction) (*Record, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate id: %w", err)
	}
	if ext == nil {
		ext = &Extraction{}
	}

	// Truncate to the precision RFC3339 stores so the returned record
	// matches a reload.
	now := time.Now().UTC().Truncate(time.Second)
	nowStr := now.Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Carry the profile forward from the record being closed.
	var profile string
	err = tx.QueryRow(`
		SELECT profile FROM checkup_records
		WHERE subject_id = ? AND is_current = 1
	`, subjectID).Scan(&profile)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read current profile: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE checkup_records SET end_time = ?, is_current = 0
		WHERE subject_id = ? AND is_current = 1
	`, nowStr, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to close current record: %w", err)
	}

	if ext.Summary != "" {
		profile = ext.Summary
	}
	blockers, _ := json.Marshal(orEmpty(ext.Blockers))
	highlights, _ := json.Marshal(orEmpty(ext.Highlights))

	rec := &Record{
		ID:         id.String(),
		SubjectID:  subjectID,
		StartTime:  now,
		IsCurrent:  true,
		Profile:    profile,
		Summary:    ext.Summary,
		Mood:       ext.Mood,
		Blockers:   orEmpty(ext.Blockers),
		Highlights: orEmpty(ext.Highlights),
		CreatedAt:  now,
	}
	_, err = tx.Exec(`
		INSERT INTO checkup_records
			(id, subject_id, start_time, end_time, is_current,
			 profile, summary, mood, blockers, highlights, created_at)
		VALUES (?, ?, ?, NULL, 1, ?, ?, ?, ?, ?, ?)
	`, rec.ID, subjectID, nowStr, rec.Profile, rec.Summary, rec.Mood,
		string(blockers), string(highlights), nowStr)
	if err != nil {
		return nil, fmt.Errorf("failed to insert record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return rec, nil
}

// SetProfile replaces the profile text on the subject's current
// record, creating an initial record if none exists yet.
func (s *Store) SetProfile(subjectID, profile string) error {
	res, err := s.db.Exec(`
		UPDATE checkup_records SET profile = ?
		WHERE subject_id = ? AND is_current = 1
	`, profile, subjectID)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate id: %w", err)
	}
	now := time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
	_, err = s.db.Exec(`
		INSERT INTO checkup_records
			(id, subject_id, start_time, end_time, is_current, profile, created_at)
		VALUES (?, ?, ?, NULL, 1, ?, ?)
	`, id.String(), subjectID, now, profile, now)
	if err != nil {
		return fmt.Errorf("failed to insert initial record: %w", err)
	}
	return nil
}

// History returns the subject's records, newest first.
func (s *Store) History(subjectID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, subject_id, start_time, end_time, is_current,
		       profile, summary, mood, blockers, highlights, created_at
		FROM checkup_records
		WHERE subject_id = ?
		ORDER BY start_time DESC
		LIMIT ?
	`, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveTranscript persists a conversation transcript, assigning an ID.
func (s *Store) SaveTranscript(t *Transcript) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate id: %w", err)
	}
	t.ID = id.String()
	t.CreatedAt = time.Now().UTC().Truncate(time.Second)

	_, err = s.db.Exec(`
		INSERT INTO transcripts (id, session_id, subject_id, body, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, t.ID, t.SessionID, t.SubjectID, t.Body, t.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert transcript: %w", err)
	}
	return nil
}

// TranscriptsForSubject returns a subject's transcripts, newest first.
func (s *Store) TranscriptsForSubject(subjectID string, limit int) ([]*Transcript, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT id, session_id, subject_id, body, created_at
		FROM transcripts
		WHERE subject_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcripts: %w", err)
	}
	defer rows.Close()

	var out []*Transcript
	for rows.Next() {
		var t Transcript
		var createdAt string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.SubjectID, &t.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan transcript: %w", err)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// TranscriptBySession returns the transcript persisted for a session.
func (s *Store) TranscriptBySession(sessionID string) (*Transcript, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, subject_id, body, created_at
		FROM transcripts WHERE session_id = ?
	`, sessionID)

	var t Transcript
	var createdAt string
	if err := row.Scan(&t.ID, &t.SessionID, &t.SubjectID, &t.Body, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan transcript: %w", err)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &t, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*Record, error) {
	var rec Record
	var startStr, createdStr string
	var endStr sql.NullString
	var current int
	var blockers, highlights string

	err := row.Scan(&rec.ID, &rec.SubjectID, &startStr, &endStr, &current,
		&rec.Profile, &rec.Summary, &rec.Mood, &blockers, &highlights, &createdStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	rec.StartTime, _ = time.Parse(time.RFC3339, startStr)
	if endStr.Valid {
		rec.EndTime, _ = time.Parse(time.RFC3339, endStr.String)
	}
	rec.IsCurrent = current == 1
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	_ = json.Unmarshal([]byte(blockers), &rec.Blockers)
	_ = json.Unmarshal([]byte(highlights), &rec.Highlights)
	return &rec, nil
}

func orEmpty(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
