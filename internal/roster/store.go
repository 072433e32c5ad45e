// Package roster manages the members the assistant looks after:
// who they are, how to reach them, and where their check-in
// conversations happen.
package roster

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const memberColumns = "id, name, email, channel_id, role, created_at, updated_at"

// Member is one person on the roster. ChannelID is the chat channel
// their check-in conversations run in; members without a channel are
// never scheduled.
type Member struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store manages member persistence in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates a member store using the given database path.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewStoreWithDB wraps an existing database handle. Used by tests and
// when several stores share one file.
func NewStoreWithDB(db *sql.DB, logger *slog.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS members (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT,
			channel_id TEXT,
			role TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			deleted_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_members_name ON members(name);
		CREATE INDEX IF NOT EXISTS idx_members_channel ON members(channel_id);
	`)
	if err != nil {
		return err
	}
	_, _ = s.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_members_name_active ON members(LOWER(name)) WHERE deleted_at IS NULL`)
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert creates or updates a member. A member without an ID gets a
// new UUIDv7; an existing ID is updated in place and resurrected if
// soft-deleted.
func (s *Store) Upsert(m *Member) (*Member, error) {
	now := time.Now().UTC()

	if m.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate id: %w", err)
		}
		m.ID = id
		m.CreatedAt = now
		m.UpdatedAt = now

		_, err = s.db.Exec(`
			INSERT INTO members (id, name, email, channel_id, role, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, m.ID.String(), m.Name, nullStr(m.Email), nullStr(m.ChannelID), nullStr(m.Role),
			now.Format(time.RFC3339), now.Format(time.RFC3339))
		if err != nil {
			return nil, fmt.Errorf("insert: %w", err)
		}
		return m, nil
	}

	m.UpdatedAt = now
	_, err := s.db.Exec(`
		UPDATE members SET name = ?, email = ?, channel_id = ?, role = ?, updated_at = ?, deleted_at = NULL
		WHERE id = ?
	`, m.Name, nullStr(m.Email), nullStr(m.ChannelID), nullStr(m.Role),
		now.Format(time.RFC3339), m.ID.String())
	if err != nil {
		return nil, fmt.Errorf("update: %w", err)
	}
	return m, nil
}

// Get retrieves a member by ID.
func (s *Store) Get(id uuid.UUID) (*Member, error) {
	return scanMember(s.db.QueryRow(
		`SELECT `+memberColumns+` FROM members WHERE deleted_at IS NULL AND id = ?`,
		id.String()))
}

// FindByName returns the active member with a case-insensitive name
// match. Returns sql.ErrNoRows if not found.
func (s *Store) FindByName(name string) (*Member, error) {
	return scanMember(s.db.QueryRow(
		`SELECT `+memberColumns+` FROM members WHERE deleted_at IS NULL AND LOWER(name) = LOWER(?)`,
		name))
}

// FindByChannel returns the member whose check-in channel matches.
func (s *Store) FindByChannel(channelID string) (*Member, error) {
	return scanMember(s.db.QueryRow(
		`SELECT `+memberColumns+` FROM members WHERE deleted_at IS NULL AND channel_id = ?`,
		channelID))
}

// ListAll returns all active members ordered by name.
func (s *Store) ListAll() ([]*Member, error) {
	rows, err := s.db.Query(
		`SELECT ` + memberColumns + ` FROM members WHERE deleted_at IS NULL ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		m, err := scanMemberRow(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// Delete soft-deletes a member by ID.
func (s *Store) Delete(id uuid.UUID) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.db.Exec(
		`UPDATE members SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, id.String())
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("member not found: %s", id)
	}
	return nil
}

// MemberName resolves a member ID to a display name. It satisfies the
// resolver interface the humanization layer uses for subject
// arguments.
func (s *Store) MemberName(id string) (string, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", false
	}
	m, err := s.Get(parsed)
	if err != nil {
		return "", false
	}
	return m.Name, true
}

// --- scan helpers ---

func scanMember(row *sql.Row) (*Member, error) {
	var m Member
	var idStr string
	var email, channelID, role sql.NullString
	var createdStr, updatedStr string

	err := row.Scan(&idStr, &m.Name, &email, &channelID, &role, &createdStr, &updatedStr)
	if err != nil {
		return nil, err
	}
	return populateMember(&m, idStr, email, channelID, role, createdStr, updatedStr)
}

func scanMemberRow(rows *sql.Rows) (*Member, error) {
	var m Member
	var idStr string
	var email, channelID, role sql.NullString
	var createdStr, updatedStr string

	err := rows.Scan(&idStr, &m.Name, &email, &channelID, &role, &createdStr, &updatedStr)
	if err != nil {
		return nil, err
	}
	return populateMember(&m, idStr, email, channelID, role, createdStr, updatedStr)
}

func populateMember(m *Member, idStr string, email, channelID, role sql.NullString, createdStr, updatedStr string) (*Member, error) {
	var err error
	m.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse member id: %w", err)
	}

	m.Email = email.String
	m.ChannelID = channelID.String
	m.Role = role.String

	m.CreatedAt, err = time.Parse(time.RFC3339, createdStr)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	m.UpdatedAt, err = time.Parse(time.RFC3339, updatedStr)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return m, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
