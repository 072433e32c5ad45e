// Package facts provides long-term memory about roster members:
// things they mention in conversations that should survive the
// session, scoped per member.
package facts

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Category groups related facts.
type Category string

const (
	CategoryPersonal   Category = "personal"   // Life events, circumstances
	CategoryWork       Category = "work"       // Skills, responsibilities
	CategoryPreference Category = "preference" // How they like to work
	CategoryBlocker    Category = "blocker"    // Recurring impediments
)

// Fact is one piece of remembered information about a member.
type Fact struct {
	ID         uuid.UUID `json:"id"`
	MemberID   string    `json:"member_id"`
	Category   Category  `json:"category"`
	Key        string    `json:"key"`              // Unique within member+category
	Value      string    `json:"value"`            // The actual information
	Source     string    `json:"source,omitempty"` // Session the fact came from
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	AccessedAt time.Time `json:"accessed_at"` // For recency-ordered recall
}

// Store manages fact persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a fact store using the given database path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewStoreWithDB creates a fact store using an existing database connection.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS member_facts (
			id TEXT PRIMARY KEY,
			member_id TEXT NOT NULL,
			category TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			source TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			accessed_at TEXT NOT NULL,
			UNIQUE(member_id, category, key)
		);

		CREATE INDEX IF NOT EXISTS idx_member_facts_member ON member_facts(member_id);
		CREATE INDEX IF NOT EXISTS idx_member_facts_accessed ON member_facts(accessed_at DESC);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Set creates or updates a fact. The (member, category, key) triple
// is unique; setting it again replaces the value.
func (s *Store) Set(memberID string, category Category, key, value, source string) (*Fact, error) {
	now := time.Now().UTC()

	var existingID string
	err := s.db.QueryRow(
		`SELECT id FROM member_facts WHERE member_id = ? AND category = ? AND key = ?`,
		memberID, category, key).Scan(&existingID)

	if err == sql.ErrNoRows {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate id: %w", err)
		}
		fact := &Fact{
			ID:         id,
			MemberID:   memberID,
			Category:   category,
			Key:        key,
			Value:      value,
			Source:     source,
			CreatedAt:  now,
			UpdatedAt:  now,
			AccessedAt: now,
		}

		_, err = s.db.Exec(`
			INSERT INTO member_facts (id, member_id, category, key, value, source, created_at, updated_at, accessed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id.String(), memberID, category, key, value, source,
			now.Format(time.RFC3339), now.Format(time.RFC3339), now.Format(time.RFC3339))
		if err != nil {
			return nil, fmt.Errorf("insert: %w", err)
		}
		return fact, nil
	} else if err != nil {
		return nil, fmt.Errorf("check existing: %w", err)
	}

	_, err = s.db.Exec(`
		UPDATE member_facts SET value = ?, source = ?, updated_at = ?, accessed_at = ?
		WHERE member_id = ? AND category = ? AND key = ?
	`, value, source, now.Format(time.RFC3339), now.Format(time.RFC3339), memberID, category, key)
	if err != nil {
		return nil, fmt.Errorf("update: %w", err)
	}

	id, _ := uuid.Parse(existingID)
	return &Fact{
		ID:         id,
		MemberID:   memberID,
		Category:   category,
		Key:        key,
		Value:      value,
		Source:     source,
		UpdatedAt:  now,
		AccessedAt: now,
	}, nil
}

// Get retrieves a fact by member, category and key, refreshing its
// access time.
func (s *Store) Get(memberID string, category Category, key string) (*Fact, error) {
	fact, err := scanFact(s.db.QueryRow(`
		SELECT id, member_id, category, key, value, source, created_at, updated_at, accessed_at
		FROM member_facts WHERE member_id = ? AND category = ? AND key = ?
	`, memberID, category, key))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, _ = s.db.Exec(`UPDATE member_facts SET accessed_at = ? WHERE id = ?`,
		now.Format(time.RFC3339), fact.ID.String())
	fact.AccessedAt = now

	return fact, nil
}

// GetForMember retrieves all facts about a member, most recently
// updated first.
func (s *Store) GetForMember(memberID string) ([]*Fact, error) {
	rows, err := s.db.Query(`
		SELECT id, member_id, category, key, value, source, created_at, updated_at, accessed_at
		FROM member_facts WHERE member_id = ? ORDER BY updated_at DESC
	`, memberID)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	return scanFacts(rows)
}

// Search finds a member's facts containing the query in key or value.
func (s *Store) Search(memberID, query string) ([]*Fact, error) {
	pattern := "%" + query + "%"
	rows, err := s.db.Query(`
		SELECT id, member_id, category, key, value, source, created_at, updated_at, accessed_at
		FROM member_facts
		WHERE member_id = ? AND (key LIKE ? OR value LIKE ?)
		ORDER BY accessed_at DESC
		LIMIT 50
	`, memberID, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	return scanFacts(rows)
}

// Delete removes a fact.
func (s *Store) Delete(memberID string, category Category, key string) error {
	result, err := s.db.Exec(
		`DELETE FROM member_facts WHERE member_id = ? AND category = ? AND key = ?`,
		memberID, category, key)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("fact not found: %s/%s", category, key)
	}
	return nil
}

// Stats returns fact statistics.
func (s *Store) Stats() map[string]any {
	var total int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM member_facts`).Scan(&total)

	cats := make(map[string]int)
	rows, _ := s.db.Query(`SELECT category, COUNT(*) FROM member_facts GROUP BY category`)
	if rows != nil {
		defer rows.Close()
		for rows.Next() {
			var cat string
			var count int
			if err := rows.Scan(&cat, &count); err != nil {
				continue
			}
			cats[cat] = count
		}
	}

	return map[string]any{
		"total":      total,
		"categories": cats,
	}
}

func scanFact(row *sql.Row) (*Fact, error) {
	var f Fact
	var idStr, catStr, createdStr, updatedStr, accessedStr string
	var source sql.NullString

	err := row.Scan(&idStr, &f.MemberID, &catStr, &f.Key, &f.Value, &source, &createdStr, &updatedStr, &accessedStr)
	if err != nil {
		return nil, err
	}

	f.ID, _ = uuid.Parse(idStr)
	f.Category = Category(catStr)
	if source.Valid {
		f.Source = source.String
	}
	f.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	f.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
	f.AccessedAt, _ = time.Parse(time.RFC3339, accessedStr)

	return &f, nil
}

func scanFacts(rows *sql.Rows) ([]*Fact, error) {
	var facts []*Fact
	for rows.Next() {
		var f Fact
		var idStr, catStr, createdStr, updatedStr, accessedStr string
		var source sql.NullString

		err := rows.Scan(&idStr, &f.MemberID, &catStr, &f.Key, &f.Value, &source, &createdStr, &updatedStr, &accessedStr)
		if err != nil {
			return nil, err
		}

		f.ID, _ = uuid.Parse(idStr)
		f.Category = Category(catStr)
		if source.Valid {
			f.Source = source.String
		}
		f.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		f.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
		f.AccessedAt, _ = time.Parse(time.RFC3339, accessedStr)

		facts = append(facts, &f)
	}
	return facts, rows.Err()
}
