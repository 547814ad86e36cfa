// Package journal keeps an append-only audit log of relayed traffic and
// session transitions in SQLite. It is a record for operators, never a
// source of state: sessions start fresh on every run.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Directions used by the relay.
const (
	DirectionIn       = "in"
	DirectionOut      = "out"
	DirectionInternal = "internal"
)

// timeFormat is fixed width so stored timestamps compare lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Entry is one journal row.
type Entry struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	Direction string    `json:"direction"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the journal database. All public methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens or creates the journal at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Session senders write concurrently; one connection avoids
	// SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS relay_events (
		id         TEXT PRIMARY KEY,
		identity   TEXT NOT NULL,
		direction  TEXT NOT NULL,
		kind       TEXT NOT NULL,
		body       TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_relay_events_identity
		ON relay_events (identity, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends one entry.
func (s *Store) Record(identity, direction, kind, body string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate id: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO relay_events (id, identity, direction, kind, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id.String(), identity, direction, kind, body,
		s.now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("record %s/%s: %w", direction, kind, err)
	}
	return nil
}

// Recent returns up to limit entries for identity, newest first. An
// empty identity matches every conversation.
func (s *Store) Recent(identity string, limit int) ([]Entry, error) {
	query := `SELECT id, identity, direction, kind, body, created_at FROM relay_events`
	var args []any
	if identity != "" {
		query += ` WHERE identity = ?`
		args = append(args, identity)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ID, &e.Identity, &e.Direction, &e.Kind, &e.Body, &created); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		e.CreatedAt, _ = time.Parse(timeFormat, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountByKind returns how many entries of each kind exist.
func (s *Store) CountByKind() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT kind, COUNT(*) FROM relay_events GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("count by kind: %w", err)
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		result[kind] = n
	}
	return result, rows.Err()
}

// Prune deletes entries older than the given age and returns how many
// were removed.
func (s *Store) Prune(olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan).UTC().Format(timeFormat)
	res, err := s.db.Exec(`DELETE FROM relay_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return res.RowsAffected()
}
