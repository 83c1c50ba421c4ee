// Package actionlog implements the ActionLog: a 1000-entry ring buffer per
// agent, persisted across daemon restarts in a local sqlite database.
// Rotation is by entry count; ring semantics live in Go, sqlite is only
// the persistence substrate.
package actionlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// capacity is the ring buffer size: the most recent 1000 entries per agent.
const capacity = 1000

// Result values: Entry.Result is a closed three-value enum, never a raw
// error kind. The kind that caused a failure travels in Entry.Details.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
)

// Entry is one ActionLog record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"userId"`
	Operation string         `json:"operation"`
	Path      string         `json:"path,omitempty"`
	Command   string         `json:"command,omitempty"`
	Result    string         `json:"result"` // success|error|denied
	Details   map[string]any `json:"details,omitempty"`
}

// Store is a write-many/read-rare guarded ring buffer. The in-memory ring
// serves List() without touching disk; db persists every append so a
// restarted daemon can reload its tail.
type Store struct {
	log *slog.Logger
	db  *sql.DB

	mu     sync.Mutex
	ring   []Entry
	next   int
	filled bool
}

// Open creates (or reuses) the sqlite-backed action log at path and
// preloads the ring from the most recent persisted rows.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("actionlog: open sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("actionlog: migrate: %w", err)
	}

	s := &Store{log: logger, db: db, ring: make([]Entry, capacity)}
	if err := s.preload(ctx); err != nil {
		logger.Warn("actionlog: preload failed, starting empty", "error", err)
	}
	return s, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS action_log (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	ts        TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	operation TEXT NOT NULL,
	path      TEXT,
	command   TEXT,
	result    TEXT NOT NULL,
	details   TEXT
);
`

func (s *Store) preload(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, user_id, operation, path, command, result, details FROM action_log ORDER BY id DESC LIMIT ?`, capacity)
	if err != nil {
		return err
	}
	defer rows.Close()

	var loaded []Entry
	for rows.Next() {
		var e Entry
		var ts, path, command, details sql.NullString
		if err := rows.Scan(&ts, &e.UserID, &e.Operation, &path, &command, &e.Result, &details); err != nil {
			return err
		}
		if ts.Valid {
			e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts.String)
		}
		e.Path = path.String
		e.Command = command.String
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		loaded = append(loaded, e)
	}

	// loaded is newest-first; replay oldest-first into the ring so Append's
	// wraparound semantics match restart-vs-no-restart history ordering.
	for i := len(loaded) - 1; i >= 0; i-- {
		s.appendLocked(loaded[i])
	}
	return rows.Err()
}

// Append records an entry, evicting the oldest if the ring is full, and
// persists it to sqlite. Errors persisting are logged, never returned: the
// ActionLog is best-effort audit history, not a transactional ledger.
func (s *Store) Append(ctx context.Context, e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	s.appendLocked(e)
	s.mu.Unlock()

	detailsJSON, _ := json.Marshal(e.Details)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_log (ts, user_id, operation, path, command, result, details) VALUES (?,?,?,?,?,?,?)`,
		e.Timestamp.Format(time.RFC3339Nano), e.UserID, e.Operation, e.Path, e.Command, e.Result, string(detailsJSON))
	if err != nil {
		s.log.Warn("actionlog: persist failed", "error", err)
	}
}

func (s *Store) appendLocked(e Entry) {
	s.ring[s.next] = e
	s.next = (s.next + 1) % capacity
	if s.next == 0 {
		s.filled = true
	}
}

// List returns the most recent limit entries, newest first, along with the
// total count currently held in the ring.
func (s *Store) List(limit int) (entries []Entry, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total = len(s.ring)
	if !s.filled {
		total = s.next
	}
	if limit <= 0 || limit > total {
		limit = total
	}

	out := make([]Entry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (s.next - 1 - i + capacity) % capacity
		out = append(out, s.ring[idx])
	}
	return out, total
}

func (s *Store) Close() error {
	return s.db.Close()
}
