package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/user/researchview/internal/types"
)

// SQLiteStore keeps the history in a single SQLite database. The timeline is
// stored as a JSON column; timestamps as Unix nanoseconds.
type SQLiteStore struct {
	db   *sql.DB
	path string

	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		question TEXT NOT NULL,
		timeline TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC)`,
}

// NewSQLiteStore opens (or creates) history.db in dataDir and runs migrations.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "history.db")

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	return &SQLiteStore{
		db:    db,
		path:  dbPath,
		locks: make(map[types.SessionID]*sync.Mutex),
	}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) getLock(id types.SessionID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[id] = lock
	return lock
}

func (s *SQLiteStore) Save(ctx context.Context, session *types.SessionRecord) error {
	if session.ID == "" {
		return fmt.Errorf("invalid session id %q", session.ID)
	}
	lock := s.getLock(session.ID)
	lock.Lock()
	defer lock.Unlock()

	timeline, err := json.Marshal(session.Timeline)
	if err != nil {
		return fmt.Errorf("marshal timeline: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, question, timeline, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			question = excluded.question,
			timeline = excluded.timeline,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`, string(session.ID), session.Question, string(timeline),
		toUnixNano(session.CreatedAt), toUnixNano(session.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id types.SessionID) (*types.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, question, timeline, created_at, updated_at
		FROM sessions WHERE id = ?
	`, string(id))

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return session, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*types.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, question, timeline, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*types.SessionRecord{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id types.SessionID) error {
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.SessionRecord, error) {
	var (
		session            types.SessionRecord
		id, timeline       string
		createdAt, updated int64
	)
	if err := row.Scan(&id, &session.Question, &timeline, &createdAt, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(timeline), &session.Timeline); err != nil {
		return nil, fmt.Errorf("unmarshal timeline: %w", err)
	}
	session.ID = types.SessionID(id)
	session.CreatedAt = fromUnixNano(createdAt)
	session.UpdatedAt = fromUnixNano(updated)
	return &session, nil
}

// Zero times are stored as 0 so they survive the round trip.
func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
