package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lflish/claude-agent-http/internal/errdefs"
)

// SQLiteStore persists sessions in an embedded SQLite file. A single
// persistent connection serializes all statements; database/sql's own
// locking stands in for a statement mutex.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at path and runs
// migrations. Unrecoverable schema failures are ErrStorageBroken.
func NewSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One long-lived connection; reopening per call defeats WAL and the
	// page cache.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-65536",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate sqlite: %v", errdefs.ErrStorageBroken, err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			cwd TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_active_at TEXT NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			options_json TEXT NOT NULL DEFAULT '{}',
			resume_token TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_active
			ON sessions(user_id, last_active_at DESC)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	meta, opts, err := encodeJSON(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, user_id, cwd, created_at, last_active_at, message_count, status, metadata_json, options_json, resume_token)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   user_id=excluded.user_id, cwd=excluded.cwd,
		   last_active_at=excluded.last_active_at,
		   message_count=excluded.message_count, status=excluded.status,
		   metadata_json=excluded.metadata_json, options_json=excluded.options_json,
		   resume_token=excluded.resume_token`,
		sess.SessionID, sess.UserID, sess.Cwd,
		sess.CreatedAt.UTC().Format(TimeFormat), sess.LastActiveAt.UTC().Format(TimeFormat),
		sess.MessageCount, sess.Status, meta, opts, sess.ResumeToken,
	)
	return wrapStorage(err, "save session")
}

const sessionColumns = `session_id, user_id, cwd, created_at, last_active_at, message_count, status, metadata_json, options_json, resume_token`

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, wrapStorage(err, "get session")
	}
	return sess, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id)
	return wrapStorage(err, "delete session")
}

func (s *SQLiteStore) Touch(ctx context.Context, id string, at time.Time, bump bool) error {
	inc := 0
	if bump {
		inc = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET last_active_at = MAX(last_active_at, ?), message_count = message_count + ?
		 WHERE session_id = ?`,
		at.UTC().Format(TimeFormat), inc, id,
	)
	return wrapStorage(err, "touch session")
}

func (s *SQLiteStore) SetResumeToken(ctx context.Context, id, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET resume_token = ? WHERE session_id = ?`, token, id)
	return wrapStorage(err, "set resume token")
}

func (s *SQLiteStore) List(ctx context.Context, userID string) ([]string, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if userID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT session_id FROM sessions`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT session_id FROM sessions WHERE user_id = ? ORDER BY last_active_at DESC`, userID)
	}
	if err != nil {
		return nil, wrapStorage(err, "list sessions")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapStorage(err, "list sessions")
		}
		ids = append(ids, id)
	}
	return ids, wrapStorage(rows.Err(), "list sessions")
}

func (s *SQLiteStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE status != 'closed'`).Scan(&n)
	return n, wrapStorage(err, "count sessions")
}

func (s *SQLiteStore) SweepExpired(ctx context.Context, now time.Time, ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		return nil, nil
	}
	cutoff := now.Add(-ttl).UTC().Format(TimeFormat)
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM sessions WHERE last_active_at < ? RETURNING session_id`, cutoff)
	if err != nil {
		return nil, wrapStorage(err, "sweep sessions")
	}
	defer rows.Close()

	var removed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapStorage(err, "sweep sessions")
		}
		removed = append(removed, id)
	}
	return removed, wrapStorage(rows.Err(), "sweep sessions")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return wrapStorage(s.db.PingContext(ctx), "ping")
}

func (s *SQLiteStore) Type() string { return "sqlite" }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- shared row plumbing for the SQL backends ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess          Session
		created, last string
		meta, opts    string
	)
	err := row.Scan(&sess.SessionID, &sess.UserID, &sess.Cwd, &created, &last,
		&sess.MessageCount, &sess.Status, &meta, &opts, &sess.ResumeToken)
	if err != nil {
		return nil, err
	}
	if sess.CreatedAt, err = time.Parse(TimeFormat, created); err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", created, err)
	}
	if sess.LastActiveAt, err = time.Parse(TimeFormat, last); err != nil {
		return nil, fmt.Errorf("parse last_active_at %q: %w", last, err)
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
	}
	if opts != "" && opts != "{}" {
		sess.Options = json.RawMessage(opts)
	}
	return &sess, nil
}

func encodeJSON(sess *Session) (meta, opts string, err error) {
	meta, opts = "{}", "{}"
	if sess.Metadata != nil {
		b, err := json.Marshal(sess.Metadata)
		if err != nil {
			return "", "", fmt.Errorf("encode metadata: %w", err)
		}
		meta = string(b)
	}
	if len(sess.Options) > 0 {
		opts = string(sess.Options)
	}
	return meta, opts, nil
}

func wrapStorage(err error, op string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", errdefs.ErrStorageUnavailable, op, err)
}
