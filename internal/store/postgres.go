package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/lflish/claude-agent-http/internal/errdefs"
)

// PostgresStore persists sessions in an external PostgreSQL database
// behind a connection pool.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres connects with the given keyword/value DSN and runs
// migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: migrate postgres: %v", errdefs.ErrStorageBroken, err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
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

func (s *PostgresStore) Save(ctx context.Context, sess *Session) error {
	meta, opts, err := encodeJSON(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, user_id, cwd, created_at, last_active_at, message_count, status, metadata_json, options_json, resume_token)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (session_id) DO UPDATE SET
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

func (s *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, wrapStorage(err, "get session")
	}
	return sess, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = $1`, id)
	return wrapStorage(err, "delete session")
}

func (s *PostgresStore) Touch(ctx context.Context, id string, at time.Time, bump bool) error {
	inc := 0
	if bump {
		inc = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET last_active_at = GREATEST(last_active_at, $1), message_count = message_count + $2
		 WHERE session_id = $3`,
		at.UTC().Format(TimeFormat), inc, id,
	)
	return wrapStorage(err, "touch session")
}

func (s *PostgresStore) SetResumeToken(ctx context.Context, id, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET resume_token = $1 WHERE session_id = $2`, token, id)
	return wrapStorage(err, "set resume token")
}

func (s *PostgresStore) List(ctx context.Context, userID string) ([]string, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if userID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT session_id FROM sessions`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT session_id FROM sessions WHERE user_id = $1 ORDER BY last_active_at DESC`, userID)
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

func (s *PostgresStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE status != 'closed'`).Scan(&n)
	return n, wrapStorage(err, "count sessions")
}

func (s *PostgresStore) SweepExpired(ctx context.Context, now time.Time, ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		return nil, nil
	}
	cutoff := now.Add(-ttl).UTC().Format(TimeFormat)
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM sessions WHERE last_active_at < $1 RETURNING session_id`, cutoff)
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return wrapStorage(s.db.PingContext(ctx), "ping")
}

func (s *PostgresStore) Type() string { return "postgresql" }

func (s *PostgresStore) Close() error { return s.db.Close() }
