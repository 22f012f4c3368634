package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS session_state (
	session_id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	upload_id TEXT NOT NULL,
	profile_json TEXT NOT NULL,
	plan_json TEXT NOT NULL,
	table_json TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	last_active_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_state_last_active ON session_state (last_active_at);
`

// SQLite stores session state in a local database file.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping session store: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create session store schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Save(ctx context.Context, state State) error {
	encoded, err := encodeState(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO session_state (session_id, owner, upload_id, profile_json, plan_json, table_json, created_at, updated_at, last_active_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id) DO UPDATE SET
	owner = excluded.owner,
	upload_id = excluded.upload_id,
	profile_json = excluded.profile_json,
	plan_json = excluded.plan_json,
	table_json = excluded.table_json,
	updated_at = excluded.updated_at,
	last_active_at = excluded.last_active_at`,
		state.SessionID, state.Owner, state.UploadID,
		string(encoded.profile), string(encoded.plan), string(encoded.table),
		state.CreatedAt.UnixNano(), state.UpdatedAt.UnixNano(), state.LastActiveAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", state.SessionID, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, sessionID string) (State, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, owner, upload_id, profile_json, plan_json, table_json, created_at, updated_at, last_active_at
FROM session_state
WHERE session_id = ?`, sessionID)
	state, err := scanSQLiteState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return state, nil
}

func (s *SQLite) Touch(ctx context.Context, sessionID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE session_state SET last_active_at = ? WHERE session_id = ?`, at.UnixNano(), sessionID)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", sessionID, err)
	}
	return requireAffected(result)
}

func (s *SQLite) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_state WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLite) ListIdle(ctx context.Context, cutoff time.Time) ([]State, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, owner, upload_id, profile_json, plan_json, table_json, created_at, updated_at, last_active_at
FROM session_state
WHERE last_active_at < ?
ORDER BY last_active_at ASC`, cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list idle sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]State, 0)
	for rows.Next() {
		state, err := scanSQLiteState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteState(row rowScanner) (State, error) {
	var (
		state                            State
		profile, plan, table             string
		createdAt, updatedAt, lastActive int64
	)
	if err := row.Scan(&state.SessionID, &state.Owner, &state.UploadID, &profile, &plan, &table, &createdAt, &updatedAt, &lastActive); err != nil {
		return State{}, err
	}
	state.CreatedAt = time.Unix(0, createdAt).UTC()
	state.UpdatedAt = time.Unix(0, updatedAt).UTC()
	state.LastActiveAt = time.Unix(0, lastActive).UTC()
	if err := decodeState(&state, []byte(profile), []byte(plan), []byte(table)); err != nil {
		return State{}, err
	}
	return state, nil
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
