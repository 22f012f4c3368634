package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/migrations"
)

// Postgres stores session state in the session_state table created by the
// embedded migrations.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects and refuses to serve a schema that tabletalk-migrate
// has not brought up to date.
func OpenPostgres(ctx context.Context, cfg config.SessionStoreConfig) (*Postgres, error) {
	db, err := OpenPostgresDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := migrations.NewRunner().RequireCurrent(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgres(db), nil
}

// OpenPostgresDB opens and pings a pooled pgx connection.
func OpenPostgresDB(ctx context.Context, cfg config.SessionStoreConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("session store dsn is required")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open session store db: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping session store db: %w", err)
	}
	return db, nil
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Save(ctx context.Context, state State) error {
	encoded, err := encodeState(state)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
INSERT INTO session_state (session_id, owner, upload_id, profile_json, plan_json, table_json, created_at, updated_at, last_active_at)
VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6::jsonb, $7, $8, $9)
ON CONFLICT (session_id) DO UPDATE SET
	owner = EXCLUDED.owner,
	upload_id = EXCLUDED.upload_id,
	profile_json = EXCLUDED.profile_json,
	plan_json = EXCLUDED.plan_json,
	table_json = EXCLUDED.table_json,
	updated_at = EXCLUDED.updated_at,
	last_active_at = EXCLUDED.last_active_at`,
		state.SessionID, state.Owner, state.UploadID,
		string(encoded.profile), string(encoded.plan), string(encoded.table),
		state.CreatedAt, state.UpdatedAt, state.LastActiveAt,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", state.SessionID, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, sessionID string) (State, error) {
	row := p.db.QueryRowContext(ctx, `
SELECT session_id, owner, upload_id, profile_json, plan_json, table_json, created_at, updated_at, last_active_at
FROM session_state
WHERE session_id = $1`, sessionID)
	state, err := scanPostgresState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return state, nil
}

func (p *Postgres) Touch(ctx context.Context, sessionID string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
UPDATE session_state
SET last_active_at = $2
WHERE session_id = $1`, sessionID, at)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", sessionID, err)
	}
	return requireAffected(result)
}

func (p *Postgres) Delete(ctx context.Context, sessionID string) error {
	if _, err := p.db.ExecContext(ctx, `
DELETE FROM session_state
WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

func (p *Postgres) ListIdle(ctx context.Context, cutoff time.Time) ([]State, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT session_id, owner, upload_id, profile_json, plan_json, table_json, created_at, updated_at, last_active_at
FROM session_state
WHERE last_active_at < $1
ORDER BY last_active_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list idle sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]State, 0)
	for rows.Next() {
		state, err := scanPostgresState(rows)
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

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func scanPostgresState(row rowScanner) (State, error) {
	var (
		state                State
		profile, plan, table []byte
	)
	if err := row.Scan(&state.SessionID, &state.Owner, &state.UploadID, &profile, &plan, &table, &state.CreatedAt, &state.UpdatedAt, &state.LastActiveAt); err != nil {
		return State{}, err
	}
	if err := decodeState(&state, profile, plan, table); err != nil {
		return State{}, err
	}
	return state, nil
}
