package migrations

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const (
	migrationTable = "tabletalk_schema_migrations"
	// lockKey is the pg_advisory_lock key held while a runner mutates the
	// schema so that several API replicas or migrate jobs never interleave.
	lockKey int64 = 0x7461626c6574
)

var fileNamePattern = regexp.MustCompile(`^([0-9]+)_.+\.(up|down)\.sql$`)

// ErrSchemaBehind is returned by RequireCurrent when migrations are pending.
var ErrSchemaBehind = errors.New("session store schema is behind")

// ErrChecksumMismatch means an applied migration was edited after it ran.
var ErrChecksumMismatch = errors.New("applied migration checksum mismatch")

type Runner struct {
	fsys fs.FS
}

// NewRunner applies the session store schema embedded in the binary.
func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

// NewRunnerFS reads migrations from the sql directory of fsys.
func NewRunnerFS(fsys fs.FS) *Runner {
	return &Runner{fsys: fsys}
}

type Status struct {
	Applied []int64
	Pending []int64
	// Modified lists applied versions whose up script no longer matches the
	// checksum recorded when it ran.
	Modified []int64
}

type script struct {
	Version  int64
	Up       string
	Down     string
	Checksum string
}

type appliedRow struct {
	version  int64
	checksum string
}

// querier is satisfied by *sql.DB and by the *sql.Conn that holds the lock.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// state is the comparison of embedded scripts against the ledger table.
type state struct {
	scripts []script
	applied []appliedRow
	status  Status
}

func (r *Runner) Status(ctx context.Context, db *sql.DB) (Status, error) {
	st, err := r.inspect(ctx, db)
	if err != nil {
		return Status{}, err
	}
	return st.status, nil
}

// RequireCurrent fails when the database has pending or modified
// migrations. The session store calls it before serving traffic.
func (r *Runner) RequireCurrent(ctx context.Context, db *sql.DB) error {
	status, err := r.Status(ctx, db)
	if err != nil {
		return err
	}
	if len(status.Modified) > 0 {
		return fmt.Errorf("%w: versions %v", ErrChecksumMismatch, status.Modified)
	}
	if len(status.Pending) > 0 {
		return fmt.Errorf("%w: pending versions %v; run tabletalk-migrate", ErrSchemaBehind, status.Pending)
	}
	return nil
}

// Up applies pending scripts in version order. steps <= 0 applies all.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	conn, release, err := lock(ctx, db)
	if err != nil {
		return 0, err
	}
	defer release()

	st, err := r.inspect(ctx, conn)
	if err != nil {
		return 0, err
	}
	if len(st.status.Modified) > 0 {
		return 0, fmt.Errorf("%w: versions %v", ErrChecksumMismatch, st.status.Modified)
	}

	count := 0
	for _, item := range st.scripts {
		if !slices.Contains(st.status.Pending, item.Version) {
			continue
		}
		if steps > 0 && count >= steps {
			break
		}
		err := inTx(ctx, conn, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, item.Up); err != nil {
				return fmt.Errorf("apply migration %d: %w", item.Version, err)
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO `+migrationTable+` (version, checksum) VALUES ($1, $2)`, item.Version, item.Checksum)
			if err != nil {
				return fmt.Errorf("record migration %d: %w", item.Version, err)
			}
			return nil
		})
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Down rolls back the newest applied versions. steps <= 0 rolls back one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	conn, release, err := lock(ctx, db)
	if err != nil {
		return 0, err
	}
	defer release()

	st, err := r.inspect(ctx, conn)
	if err != nil {
		return 0, err
	}
	byVersion := make(map[int64]script, len(st.scripts))
	for _, item := range st.scripts {
		byVersion[item.Version] = item
	}

	count := 0
	for i := len(st.applied) - 1; i >= 0 && count < steps; i-- {
		version := st.applied[i].version
		item, ok := byVersion[version]
		if !ok {
			return count, fmt.Errorf("applied migration %d has no script", version)
		}
		err := inTx(ctx, conn, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, item.Down); err != nil {
				return fmt.Errorf("roll back migration %d: %w", version, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+migrationTable+` WHERE version = $1`, version); err != nil {
				return fmt.Errorf("forget migration %d: %w", version, err)
			}
			return nil
		})
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (r *Runner) inspect(ctx context.Context, db querier) (state, error) {
	scripts, err := loadScripts(r.fsys)
	if err != nil {
		return state{}, err
	}
	ensure := `
CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
	version BIGINT PRIMARY KEY,
	checksum TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := db.ExecContext(ctx, ensure); err != nil {
		return state{}, fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := readApplied(ctx, db)
	if err != nil {
		return state{}, err
	}

	checksums := make(map[int64]string, len(applied))
	st := state{scripts: scripts, applied: applied, status: Status{Applied: []int64{}, Pending: []int64{}}}
	for _, row := range applied {
		checksums[row.version] = row.checksum
		st.status.Applied = append(st.status.Applied, row.version)
	}
	for _, item := range scripts {
		recorded, ok := checksums[item.Version]
		switch {
		case !ok:
			st.status.Pending = append(st.status.Pending, item.Version)
		case recorded != "" && recorded != item.Checksum:
			st.status.Modified = append(st.status.Modified, item.Version)
		}
	}
	return st, nil
}

func readApplied(ctx context.Context, db querier) ([]appliedRow, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, checksum FROM `+migrationTable+` ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]appliedRow, 0)
	for rows.Next() {
		var row appliedRow
		if err := rows.Scan(&row.version, &row.checksum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return out, nil
}

// lock pins one pooled connection and takes the advisory lock on it. The
// returned release unlocks and hands the connection back to the pool.
func lock(ctx context.Context, db *sql.DB) (*sql.Conn, func(), error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire migration connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("acquire migration lock: %w", err)
	}
	release := func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, lockKey)
		_ = conn.Close()
	}
	return conn, release, nil
}

func inTx(ctx context.Context, conn *sql.Conn, fn func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func loadScripts(fsys fs.FS) ([]script, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	byVersion := map[int64]*script{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := path.Base(entry.Name())
		parts := fileNamePattern.FindStringSubmatch(name)
		if parts == nil {
			continue
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration %q: bad version: %w", name, err)
		}
		body, err := fs.ReadFile(fsys, path.Join("sql", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", name, err)
		}

		item, ok := byVersion[version]
		if !ok {
			item = &script{Version: version}
			byVersion[version] = item
		}
		if parts[2] == "up" {
			item.Up = string(body)
			sum := sha256.Sum256(body)
			item.Checksum = hex.EncodeToString(sum[:])
		} else {
			item.Down = string(body)
		}
	}

	scripts := make([]script, 0, len(byVersion))
	for _, item := range byVersion {
		if strings.TrimSpace(item.Up) == "" {
			return nil, fmt.Errorf("migration %d missing up SQL", item.Version)
		}
		if strings.TrimSpace(item.Down) == "" {
			return nil, fmt.Errorf("migration %d missing down SQL", item.Version)
		}
		scripts = append(scripts, *item)
	}
	slices.SortFunc(scripts, func(a, b script) int { return cmp.Compare(a.Version, b.Version) })
	return scripts, nil
}
