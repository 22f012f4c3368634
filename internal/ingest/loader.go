package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/tabletalk/tabletalk/internal/dataset"
	"github.com/tabletalk/tabletalk/internal/query"
	"github.com/tabletalk/tabletalk/internal/storage"
)

const stagedContentType = "application/vnd.apache.parquet"

// Table describes the session table after a successful load.
type Table struct {
	Name            string         `json:"name"`
	RowCount        int64          `json:"row_count"`
	SourceRows      int64          `json:"source_rows"`
	Columns         []query.Column `json:"columns"`
	Sampled         bool           `json:"sampled"`
	SampleRows      int64          `json:"sample_rows,omitempty"`
	StagedObjectKey string         `json:"staged_object_key,omitempty"`
	LoadedAt        time.Time      `json:"loaded_at"`
}

// Target identifies where a load lands.
type Target struct {
	SessionID string
	UploadID  string
	TableName string
}

type LoaderOptions struct {
	// Store archives staged files so sessions can be restored. Optional.
	Store   storage.ObjectStore
	Nulls   dataset.NullSet
	WorkDir string
	Logger  *slog.Logger
}

type Loader struct {
	store   storage.ObjectStore
	nulls   dataset.NullSet
	workDir string
	logger  *slog.Logger
	now     func() time.Time
}

func NewLoader(opts LoaderOptions) *Loader {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Loader{
		store:   opts.Store,
		nulls:   opts.Nulls,
		workDir: workDir,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (l *Loader) Archiving() bool {
	return l.store != nil
}

// Load stages src according to plan and replaces the target table with it.
// Any failure is a LoadError and leaves the existing table in place.
func (l *Loader) Load(ctx context.Context, engine query.Engine, target Target, src dataset.Source, plan Plan) (Table, error) {
	if engine == nil {
		return Table{}, &LoadError{Stage: "replace", Err: errors.New("engine is required")}
	}
	startedAt := time.Now()
	staged, err := stage(ctx, src, plan, l.nulls, l.workDir)
	if err != nil {
		return Table{}, &LoadError{Stage: "stage", Err: err}
	}
	defer func() { _ = os.Remove(staged.path) }()

	key := ""
	if l.store != nil {
		key, err = l.archive(ctx, target, staged.path)
		if err != nil {
			return Table{}, &LoadError{Stage: "archive", Err: err}
		}
	}

	info, err := engine.ReplaceTable(ctx, query.LoadRequest{
		TableName:  target.TableName,
		StagedPath: staged.path,
		Columns:    staged.columns,
	})
	if err != nil {
		if key != "" {
			if deleteErr := l.store.Delete(context.WithoutCancel(ctx), key); deleteErr != nil {
				l.logger.Warn("discard archived staged file failed", "key", key, "error", deleteErr)
			}
		}
		return Table{}, &LoadError{Stage: "replace", Err: err}
	}

	table := Table{
		Name:            info.Name,
		RowCount:        info.RowCount,
		SourceRows:      plan.SourceRows,
		Columns:         info.Columns,
		Sampled:         plan.Sampled(),
		StagedObjectKey: key,
		LoadedAt:        l.now(),
	}
	if plan.Sampled() {
		table.SampleRows = staged.rows
	}
	l.logger.Info("table loaded",
		"session_id", target.SessionID,
		"table", table.Name,
		"tier", plan.Tier,
		"strategy", plan.Strategy,
		"rows", table.RowCount,
		"duration_ms", time.Since(startedAt).Milliseconds(),
	)
	return table, nil
}

// Restore rebuilds the target table from a previously archived staged file.
func (l *Loader) Restore(ctx context.Context, engine query.Engine, tableName, key string, plan Plan) (query.TableInfo, error) {
	if l.store == nil {
		return query.TableInfo{}, &LoadError{Stage: "restore", Err: errors.New("no object store configured")}
	}
	if key == "" {
		return query.TableInfo{}, &LoadError{Stage: "restore", Err: errors.New("no archived staged file")}
	}
	path, err := l.fetch(ctx, key)
	if err != nil {
		return query.TableInfo{}, &LoadError{Stage: "restore", Err: err}
	}
	defer func() { _ = os.Remove(path) }()

	info, err := engine.ReplaceTable(ctx, query.LoadRequest{
		TableName:  tableName,
		StagedPath: path,
		Columns:    StagedColumns(plan),
	})
	if err != nil {
		return query.TableInfo{}, &LoadError{Stage: "restore", Err: err}
	}
	return info, nil
}

func (l *Loader) archive(ctx context.Context, target Target, path string) (string, error) {
	key, err := storage.BuildStagedPath(target.SessionID, target.UploadID)
	if err != nil {
		return "", err
	}
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open staged file: %w", err)
	}
	defer func() { _ = file.Close() }()
	stat, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("stat staged file: %w", err)
	}
	if _, err := l.store.Put(ctx, key, file, stat.Size(), storage.PutOptions{
		ContentType: stagedContentType,
		Metadata:    map[string]string{"session-id": target.SessionID, "upload-id": target.UploadID},
	}); err != nil {
		return "", err
	}
	return key, nil
}

func (l *Loader) fetch(ctx context.Context, key string) (string, error) {
	reader, err := l.store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("get %q: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	file, err := os.CreateTemp(l.workDir, "restore-*.parquet")
	if err != nil {
		return "", fmt.Errorf("create restore file: %w", err)
	}
	_, err = io.Copy(file, reader)
	if err == nil {
		err = file.Sync()
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(file.Name())
		return "", fmt.Errorf("download %q: %w", key, err)
	}
	return file.Name(), nil
}
