package sessionstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/dataset"
	"github.com/tabletalk/tabletalk/internal/ingest"
	"github.com/tabletalk/tabletalk/internal/query"
)

func sampleState(id string, lastActive time.Time) State {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return State{
		SessionID: id,
		Owner:     "alice",
		UploadID:  "upload-1",
		Profile: dataset.Profile{
			FileName:    "sales.csv",
			Format:      dataset.FormatCSV,
			RowCount:    2_000_000,
			ColumnCount: 1,
			Columns:     []dataset.ColumnProfile{{Name: "amount", InferredType: dataset.TypeFloat}},
		},
		Plan: ingest.Plan{
			Tier:          dataset.TierLarge,
			Strategy:      ingest.StrategySampled,
			SampleRows:    100_000,
			SampleSeed:    42,
			SourceRows:    2_000_000,
			Columns:       []string{"amount"},
			TypeOverrides: map[string]dataset.ColumnType{"amount": dataset.TypeFloat},
		},
		Table: ingest.Table{
			Name:            "uploaded_data",
			RowCount:        100_000,
			Columns:         []query.Column{{Name: "amount", Type: dataset.TypeFloat}},
			Sampled:         true,
			StagedObjectKey: "sessions/" + id + "/staged/upload-1.parquet",
		},
		CreatedAt:    created,
		UpdatedAt:    created,
		LastActiveAt: lastActive,
	}
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			active := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
			state := sampleState("s1", active)
			if err := store.Save(ctx, state); err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			got, err := store.Get(ctx, "s1")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.Owner != "alice" || got.Plan.SampleRows != 100_000 || got.Table.StagedObjectKey != state.Table.StagedObjectKey {
				t.Fatalf("Get() = %+v", got)
			}
			if !got.LastActiveAt.Equal(active) || !got.CreatedAt.Equal(state.CreatedAt) {
				t.Fatalf("timestamps = %v / %v", got.CreatedAt, got.LastActiveAt)
			}
			if got.Plan.TypeOverrides["amount"] != dataset.TypeFloat {
				t.Fatalf("plan overrides = %+v", got.Plan.TypeOverrides)
			}

			state.Table.RowCount = 42
			if err := store.Save(ctx, state); err != nil {
				t.Fatalf("Save() update error = %v", err)
			}
			got, err = store.Get(ctx, "s1")
			if err != nil || got.Table.RowCount != 42 {
				t.Fatalf("Get() after update = %+v, %v", got.Table, err)
			}

			if err := store.Delete(ctx, "s1"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get() after delete error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreTouchAndListIdle(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			for i, id := range []string{"old", "mid", "new"} {
				if err := store.Save(ctx, sampleState(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
					t.Fatalf("Save(%s) error = %v", id, err)
				}
			}
			if err := store.Touch(ctx, "old", base.Add(5*time.Hour)); err != nil {
				t.Fatalf("Touch() error = %v", err)
			}
			if err := store.Touch(ctx, "missing", base); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Touch(missing) error = %v, want ErrNotFound", err)
			}

			idle, err := store.ListIdle(ctx, base.Add(90*time.Minute))
			if err != nil {
				t.Fatalf("ListIdle() error = %v", err)
			}
			if len(idle) != 1 || idle[0].SessionID != "mid" {
				t.Fatalf("ListIdle() = %+v", idle)
			}
		})
	}
}

func TestSaveRequiresSessionID(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Save(context.Background(), State{}); err == nil {
				t.Fatal("expected error for empty session id")
			}
		})
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	store, err := Open(context.Background(), config.SessionStoreConfig{Driver: config.SessionStoreMemory})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, ok := store.(*Memory); !ok {
		t.Fatalf("Open() = %T, want *Memory", store)
	}
	if _, err := Open(context.Background(), config.SessionStoreConfig{Driver: "mysql"}); err == nil {
		t.Fatal("expected unsupported driver error")
	}
	if _, err := OpenPostgres(context.Background(), config.SessionStoreConfig{}); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
