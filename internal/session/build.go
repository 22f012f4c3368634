package session

import (
	"context"
	"log/slog"

	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/dataset"
	"github.com/tabletalk/tabletalk/internal/guard"
	"github.com/tabletalk/tabletalk/internal/ingest"
	"github.com/tabletalk/tabletalk/internal/nl2sql"
	"github.com/tabletalk/tabletalk/internal/query"
	"github.com/tabletalk/tabletalk/internal/query/duckdb"
	"github.com/tabletalk/tabletalk/internal/sessionstore"
	"github.com/tabletalk/tabletalk/internal/storage"
)

// OptionsFromConfig assembles manager options from service configuration.
// objects and translator may be nil.
func OptionsFromConfig(cfg config.Config, store sessionstore.Store, objects storage.ObjectStore, translator nl2sql.Translator, logger *slog.Logger) (Options, error) {
	profiler, err := dataset.NewProfiler(dataset.ProfilerOptions{
		LargeByteThreshold: cfg.Dataset.LargeByteThreshold,
		PrefixRows:         cfg.Dataset.ProfilePrefixRows,
		NullTokens:         cfg.Dataset.NullTokens,
	})
	if err != nil {
		return Options{}, err
	}
	planner, err := ingest.NewPlanner(ingest.PlannerOptions{
		SampleFraction: cfg.Dataset.SampleFraction,
		SampleRowCap:   cfg.Dataset.SampleRowCap,
		Seed:           cfg.Dataset.SampleSeed,
	})
	if err != nil {
		return Options{}, err
	}
	g, err := guard.New(guard.Options{
		DefaultLimit:   cfg.Guard.DefaultLimit,
		RewriteEnabled: cfg.Guard.RewriteEnabled,
	})
	if err != nil {
		return Options{}, err
	}

	engineOptions := duckdb.Options{MemoryLimit: cfg.Engine.MemoryLimit, Threads: cfg.Engine.Threads}
	return Options{
		Profiler: profiler,
		Planner:  planner,
		Loader: ingest.NewLoader(ingest.LoaderOptions{
			Store:   objects,
			Nulls:   profiler.NullSet(),
			WorkDir: cfg.Session.WorkDir,
			Logger:  logger,
		}),
		Guard: g,
		NewEngine: func(ctx context.Context) (query.Engine, error) {
			return duckdb.Open(ctx, engineOptions)
		},
		Store:       store,
		ObjectStore: objects,
		Translator:  translator,
		Config: Config{
			Thresholds: dataset.Thresholds{
				Rows:  cfg.Dataset.LargeRowThreshold,
				Bytes: cfg.Dataset.LargeByteThreshold,
			},
			TableName:        cfg.Dataset.TableName,
			PreviewRows:      cfg.Dataset.PreviewRows,
			SchemaSampleRows: cfg.AI.SchemaSampleRows,
			QueryTimeout:     cfg.Query.Timeout,
			LoadTimeout:      cfg.Query.LoadTimeout,
			TTL:              cfg.Session.TTL,
			SweepInterval:    cfg.Session.SweepInterval,
			WorkDir:          cfg.Session.WorkDir,
		},
		Logger: logger,
	}, nil
}
