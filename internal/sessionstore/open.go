package sessionstore

import (
	"context"
	"fmt"

	"github.com/tabletalk/tabletalk/internal/config"
)

// Open returns the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.SessionStoreConfig) (Store, error) {
	switch cfg.Driver {
	case config.SessionStoreMemory:
		return NewMemory(), nil
	case config.SessionStoreSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath)
	case config.SessionStorePostgres:
		return OpenPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported session store driver %q", cfg.Driver)
	}
}
