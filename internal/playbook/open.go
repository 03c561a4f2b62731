package playbook

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/askace/config"
)

// Open returns the store selected by the storage driver.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return OpenPostgres(ctx, cfg.Postgres.DSN())
	case "sqlite":
		return OpenSQLite(ctx, cfg.SQLite.Path)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown playbook storage driver %q", cfg.Driver)
	}
}
