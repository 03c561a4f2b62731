package playbook

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mohammad-safakhou/askace/config"
	"github.com/mohammad-safakhou/askace/migrations"
)

// MigrationTarget returns the dialect and migrate URL for a storage config.
func MigrationTarget(cfg config.StorageConfig) (Dialect, string, error) {
	switch cfg.Driver {
	case "postgres":
		return DialectPostgres, cfg.Postgres.DSN(), nil
	case "sqlite":
		return DialectSQLite, "sqlite://" + cfg.SQLite.Path, nil
	default:
		return "", "", fmt.Errorf("storage driver %q has no migrations", cfg.Driver)
	}
}

// Migrate applies the embedded migrations for dialect against dsn.
// direction is "up" or "down"; steps 0 means all.
func Migrate(dialect Dialect, dsn string, direction string, steps int) error {
	src, err := iofs.New(migrations.FS, string(dialect))
	if err != nil {
		return fmt.Errorf("migrations source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	switch direction {
	case "up", "":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	default:
		return fmt.Errorf("unknown direction: %s", direction)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}
