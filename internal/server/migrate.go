package server

import (
	"github.com/mohammad-safakhou/askace/config"
	"github.com/mohammad-safakhou/askace/internal/playbook"
)

// Migrate applies the playbook schema migrations for the configured
// storage driver. direction is "up" or "down"; steps 0 means all.
func Migrate(cfg config.StorageConfig, direction string, steps int) error {
	dialect, dsn, err := playbook.MigrationTarget(cfg)
	if err != nil {
		return err
	}
	return playbook.Migrate(dialect, dsn, direction, steps)
}
