package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// OpenConfig selects and configures a Store backend.
type OpenConfig struct {
	Driver      string // "sqlite" or "postgres"
	SQLitePath  string
	PostgresDSN string
}

// Open connects the configured backend. The SQLite schema is applied on
// open; Postgres expects migrations to have run.
func Open(ctx context.Context, cfg OpenConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return OpenSQLite(ctx, cfg.SQLitePath, logger)
	case "postgres":
		database, err := New(ctx, Config{DSN: cfg.PostgresDSN, ApplicationName: "carbonsnap"}, logger)
		if err != nil {
			return nil, err
		}
		return NewRepository(database, logger), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
