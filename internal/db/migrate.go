package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

//go:embed migrations/*.up.sql
var embeddedMigrations embed.FS

// Migrations returns the bundled Postgres migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		panic(err) // embed pattern guarantees the directory
	}
	return sub
}

// MigrationResult counts what Migrate did.
type MigrationResult struct {
	Applied int
	Skipped int
}

// Migrate applies every *.up.sql file in migrations, in name order, that is
// not yet recorded in schema_migrations. The pool must use the simple
// protocol so files may hold several statements.
func Migrate(ctx context.Context, db *DB, migrations fs.FS, logger *zap.Logger) (MigrationResult, error) {
	var res MigrationResult
	pool := db.Pool()

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`); err != nil {
		return res, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrations, ".")
	if err != nil {
		return res, fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		name := entry.Name()

		var applied bool
		if err := pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)", name).Scan(&applied); err != nil {
			return res, fmt.Errorf("check applied %s: %w", name, err)
		}
		if applied {
			logger.Debug("migration already applied", zap.String("name", name))
			res.Skipped++
			continue
		}

		contents, err := fs.ReadFile(migrations, name)
		if err != nil {
			return res, fmt.Errorf("read %s: %w", name, err)
		}

		start := time.Now()
		if _, err := pool.Exec(ctx, string(contents)); err != nil {
			return res, fmt.Errorf("execute %s: %w", name, err)
		}

		if _, err := pool.Exec(ctx, "INSERT INTO schema_migrations(name) VALUES($1) ON CONFLICT DO NOTHING", name); err != nil {
			return res, fmt.Errorf("mark applied %s: %w", name, err)
		}

		res.Applied++
		logger.Info("migration applied",
			zap.String("name", name),
			zap.Duration("took", time.Since(start).Round(time.Millisecond)),
		)
	}

	return res, nil
}
