// migrate.go -- Embedded SQL migration runner.
package store

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5"
)

// Migrate applies pending *.sql files from migrationsFS in lexical order.
// Each file runs in its own transaction together with its schema_migrations row,
// so a failed file leaves no trace. Already-applied files are skipped.
func (s *PostgresStore) Migrate(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	files, err := fs.Glob(migrationsFS, "*.sql")
	if err != nil {
		return fmt.Errorf("reading migration files: %w", err)
	}
	sort.Strings(files)

	applied := 0
	for _, name := range files {
		ok, err := s.applyMigration(ctx, migrationsFS, name)
		if err != nil {
			return err
		}
		if ok {
			applied++
			slog.Info("migration applied", "version", name)
		}
	}
	slog.Info("migrations complete", "applied", applied, "total", len(files))
	return nil
}

// applyMigration runs one file. Returns false if it had already been applied.
func (s *PostgresStore) applyMigration(ctx context.Context, migrationsFS fs.FS, name string) (bool, error) {
	body, err := fs.ReadFile(migrationsFS, name)
	if err != nil {
		return false, fmt.Errorf("reading migration %s: %w", name, err)
	}

	ran := false
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// ON CONFLICT makes two instances starting together race safely
		tag, err := tx.Exec(ctx,
			"INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING", name)
		if err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		ran = true
		return nil
	})
	return ran, err
}
