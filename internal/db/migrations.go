package db

import (
	"context"
	_ "embed"
	"fmt"
	"log"
)

//go:embed migrations/001_init.sql
var migrationSQL string

// RunMigrations applies the schema on startup. The DDL is idempotent,
// so re-running against a migrated database is a no-op.
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("running database migrations...")
	if _, err := db.Pool.Exec(ctx, migrationSQL); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
