package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

// runMigrations applies every pending goose migration. It uses a goose
// Provider so it does not touch goose's package-level state.
func runMigrations(ctx context.Context, db *sql.DB) error {
	dir, err := fs.Sub(migrationsFS, migrationsDir)
	if err != nil {
		return fmt.Errorf("metering/sqlite: migrations: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, dir)
	if err != nil {
		return fmt.Errorf("metering/sqlite: goose provider: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("metering/sqlite: migrate: %w", err)
	}
	return nil
}
