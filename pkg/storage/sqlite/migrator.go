package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/factgraph/factgraph/assets"
)

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, assets.MigrationsFS(assets.SQLiteMigrationDir))
	if err != nil {
		return fmt.Errorf("initialize sqlite migrations: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	return nil
}
