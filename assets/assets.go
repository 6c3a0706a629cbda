// Package assets embeds the SQL migrations shipped with the module.
package assets

import (
	"embed"
	"io/fs"
)

const (
	SQLiteMigrationDir   = "migrations/sqlite"
	PostgresMigrationDir = "migrations/postgres"
)

//go:embed migrations/*
var embedMigrations embed.FS

// MigrationsFS returns the embedded migrations rooted at dir.
func MigrationsFS(dir string) fs.FS {
	sub, err := fs.Sub(embedMigrations, dir)
	if err != nil {
		panic(err)
	}
	return sub
}
