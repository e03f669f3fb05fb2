// Package migrations embeds the goose SQL migrations for every supported
// database driver.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed sqlite/*.sql postgres/*.sql
var files embed.FS

// Up applies every pending migration for driver ("sqlite" or "postgres").
func Up(ctx context.Context, db *sql.DB, driver string) error {
	var dialect goose.Dialect
	switch driver {
	case "sqlite":
		dialect = goose.DialectSQLite3
	case "postgres":
		dialect = goose.DialectPostgres
	default:
		return fmt.Errorf("migrations: unsupported driver %q", driver)
	}
	sub, err := fs.Sub(files, driver)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	p, err := goose.NewProvider(dialect, db, sub)
	if err != nil {
		return fmt.Errorf("migrations: new provider: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}
