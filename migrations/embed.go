// Package migrations embeds the goose SQL migrations so the server and the
// migrate command can apply them without shipping the files separately.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pressly/goose/v3"
)

// FS holds every *.sql migration in version order.
//
//go:embed *.sql
var FS embed.FS

var setupOnce sync.Once
var setupErr error

func setup() error {
	setupOnce.Do(func() {
		goose.SetBaseFS(FS)
		setupErr = goose.SetDialect("postgres")
	})
	return setupErr
}

// Run executes a goose command ("up", "down", "status", "version",
// "redo", "up-to N", "down-to N") against db.
func Run(ctx context.Context, db *sql.DB, command string, args ...string) error {
	if err := setup(); err != nil {
		return fmt.Errorf("migration dialect: %w", err)
	}
	if err := goose.RunContext(ctx, command, db, ".", args...); err != nil {
		return fmt.Errorf("migrate %s: %w", command, err)
	}
	return nil
}

// Up applies every pending migration and logs the resulting version.
func Up(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if err := Run(ctx, db, "up"); err != nil {
		return err
	}
	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	logger.Info("database migrations applied", "version", version)
	return nil
}
