// Package migrate applies the schema migrations embedded in the binary
// at startup, so a deployed relay or consumer never depends on a
// separately-shipped migrations directory.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/procopio420/basecommerce/internal/common/logger"
)

//go:embed sql/*.sql
var migrationFS embed.FS

// Up applies every pending migration embedded under sql/.
func Up(db *sql.DB, log *logger.Logger) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrate: set dialect: %w", err)
	}

	if err := goose.Up(db, "sql"); err != nil {
		return fmt.Errorf("migrate: up: %w", err)
	}

	version, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("migrate: get version: %w", err)
	}
	log.Infof("database migrated to version %d", version)
	return nil
}

// Status reports the current applied schema version without changing it.
func Status(db *sql.DB) (int64, error) {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return 0, fmt.Errorf("migrate: set dialect: %w", err)
	}
	return goose.GetDBVersion(db)
}
