// Package db provides database schema migration management.
package db

import (
	"embed"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	// registers the "sqlite" database driver (modernc, no cgo)
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	apperrors "github.com/kimhsiao/sitesync/internal/errors"
	"github.com/kimhsiao/sitesync/internal/logging"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrator is the subset of migrate.Migrate used here.
type Migrator interface {
	Up() error
	Close() (error, error)
}

// MigrationEngine builds a migrator for the database file at path.
type MigrationEngine func(path string) (Migrator, error)

// DefaultEngine reads the embedded migrations and applies them through the
// golang-migrate sqlite driver, which opens its own connection to path.
func DefaultEngine(path string) (Migrator, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite://"+filepath.ToSlash(path))
	if err != nil {
		return nil, fmt.Errorf("init migrator: %w", err)
	}
	return m, nil
}

// Migrate applies every pending up migration to the database at path.
func Migrate(path string, engine MigrationEngine) (err error) {
	m, err := engine(path)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "open migrator", err)
	}
	defer func() {
		serr, dberr := m.Close()
		if serr != nil && err == nil {
			err = apperrors.Wrap(apperrors.ErrMigration, "close migration source", serr)
		}
		if dberr != nil && err == nil {
			err = apperrors.Wrap(apperrors.ErrMigration, "close migration database", dberr)
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return apperrors.Wrap(apperrors.ErrMigration, "apply migrations", err)
	}

	logging.Info("Database schema migrated", map[string]interface{}{"path": path})
	return nil
}
