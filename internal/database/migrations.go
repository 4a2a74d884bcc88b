package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// ErrMigrationFailed wraps any golang-migrate failure that isn't a
// benign "no change" result.
var ErrMigrationFailed = errors.New("migration failed")

// RunMigrations applies every pending migration found under
// migrationsPath (a "file://" URL) against db, using golang-migrate's
// Postgres driver built on the already-open *sql.DB.
func RunMigrations(db *sql.DB, migrationsPath string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("%w: build migrate driver: %v", ErrMigrationFailed, err)
	}

	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("%w: load migrations: %v", ErrMigrationFailed, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: apply: %v", ErrMigrationFailed, err)
	}
	return nil
}
