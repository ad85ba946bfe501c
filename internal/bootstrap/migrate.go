package bootstrap

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/debdevops/servicehub/migrations"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// runMigrations applies migrations.FS's embedded schema to db, matching
// the teacher's golang-migrate usage in common/mpostgres but without the
// primary/replica split this single-writer DLQ store does not need.
func runMigrations(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("bootstrap: opening migration driver: %w", err)
	}

	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("bootstrap: opening migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("bootstrap: building migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("bootstrap: applying migrations: %w", err)
	}

	return nil
}
