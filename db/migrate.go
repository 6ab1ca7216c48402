package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Versioned migrations are NNNNNN_name.up.sql / NNNNNN_name.down.sql pairs.
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

func migrateLog() *slog.Logger {
	return slog.Default().With(slog.String("component", "db_migrate"))
}

func migrationDriver(db *sql.DB, driver string) (database.Driver, error) {
	switch driver {
	case DriverPostgres:
		return postgres.WithInstance(db, &postgres.Config{})
	case DriverSQLite:
		return sqlite.WithInstance(db, &sqlite.Config{})
	default:
		return nil, fmt.Errorf("unsupported migration driver %q", driver)
	}
}

func newMigrate(db *sql.DB, driver string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	target, err := migrationDriver(db, driver)
	if err != nil {
		return nil, fmt.Errorf("%s migration driver: %w", driver, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, driver, target)
	if err != nil {
		return nil, fmt.Errorf("migrate instance: %w", err)
	}
	return m, nil
}

// currentVersion reads the schema version. A database with no applied
// migration reports version 0.
func currentVersion(m *migrate.Migrate) (uint, bool, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read migration version: %w", err)
	}
	return v, dirty, nil
}

// step applies move and then refuses to continue from a dirty schema.
func step(db *sql.DB, driver, action string, move func(*migrate.Migrate) error) error {
	m, err := newMigrate(db, driver)
	if err != nil {
		return err
	}
	if err := move(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			migrateLog().Info("schema unchanged", slog.String("action", action))
			return nil
		}
		return fmt.Errorf("%s: %w", action, err)
	}
	version, dirty, err := currentVersion(m)
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("%s left schema dirty at version %d; fix by hand", action, version)
	}
	migrateLog().Info("schema migrated",
		slog.String("action", action),
		slog.Uint64("version", uint64(version)),
		slog.String("driver", driver))
	return nil
}

// RunMigrations applies every pending migration. Safe on every start.
func RunMigrations(db *sql.DB, driver string) error {
	return step(db, driver, "migrate up", (*migrate.Migrate).Up)
}

// MigrateDown reverts the latest migration. Reverting 000001 drops every
// enforcement record.
func MigrateDown(db *sql.DB, driver string) error {
	return step(db, driver, "migrate down", func(m *migrate.Migrate) error { return m.Steps(-1) })
}

// GetMigrationVersion reports the applied version and whether it is dirty.
func GetMigrationVersion(db *sql.DB, driver string) (uint, bool, error) {
	m, err := newMigrate(db, driver)
	if err != nil {
		return 0, false, err
	}
	return currentVersion(m)
}
