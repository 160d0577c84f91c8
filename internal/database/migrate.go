package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// DefaultMigrationsDir is where the schema migrations live relative to the
// working directory of the server.
const DefaultMigrationsDir = "migrations"

// MigrationStatus reports the schema version after a migration run
type MigrationStatus struct {
	Version uint
	Applied bool
}

// Migrate applies every pending up migration found in dir.
func Migrate(databaseURL, dir string) (*MigrationStatus, error) {
	m, closeFn, err := newMigrator(databaseURL, dir)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	applied := true
	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
		applied = false
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("failed to get migration version: %w", err)
	}
	if dirty {
		return nil, fmt.Errorf("migration version %d is dirty - manual intervention required", version)
	}

	status := &MigrationStatus{Version: version, Applied: applied}
	if applied {
		log.Info().Uint("version", version).Msg("migrations: applied successfully")
	} else {
		log.Info().Uint("version", version).Msg("migrations: database is up to date")
	}
	return status, nil
}

// MigrateDown rolls back steps migrations
func MigrateDown(databaseURL, dir string, steps int) error {
	if steps <= 0 {
		return fmt.Errorf("steps must be greater than 0")
	}
	m, closeFn, err := newMigrator(databaseURL, dir)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	log.Info().Int("steps", steps).Msg("migrations: rolled back")
	return nil
}

func newMigrator(databaseURL, dir string) (*migrate.Migrate, func(), error) {
	if dir == "" {
		dir = DefaultMigrationsDir
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database for migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return m, func() { m.Close() }, nil
}
