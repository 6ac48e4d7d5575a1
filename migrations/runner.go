package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// MigrationRunner is the command surface the CLI drives.
type MigrationRunner interface {
	// Up applies all pending migrations
	Up() error

	// Down rolls back the last migration
	Down() error

	// Status shows the current migration status
	Status() error

	// Version shows the current migration version
	Version() error

	// Drop drops all tables (destructive operation)
	Drop() error

	// Close closes any open connections
	Close() error
}

// Runner implements MigrationRunner on golang-migrate with the embedded
// migration set as its source.
type Runner struct {
	config   *Config
	migrate  *migrate.Migrate
	db       *sql.DB
	embedded *EmbeddedMigration
}

var _ MigrationRunner = (*Runner)(nil)

// migrateLogger routes golang-migrate's log output through the standard logger.
type migrateLogger struct{}

var _ migrate.Logger = (*migrateLogger)(nil)

func (l *migrateLogger) Printf(format string, v ...any) {
	log.Printf("[MIGRATE] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return true
}

// NewMigrationRunner validates the embedded migration set, connects to the
// database, and wires golang-migrate to the embedded source.
func NewMigrationRunner(cfg *Config) (*Runner, error) {
	log.Printf("Initializing migration runner with config: %s", cfg.String())

	embedded := NewEmbeddedMigration(nil)

	if err := embedded.ValidateEmbeddedMigrations(); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: cfg.MigrationTable,
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(embedded.FS(), ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{}

	return &Runner{
		config:   cfg,
		migrate:  m,
		db:       db,
		embedded: embedded,
	}, nil
}

// Up applies all pending migrations.
func (r *Runner) Up() error {
	log.Println("Applying pending migrations...")

	err := r.migrate.Up()

	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Println("No new migrations to apply")
	case err != nil:
		return fmt.Errorf("migration up failed: %w", err)
	default:
		log.Println("All migrations applied successfully")
	}

	return nil
}

// Down rolls back the last applied migration.
func (r *Runner) Down() error {
	log.Println("Rolling back last migration...")

	err := r.migrate.Steps(-1)

	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Println("No migrations to roll back")
	case err != nil:
		return fmt.Errorf("migration down failed: %w", err)
	default:
		log.Println("Last migration rolled back successfully")
	}

	return nil
}

// Status reports the applied schema version against what this binary carries.
func (r *Runner) Status() error {
	version, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Println("Migration Status: No migrations applied yet")
			r.reportCompatibility(0)

			return nil
		}

		return fmt.Errorf("failed to get migration version: %w", err)
	}

	state := "clean"
	if dirty {
		state = "dirty (needs manual intervention)"
	}

	log.Printf("Migration Status: Version %d (%s)", version, state)
	r.reportCompatibility(int(version)) // #nosec G115 - version numbers are safe to convert

	return nil
}

// Version reports the current schema version.
func (r *Runner) Version() error {
	version, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Println("Current Version: No migrations applied")

			return nil
		}

		return fmt.Errorf("failed to get migration version: %w", err)
	}

	dirtyNote := ""
	if dirty {
		dirtyNote = " (dirty)"
	}

	log.Printf("Current Version: %d%s", version, dirtyNote)

	return nil
}

// Drop drops all tables. Destructive; the CLI asks for confirmation first.
func (r *Runner) Drop() error {
	log.Println("WARNING: Dropping all tables...")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	log.Println("All tables dropped successfully")

	return nil
}

// Close closes the migrate instance and the database connection.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, fmt.Errorf("source close error: %w", sourceErr))
		}

		if dbErr != nil {
			errs = append(errs, fmt.Errorf("database close error: %w", dbErr))
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database connection close error: %w", err))
		}
	}

	return errors.Join(errs...)
}

// reportCompatibility compares the applied schema version with the highest
// migration embedded in this binary.
func (r *Runner) reportCompatibility(current int) {
	supported := r.embedded.maxSequence()

	switch {
	case current == supported:
		log.Printf("Schema v%03d, up to date", current)
	case current < supported:
		log.Printf("Schema v%03d, %d migration(s) available (migrator carries v%03d)",
			current, supported-current, supported)
	default:
		log.Printf("Schema v%03d is newer than this migrator supports (v%03d), update the migrator",
			current, supported)
	}
}
