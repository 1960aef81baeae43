package pgvector

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/log"
	_ "github.com/lib/pq" // PostgreSQL driver for migrations
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SchemaDimensions is the embedding width the migrations create.
const SchemaDimensions = 384

// NewMigrator returns a migrate instance bound to the embedded migrations.
// The caller owns db.
func NewMigrator(db *sql.DB) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreUnavailable, "failed to create migration driver: %v", err)
	}

	return migrate.NewWithInstance("iofs", source, "postgres", driver)
}

// Migrate applies all pending migrations to the database at connString.
func Migrate(ctx context.Context, connString string) error {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return errors.Wrap(errors.ErrStoreUnavailable, "failed to open migration connection: %v", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return errors.Wrap(errors.ErrStoreUnavailable, "failed to ping PostgreSQL: %v", err)
	}

	m, err := NewMigrator(db)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	log.InfoContext(ctx, "Applied pgvector migrations", "version", version, "dirty", dirty)
	return nil
}
