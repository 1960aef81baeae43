package testutil

import (
	"context"
	"database/sql"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/lexlapax/engram/pkg/memory/store/pgvector"
	"github.com/stretchr/testify/require"
)

// PostgresURL returns the test database URL or skips the test.
func PostgresURL(t *testing.T) string {
	t.Helper()
	RequireIntegration(t)
	return RequireEnv(t, "PGVECTOR_TEST_URL", "TEST_DB_URL")
}

// ResetSchema drops everything in the test database and reapplies the
// embedded migrations.
func ResetSchema(t *testing.T, url string) {
	t.Helper()

	db, err := sql.Open("postgres", url)
	require.NoError(t, err)
	defer db.Close()

	m, err := pgvector.NewMigrator(db)
	require.NoError(t, err)
	if err := m.Drop(); err != nil && err != migrate.ErrNoChange {
		require.NoError(t, err)
	}
	require.NoError(t, pgvector.Migrate(context.Background(), url))
}

// NewPgvectorStore returns a store over empty tables.
func NewPgvectorStore(t *testing.T, url string) *pgvector.PgvectorStore {
	t.Helper()
	ctx := context.Background()

	store, err := pgvector.New(ctx, pgvector.Config{
		ConnectionString: url,
		Dimensions:       pgvector.SchemaDimensions,
		MaxConns:         4,
	})
	require.NoError(t, err)

	_, err = store.DB().Exec(ctx, "TRUNCATE memories, feedback_events")
	require.NoError(t, err)
	return store
}
