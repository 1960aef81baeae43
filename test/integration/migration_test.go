package integration

import (
	"database/sql"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/lexlapax/engram/pkg/memory/store/pgvector"
	"github.com/lexlapax/engram/test/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var exists bool
	err := db.QueryRow("SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)", name).Scan(&exists)
	require.NoError(t, err)
	return exists
}

// TestMigrations verifies that migrations can be applied and rolled back successfully.
func TestMigrations(t *testing.T) {
	url := testutil.PostgresURL(t)
	testutil.ResetSchema(t, url)

	db, err := sql.Open("postgres", url)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Ping())

	assert.True(t, tableExists(t, db, "memories"))
	assert.True(t, tableExists(t, db, "feedback_events"))

	m, err := pgvector.NewMigrator(db)
	require.NoError(t, err)

	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.EqualValues(t, 2, version)
	assert.False(t, dirty)

	// Roll back migrations
	require.NoError(t, m.Down())
	assert.False(t, tableExists(t, db, "memories"))
	assert.False(t, tableExists(t, db, "feedback_events"))

	// Reapplying is idempotent
	require.NoError(t, m.Up())
	if err := m.Up(); err != migrate.ErrNoChange {
		t.Fatalf("expected no change on second up, got %v", err)
	}
	assert.True(t, tableExists(t, db, "memories"))
}
