package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lexlapax/engram/pkg/memory/store/boltdb"
	"github.com/stretchr/testify/require"
)

// NewTempBoltStore opens a bbolt store in a temporary directory. It returns
// the store and its file path so tests can reopen it.
func NewTempBoltStore(t *testing.T) (*boltdb.BoltStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engram.bolt")

	store, err := boltdb.Open(context.Background(), path)
	require.NoError(t, err)
	return store, path
}
