package boltdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lexlapax/engram/pkg/memory"
	"github.com/lexlapax/engram/pkg/memory/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltStore_Contract(t *testing.T) {
	storetest.Run(t, 3, func(t *testing.T) memory.Store {
		store, err := Open(context.Background(), filepath.Join(t.TempDir(), "engram.bolt"))
		require.NoError(t, err)
		return store
	})
}

func TestBoltStore_IndexRebuiltOnOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "engram.bolt")

	store, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, memory.Record{
		ID: "kept", Content: "kept", Source: "test",
		Embedding: []float32{1, 0, 0}, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.Put(ctx, memory.Record{
		ID: "zero", Content: "zero", Source: "test",
		Embedding: []float32{0, 0, 0}, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.Close())

	store, err = Open(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, 1, store.index.Count())

	matches, err := store.SimilaritySearch(ctx, []float32{1, 0, 0}, 0.5, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "kept", matches[0].Record.ID)

	matches, err = store.SimilaritySearch(ctx, []float32{1, 0, 0}, -0.5, 5)
	require.NoError(t, err)
	assert.Len(t, matches, 2, "zero vectors score 0 and pass a negative threshold")
}
