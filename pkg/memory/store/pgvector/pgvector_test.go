package pgvector

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestEmbedToString(t *testing.T) {
	assert.Equal(t, "[0.25,-1,3.5]", embedToString([]float32{0.25, -1, 3.5}))
	assert.Equal(t, "[]", embedToString(nil))

	v := []float32{0.1, 0.43589, -0.000123}
	assert.Equal(t, v, stringToEmbed(embedToString(v)))
	assert.Equal(t, []float32{}, stringToEmbed("[]"))
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{name: "connection exception", err: &pgconn.PgError{Code: "08006"}, expected: errors.ErrStoreUnavailable},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, expected: errors.ErrStoreUnavailable},
		{name: "closed pool", err: fmt.Errorf("closed pool"), expected: errors.ErrStoreUnavailable},
		{name: "deadline", err: context.DeadlineExceeded, expected: errors.ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapError(tt.err, "op")
			assert.True(t, errors.Is(err, tt.expected), "got %v", err)
		})
	}

	syntax := mapError(&pgconn.PgError{Code: "42601"}, "op")
	assert.False(t, errors.Is(syntax, errors.ErrStoreUnavailable))

	assert.NoError(t, mapError(nil, "op"))
}

func TestNotFoundOr(t *testing.T) {
	err := notFoundOr(pgx.ErrNoRows, "m1", "op")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.Contains(t, err.Error(), "m1")
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	assert.NoError(t, err)
	assert.Len(t, entries, 4)
}
