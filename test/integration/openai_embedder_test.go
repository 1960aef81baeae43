package integration

import (
	"context"
	"testing"
	"time"

	"github.com/lexlapax/engram/pkg/embed/openai"
	"github.com/lexlapax/engram/pkg/memory"
	"github.com/lexlapax/engram/test/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIEmbedder(t *testing.T) {
	testutil.RequireIntegration(t)
	apiKey := testutil.RequireEnv(t, "OPENAI_API_KEY")

	embedder, err := openai.New(openai.Config{APIKey: apiKey, Dimensions: 384})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cat, err := embedder.Embed(ctx, "The cat sat on the mat.")
	require.NoError(t, err)
	require.Len(t, cat, 384)

	kitten, err := embedder.Embed(ctx, "A kitten was sitting on the rug.")
	require.NoError(t, err)
	rates, err := embedder.Embed(ctx, "Quarterly interest rates rose sharply.")
	require.NoError(t, err)

	assert.Greater(t, memory.CosineSimilarity(cat, kitten), memory.CosineSimilarity(cat, rates))
}
