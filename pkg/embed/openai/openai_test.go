package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lexlapax/engram/pkg/embed/openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockOpenAIServer creates a mock OpenAI server that records the request body.
func mockOpenAIServer(t *testing.T, statusCode int, responseBody string, seen *map[string]interface{}) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_, err := w.Write([]byte(responseBody))
		require.NoError(t, err)
	}))
}

func TestEmbed_Success(t *testing.T) {
	var request map[string]interface{}
	server := mockOpenAIServer(t, http.StatusOK, `{
		"object": "list",
		"data": [{"object": "embedding", "embedding": [0.1, 0.2, 0.3], "index": 0}],
		"model": "text-embedding-3-small",
		"usage": {"prompt_tokens": 2, "total_tokens": 2}
	}`, &request)
	defer server.Close()

	embedder, err := openai.New(openai.Config{APIKey: "test-key", Dimensions: 3, BaseURL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, 3, embedder.Dimensions())

	v, err := embedder.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, v)
	assert.Equal(t, "text-embedding-3-small", request["model"])
	assert.EqualValues(t, 3, request["dimensions"])
}

func TestEmbed_WrongWidth(t *testing.T) {
	server := mockOpenAIServer(t, http.StatusOK, `{
		"object": "list",
		"data": [{"object": "embedding", "embedding": [0.1, 0.2], "index": 0}],
		"model": "text-embedding-3-small"
	}`, nil)
	defer server.Close()

	embedder, err := openai.New(openai.Config{APIKey: "test-key", Dimensions: 3, BaseURL: server.URL})
	require.NoError(t, err)

	_, err = embedder.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, openai.ErrUnexpectedResponse)
}

func TestEmbed_APIError(t *testing.T) {
	server := mockOpenAIServer(t, http.StatusUnauthorized,
		`{"error": {"message": "Invalid API key", "type": "invalid_request_error"}}`, nil)
	defer server.Close()

	embedder, err := openai.New(openai.Config{APIKey: "bad", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = embedder.Embed(context.Background(), "hello")
	assert.Error(t, err)
}

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := openai.New(openai.Config{})
	assert.ErrorIs(t, err, openai.ErrEmptyAPIKey)
}
