package openai

import (
	"context"
	"errors"

	"github.com/lexlapax/engram/pkg/log"
	"github.com/sashabaranov/go-openai"
)

var (
	// ErrEmptyAPIKey is returned when the API key is missing.
	ErrEmptyAPIKey = errors.New("API key cannot be empty")

	// ErrUnexpectedResponse is returned when the API answers without a vector
	// of the requested width.
	ErrUnexpectedResponse = errors.New("unexpected embedding response")
)

// Config holds the configuration for the OpenAI embedder.
type Config struct {
	// APIKey is the OpenAI API key.
	APIKey string
	// Model is the embedding model, e.g. "text-embedding-3-small".
	Model string
	// Dimensions requests shortened vectors from models that support it.
	Dimensions int
	// BaseURL is the base URL for the OpenAI API (for testing).
	BaseURL string
}

// Embedder implements memory.Embedder using the OpenAI embeddings API.
type Embedder struct {
	client     *openai.Client
	model      string
	dimensions int
}

// New creates a new OpenAI embedder.
func New(config Config) (*Embedder, error) {
	if config.APIKey == "" {
		return nil, ErrEmptyAPIKey
	}
	if config.Model == "" {
		config.Model = string(openai.SmallEmbedding3)
	}
	if config.Dimensions <= 0 {
		config.Dimensions = 384
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &Embedder{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      config.Model,
		dimensions: config.Dimensions,
	}, nil
}

// Embed returns the embedding of text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	log.DebugContext(ctx, "Generating embedding", "model", e.model, "dimensions", e.dimensions)

	response, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		log.ErrorContext(ctx, "Failed to generate embedding", "error", err)
		return nil, err
	}
	if len(response.Data) != 1 || len(response.Data[0].Embedding) != e.dimensions {
		return nil, ErrUnexpectedResponse
	}
	return response.Data[0].Embedding, nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}
