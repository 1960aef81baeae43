package mock

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"sync"
)

// ErrEmbedFailed is returned when the embedder is configured to fail.
var ErrEmbedFailed = errors.New("mock embedder failure")

// MockEmbedder generates deterministic unit vectors from a hash of the text.
// Canned vectors can be registered for texts that tests need to place
// precisely in the vector space.
type MockEmbedder struct {
	dimensions int

	// mutex protects the fields below
	mutex  sync.RWMutex
	canned map[string][]float32
	err    error
	calls  int
}

// MockOption configures a MockEmbedder.
type MockOption func(*MockEmbedder)

// WithDimensions sets the vector length.
func WithDimensions(dims int) MockOption {
	return func(m *MockEmbedder) {
		m.dimensions = dims
	}
}

// WithCannedEmbedding returns vector for text instead of a hashed vector.
func WithCannedEmbedding(text string, vector []float32) MockOption {
	return func(m *MockEmbedder) {
		m.canned[text] = padded(vector, 0)
	}
}

// New creates a new mock embedder. The default width matches the
// all-MiniLM-L6-v2 model.
func New(opts ...MockOption) *MockEmbedder {
	m := &MockEmbedder{
		dimensions: 384,
		canned:     make(map[string][]float32),
	}
	for _, opt := range opts {
		opt(m)
	}
	for text, v := range m.canned {
		m.canned[text] = padded(v, m.dimensions)
	}
	return m
}

// SetCanned registers a canned vector after construction.
func (m *MockEmbedder) SetCanned(text string, vector []float32) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.canned[text] = padded(vector, m.dimensions)
}

// SetError makes every following call fail with err; nil restores success.
func (m *MockEmbedder) SetError(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.err = err
}

// Calls returns how many times Embed was invoked.
func (m *MockEmbedder) Calls() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.calls
}

// Embed creates a deterministic embedding from text.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mutex.Lock()
	m.calls++
	err := m.err
	canned, ok := m.canned[text]
	m.mutex.Unlock()

	if err != nil {
		return nil, err
	}
	if ok {
		out := make([]float32, len(canned))
		copy(out, canned)
		return out, nil
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	embedding := make([]float32, m.dimensions)
	for i := range embedding {
		// LCG step mapped onto [-1, 1]
		seed = seed*6364136223846793005 + 1442695040888963407
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (m *MockEmbedder) Dimensions() int {
	return m.dimensions
}

func padded(v []float32, dims int) []float32 {
	if dims <= len(v) {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}
	out := make([]float32, dims)
	copy(out, v)
	return out
}

// normalize converts embedding to unit vector.
func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}

	norm = math.Sqrt(norm)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
	return vec
}
