// Package memory defines the memory record model and the contracts of the
// durable store and embedder that the engine orchestrates.
package memory

import (
	"context"
	"slices"
	"time"
)

// DecayFloor is the score at or below which decay no longer applies.
const DecayFloor = -1.0

// Record represents a single stored memory fragment.
type Record struct {
	// ID is derived from content, source and creation instant and never reassigned
	ID string `json:"id"`

	// Content is the text as originally stored; corrections never overwrite it
	Content string `json:"content"`

	// Embedding is computed once from Content at creation
	Embedding []float32 `json:"embedding"`

	// Metadata holds opaque annotations owned by the engine
	Metadata map[string]interface{} `json:"metadata"`

	// Source is a free-text provenance tag
	Source string `json:"source"`

	// CreatedAt is when this memory was stored
	CreatedAt time.Time `json:"created_at"`

	// FeedbackScore is adjusted by feedback and consolidation
	FeedbackScore float64 `json:"feedback_score"`

	// AccessCount counts recalls that returned this record
	AccessCount int64 `json:"access_count"`

	// LastAccessedAt is nil until the first recall hit
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`

	// Corrections is append-only
	Corrections []Correction `json:"corrections"`

	// RelatedIDs is a symmetric set of linked record ids
	RelatedIDs []string `json:"related_ids"`
}

// Correction is one applied correction event.
type Correction struct {
	CorrectedContent string    `json:"corrected_content,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	AppliedAt        time.Time `json:"applied_at"`
}

// LastUsedAt is the instant decay is measured from: the last recall hit, or
// creation for records never recalled.
func (r Record) LastUsedAt() time.Time {
	if r.LastAccessedAt != nil {
		return *r.LastAccessedAt
	}
	return r.CreatedAt
}

// IsRelated reports whether id is in the record's related set.
func (r Record) IsRelated(id string) bool {
	return slices.Contains(r.RelatedIDs, id)
}

// Clone returns a deep copy so adapters never share slices or maps with callers.
func (r Record) Clone() Record {
	out := r
	out.Embedding = slices.Clone(r.Embedding)
	out.Corrections = slices.Clone(r.Corrections)
	out.RelatedIDs = slices.Clone(r.RelatedIDs)
	if r.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	if r.LastAccessedAt != nil {
		t := *r.LastAccessedAt
		out.LastAccessedAt = &t
	}
	return out
}

// Match is a similarity search hit.
type Match struct {
	Record     Record
	Similarity float64
}

// Snapshot is a point-in-time export of the store.
type Snapshot struct {
	ExportedAt     time.Time       `json:"exported_at"`
	Records        []Record        `json:"records"`
	FeedbackEvents []FeedbackEvent `json:"feedback_events"`
	Statistics     Statistics      `json:"statistics"`
}

// Statistics summarizes a snapshot.
type Statistics struct {
	TotalRecords  int `json:"total_records"`
	TotalFeedback int `json:"total_feedback"`
}

// Store is the durable store contract. Implementations must be safe for
// concurrent use and serialize conflicting writes to the same record.
type Store interface {
	// Put inserts a record with all of its fields as given. For an existing
	// id only Metadata is refreshed;
	// differing Content, Embedding, Source or CreatedAt yield ErrConflict.
	Put(ctx context.Context, record Record) error

	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)

	// SimilaritySearch returns at most limit records whose cosine similarity
	// to vector is strictly greater than minScore, ranked by Rank.
	SimilaritySearch(ctx context.Context, vector []float32, minScore float64, limit int) ([]Match, error)

	// RecordFeedback appends the event and applies its side effects in one transaction.
	RecordFeedback(ctx context.Context, event FeedbackEvent) (Record, error)

	// UpdateAccess atomically increments AccessCount and sets LastAccessedAt.
	UpdateAccess(ctx context.Context, id string, at time.Time) (Record, error)

	// LinkPair adds a to b's related set and b to a's in one transaction.
	LinkPair(ctx context.Context, a, b string) error

	// ApplyDecay multiplies the score of records last used before olderThan
	// whose score is above DecayFloor. It returns the affected ids.
	ApplyDecay(ctx context.Context, factor float64, olderThan time.Time) ([]string, error)

	// ApplyReinforcement adds delta to records accessed more than
	// minAccessCount times and last accessed after recentSince.
	ApplyReinforcement(ctx context.Context, delta float64, minAccessCount int64, recentSince time.Time) ([]string, error)

	// CountFeedbackSince counts feedback events submitted after since.
	CountFeedbackSince(ctx context.Context, since time.Time) (int64, error)

	// Export reads every record and feedback event.
	Export(ctx context.Context) (Snapshot, error)

	// Close releases the store's resources.
	Close() error
}

// Embedder maps text to a fixed-length vector. It must be deterministic for
// identical input.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions is the length of every vector Embed returns.
	Dimensions() int
}
