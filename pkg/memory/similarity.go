package memory

import (
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/lexlapax/engram/pkg/errors"
)

// CosineSimilarity returns the cosine of the angle between a and b.
// Vectors of different length or zero magnitude have similarity 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Rank sorts matches by similarity desc, feedback score desc, access count
// desc and finally id asc so equal inputs always produce equal output.
func Rank(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Record.FeedbackScore != b.Record.FeedbackScore {
			return a.Record.FeedbackScore > b.Record.FeedbackScore
		}
		if a.Record.AccessCount != b.Record.AccessCount {
			return a.Record.AccessCount > b.Record.AccessCount
		}
		return strings.Compare(a.Record.ID, b.Record.ID) < 0
	})
}

// SearchRecords scores every record against vector, keeps those strictly
// above minScore, ranks them and truncates to limit. Adapters without a
// native vector index share this path.
func SearchRecords(records []Record, vector []float32, minScore float64, limit int) []Match {
	matches := make([]Match, 0, len(records))
	for _, r := range records {
		sim := CosineSimilarity(vector, r.Embedding)
		if sim > minScore {
			matches = append(matches, Match{Record: r, Similarity: sim})
		}
	}
	Rank(matches)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// CheckImmutable compares the immutable fields of an existing record with
// an incoming write of the same id.
func CheckImmutable(existing, incoming Record) error {
	switch {
	case existing.Content != incoming.Content:
		return errors.Wrap(errors.ErrConflict, "memory %s: content differs", existing.ID)
	case existing.Source != incoming.Source:
		return errors.Wrap(errors.ErrConflict, "memory %s: source differs", existing.ID)
	case !existing.CreatedAt.Equal(incoming.CreatedAt):
		return errors.Wrap(errors.ErrConflict, "memory %s: created_at differs", existing.ID)
	case !slices.Equal(existing.Embedding, incoming.Embedding):
		return errors.Wrap(errors.ErrConflict, "memory %s: embedding differs", existing.ID)
	}
	return nil
}

// SortForExport orders records by score desc, access count desc, id asc and
// events newest first.
func SortForExport(records []Record, events []FeedbackEvent) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.FeedbackScore != b.FeedbackScore {
			return a.FeedbackScore > b.FeedbackScore
		}
		if a.AccessCount != b.AccessCount {
			return a.AccessCount > b.AccessCount
		}
		return a.ID < b.ID
	})
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].SubmittedAt.Equal(events[j].SubmittedAt) {
			return events[i].SubmittedAt.After(events[j].SubmittedAt)
		}
		return events[i].ID < events[j].ID
	})
}
