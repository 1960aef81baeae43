// Package storetest holds the behavioral contract every memory.Store adapter
// must satisfy. Adapter tests call Run with a constructor for a fresh store.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) memory.Store

// Run executes the contract suite. dims is the embedding length the store
// accepts; test vectors are zero padded to it.
func Run(t *testing.T, dims int, newStore Factory) {
	require.GreaterOrEqual(t, dims, 3, "contract vectors need at least 3 dimensions")

	s := &suite{dims: dims, newStore: newStore}
	t.Run("PutGet", s.testPutGet)
	t.Run("PutConflict", s.testPutConflict)
	t.Run("SimilarityOrdering", s.testSimilarityOrdering)
	t.Run("SimilarityThresholdAndLimit", s.testSimilarityThresholdAndLimit)
	t.Run("RecordFeedback", s.testRecordFeedback)
	t.Run("RecordFeedbackNotFound", s.testRecordFeedbackNotFound)
	t.Run("RecordFeedbackConcurrent", s.testRecordFeedbackConcurrent)
	t.Run("UpdateAccessConcurrent", s.testUpdateAccessConcurrent)
	t.Run("LinkPair", s.testLinkPair)
	t.Run("ApplyDecay", s.testApplyDecay)
	t.Run("ApplyReinforcement", s.testApplyReinforcement)
	t.Run("Export", s.testExport)
}

type suite struct {
	dims     int
	newStore Factory
}

func (s *suite) open(t *testing.T) memory.Store {
	t.Helper()
	store := s.newStore(t)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// Vec pads values with zeros to dims.
func Vec(dims int, values ...float32) []float32 {
	v := make([]float32, dims)
	copy(v, values)
	return v
}

func (s *suite) record(id string, values ...float32) memory.Record {
	return memory.Record{
		ID:        id,
		Content:   "content of " + id,
		Embedding: Vec(s.dims, values...),
		Metadata:  map[string]interface{}{"origin": "storetest"},
		Source:    "storetest",
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func ids(matches []memory.Match) []string {
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.Record.ID
	}
	return out
}

func (s *suite) testPutGet(t *testing.T) {
	ctx := context.Background()
	store := s.open(t)

	rec := s.record("put-get", 1, 0, 0)
	require.NoError(t, store.Put(ctx, rec))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Content, got.Content)
	assert.Equal(t, rec.Source, got.Source)
	assert.Equal(t, rec.Embedding, got.Embedding)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, "storetest", got.Metadata["origin"])
	assert.Nil(t, got.LastAccessedAt)
	assert.Empty(t, got.RelatedIDs)
	assert.Empty(t, got.Corrections)

	_, err = store.Get(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound), "got %v", err)
}

func (s *suite) testPutConflict(t *testing.T) {
	ctx := context.Background()
	store := s.open(t)

	rec := s.record("conflict", 1, 0, 0)
	require.NoError(t, store.Put(ctx, rec))

	refreshed := rec
	refreshed.Metadata = map[string]interface{}{"origin": "refreshed"}
	require.NoError(t, store.Put(ctx, refreshed))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "refreshed", got.Metadata["origin"])

	changed := rec
	changed.Content = "something else"
	err = store.Put(ctx, changed)
	assert.True(t, errors.Is(err, errors.ErrConflict), "got %v", err)

	changed = rec
	changed.Source = "elsewhere"
	err = store.Put(ctx, changed)
	assert.True(t, errors.Is(err, errors.ErrConflict), "got %v", err)

	got, err = store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Content, got.Content)
	assert.Equal(t, rec.Source, got.Source)
}

func (s *suite) testSimilarityOrdering(t *testing.T) {
	ctx := context.Background()
	store := s.open(t)

	// Similarities to the query are 0.9, 0.8 and 0.8.
	a := s.record("a", 0.9, 0.43589, 0)
	a.FeedbackScore = 1
	b := s.record("b", 0.8, 0.6, 0)
	b.FeedbackScore = 2
	c := s.record("c", 0.8, 0, 0.6)
	c.FeedbackScore = 1

	for _, r := range []memory.Record{c, a, b} {
		require.NoError(t, store.Put(ctx, r))
	}

	matches, err := store.SimilaritySearch(ctx, Vec(s.dims, 1, 0, 0), 0.5, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(matches))
	require.Len(t, matches, 3)
	assert.InDelta(t, 0.9, matches[0].Similarity, 1e-3)
	assert.InDelta(t, 0.8, matches[1].Similarity, 1e-3)

	again, err := store.SimilaritySearch(ctx, Vec(s.dims, 1, 0, 0), 0.5, 10)
	require.NoError(t, err)
	assert.Equal(t, ids(matches), ids(again))
}

func (s *suite) testSimilarityThresholdAndLimit(t *testing.T) {
	ctx := context.Background()
	store := s.open(t)

	require.NoError(t, store.Put(ctx, s.record("near", 1, 0.1, 0)))
	require.NoError(t, store.Put(ctx, s.record("mid", 1, 1, 0)))
	require.NoError(t, store.Put(ctx, s.record("far", 0, 0, 1)))

	matches, err := store.SimilaritySearch(ctx, Vec(s.dims, 1, 0, 0), 0.5, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"near", "mid"}, ids(matches))

	matches, err = store.SimilaritySearch(ctx, Vec(s.dims, 1, 0, 0), 0.5, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"near"}, ids(matches))

	matches, err = store.SimilaritySearch(ctx, Vec(s.dims, 1, 0, 0), 0.999, 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func (s *suite) testRecordFeedback(t *testing.T) {
	ctx := context.Background()
	store := s.open(t)

	rec := s.record("fb", 1, 0, 0)
	require.NoError(t, store.Put(ctx, rec))

	now := time.Now().UTC().Truncate(time.Microsecond)
	updated, err := store.RecordFeedback(ctx, memory.FeedbackEvent{
		ID: "e1", MemoryID: rec.ID, Kind: memory.KindPositive,
		Payload: memory.PositivePayload{Note: "good"}, SubmittedAt: now,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.1, updated.FeedbackScore, 1e-9)

	updated, err = store.RecordFeedback(ctx, memory.FeedbackEvent{
		ID: "e2", MemoryID: rec.ID, Kind: memory.KindNegative,
		Payload: memory.NegativePayload{}, SubmittedAt: now,
	})
	require.NoError(t, err)
	assert.InDelta(t, -0.1, updated.FeedbackScore, 1e-9)

	updated, err = store.RecordFeedback(ctx, memory.FeedbackEvent{
		ID: "e3", MemoryID: rec.ID, Kind: memory.KindCorrection,
		Payload: memory.CorrectionPayload{CorrectedContent: "fixed", Reason: "typo"}, SubmittedAt: now,
	})
	require.NoError(t, err)
	assert.InDelta(t, -0.2, updated.FeedbackScore, 1e-9)
	require.Len(t, updated.Corrections, 1)
	assert.Equal(t, "fixed", updated.Corrections[0].CorrectedContent)
	assert.Equal(t, "typo", updated.Corrections[0].Reason)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.InDelta(t, -0.2, got.FeedbackScore, 1e-9)
	assert.Len(t, got.Corrections, 1)
	assert.Equal(t, rec.Content, got.Content, "corrections never overwrite content")

	count, err := store.CountFeedbackSince(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	count, err = store.CountFeedbackSince(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func (s *suite) testRecordFeedbackNotFound(t *testing.T) {
	ctx := context.Background()
	store := s.open(t)

	_, err := store.RecordFeedback(ctx, memory.FeedbackEvent{
		ID: "e1", MemoryID: "missing", Kind: memory.KindPositive,
		Payload: memory.PositivePayload{}, SubmittedAt: time.Now().UTC(),
	})
	assert.True(t, errors.Is(err, errors.ErrNotFound), "got %v", err)

	count, err := store.CountFeedbackSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), count, "failed feedback must not leave an event")
}

func (s *suite) testRecordFeedbackConcurrent(t *testing.T) {
	ctx := context.Background()
	store := s.open(t)

	rec := s.record("contested", 1, 0, 0)
	require.NoError(t, store.Put(ctx, rec))

	kinds := []memory.Kind{memory.KindPositive, memory.KindNegative, memory.KindCorrection}
	const workers = 18
	now := time.Now().UTC().Truncate(time.Microsecond)

	var (
		wg          sync.WaitGroup
		want        float64
		corrections int
	)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		kind := kinds[i%len(kinds)]
		want += kind.ScoreDelta()
		if kind == memory.KindCorrection {
			corrections++
		}

		payload, err := memory.NormalizePayload(kind, nil)
		require.NoError(t, err)
		if kind == memory.KindCorrection {
			payload = memory.CorrectionPayload{CorrectedContent: fmt.Sprintf("fix %d", i)}
		}
		event := memory.FeedbackEvent{
			ID:          fmt.Sprintf("cev-%02d", i),
			MemoryID:    rec.ID,
			Kind:        kind,
			Payload:     payload,
			SubmittedAt: now,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.RecordFeedback(ctx, event)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.InDelta(t, want, got.FeedbackScore, 1e-9, "every delta is applied exactly once")
	assert.Len(t, got.Corrections, corrections)

	snap, err := store.Export(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.FeedbackEvents, workers)
	assert.Equal(t, workers, snap.Statistics.TotalFeedback)
}

func (s *suite) testUpdateAccessConcurrent(t *testing.T) {
	ctx := context.Background()
	store := s.open(t)

	rec := s.record("hot", 1, 0, 0)
	require.NoError(t, store.Put(ctx, rec))

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateAccess(ctx, rec.ID, time.Now().UTC())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), got.AccessCount)
	require.NotNil(t, got.LastAccessedAt)

	_, err = store.UpdateAccess(ctx, "missing", time.Now())
	assert.True(t, errors.Is(err, errors.ErrNotFound), "got %v", err)
}

func (s *suite) testLinkPair(t *testing.T) {
	ctx := context.Background()
	store := s.open(t)

	require.NoError(t, store.Put(ctx, s.record("left", 1, 0, 0)))
	require.NoError(t, store.Put(ctx, s.record("right", 0, 1, 0)))

	require.NoError(t, store.LinkPair(ctx, "left", "right"))
	require.NoError(t, store.LinkPair(ctx, "right", "left"))

	left, err := store.Get(ctx, "left")
	require.NoError(t, err)
	right, err := store.Get(ctx, "right")
	require.NoError(t, err)
	assert.Equal(t, []string{"right"}, left.RelatedIDs)
	assert.Equal(t, []string{"left"}, right.RelatedIDs)

	err = store.LinkPair(ctx, "left", "left")
	assert.True(t, errors.Is(err, errors.ErrValidation), "got %v", err)

	err = store.LinkPair(ctx, "left", "missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound), "got %v", err)

	left, err = store.Get(ctx, "left")
	require.NoError(t, err)
	assert.Equal(t, []string{"right"}, left.RelatedIDs, "failed link must not touch either side")
}

func (s *suite) testApplyDecay(t *testing.T) {
	ctx := context.Background()
	store := s.open(t)

	now := time.Now().UTC().Truncate(time.Microsecond)
	old := now.Add(-40 * 24 * time.Hour)

	stale := s.record("stale", 1, 0, 0)
	stale.FeedbackScore = -0.5
	stale.LastAccessedAt = &old

	floor := s.record("floor", 0, 1, 0)
	floor.FeedbackScore = -1.2
	floor.LastAccessedAt = &old

	fresh := s.record("fresh", 0, 0, 1)
	fresh.FeedbackScore = 0.5
	fresh.LastAccessedAt = &now

	neverUsed := s.record("never-used", 1, 1, 0)
	neverUsed.FeedbackScore = 0.4
	neverUsed.CreatedAt = old

	for _, r := range []memory.Record{stale, floor, fresh, neverUsed} {
		require.NoError(t, store.Put(ctx, r))
	}

	affected, err := store.ApplyDecay(ctx, 0.95, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"stale", "never-used"}, affected)

	expected := map[string]float64{"stale": -0.475, "floor": -1.2, "fresh": 0.5, "never-used": 0.38}
	for id, score := range expected {
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.InDelta(t, score, got.FeedbackScore, 1e-9, id)
	}
}

func (s *suite) testApplyReinforcement(t *testing.T) {
	ctx := context.Background()
	store := s.open(t)

	now := time.Now().UTC().Truncate(time.Microsecond)
	old := now.Add(-10 * 24 * time.Hour)

	popular := s.record("popular", 1, 0, 0)
	popular.AccessCount = 11
	popular.LastAccessedAt = &now

	boundary := s.record("boundary", 0, 1, 0)
	boundary.AccessCount = 10
	boundary.LastAccessedAt = &now

	faded := s.record("faded", 0, 0, 1)
	faded.AccessCount = 50
	faded.LastAccessedAt = &old

	for _, r := range []memory.Record{popular, boundary, faded} {
		require.NoError(t, store.Put(ctx, r))
	}

	affected, err := store.ApplyReinforcement(ctx, 0.01, 10, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"popular"}, affected)

	expected := map[string]float64{"popular": 0.01, "boundary": 0, "faded": 0}
	for id, score := range expected {
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.InDelta(t, score, got.FeedbackScore, 1e-9, id)
	}
}

func (s *suite) testExport(t *testing.T) {
	ctx := context.Background()
	store := s.open(t)

	for i, score := range []float64{0.1, 0.3, 0.2} {
		r := s.record(fmt.Sprintf("exp-%d", i), 1, float32(i), 0)
		r.FeedbackScore = score
		require.NoError(t, store.Put(ctx, r))
	}

	first := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	_, err := store.RecordFeedback(ctx, memory.FeedbackEvent{
		ID: "old", MemoryID: "exp-0", Kind: memory.KindPositive, Payload: memory.PositivePayload{}, SubmittedAt: first,
	})
	require.NoError(t, err)
	_, err = store.RecordFeedback(ctx, memory.FeedbackEvent{
		ID: "new", MemoryID: "exp-0", Kind: memory.KindCorrection,
		Payload: memory.CorrectionPayload{Reason: "r"}, SubmittedAt: first.Add(time.Minute),
	})
	require.NoError(t, err)

	snap, err := store.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Statistics.TotalRecords)
	assert.Equal(t, 2, snap.Statistics.TotalFeedback)
	require.Len(t, snap.Records, 3)
	assert.Equal(t, "exp-1", snap.Records[0].ID)
	assert.Equal(t, "exp-2", snap.Records[1].ID)
	assert.Equal(t, "exp-0", snap.Records[2].ID)

	require.Len(t, snap.FeedbackEvents, 2)
	assert.Equal(t, "new", snap.FeedbackEvents[0].ID)
	assert.Equal(t, memory.CorrectionPayload{Reason: "r"}, snap.FeedbackEvents[0].Payload)
	assert.False(t, snap.ExportedAt.IsZero())
}
