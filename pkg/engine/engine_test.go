package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lexlapax/engram/pkg/cache"
	"github.com/lexlapax/engram/pkg/cache/ristretto"
	embedmock "github.com/lexlapax/engram/pkg/embed/mock"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/memory"
	"github.com/lexlapax/engram/pkg/memory/store/mock"
	"github.com/lexlapax/engram/pkg/memory/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDims = 8

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	// every reading moves forward so consecutive stores get distinct ids
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fixture struct {
	store    *mock.MockStore
	embedder *embedmock.MockEmbedder
	cache    *ristretto.Cache
	clock    *testClock
	engine   *Engine
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()

	c, err := ristretto.New(ristretto.Config{MaxCost: 1 << 20, NumCounters: 1e4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	f := &fixture{
		store:    mock.NewMockStore(),
		embedder: embedmock.New(embedmock.WithDimensions(testDims)),
		cache:    c,
		clock:    &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
	}

	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	f.engine, err = New(f.store, f.cache, f.embedder, cfg, WithClock(f.clock.Now))
	require.NoError(t, err)
	return f
}

// seed puts a record straight into the store with the given score.
func (f *fixture) seed(t *testing.T, id string, score float64, values ...float32) memory.Record {
	t.Helper()
	rec := memory.Record{
		ID:            id,
		Content:       "content of " + id,
		Embedding:     storetest.Vec(testDims, values...),
		Metadata:      map[string]interface{}{},
		Source:        "seed",
		CreatedAt:     f.clock.Now().UTC().Truncate(time.Microsecond),
		FeedbackScore: score,
		Corrections:   []memory.Correction{},
		RelatedIDs:    []string{},
	}
	require.NoError(t, f.store.Put(context.Background(), rec))
	return rec
}

func recordIDs(records []memory.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	store := mock.NewMockStore()
	embedder := embedmock.New()

	_, err := New(nil, nil, embedder, DefaultConfig())
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = New(store, nil, nil, DefaultConfig())
	assert.True(t, errors.Is(err, errors.ErrValidation))

	cfg := DefaultConfig()
	cfg.DecayFactor = 1.5
	_, err = New(store, nil, embedder, cfg)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	e, err := New(store, nil, embedder, DefaultConfig())
	require.NoError(t, err)
	assert.IsType(t, cache.Nop{}, e.cache)
}

func TestRecordID(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 6000, time.UTC)

	id := RecordID("content", "source", at)
	assert.Len(t, id, 16)
	assert.Equal(t, id, RecordID("content", "source", at.In(time.FixedZone("x", 3600))))
	assert.NotEqual(t, id, RecordID("content", "source", at.Add(time.Microsecond)))
	assert.NotEqual(t, id, RecordID("content", "other", at))
}

func TestStore_ThenGet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rec, err := f.engine.Store(ctx, "the user prefers tea", "chat", map[string]interface{}{"topic": "drinks"})
	require.NoError(t, err)

	got, err := f.engine.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "the user prefers tea", got.Content)
	assert.Equal(t, "chat", got.Source)
	assert.Len(t, got.Embedding, testDims)
	assert.Equal(t, "drinks", got.Metadata["topic"])
	assert.Zero(t, got.FeedbackScore)
	assert.Zero(t, got.AccessCount)
	assert.Nil(t, got.LastAccessedAt)
	assert.Equal(t, RecordID(got.Content, got.Source, got.CreatedAt), got.ID)

	// second lookup is a cache hit
	_, err = f.cache.Get(ctx, cache.RecordKey(rec.ID))
	assert.NoError(t, err)
	got2, err := f.engine.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Content, got2.Content)
	assert.True(t, got.CreatedAt.Equal(got2.CreatedAt))
}

func TestStore_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.Store(ctx, "   ", "chat", nil)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	f.embedder.SetCanned("too wide", make([]float32, testDims+2))
	_, err = f.engine.Store(ctx, "too wide", "chat", nil)
	assert.True(t, errors.Is(err, errors.ErrValidation))
	assert.Zero(t, f.store.Len(), "nothing persisted without a valid embedding")
}

func TestStore_EmbedderFailurePersistsNothing(t *testing.T) {
	f := newFixture(t)
	f.embedder.SetError(embedmock.ErrEmbedFailed)

	_, err := f.engine.Store(context.Background(), "anything", "chat", nil)
	assert.ErrorIs(t, err, embedmock.ErrEmbedFailed)
	assert.Zero(t, f.store.Len())
}

func TestStore_LinksSymmetrically(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.embedder.SetCanned("alpha", []float32{1, 0})
	f.embedder.SetCanned("alpha again", []float32{0.95, 0.1})
	f.embedder.SetCanned("beta", []float32{0, 1})

	alpha, err := f.engine.Store(ctx, "alpha", "test", nil)
	require.NoError(t, err)
	beta, err := f.engine.Store(ctx, "beta", "test", nil)
	require.NoError(t, err)
	assert.Empty(t, beta.RelatedIDs)

	again, err := f.engine.Store(ctx, "alpha again", "test", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{alpha.ID}, again.RelatedIDs)

	alpha, err = f.engine.Get(ctx, alpha.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{again.ID}, alpha.RelatedIDs)

	beta, err = f.engine.Get(ctx, beta.ID)
	require.NoError(t, err)
	assert.Empty(t, beta.RelatedIDs)

	// linking is not a recall hit
	assert.Zero(t, alpha.AccessCount)
}

func TestStore_LinkLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *Config) { c.LinkLimit = 2 })

	for i, id := range []string{"n1", "n2", "n3", "n4"} {
		f.seed(t, id, float64(i), 1, 0.01*float32(i))
	}
	f.embedder.SetCanned("newcomer", []float32{1, 0})

	rec, err := f.engine.Store(ctx, "newcomer", "test", nil)
	require.NoError(t, err)
	assert.Len(t, rec.RelatedIDs, 2)
	assert.NotContains(t, rec.RelatedIDs, rec.ID)
}

func TestLinkRelated_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "near-1", 0, 1, 0.1)
	f.seed(t, "near-2", 0, 1, 0.2)
	f.seed(t, "far", 0, 0, 1)
	f.embedder.SetCanned("anchor", []float32{1, 0})

	rec, err := f.engine.Store(ctx, "anchor", "test", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"near-1", "near-2"}, rec.RelatedIDs)

	first, err := f.engine.LinkRelated(ctx, rec.ID)
	require.NoError(t, err)
	second, err := f.engine.LinkRelated(ctx, rec.ID)
	require.NoError(t, err)

	assert.Equal(t, first.RelatedIDs, second.RelatedIDs)
	assert.ElementsMatch(t, rec.RelatedIDs, second.RelatedIDs)

	near, err := f.store.Get(ctx, "near-1")
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, near.RelatedIDs)

	_, err = f.engine.LinkRelated(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

type failingLinkStore struct {
	*mock.MockStore
}

func (failingLinkStore) LinkPair(context.Context, string, string) error {
	return errors.Wrap(errors.ErrStoreUnavailable, "link")
}

func TestStore_LinkFailureIsBestEffort(t *testing.T) {
	ctx := context.Background()
	store := failingLinkStore{MockStore: mock.NewMockStore()}
	embedder := embedmock.New(embedmock.WithDimensions(testDims),
		embedmock.WithCannedEmbedding("one", []float32{1, 0}),
		embedmock.WithCannedEmbedding("two", []float32{1, 0.01}),
	)
	e, err := New(store, nil, embedder, DefaultConfig())
	require.NoError(t, err)

	_, err = e.Store(ctx, "one", "test", nil)
	require.NoError(t, err)
	rec, err := e.Store(ctx, "two", "test", nil)
	require.NoError(t, err)
	assert.Empty(t, rec.RelatedIDs)

	_, err = store.Get(ctx, rec.ID)
	assert.NoError(t, err, "record persisted even though linking failed")

	_, err = e.LinkRelated(ctx, rec.ID)
	assert.True(t, errors.Is(err, errors.ErrStoreUnavailable))
}

func TestSubmitFeedback_Deltas(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "m", 0.5, 1)

	res, err := f.engine.SubmitFeedback(ctx, "m", memory.KindPositive, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, res.Updated.FeedbackScore, 1e-9)
	assert.Equal(t, memory.PositivePayload{}, res.Event.Payload)
	assert.NotEmpty(t, res.Event.ID)

	res, err = f.engine.SubmitFeedback(ctx, "m", memory.KindNegative, memory.NegativePayload{Note: "wrong"})
	require.NoError(t, err)
	assert.InDelta(t, 0.4, res.Updated.FeedbackScore, 1e-9)

	res, err = f.engine.SubmitFeedback(ctx, "m", memory.KindCorrection, memory.CorrectionPayload{Reason: "outdated"})
	require.NoError(t, err)
	assert.InDelta(t, 0.3, res.Updated.FeedbackScore, 1e-9)
	require.Len(t, res.Updated.Corrections, 1)
	assert.Equal(t, "outdated", res.Updated.Corrections[0].Reason)
	assert.Nil(t, res.Derived, "no replacement content means no new memory")

	n, err := f.engine.FeedbackSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestSubmitFeedback_CorrectionCreatesRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	original, err := f.engine.Store(ctx, "the meeting is on monday", "calendar", nil)
	require.NoError(t, err)
	before := f.store.Len()

	res, err := f.engine.SubmitFeedback(ctx, original.ID, memory.KindCorrection, memory.CorrectionPayload{
		CorrectedContent: "the meeting is on tuesday",
		Reason:           "rescheduled",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Derived)
	assert.Equal(t, before+1, f.store.Len())

	derived, err := f.engine.Get(ctx, res.Derived.ID)
	require.NoError(t, err)
	assert.Equal(t, "the meeting is on tuesday", derived.Content)
	assert.Equal(t, CorrectionSource(original.ID), derived.Source)
	assert.Equal(t, original.ID, derived.Metadata["original_memory"])
	assert.Equal(t, "rescheduled", derived.Metadata["correction_reason"])

	updated, err := f.engine.Get(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, "the meeting is on monday", updated.Content, "content is never overwritten")
	require.Len(t, updated.Corrections, 1)
	assert.Equal(t, "the meeting is on tuesday", updated.Corrections[0].CorrectedContent)
	assert.InDelta(t, -0.1, updated.FeedbackScore, 1e-9)
}

func TestSubmitFeedback_CorrectionStoreFailureKeepsFeedback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	original, err := f.engine.Store(ctx, "the office closes at six", "facilities", nil)
	require.NoError(t, err)

	f.embedder.SetError(embedmock.ErrEmbedFailed)
	res, err := f.engine.SubmitFeedback(ctx, original.ID, memory.KindCorrection, memory.CorrectionPayload{
		CorrectedContent: "the office closes at five",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDerivedNotStored), "got %v", err)
	assert.ErrorIs(t, err, embedmock.ErrEmbedFailed)

	assert.NotEmpty(t, res.Event.ID)
	assert.Equal(t, original.ID, res.Updated.ID)
	assert.InDelta(t, -0.1, res.Updated.FeedbackScore, 1e-9)
	require.Len(t, res.Updated.Corrections, 1)
	assert.Nil(t, res.Derived)
	assert.Equal(t, 1, f.store.Len())

	n, err := f.engine.FeedbackSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "the feedback itself was committed")
}

func TestSubmitFeedback_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "m", 0, 1)

	_, err := f.engine.SubmitFeedback(ctx, "m", memory.Kind("meh"), nil)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = f.engine.SubmitFeedback(ctx, "m", memory.KindPositive, memory.CorrectionPayload{CorrectedContent: "x"})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = f.engine.SubmitFeedback(ctx, "", memory.KindPositive, nil)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = f.engine.SubmitFeedback(ctx, "missing", memory.KindNegative, nil)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	n, err := f.engine.FeedbackSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, err := f.store.Get(ctx, "m")
	require.NoError(t, err)
	assert.Zero(t, rec.FeedbackScore)
}

func TestRecall_Ordering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "a", 1, 0.9, 0.43589)
	f.seed(t, "b", 2, 0.8, 0.6)
	f.seed(t, "c", 1, 0.8, 0, 0.6)
	f.seed(t, "unrelated", 5, 0, 0, 0, 1)
	f.embedder.SetCanned("x", []float32{1})

	records, err := f.engine.Recall(ctx, "x", 5, 0.5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, recordIDs(records))

	records, err = f.engine.Recall(ctx, "x", 2, 0.5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, recordIDs(records))
}

func TestRecall_AccessSideEffect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "a", 0, 1, 0.1)
	f.seed(t, "b", 0, 1, 0.2)
	f.seed(t, "far", 0, 0, 1)
	f.embedder.SetCanned("x", []float32{1})

	records, err := f.engine.Recall(ctx, "x", 5, 0.5)
	require.NoError(t, err)
	require.Len(t, records, 2)

	for _, id := range []string{"a", "b"} {
		rec, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.EqualValues(t, 1, rec.AccessCount, id)
		require.NotNil(t, rec.LastAccessedAt, id)
	}
	far, err := f.store.Get(ctx, "far")
	require.NoError(t, err)
	assert.Zero(t, far.AccessCount)
	assert.Nil(t, far.LastAccessedAt)

	// a cached result still counts as an access but is not re-embedded
	calls := f.embedder.Calls()
	records, err = f.engine.Recall(ctx, "  x ", 5, 0.5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, recordIDs(records))
	assert.Equal(t, calls, f.embedder.Calls())

	a, err := f.store.Get(ctx, "a")
	require.NoError(t, err)
	assert.EqualValues(t, 2, a.AccessCount)
	assert.EqualValues(t, 2, records[0].AccessCount)
}

func TestRecall_ThresholdIsExclusive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := f.seed(t, "edge", 0, 0.6, 0.8)
	query := storetest.Vec(testDims, 1)
	f.embedder.SetCanned("q", query)

	exact := memory.CosineSimilarity(query, rec.Embedding)

	records, err := f.engine.Recall(ctx, "q", 5, exact)
	require.NoError(t, err)
	assert.Empty(t, records)

	records, err = f.engine.Recall(ctx, "q", 5, exact-1e-6)
	require.NoError(t, err)
	assert.Equal(t, []string{"edge"}, recordIDs(records))
}

func TestRecall_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Recall(context.Background(), " \t ", 5, 0.5)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestRecall_FeedbackInvalidatesCachedResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "b", 1.1, 0.8, 0.6)
	f.seed(t, "c", 1.0, 0.8, 0, 0.6)
	f.embedder.SetCanned("x", []float32{1})

	records, err := f.engine.Recall(ctx, "x", 5, 0.5)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, recordIDs(records))

	_, err = f.engine.SubmitFeedback(ctx, "b", memory.KindNegative, nil)
	require.NoError(t, err)

	records, err = f.engine.Recall(ctx, "x", 5, 0.5)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, recordIDs(records))
	assert.InDelta(t, 0.9, records[1].FeedbackScore, 1e-9)
	assert.Equal(t, 2, f.embedder.Calls())
}

func TestRecall_FeedbackOnTruncatedRecordInvalidatesCachedResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "b", 1.0, 0.8, 0.6)
	f.seed(t, "c", 0.95, 0.8, 0, 0.6)
	f.embedder.SetCanned("x", []float32{1})

	records, err := f.engine.Recall(ctx, "x", 1, 0.5)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, recordIDs(records))

	// c was cut off by the limit, so the cached result does not reference it
	_, err = f.engine.SubmitFeedback(ctx, "c", memory.KindPositive, nil)
	require.NoError(t, err)

	records, err = f.engine.Recall(ctx, "x", 1, 0.5)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, recordIDs(records))
	assert.InDelta(t, 1.05, records[0].FeedbackScore, 1e-9)
}

func TestRecall_DropsUnresolvableCachedIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "a", 0, 1)

	key := cache.RecallKey("ghostly", 5, 0.5)
	require.NoError(t, f.cache.Set(ctx, key, []byte(`["ghost","a"]`), time.Hour, cache.RecallTag))

	records, err := f.engine.Recall(ctx, "ghostly", 5, 0.5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, recordIDs(records))

	_, err = f.cache.Get(ctx, key)
	assert.ErrorIs(t, err, cache.ErrMiss)
}

// unavailableCache fails every call the way a disconnected remote cache does.
type unavailableCache struct{}

func (unavailableCache) Get(context.Context, string) ([]byte, error) {
	return nil, errors.Wrap(errors.ErrCacheUnavailable, "get")
}

func (unavailableCache) Set(context.Context, string, []byte, time.Duration, ...string) error {
	return errors.Wrap(errors.ErrCacheUnavailable, "set")
}

func (unavailableCache) Invalidate(context.Context, ...string) error {
	return errors.Wrap(errors.ErrCacheUnavailable, "invalidate")
}

func (unavailableCache) InvalidateTags(context.Context, ...string) error {
	return errors.Wrap(errors.ErrCacheUnavailable, "invalidate tags")
}

func (unavailableCache) Close() error { return nil }

func TestEngine_CacheFailuresAreNotFatal(t *testing.T) {
	ctx := context.Background()
	store := mock.NewMockStore()
	embedder := embedmock.New(embedmock.WithDimensions(testDims),
		embedmock.WithCannedEmbedding("fact", []float32{1}),
	)
	e, err := New(store, unavailableCache{}, embedder, DefaultConfig())
	require.NoError(t, err)

	rec, err := e.Store(ctx, "fact", "test", nil)
	require.NoError(t, err)

	got, err := e.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "fact", got.Content)

	records, err := e.Recall(ctx, "fact", 5, 0.5)
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, recordIDs(records))

	_, err = e.SubmitFeedback(ctx, rec.ID, memory.KindPositive, nil)
	require.NoError(t, err)

	_, err = e.Consolidate(ctx)
	require.NoError(t, err)
}

// blockingEmbedder waits for its context to end.
type blockingEmbedder struct{}

func (blockingEmbedder) Embed(ctx context.Context, _ string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingEmbedder) Dimensions() int { return testDims }

func TestEngine_Timeouts(t *testing.T) {
	store := mock.NewMockStore()

	cfg := DefaultConfig()
	cfg.OperationTimeout = 20 * time.Millisecond
	e, err := New(store, nil, blockingEmbedder{}, cfg)
	require.NoError(t, err)

	_, err = e.Store(context.Background(), "slow", "test", nil)
	assert.True(t, errors.Is(err, errors.ErrTimeout), "got %v", err)
	assert.Zero(t, store.Len())

	_, err = e.Recall(context.Background(), "slow", 5, 0.5)
	assert.True(t, errors.Is(err, errors.ErrTimeout), "got %v", err)

	// a caller deadline wins even when the configured timeout is disabled
	cfg.OperationTimeout = 0
	e, err = New(store, nil, blockingEmbedder{}, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.Store(ctx, "slow", "test", nil)
	assert.True(t, errors.Is(err, errors.ErrTimeout), "got %v", err)
}

func TestConsolidate_DecayThenReinforce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	old := now.Add(-40 * 24 * time.Hour)
	recent := now.Add(-24 * time.Hour)

	f.clock.Set(old)
	f.seed(t, "stale", -0.5, 1)
	floor := f.seed(t, "floor", -1.2, 1)
	popular := f.seed(t, "popular", 0, 0, 1)
	for i := 0; i < 11; i++ {
		_, err := f.store.UpdateAccess(ctx, "popular", recent)
		require.NoError(t, err)
	}
	_, err := f.store.UpdateAccess(ctx, "stale", old)
	require.NoError(t, err)
	_, err = f.store.UpdateAccess(ctx, "floor", old)
	require.NoError(t, err)

	f.clock.Set(now)
	report, err := f.engine.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, report.Decayed)
	assert.Equal(t, []string{popular.ID}, report.Reinforced)

	got, err := f.store.Get(ctx, "stale")
	require.NoError(t, err)
	assert.InDelta(t, -0.475, got.FeedbackScore, 1e-9)

	got, err = f.store.Get(ctx, floor.ID)
	require.NoError(t, err)
	assert.Equal(t, -1.2, got.FeedbackScore)

	got, err = f.store.Get(ctx, "popular")
	require.NoError(t, err)
	assert.InDelta(t, 0.01, got.FeedbackScore, 1e-9)
}

func TestConsolidate_InvalidatesRecallCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	f.clock.Set(now.Add(-60 * 24 * time.Hour))
	f.seed(t, "old", 0.5, 1)
	f.embedder.SetCanned("x", []float32{1})

	_, err := f.engine.Recall(ctx, "x", 5, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 1, f.embedder.Calls())

	// the recall above counted as use 60 days ago
	f.clock.Set(now)
	report, err := f.engine.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, report.Decayed)

	records, err := f.engine.Recall(ctx, "x", 5, 0.5)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.InDelta(t, 0.475, records[0].FeedbackScore, 1e-9)
	assert.Equal(t, 2, f.embedder.Calls())
}

func TestAnnotate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec, err := f.engine.Store(ctx, "note", "test", map[string]interface{}{"keep": "yes", "drop": "soon"})
	require.NoError(t, err)

	_, err = f.engine.Get(ctx, rec.ID)
	require.NoError(t, err)

	annotated, err := f.engine.Annotate(ctx, rec.ID, map[string]interface{}{"drop": nil, "added": "new"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"keep": "yes", "added": "new"}, annotated.Metadata)
	assert.Equal(t, rec.Content, annotated.Content)

	got, err := f.engine.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Metadata["added"], "cached copy was invalidated")

	_, err = f.engine.Annotate(ctx, "missing", nil)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestExportAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "low", -1, 1)
	f.seed(t, "high", 1, 0, 1)
	_, err := f.engine.SubmitFeedback(ctx, "low", memory.KindPositive, nil)
	require.NoError(t, err)

	snapshot, err := f.engine.ExportAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "low"}, recordIDs(snapshot.Records))
	require.Len(t, snapshot.FeedbackEvents, 1)
	assert.Equal(t, "low", snapshot.FeedbackEvents[0].MemoryID)
	assert.Equal(t, 2, snapshot.Statistics.TotalRecords)
	assert.Equal(t, 1, snapshot.Statistics.TotalFeedback)
	assert.False(t, snapshot.ExportedAt.IsZero())
	assert.True(t, strings.HasPrefix(snapshot.ExportedAt.Format(time.RFC3339), "2025-03-01"))
}
