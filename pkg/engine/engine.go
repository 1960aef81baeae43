// Package engine implements the memory lifecycle: storing, recalling,
// feedback, relation linking and consolidation. It orchestrates a durable
// store, an optional cache and an embedder and is the only writer to either.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lexlapax/engram/pkg/cache"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/log"
	"github.com/lexlapax/engram/pkg/memory"
	"go.opentelemetry.io/otel/attribute"
)

// CorrectionSourcePrefix prefixes the source of records derived from a
// correction; the original id follows it.
const CorrectionSourcePrefix = "correction_of_"

// Config contains configuration options for the engine.
type Config struct {
	// RecallLimit is used when Recall is called with a non-positive limit
	RecallLimit int `yaml:"recall_limit"`

	// RecallThreshold is the default exclusive similarity threshold for callers
	RecallThreshold float64 `yaml:"recall_threshold"`

	// LinkThreshold is the stricter threshold used by link discovery
	LinkThreshold float64 `yaml:"link_threshold"`

	// LinkLimit bounds how many records a new memory is linked to
	LinkLimit int `yaml:"link_limit"`

	// RecallTTL is how long a recall result stays cached
	RecallTTL time.Duration `yaml:"recall_ttl"`

	// RecordTTL is how long a point lookup stays cached
	RecordTTL time.Duration `yaml:"record_ttl"`

	// OperationTimeout bounds operations whose context carries no deadline.
	// Zero disables it.
	OperationTimeout time.Duration `yaml:"operation_timeout"`

	// Consolidation parameters
	DecayFactor        float64       `yaml:"decay_factor"`
	DecayAfter         time.Duration `yaml:"decay_after"`
	ReinforceDelta     float64       `yaml:"reinforce_delta"`
	ReinforceMinAccess int64         `yaml:"reinforce_min_access"`
	ReinforceWindow    time.Duration `yaml:"reinforce_window"`
}

// DefaultConfig returns the default configuration for the engine.
func DefaultConfig() Config {
	return Config{
		RecallLimit:        10,
		RecallThreshold:    0.5,
		LinkThreshold:      0.7,
		LinkLimit:          5,
		RecallTTL:          time.Hour,
		RecordTTL:          24 * time.Hour,
		OperationTimeout:   30 * time.Second,
		DecayFactor:        0.95,
		DecayAfter:         30 * 24 * time.Hour,
		ReinforceDelta:     0.01,
		ReinforceMinAccess: 10,
		ReinforceWindow:    7 * 24 * time.Hour,
	}
}

// Validate checks the configuration for values the engine cannot work with.
func (c Config) Validate() error {
	if c.RecallLimit <= 0 {
		return errors.Validation("recall_limit must be positive")
	}
	if c.LinkLimit < 0 {
		return errors.Validation("link_limit must not be negative")
	}
	if c.DecayFactor <= 0 || c.DecayFactor > 1 {
		return errors.Validation("decay_factor must be in (0, 1], got %v", c.DecayFactor)
	}
	if c.RecallTTL < 0 || c.RecordTTL < 0 || c.OperationTimeout < 0 {
		return errors.Validation("durations must not be negative")
	}
	if c.DecayAfter <= 0 || c.ReinforceWindow <= 0 {
		return errors.Validation("decay_after and reinforce_window must be positive")
	}
	return nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithEventIDs replaces the feedback event id generator.
func WithEventIDs(next func() string) Option {
	return func(e *Engine) {
		e.newEventID = next
	}
}

// Engine is the memory engine. It holds no mutable state of its own and is
// safe for concurrent use when its store and cache are.
type Engine struct {
	store    memory.Store
	cache    cache.Cache
	embedder memory.Embedder
	config   Config

	now        func() time.Time
	newEventID func() string
	telemetry  *telemetry
}

// New creates an engine. A nil cache disables caching.
func New(store memory.Store, c cache.Cache, embedder memory.Embedder, config Config, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.Validation("store is required")
	}
	if embedder == nil {
		return nil, errors.Validation("embedder is required")
	}
	if embedder.Dimensions() <= 0 {
		return nil, errors.Validation("embedder reports %d dimensions", embedder.Dimensions())
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if c == nil {
		c = cache.Nop{}
	}

	e := &Engine{
		store:      store,
		cache:      c,
		embedder:   embedder,
		config:     config,
		now:        time.Now,
		newEventID: uuid.NewString,
		telemetry:  newTelemetry(),
	}
	for _, opt := range opts {
		opt(e)
	}

	log.Debug("Memory engine initialized",
		"store_type", fmt.Sprintf("%T", store),
		"cache_type", fmt.Sprintf("%T", c),
		"dimensions", embedder.Dimensions(),
		"link_threshold", config.LinkThreshold,
	)
	return e, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config {
	return e.config
}

// RecordID derives a memory id from its content, source and creation
// instant: the first 16 hex characters of a sha256 digest.
func RecordID(content, source string, createdAt time.Time) string {
	sum := sha256.Sum256([]byte(content + source + createdAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])[:16]
}

// CorrectionSource is the source tag of a record derived from correcting id.
func CorrectionSource(id string) string {
	return CorrectionSourcePrefix + id
}

// Store embeds and persists content as a new memory, then links it to
// similar memories. Link discovery is best-effort: if it fails after the
// record was persisted the record is still returned and LinkRelated can be
// retried.
func (e *Engine) Store(ctx context.Context, content, source string, metadata map[string]interface{}) (rec memory.Record, err error) {
	ctx, end := e.telemetry.track(ctx, "store")
	defer func() { end(err) }()

	if strings.TrimSpace(content) == "" {
		return memory.Record{}, errors.Validation("content must not be empty")
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	createdAt := e.now().UTC().Truncate(time.Microsecond)
	id := RecordID(content, source, createdAt)
	logger := log.WithMemoryID(log.FromContext(ctx), id)

	vector, err := e.embed(ctx, content)
	if err != nil {
		return memory.Record{}, err
	}

	rec = memory.Record{
		ID:          id,
		Content:     content,
		Embedding:   vector,
		Metadata:    copyMetadata(metadata),
		Source:      source,
		CreatedAt:   createdAt,
		Corrections: []memory.Correction{},
		RelatedIDs:  []string{},
	}
	if err := e.store.Put(ctx, rec); err != nil {
		return memory.Record{}, errors.Wrap(errors.FromContext(err), "failed to persist memory %s", id)
	}
	logger.DebugContext(ctx, "Stored memory", "source", source, "content_length", len(content))

	e.cacheRecord(ctx, rec)

	linked, err := e.linkRelated(ctx, rec)
	if err != nil {
		logger.WarnContext(ctx, "Link discovery failed, memory stored without links", "error", err)
		return rec, nil
	}
	return linked, nil
}

// LinkRelated links an existing memory to the memories most similar to it.
// It is idempotent: related ids are a set.
func (e *Engine) LinkRelated(ctx context.Context, id string) (rec memory.Record, err error) {
	ctx, end := e.telemetry.track(ctx, "link_related")
	defer func() { end(err) }()

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	rec, err = e.store.Get(ctx, id)
	if err != nil {
		return memory.Record{}, errors.Wrap(errors.FromContext(err), "failed to load memory %s", id)
	}
	return e.linkRelated(ctx, rec)
}

// linkRelated searches with the record's own embedding at the link
// threshold. It neither consults the recall cache nor counts as an access.
func (e *Engine) linkRelated(ctx context.Context, rec memory.Record) (memory.Record, error) {
	if e.config.LinkLimit == 0 {
		return rec, nil
	}

	// one extra slot because the record finds itself
	matches, err := e.store.SimilaritySearch(ctx, rec.Embedding, e.config.LinkThreshold, e.config.LinkLimit+1)
	if err != nil {
		return rec, errors.Wrap(errors.FromContext(err), "failed to search related memories")
	}

	linked := 0
	for _, m := range matches {
		if m.Record.ID == rec.ID {
			continue
		}
		if linked == e.config.LinkLimit {
			break
		}
		if err := e.store.LinkPair(ctx, rec.ID, m.Record.ID); err != nil {
			return rec, errors.Wrap(errors.FromContext(err), "failed to link %s and %s", rec.ID, m.Record.ID)
		}
		e.invalidateRecords(ctx, m.Record.ID)
		linked++
	}
	if linked == 0 {
		return rec, nil
	}
	e.invalidateRecords(ctx, rec.ID)

	log.DebugContext(ctx, "Linked related memories", "memory_id", rec.ID, "linked", linked)

	fresh, err := e.store.Get(ctx, rec.ID)
	if err != nil {
		return rec, errors.Wrap(errors.FromContext(err), "failed to reload memory %s", rec.ID)
	}
	return fresh, nil
}

// Recall returns the memories most similar to query, ranked by similarity,
// feedback score and access count. threshold is exclusive and a
// non-positive limit uses the configured default. Every returned memory has
// its access count incremented, whether the result came from the cache or
// the store.
func (e *Engine) Recall(ctx context.Context, query string, limit int, threshold float64) (records []memory.Record, err error) {
	ctx, end := e.telemetry.track(ctx, "recall")
	defer func() { end(err) }()

	normalized := cache.NormalizeQuery(query)
	if normalized == "" {
		return nil, errors.Validation("query must not be empty")
	}
	if limit <= 0 {
		limit = e.config.RecallLimit
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	key := cache.RecallKey(normalized, limit, threshold)
	now := e.now().UTC()

	if ids, ok := e.cachedRecall(ctx, key); ok {
		records, complete, err := e.touch(ctx, ids, now)
		if err != nil {
			return nil, err
		}
		if !complete {
			e.invalidateKeys(ctx, key)
		}
		log.DebugContext(ctx, "Recall served from cache", "results", len(records))
		return records, nil
	}

	vector, err := e.embed(ctx, normalized)
	if err != nil {
		return nil, err
	}
	matches, err := e.store.SimilaritySearch(ctx, vector, threshold, limit)
	if err != nil {
		return nil, errors.Wrap(errors.FromContext(err), "similarity search failed")
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.Record.ID
	}
	records, _, err = e.touch(ctx, ids, now)
	if err != nil {
		return nil, err
	}

	e.cacheRecall(ctx, key, ids)
	log.DebugContext(ctx, "Recall served from store", "results", len(records), "threshold", threshold, "limit", limit)
	return records, nil
}

// touch records an access for every id in order. Ids that no longer
// resolve are dropped and reported through complete.
func (e *Engine) touch(ctx context.Context, ids []string, at time.Time) ([]memory.Record, bool, error) {
	records := make([]memory.Record, 0, len(ids))
	complete := true
	for _, id := range ids {
		rec, err := e.store.UpdateAccess(ctx, id, at)
		if errors.Is(err, errors.ErrNotFound) {
			complete = false
			continue
		}
		if err != nil {
			return nil, false, errors.Wrap(errors.FromContext(err), "failed to update access for %s", id)
		}
		records = append(records, rec)
	}
	if len(ids) > 0 {
		e.invalidateKeys(ctx, recordKeys(ids)...)
	}
	return records, complete, nil
}

// FeedbackResult is the outcome of SubmitFeedback.
type FeedbackResult struct {
	// Event is the persisted feedback event
	Event memory.FeedbackEvent `json:"event"`

	// Updated is the memory after the feedback was applied
	Updated memory.Record `json:"updated"`

	// Derived is the memory created from a correction's replacement content
	Derived *memory.Record `json:"derived,omitempty"`
}

// SubmitFeedback applies feedback to a memory. A correction whose payload
// carries replacement content also stores that content as a new memory
// tagged with the original id.
//
// If storing that memory fails after the feedback was committed, the result
// still carries the event and the updated memory and the error wraps
// errors.ErrDerivedNotStored. Storing the corrected content with Store
// finishes the work; resubmitting would apply the score delta twice.
func (e *Engine) SubmitFeedback(ctx context.Context, memoryID string, kind memory.Kind, payload memory.Payload) (res FeedbackResult, err error) {
	ctx, end := e.telemetry.track(ctx, "submit_feedback", attribute.String("feedback.kind", string(kind)))
	defer func() { end(err) }()

	payload, err = memory.NormalizePayload(kind, payload)
	if err != nil {
		return FeedbackResult{}, err
	}
	if memoryID == "" {
		return FeedbackResult{}, errors.Validation("memory id must not be empty")
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	event := memory.FeedbackEvent{
		ID:          e.newEventID(),
		MemoryID:    memoryID,
		Kind:        kind,
		Payload:     payload,
		SubmittedAt: e.now().UTC().Truncate(time.Microsecond),
	}
	updated, err := e.store.RecordFeedback(ctx, event)
	if err != nil {
		return FeedbackResult{}, errors.Wrap(errors.FromContext(err), "failed to record %s feedback for %s", kind, memoryID)
	}
	// the score feeds the ranking, so results that cut this memory off by
	// limit can change too
	e.invalidateRecords(ctx, memoryID)
	e.invalidateTags(ctx, cache.RecallTag)

	log.DebugContext(ctx, "Feedback recorded",
		"memory_id", memoryID,
		"kind", kind,
		"feedback_score", updated.FeedbackScore,
	)

	res = FeedbackResult{Event: event, Updated: updated}

	correction, ok := payload.(memory.CorrectionPayload)
	if !ok || strings.TrimSpace(correction.CorrectedContent) == "" {
		return res, nil
	}
	derived, err := e.Store(ctx, correction.CorrectedContent, CorrectionSource(memoryID), map[string]interface{}{
		"original_memory":   memoryID,
		"correction_reason": correction.Reason,
	})
	if err != nil {
		return res, fmt.Errorf("%w for %s: %w", errors.ErrDerivedNotStored, memoryID, err)
	}
	res.Derived = &derived
	return res, nil
}

// Report summarizes a consolidation pass.
type Report struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Decayed    []string      `json:"decayed"`
	Reinforced []string      `json:"reinforced"`
}

// Consolidate decays the scores of memories unused for DecayAfter and then
// reinforces memories accessed more than ReinforceMinAccess times within
// ReinforceWindow. Decay runs first so one pass never both penalizes and
// rewards the same memory for the same usage.
func (e *Engine) Consolidate(ctx context.Context) (report Report, err error) {
	ctx, end := e.telemetry.track(ctx, "consolidate")
	defer func() { end(err) }()

	now := e.now().UTC()
	report.StartedAt = now

	decayed, err := e.store.ApplyDecay(ctx, e.config.DecayFactor, now.Add(-e.config.DecayAfter))
	if err != nil {
		return report, errors.Wrap(errors.FromContext(err), "decay failed")
	}
	report.Decayed = decayed

	reinforced, err := e.store.ApplyReinforcement(ctx,
		e.config.ReinforceDelta, e.config.ReinforceMinAccess, now.Add(-e.config.ReinforceWindow))
	if err != nil {
		e.afterConsolidate(ctx, decayed)
		return report, errors.Wrap(errors.FromContext(err), "reinforcement failed")
	}
	report.Reinforced = reinforced

	e.afterConsolidate(ctx, append(append([]string{}, decayed...), reinforced...))
	report.Duration = e.now().UTC().Sub(now)

	log.InfoContext(ctx, "Consolidation complete",
		"decayed", len(report.Decayed),
		"reinforced", len(report.Reinforced),
	)
	return report, nil
}

// afterConsolidate drops every cached recall result, since scores feed the
// ranking, along with the point entries of the changed memories.
func (e *Engine) afterConsolidate(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	e.invalidateTags(ctx, cache.RecallTag)
	e.invalidateKeys(ctx, recordKeys(ids)...)
}

// Get returns a memory by id, consulting the cache first.
func (e *Engine) Get(ctx context.Context, id string) (rec memory.Record, err error) {
	ctx, end := e.telemetry.track(ctx, "get")
	defer func() { end(err) }()

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	if rec, ok := e.cachedRecord(ctx, id); ok {
		return rec, nil
	}

	rec, err = e.store.Get(ctx, id)
	if err != nil {
		return memory.Record{}, errors.Wrap(errors.FromContext(err), "failed to get memory %s", id)
	}
	e.cacheRecord(ctx, rec)
	return rec, nil
}

// Annotate merges metadata into a memory's metadata. Keys mapped to nil are
// removed. Concurrent annotations of one memory may overwrite each other.
func (e *Engine) Annotate(ctx context.Context, id string, metadata map[string]interface{}) (rec memory.Record, err error) {
	ctx, end := e.telemetry.track(ctx, "annotate")
	defer func() { end(err) }()

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	rec, err = e.store.Get(ctx, id)
	if err != nil {
		return memory.Record{}, errors.Wrap(errors.FromContext(err), "failed to load memory %s", id)
	}

	merged := copyMetadata(rec.Metadata)
	for k, v := range metadata {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	rec.Metadata = merged

	if err := e.store.Put(ctx, rec); err != nil {
		return memory.Record{}, errors.Wrap(errors.FromContext(err), "failed to annotate memory %s", id)
	}
	e.invalidateRecords(ctx, id)

	rec, err = e.store.Get(ctx, id)
	if err != nil {
		return memory.Record{}, errors.Wrap(errors.FromContext(err), "failed to reload memory %s", id)
	}
	return rec, nil
}

// ExportAll returns a point-in-time snapshot of every memory and feedback
// event for backup.
func (e *Engine) ExportAll(ctx context.Context) (snapshot memory.Snapshot, err error) {
	ctx, end := e.telemetry.track(ctx, "export_all")
	defer func() { end(err) }()

	snapshot, err = e.store.Export(ctx)
	if err != nil {
		return memory.Snapshot{}, errors.Wrap(errors.FromContext(err), "export failed")
	}
	snapshot.ExportedAt = e.now().UTC()
	return snapshot, nil
}

// FeedbackSince counts feedback events submitted after since.
func (e *Engine) FeedbackSince(ctx context.Context, since time.Time) (int64, error) {
	n, err := e.store.CountFeedbackSince(ctx, since)
	if err != nil {
		return 0, errors.Wrap(errors.FromContext(err), "failed to count feedback")
	}
	return n, nil
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || e.config.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.config.OperationTimeout)
}

// embed computes an embedding and checks its width before anything is
// persisted.
func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	vector, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, errors.Wrap(errors.FromContext(err), "failed to embed text")
	}
	if len(vector) != e.embedder.Dimensions() {
		return nil, errors.Validation("embedder returned %d dimensions, expected %d", len(vector), e.embedder.Dimensions())
	}
	return vector, nil
}

func copyMetadata(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func recordKeys(ids []string) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = cache.RecordKey(id)
	}
	return keys
}
