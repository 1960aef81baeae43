package mock

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/log"
	"github.com/lexlapax/engram/pkg/memory"
)

// MockStore is an in-memory implementation of the memory.Store interface
// used for testing and development.
type MockStore struct {
	// records indexed by memory id
	records map[string]memory.Record

	// events in submission order
	events []memory.FeedbackEvent

	// Mutex for safe concurrent access
	mutex sync.RWMutex
}

// NewMockStore creates a new instance of the MockStore.
func NewMockStore() *MockStore {
	store := &MockStore{
		records: make(map[string]memory.Record),
	}

	log.Debug("Initialized mock memory store adapter")
	return store
}

// Put implements the memory.Store interface.
func (m *MockStore) Put(ctx context.Context, record memory.Record) error {
	if err := ctx.Err(); err != nil {
		return errors.FromContext(err)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if existing, ok := m.records[record.ID]; ok {
		if err := memory.CheckImmutable(existing, record); err != nil {
			return err
		}
		existing.Metadata = record.Clone().Metadata
		m.records[record.ID] = existing
		log.DebugContext(ctx, "Refreshed metadata in mock store", "memory_id", record.ID)
		return nil
	}

	m.records[record.ID] = record.Clone()

	log.DebugContext(ctx, "Stored memory record in mock store",
		"memory_id", record.ID,
		"content_length", len(record.Content),
	)
	return nil
}

// Get implements the memory.Store interface.
func (m *MockStore) Get(ctx context.Context, id string) (memory.Record, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	record, ok := m.records[id]
	if !ok {
		return memory.Record{}, errors.Wrap(errors.ErrNotFound, "memory %s", id)
	}
	return record.Clone(), nil
}

// SimilaritySearch implements the memory.Store interface.
func (m *MockStore) SimilaritySearch(ctx context.Context, vector []float32, minScore float64, limit int) ([]memory.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.FromContext(err)
	}

	m.mutex.RLock()
	records := make([]memory.Record, 0, len(m.records))
	for _, r := range m.records {
		records = append(records, r.Clone())
	}
	m.mutex.RUnlock()

	matches := memory.SearchRecords(records, vector, minScore, limit)
	log.DebugContext(ctx, "Mock similarity search complete",
		"records_scanned", len(records),
		"matches", len(matches),
	)
	return matches, nil
}

// RecordFeedback implements the memory.Store interface.
func (m *MockStore) RecordFeedback(ctx context.Context, event memory.FeedbackEvent) (memory.Record, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	record, ok := m.records[event.MemoryID]
	if !ok {
		return memory.Record{}, errors.Wrap(errors.ErrNotFound, "memory %s", event.MemoryID)
	}

	memory.ApplyFeedback(&record, event)
	m.records[record.ID] = record
	m.events = append(m.events, event)
	return record.Clone(), nil
}

// UpdateAccess implements the memory.Store interface.
func (m *MockStore) UpdateAccess(ctx context.Context, id string, at time.Time) (memory.Record, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	record, ok := m.records[id]
	if !ok {
		return memory.Record{}, errors.Wrap(errors.ErrNotFound, "memory %s", id)
	}
	record.AccessCount++
	record.LastAccessedAt = &at
	m.records[id] = record
	return record.Clone(), nil
}

// LinkPair implements the memory.Store interface.
func (m *MockStore) LinkPair(ctx context.Context, a, b string) error {
	if a == b {
		return errors.Validation("memory %s cannot be linked to itself", a)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	left, ok := m.records[a]
	if !ok {
		return errors.Wrap(errors.ErrNotFound, "memory %s", a)
	}
	right, ok := m.records[b]
	if !ok {
		return errors.Wrap(errors.ErrNotFound, "memory %s", b)
	}

	if !left.IsRelated(b) {
		left.RelatedIDs = append(slices.Clone(left.RelatedIDs), b)
		m.records[a] = left
	}
	if !right.IsRelated(a) {
		right.RelatedIDs = append(slices.Clone(right.RelatedIDs), a)
		m.records[b] = right
	}
	return nil
}

// ApplyDecay implements the memory.Store interface.
func (m *MockStore) ApplyDecay(ctx context.Context, factor float64, olderThan time.Time) ([]string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var affected []string
	for id, r := range m.records {
		if r.LastUsedAt().Before(olderThan) && r.FeedbackScore > memory.DecayFloor {
			r.FeedbackScore *= factor
			m.records[id] = r
			affected = append(affected, id)
		}
	}
	sort.Strings(affected)
	return affected, nil
}

// ApplyReinforcement implements the memory.Store interface.
func (m *MockStore) ApplyReinforcement(ctx context.Context, delta float64, minAccessCount int64, recentSince time.Time) ([]string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var affected []string
	for id, r := range m.records {
		if r.AccessCount > minAccessCount && r.LastAccessedAt != nil && r.LastAccessedAt.After(recentSince) {
			r.FeedbackScore += delta
			m.records[id] = r
			affected = append(affected, id)
		}
	}
	sort.Strings(affected)
	return affected, nil
}

// CountFeedbackSince implements the memory.Store interface.
func (m *MockStore) CountFeedbackSince(ctx context.Context, since time.Time) (int64, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var n int64
	for _, e := range m.events {
		if e.SubmittedAt.After(since) {
			n++
		}
	}
	return n, nil
}

// Export implements the memory.Store interface.
func (m *MockStore) Export(ctx context.Context) (memory.Snapshot, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := memory.Snapshot{
		ExportedAt:     time.Now().UTC(),
		Records:        make([]memory.Record, 0, len(m.records)),
		FeedbackEvents: slices.Clone(m.events),
	}
	for _, r := range m.records {
		snap.Records = append(snap.Records, r.Clone())
	}
	memory.SortForExport(snap.Records, snap.FeedbackEvents)
	snap.Statistics = memory.Statistics{
		TotalRecords:  len(snap.Records),
		TotalFeedback: len(snap.FeedbackEvents),
	}
	return snap, nil
}

// Close implements the memory.Store interface.
func (m *MockStore) Close() error {
	return nil
}

// Len returns the number of stored records.
func (m *MockStore) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.records)
}
