package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/log"
	"github.com/lexlapax/engram/pkg/memory"
	chromem "github.com/philippgille/chromem-go"
	bolt "go.etcd.io/bbolt"
)

var (
	memoriesBucket = []byte("memories")
	feedbackBucket = []byte("feedback")
)

// indexSlack widens the index prefilter to absorb float32 rounding in the
// in-memory index; final ranking uses exact float64 similarity.
const indexSlack = 1e-3

// BoltStore implements the memory.Store interface using a BoltDB database
// for durability and a chromem-go collection as the similarity index.
// The index is rebuilt from the database when the store is opened.
type BoltStore struct {
	db    *bolt.DB
	index *chromem.Collection

	// unindexed holds ids whose embedding has zero magnitude
	unindexed sync.Map
}

// Open opens the database file at path and builds the store.
func Open(ctx context.Context, path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreUnavailable, "failed to open bolt database %s: %v", path, err)
	}
	store, err := NewBoltStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewBoltStore creates a new BoltStore with the given database connection.
func NewBoltStore(ctx context.Context, db *bolt.DB) (*BoltStore, error) {
	index, err := chromem.NewDB().CreateCollection("memories", nil, precomputedOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to create similarity index: %w", err)
	}

	store := &BoltStore{db: db, index: index}
	if err := store.Initialize(ctx); err != nil {
		return nil, err
	}

	log.Debug("Initialized BoltDB memory store adapter",
		"db_path", db.Path(),
		"indexed", index.Count(),
	)
	return store, nil
}

// Initialize creates the required buckets and loads the similarity index.
func (b *BoltStore) Initialize(ctx context.Context) error {
	log.DebugContext(ctx, "Initializing BoltDB store buckets")

	err := b.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(memoriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(feedbackBucket)
		return err
	})
	if err != nil {
		log.ErrorContext(ctx, "Failed to initialize BoltDB buckets", "error", err)
		return fmt.Errorf("failed to initialize buckets: %w", err)
	}

	var records []memory.Record
	err = b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(memoriesBucket).ForEach(func(_, v []byte) error {
			var r memory.Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}
			records = append(records, r)
			return nil
		})
	})
	if err != nil {
		return err
	}

	for _, r := range records {
		if err := b.indexRecord(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (b *BoltStore) indexRecord(ctx context.Context, r memory.Record) error {
	if isZero(r.Embedding) {
		b.unindexed.Store(r.ID, struct{}{})
		return nil
	}
	err := b.index.AddDocument(ctx, chromem.Document{
		ID:        r.ID,
		Embedding: slices.Clone(r.Embedding),
	})
	if err != nil {
		return fmt.Errorf("failed to index memory %s: %w", r.ID, err)
	}
	return nil
}

// precomputedOnly rejects text embedding; the index only receives vectors
// computed by the engine's embedder.
func precomputedOnly(context.Context, string) ([]float32, error) {
	return nil, errors.New("similarity index accepts precomputed embeddings only")
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

func getRecord(tx *bolt.Tx, id string) (memory.Record, error) {
	data := tx.Bucket(memoriesBucket).Get([]byte(id))
	if data == nil {
		return memory.Record{}, errors.Wrap(errors.ErrNotFound, "memory %s", id)
	}
	var r memory.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return memory.Record{}, fmt.Errorf("failed to unmarshal record %s: %w", id, err)
	}
	return r, nil
}

func putRecord(tx *bolt.Tx, r memory.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return tx.Bucket(memoriesBucket).Put([]byte(r.ID), data)
}

// feedbackKey orders events by submission time.
func feedbackKey(at time.Time, id string) []byte {
	key := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(at.UnixNano()))
	return append(key, id...)
}

// Put persists a memory record, refreshing only metadata for existing ids.
func (b *BoltStore) Put(ctx context.Context, record memory.Record) error {
	if err := ctx.Err(); err != nil {
		return errors.FromContext(err)
	}

	created := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		existing, err := getRecord(tx, record.ID)
		if errors.Is(err, errors.ErrNotFound) {
			created = true
			return putRecord(tx, record)
		}
		if err != nil {
			return err
		}
		if err := memory.CheckImmutable(existing, record); err != nil {
			return err
		}
		existing.Metadata = record.Metadata
		return putRecord(tx, existing)
	})
	if err != nil {
		return err
	}

	if created {
		log.DebugContext(ctx, "Stored memory record in BoltDB", "memory_id", record.ID)
		return b.indexRecord(ctx, record)
	}
	return nil
}

// Get fetches one record by id.
func (b *BoltStore) Get(ctx context.Context, id string) (memory.Record, error) {
	var r memory.Record
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		r, err = getRecord(tx, id)
		return err
	})
	return r, err
}

// SimilaritySearch prefilters candidates through the index and ranks them
// against the stored records.
func (b *BoltStore) SimilaritySearch(ctx context.Context, vector []float32, minScore float64, limit int) ([]memory.Match, error) {
	candidates, scanAll, err := b.candidates(ctx, vector, minScore)
	if err != nil {
		return nil, err
	}

	var records []memory.Record
	err = b.db.View(func(tx *bolt.Tx) error {
		if scanAll {
			return tx.Bucket(memoriesBucket).ForEach(func(_, v []byte) error {
				var r memory.Record
				if err := json.Unmarshal(v, &r); err != nil {
					return fmt.Errorf("failed to unmarshal record: %w", err)
				}
				records = append(records, r)
				return nil
			})
		}
		for _, id := range candidates {
			r, err := getRecord(tx, id)
			if errors.Is(err, errors.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			records = append(records, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	matches := memory.SearchRecords(records, vector, minScore, limit)
	log.DebugContext(ctx, "BoltDB similarity search complete",
		"candidates", len(records),
		"matches", len(matches),
	)
	return matches, nil
}

// candidates returns the ids that may score above minScore. A zero query
// vector cannot be normalized by the index, so it asks for a full scan.
func (b *BoltStore) candidates(ctx context.Context, vector []float32, minScore float64) ([]string, bool, error) {
	if isZero(vector) {
		return nil, true, nil
	}

	var ids []string
	if n := b.index.Count(); n > 0 {
		results, err := b.index.QueryEmbedding(ctx, slices.Clone(vector), n, nil, nil)
		if err != nil {
			return nil, false, fmt.Errorf("failed to query similarity index: %w", err)
		}
		for _, res := range results {
			sim := float64(res.Similarity)
			if math.IsNaN(sim) || sim <= minScore-indexSlack {
				continue
			}
			ids = append(ids, res.ID)
		}
	}

	if minScore < 0 {
		b.unindexed.Range(func(k, _ any) bool {
			ids = append(ids, k.(string))
			return true
		})
	}
	return ids, false, nil
}

// RecordFeedback appends the event and applies its effect in one transaction.
func (b *BoltStore) RecordFeedback(ctx context.Context, event memory.FeedbackEvent) (memory.Record, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return memory.Record{}, fmt.Errorf("failed to marshal feedback event: %w", err)
	}

	var updated memory.Record
	err = b.db.Update(func(tx *bolt.Tx) error {
		r, err := getRecord(tx, event.MemoryID)
		if err != nil {
			return err
		}
		memory.ApplyFeedback(&r, event)
		if err := putRecord(tx, r); err != nil {
			return err
		}
		if err := tx.Bucket(feedbackBucket).Put(feedbackKey(event.SubmittedAt, event.ID), data); err != nil {
			return fmt.Errorf("failed to append feedback event: %w", err)
		}
		updated = r
		return nil
	})
	return updated, err
}

// UpdateAccess increments the access counter.
func (b *BoltStore) UpdateAccess(ctx context.Context, id string, at time.Time) (memory.Record, error) {
	var updated memory.Record
	err := b.db.Update(func(tx *bolt.Tx) error {
		r, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		r.AccessCount++
		r.LastAccessedAt = &at
		updated = r
		return putRecord(tx, r)
	})
	return updated, err
}

// LinkPair adds each id to the other's related set in one transaction.
func (b *BoltStore) LinkPair(ctx context.Context, a, bID string) error {
	if a == bID {
		return errors.Validation("memory %s cannot be linked to itself", a)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		left, err := getRecord(tx, a)
		if err != nil {
			return err
		}
		right, err := getRecord(tx, bID)
		if err != nil {
			return err
		}
		if !left.IsRelated(bID) {
			left.RelatedIDs = append(left.RelatedIDs, bID)
			if err := putRecord(tx, left); err != nil {
				return err
			}
		}
		if !right.IsRelated(a) {
			right.RelatedIDs = append(right.RelatedIDs, a)
			if err := putRecord(tx, right); err != nil {
				return err
			}
		}
		return nil
	})
}

// updateWhere applies fn to every record matching pred in one transaction
// and returns the affected ids in key order.
func (b *BoltStore) updateWhere(pred func(memory.Record) bool, fn func(*memory.Record)) ([]string, error) {
	var affected []string
	err := b.db.Update(func(tx *bolt.Tx) error {
		var changed []memory.Record
		err := tx.Bucket(memoriesBucket).ForEach(func(_, v []byte) error {
			var r memory.Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}
			if pred(r) {
				fn(&r)
				changed = append(changed, r)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, r := range changed {
			if err := putRecord(tx, r); err != nil {
				return err
			}
			affected = append(affected, r.ID)
		}
		return nil
	})
	return affected, err
}

// ApplyDecay scales the score of records unused since olderThan.
func (b *BoltStore) ApplyDecay(ctx context.Context, factor float64, olderThan time.Time) ([]string, error) {
	return b.updateWhere(
		func(r memory.Record) bool {
			return r.LastUsedAt().Before(olderThan) && r.FeedbackScore > memory.DecayFloor
		},
		func(r *memory.Record) { r.FeedbackScore *= factor },
	)
}

// ApplyReinforcement rewards records accessed often and recently.
func (b *BoltStore) ApplyReinforcement(ctx context.Context, delta float64, minAccessCount int64, recentSince time.Time) ([]string, error) {
	return b.updateWhere(
		func(r memory.Record) bool {
			return r.AccessCount > minAccessCount && r.LastAccessedAt != nil && r.LastAccessedAt.After(recentSince)
		},
		func(r *memory.Record) { r.FeedbackScore += delta },
	)
}

// CountFeedbackSince counts events submitted after since.
func (b *BoltStore) CountFeedbackSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(feedbackBucket).Cursor()
		start := make([]byte, 8)
		binary.BigEndian.PutUint64(start, uint64(since.UnixNano()+1))
		for k, _ := c.Seek(start); k != nil; k, _ = c.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Export reads all records and events from one read transaction.
func (b *BoltStore) Export(ctx context.Context) (memory.Snapshot, error) {
	snap := memory.Snapshot{ExportedAt: time.Now().UTC()}

	err := b.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(memoriesBucket).ForEach(func(_, v []byte) error {
			var r memory.Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}
			snap.Records = append(snap.Records, r)
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(feedbackBucket).ForEach(func(_, v []byte) error {
			var e memory.FeedbackEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("failed to unmarshal feedback event: %w", err)
			}
			snap.FeedbackEvents = append(snap.FeedbackEvents, e)
			return nil
		})
	})
	if err != nil {
		return memory.Snapshot{}, err
	}

	memory.SortForExport(snap.Records, snap.FeedbackEvents)
	snap.Statistics = memory.Statistics{
		TotalRecords:  len(snap.Records),
		TotalFeedback: len(snap.FeedbackEvents),
	}
	return snap, nil
}

// Close closes the database.
func (b *BoltStore) Close() error {
	return b.db.Close()
}
