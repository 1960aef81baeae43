package pgvector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/log"
	"github.com/lexlapax/engram/pkg/memory"
)

const recordColumns = `id, content, embedding::text, metadata, source, created_at, feedback_score,
	access_count, last_accessed_at, corrections, related_ids`

// Config contains the configuration for a pgvector store
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Dimensions is the embedding width; it must match the schema
	Dimensions int

	// MaxConns bounds the connection pool; zero keeps the pgxpool default
	MaxConns int32

	// AutoMigrate applies the embedded migrations before connecting
	AutoMigrate bool
}

// PgvectorStore implements the memory.Store interface using PostgreSQL with
// the pgvector extension. Row locks taken inside transactions serialize
// writes to the same record.
type PgvectorStore struct {
	db         *pgxpool.Pool
	dimensions int
}

// New connects to PostgreSQL and verifies the schema.
func New(ctx context.Context, cfg Config) (*PgvectorStore, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.Validation("connection string cannot be empty")
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = SchemaDimensions
	}

	if cfg.AutoMigrate {
		if err := Migrate(ctx, cfg.ConnectionString); err != nil {
			return nil, err
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, errors.Validation("invalid connection string: %v", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreUnavailable, "failed to connect to PostgreSQL: %v", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrStoreUnavailable, "failed to ping PostgreSQL: %v", err)
	}

	store := NewWithPool(db, cfg.Dimensions)
	if err := store.checkDimensions(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool wraps an existing pool. The schema is assumed to be migrated.
func NewWithPool(db *pgxpool.Pool, dimensions int) *PgvectorStore {
	log.Debug("Initialized pgvector memory store adapter", "dimensions", dimensions)
	return &PgvectorStore{db: db, dimensions: dimensions}
}

// DB returns the underlying database connection pool (used for testing)
func (s *PgvectorStore) DB() *pgxpool.Pool {
	return s.db
}

// checkDimensions compares the embedding column width with the configured one.
func (s *PgvectorStore) checkDimensions(ctx context.Context) error {
	var typmod int
	err := s.db.QueryRow(ctx, `
		SELECT atttypmod FROM pg_attribute
		WHERE attrelid = 'memories'::regclass AND attname = 'embedding'`).Scan(&typmod)
	if err != nil {
		return mapError(err, "failed to read embedding column type; are migrations applied?")
	}
	if typmod != s.dimensions {
		return errors.Validation("embedding column holds %d dimensions, configured %d", typmod, s.dimensions)
	}
	return nil
}

// Close closes the database connection pool
func (s *PgvectorStore) Close() error {
	if s.db != nil {
		s.db.Close()
	}
	return nil
}

func scanRecord(row pgx.Row, extra ...any) (memory.Record, error) {
	var (
		r           memory.Record
		embedding   string
		metadata    []byte
		corrections []byte
	)
	dest := append([]any{
		&r.ID, &r.Content, &embedding, &metadata, &r.Source, &r.CreatedAt, &r.FeedbackScore,
		&r.AccessCount, &r.LastAccessedAt, &corrections, &r.RelatedIDs,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return r, err
	}

	r.Embedding = stringToEmbed(embedding)
	r.CreatedAt = r.CreatedAt.UTC()
	if r.LastAccessedAt != nil {
		t := r.LastAccessedAt.UTC()
		r.LastAccessedAt = &t
	}
	if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
		return r, fmt.Errorf("failed to unmarshal metadata of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(corrections, &r.Corrections); err != nil {
		return r, fmt.Errorf("failed to unmarshal corrections of %s: %w", r.ID, err)
	}
	return r, nil
}

// Put persists a memory record, refreshing only metadata for existing ids.
func (s *PgvectorStore) Put(ctx context.Context, record memory.Record) error {
	if len(record.Embedding) != s.dimensions {
		return errors.Validation("embedding has %d dimensions, store expects %d", len(record.Embedding), s.dimensions)
	}
	record.CreatedAt = record.CreatedAt.Truncate(time.Microsecond)

	metadata, err := json.Marshal(nonNilMap(record.Metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	corrections, err := json.Marshal(nonNilSlice(record.Corrections))
	if err != nil {
		return fmt.Errorf("failed to marshal corrections: %w", err)
	}
	related := record.RelatedIDs
	if related == nil {
		related = []string{}
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO memories (id, content, embedding, metadata, source, created_at, feedback_score,
				access_count, last_accessed_at, corrections, related_ids)
			VALUES ($1, $2, $3::vector, $4::jsonb, $5, $6, $7, $8, $9, $10::jsonb, $11)
			ON CONFLICT (id) DO NOTHING`,
			record.ID, record.Content, embedToString(record.Embedding), string(metadata), record.Source,
			record.CreatedAt, record.FeedbackScore, record.AccessCount, record.LastAccessedAt,
			string(corrections), related,
		)
		if err != nil {
			return mapError(err, "failed to store record")
		}
		if tag.RowsAffected() == 1 {
			log.DebugContext(ctx, "Stored memory record in pgvector", "memory_id", record.ID)
			return nil
		}

		existing, err := scanRecord(tx.QueryRow(ctx,
			`SELECT `+recordColumns+` FROM memories WHERE id = $1 FOR UPDATE`, record.ID))
		if err != nil {
			return mapError(err, "failed to load existing record")
		}
		if err := memory.CheckImmutable(existing, record); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE memories SET metadata = $2::jsonb WHERE id = $1`, record.ID, string(metadata))
		return mapError(err, "failed to refresh metadata")
	})
}

// Get fetches one record by id.
func (s *PgvectorStore) Get(ctx context.Context, id string) (memory.Record, error) {
	r, err := scanRecord(s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM memories WHERE id = $1`, id))
	if err != nil {
		return memory.Record{}, notFoundOr(err, id, "failed to get record")
	}
	return r, nil
}

// SimilaritySearch runs the ranked cosine query in PostgreSQL.
func (s *PgvectorStore) SimilaritySearch(ctx context.Context, vector []float32, minScore float64, limit int) ([]memory.Match, error) {
	if len(vector) != s.dimensions {
		return nil, errors.Validation("query vector has %d dimensions, store expects %d", len(vector), s.dimensions)
	}
	if limit <= 0 {
		return []memory.Match{}, nil
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+recordColumns+`, 1 - (embedding <=> $1::vector) AS similarity
		FROM memories
		WHERE (embedding <=> $1::vector) <> 'NaN'::float8
		  AND 1 - (embedding <=> $1::vector) > $2
		ORDER BY similarity DESC, feedback_score DESC, access_count DESC, id ASC
		LIMIT $3`,
		embedToString(vector), minScore, limit,
	)
	if err != nil {
		return nil, mapError(err, "failed to execute similarity search")
	}
	defer rows.Close()

	matches := make([]memory.Match, 0, limit)
	for rows.Next() {
		var sim float64
		r, err := scanRecord(rows, &sim)
		if err != nil {
			return nil, mapError(err, "failed to scan search result")
		}
		matches = append(matches, memory.Match{Record: r, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "error iterating rows")
	}

	log.DebugContext(ctx, "pgvector similarity search complete", "matches", len(matches))
	return matches, nil
}

// RecordFeedback appends the event and applies its effect in one transaction.
func (s *PgvectorStore) RecordFeedback(ctx context.Context, event memory.FeedbackEvent) (memory.Record, error) {
	payload, err := memory.EncodePayload(event.Payload)
	if err != nil {
		return memory.Record{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	appended := []memory.Correction{}
	if c, ok := event.CorrectionEntry(); ok {
		appended = append(appended, c)
	}
	correction, err := json.Marshal(appended)
	if err != nil {
		return memory.Record{}, fmt.Errorf("failed to marshal correction: %w", err)
	}

	var updated memory.Record
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		updated, err = scanRecord(tx.QueryRow(ctx, `
			UPDATE memories
			SET feedback_score = feedback_score + $2, corrections = corrections || $3::jsonb
			WHERE id = $1
			RETURNING `+recordColumns,
			event.MemoryID, event.Kind.ScoreDelta(), string(correction),
		))
		if err != nil {
			return notFoundOr(err, event.MemoryID, "failed to apply feedback")
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO feedback_events (id, memory_id, kind, payload, submitted_at)
			VALUES ($1, $2, $3, $4::jsonb, $5)`,
			event.ID, event.MemoryID, string(event.Kind), string(payload), event.SubmittedAt,
		)
		return mapError(err, "failed to append feedback event")
	})
	return updated, err
}

// UpdateAccess increments the access counter in a single statement.
func (s *PgvectorStore) UpdateAccess(ctx context.Context, id string, at time.Time) (memory.Record, error) {
	r, err := scanRecord(s.db.QueryRow(ctx, `
		UPDATE memories SET access_count = access_count + 1, last_accessed_at = $2
		WHERE id = $1
		RETURNING `+recordColumns,
		id, at,
	))
	if err != nil {
		return memory.Record{}, notFoundOr(err, id, "failed to update access")
	}
	return r, nil
}

// LinkPair adds each id to the other's related set in one transaction.
// Both rows are locked in id order so concurrent links cannot deadlock.
func (s *PgvectorStore) LinkPair(ctx context.Context, a, b string) error {
	if a == b {
		return errors.Validation("memory %s cannot be linked to itself", a)
	}

	pair := []string{a, b}
	sort.Strings(pair)

	return s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT id FROM memories WHERE id = ANY($1) ORDER BY id FOR UPDATE`, pair)
		if err != nil {
			return mapError(err, "failed to lock records")
		}
		found, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return mapError(err, "failed to lock records")
		}
		for _, id := range pair {
			if !containsString(found, id) {
				return errors.Wrap(errors.ErrNotFound, "memory %s", id)
			}
		}

		const link = `
			UPDATE memories SET related_ids = array_append(related_ids, $2)
			WHERE id = $1 AND NOT ($2 = ANY(related_ids))`
		if _, err := tx.Exec(ctx, link, a, b); err != nil {
			return mapError(err, "failed to link records")
		}
		_, err = tx.Exec(ctx, link, b, a)
		return mapError(err, "failed to link records")
	})
}

func (s *PgvectorStore) collectIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// ApplyDecay scales the score of records unused since olderThan.
func (s *PgvectorStore) ApplyDecay(ctx context.Context, factor float64, olderThan time.Time) ([]string, error) {
	ids, err := s.collectIDs(ctx, `
		UPDATE memories SET feedback_score = feedback_score * $1
		WHERE COALESCE(last_accessed_at, created_at) < $2 AND feedback_score > $3
		RETURNING id`,
		factor, olderThan, memory.DecayFloor,
	)
	if err != nil {
		return nil, mapError(err, "failed to apply decay")
	}
	return ids, nil
}

// ApplyReinforcement rewards records accessed often and recently.
func (s *PgvectorStore) ApplyReinforcement(ctx context.Context, delta float64, minAccessCount int64, recentSince time.Time) ([]string, error) {
	ids, err := s.collectIDs(ctx, `
		UPDATE memories SET feedback_score = feedback_score + $1
		WHERE access_count > $2 AND last_accessed_at > $3
		RETURNING id`,
		delta, minAccessCount, recentSince,
	)
	if err != nil {
		return nil, mapError(err, "failed to apply reinforcement")
	}
	return ids, nil
}

// CountFeedbackSince counts events submitted after since.
func (s *PgvectorStore) CountFeedbackSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM feedback_events WHERE submitted_at > $1`, since).Scan(&n)
	if err != nil {
		return 0, mapError(err, "failed to count feedback")
	}
	return n, nil
}

// Export reads a consistent snapshot in a read-only repeatable read
// transaction, which does not block concurrent writers.
func (s *PgvectorStore) Export(ctx context.Context) (memory.Snapshot, error) {
	snap := memory.Snapshot{ExportedAt: time.Now().UTC()}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return snap, mapError(err, "failed to begin export transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `SELECT `+recordColumns+` FROM memories
		ORDER BY feedback_score DESC, access_count DESC, id ASC`)
	if err != nil {
		return snap, mapError(err, "failed to export records")
	}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return snap, mapError(err, "failed to scan record")
		}
		snap.Records = append(snap.Records, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, mapError(err, "error iterating records")
	}

	rows, err = tx.Query(ctx, `SELECT id, memory_id, kind, payload, submitted_at
		FROM feedback_events ORDER BY submitted_at DESC, id ASC`)
	if err != nil {
		return snap, mapError(err, "failed to export feedback")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e       memory.FeedbackEvent
			kind    string
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.MemoryID, &kind, &payload, &e.SubmittedAt); err != nil {
			return snap, mapError(err, "failed to scan feedback event")
		}
		e.Kind = memory.Kind(kind)
		e.SubmittedAt = e.SubmittedAt.UTC()
		if e.Payload, err = memory.DecodePayload(e.Kind, payload); err != nil {
			return snap, err
		}
		snap.FeedbackEvents = append(snap.FeedbackEvents, e)
	}
	if err := rows.Err(); err != nil {
		return snap, mapError(err, "error iterating feedback")
	}

	snap.Statistics = memory.Statistics{
		TotalRecords:  len(snap.Records),
		TotalFeedback: len(snap.FeedbackEvents),
	}
	return snap, nil
}

func (s *PgvectorStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return mapError(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return mapError(tx.Commit(ctx), "failed to commit transaction")
}

func notFoundOr(err error, id, msg string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrap(errors.ErrNotFound, "memory %s", id)
	}
	return mapError(err, msg)
}

// mapError classifies pgx errors into the store error taxonomy. Server side
// errors keep their detail; anything that never reached the server is
// treated as a connectivity failure.
func mapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.FromContext(fmt.Errorf("%s: %w", msg, err))
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception, 57P0x is operator intervention.
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P0") {
			return fmt.Errorf("%w: %s: %v", errors.ErrStoreUnavailable, msg, err)
		}
		return fmt.Errorf("%s: %w", msg, err)
	}
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, pgx.ErrTooManyRows) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) || isNetworkError(err) {
		return fmt.Errorf("%w: %s: %v", errors.ErrStoreUnavailable, msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isNetworkError(err error) bool {
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "closed pool") || strings.Contains(msg, "conn closed")
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func nonNilMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func nonNilSlice(c []memory.Correction) []memory.Correction {
	if c == nil {
		return []memory.Correction{}
	}
	return c
}

// embedToString converts []float32 to the pgvector text form
func embedToString(embedding []float32) string {
	elements := make([]string, len(embedding))
	for i, v := range embedding {
		elements[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(elements, ",") + "]"
}

// stringToEmbed parses the pgvector text form
func stringToEmbed(embeddingStr string) []float32 {
	embeddingStr = strings.TrimPrefix(embeddingStr, "[")
	embeddingStr = strings.TrimSuffix(embeddingStr, "]")
	if embeddingStr == "" {
		return []float32{}
	}

	elements := strings.Split(embeddingStr, ",")
	embedding := make([]float32, len(elements))
	for i, element := range elements {
		val, err := strconv.ParseFloat(strings.TrimSpace(element), 32)
		if err != nil {
			log.Error("Failed to parse embedding element", "error", err, "element", element)
			val = 0
		}
		embedding[i] = float32(val)
	}
	return embedding
}
