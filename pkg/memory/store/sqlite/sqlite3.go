package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/log"
	"github.com/lexlapax/engram/pkg/memory"
	"github.com/mattn/go-sqlite3"
)

const recordColumns = `id, content, embedding, metadata, source, created_at, feedback_score,
	access_count, last_accessed_at, corrections, related_ids`

// SQLiteStore implements the memory.Store interface using a SQLite database.
// Similarity is computed in Go over JSON encoded vectors, which suits the
// single node deployments this adapter targets.
type SQLiteStore struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the database at path with WAL journaling
// and immediate write transactions, then creates the schema.
func Open(ctx context.Context, path string, busyTimeout time.Duration) (*SQLiteStore, error) {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate&_foreign_keys=on",
		path, busyTimeout.Milliseconds())

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreUnavailable, "failed to open sqlite database %s: %v", path, err)
	}

	store := NewSQLiteStore(db)
	if err := store.Initialize(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore creates a new SQLiteStore with the given database connection.
func NewSQLiteStore(db *sqlx.DB) *SQLiteStore {
	log.Debug("Initialized SQLite memory store adapter")
	return &SQLiteStore{db: db}
}

// Initialize creates the required tables if they don't exist.
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	log.DebugContext(ctx, "Initializing SQLite store tables")

	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			embedding TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			source TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			feedback_score REAL NOT NULL DEFAULT 0,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_at INTEGER,
			corrections TEXT NOT NULL DEFAULT '[]',
			related_ids TEXT NOT NULL DEFAULT '[]'
		);
		CREATE INDEX IF NOT EXISTS memories_last_used_idx ON memories (COALESCE(last_accessed_at, created_at));
		CREATE TABLE IF NOT EXISTS feedback_events (
			id TEXT PRIMARY KEY,
			memory_id TEXT NOT NULL REFERENCES memories(id),
			kind TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			submitted_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS feedback_events_submitted_idx ON feedback_events (submitted_at);
	`)
	if err != nil {
		log.ErrorContext(ctx, "Failed to create sqlite schema", "error", err)
		return mapError(err, "failed to create schema")
	}
	return nil
}

type recordRow struct {
	ID             string        `db:"id"`
	Content        string        `db:"content"`
	Embedding      string        `db:"embedding"`
	Metadata       string        `db:"metadata"`
	Source         string        `db:"source"`
	CreatedAt      int64         `db:"created_at"`
	FeedbackScore  float64       `db:"feedback_score"`
	AccessCount    int64         `db:"access_count"`
	LastAccessedAt sql.NullInt64 `db:"last_accessed_at"`
	Corrections    string        `db:"corrections"`
	RelatedIDs     string        `db:"related_ids"`
}

type eventRow struct {
	ID          string `db:"id"`
	MemoryID    string `db:"memory_id"`
	Kind        string `db:"kind"`
	Payload     string `db:"payload"`
	SubmittedAt int64  `db:"submitted_at"`
}

func toRow(r memory.Record) (recordRow, error) {
	row := recordRow{
		ID:            r.ID,
		Content:       r.Content,
		Source:        r.Source,
		CreatedAt:     r.CreatedAt.UnixNano(),
		FeedbackScore: r.FeedbackScore,
		AccessCount:   r.AccessCount,
	}
	if r.LastAccessedAt != nil {
		row.LastAccessedAt = sql.NullInt64{Int64: r.LastAccessedAt.UnixNano(), Valid: true}
	}

	var err error
	if row.Embedding, err = encodeJSON(r.Embedding, "[]"); err != nil {
		return row, fmt.Errorf("failed to marshal embedding: %w", err)
	}
	if row.Metadata, err = encodeJSON(r.Metadata, "{}"); err != nil {
		return row, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if row.Corrections, err = encodeJSON(r.Corrections, "[]"); err != nil {
		return row, fmt.Errorf("failed to marshal corrections: %w", err)
	}
	if row.RelatedIDs, err = encodeJSON(r.RelatedIDs, "[]"); err != nil {
		return row, fmt.Errorf("failed to marshal related ids: %w", err)
	}
	return row, nil
}

func (row recordRow) toRecord() (memory.Record, error) {
	r := memory.Record{
		ID:            row.ID,
		Content:       row.Content,
		Source:        row.Source,
		CreatedAt:     time.Unix(0, row.CreatedAt).UTC(),
		FeedbackScore: row.FeedbackScore,
		AccessCount:   row.AccessCount,
	}
	if row.LastAccessedAt.Valid {
		t := time.Unix(0, row.LastAccessedAt.Int64).UTC()
		r.LastAccessedAt = &t
	}
	if err := json.Unmarshal([]byte(row.Embedding), &r.Embedding); err != nil {
		return r, fmt.Errorf("failed to unmarshal embedding of %s: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.Metadata), &r.Metadata); err != nil {
		return r, fmt.Errorf("failed to unmarshal metadata of %s: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.Corrections), &r.Corrections); err != nil {
		return r, fmt.Errorf("failed to unmarshal corrections of %s: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.RelatedIDs), &r.RelatedIDs); err != nil {
		return r, fmt.Errorf("failed to unmarshal related ids of %s: %w", row.ID, err)
	}
	return r, nil
}

func encodeJSON(v interface{}, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

// Put persists a memory record, refreshing only metadata for existing ids.
func (s *SQLiteStore) Put(ctx context.Context, record memory.Record) error {
	row, err := toRow(record)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := getRecord(ctx, tx, record.ID)
		if errors.Is(err, errors.ErrNotFound) {
			_, err = tx.NamedExecContext(ctx, `
				INSERT INTO memories (`+recordColumns+`)
				VALUES (:id, :content, :embedding, :metadata, :source, :created_at, :feedback_score,
					:access_count, :last_accessed_at, :corrections, :related_ids)`, row)
			if err != nil {
				return mapError(err, "failed to store record")
			}
			log.DebugContext(ctx, "Stored memory record in sqlite", "memory_id", record.ID)
			return nil
		}
		if err != nil {
			return err
		}

		if err := memory.CheckImmutable(existing, record); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE memories SET metadata = ? WHERE id = ?`, row.Metadata, record.ID)
		return mapError(err, "failed to refresh metadata")
	})
}

// Get fetches one record by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (memory.Record, error) {
	return getRecord(ctx, s.db, id)
}

func getRecord(ctx context.Context, q sqlx.QueryerContext, id string) (memory.Record, error) {
	var row recordRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+recordColumns+` FROM memories WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return memory.Record{}, errors.Wrap(errors.ErrNotFound, "memory %s", id)
	}
	if err != nil {
		return memory.Record{}, mapError(err, "failed to get record")
	}
	return row.toRecord()
}

// SimilaritySearch scans stored vectors and ranks them in Go.
func (s *SQLiteStore) SimilaritySearch(ctx context.Context, vector []float32, minScore float64, limit int) ([]memory.Match, error) {
	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+recordColumns+` FROM memories`); err != nil {
		return nil, mapError(err, "failed to scan records")
	}

	records := make([]memory.Record, 0, len(rows))
	for _, row := range rows {
		r, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	matches := memory.SearchRecords(records, vector, minScore, limit)
	log.DebugContext(ctx, "SQLite similarity search complete",
		"records_scanned", len(records),
		"matches", len(matches),
	)
	return matches, nil
}

// RecordFeedback appends the event and applies its effect in one transaction.
func (s *SQLiteStore) RecordFeedback(ctx context.Context, event memory.FeedbackEvent) (memory.Record, error) {
	payload, err := memory.EncodePayload(event.Payload)
	if err != nil {
		return memory.Record{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	var updated memory.Record
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		record, err := getRecord(ctx, tx, event.MemoryID)
		if err != nil {
			return err
		}
		memory.ApplyFeedback(&record, event)

		corrections, err := encodeJSON(record.Corrections, "[]")
		if err != nil {
			return fmt.Errorf("failed to marshal corrections: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE memories SET feedback_score = feedback_score + ?, corrections = ? WHERE id = ?`,
			event.Kind.ScoreDelta(), corrections, event.MemoryID,
		); err != nil {
			return mapError(err, "failed to apply feedback")
		}

		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO feedback_events (id, memory_id, kind, payload, submitted_at)
			VALUES (:id, :memory_id, :kind, :payload, :submitted_at)`,
			eventRow{
				ID:          event.ID,
				MemoryID:    event.MemoryID,
				Kind:        string(event.Kind),
				Payload:     string(payload),
				SubmittedAt: event.SubmittedAt.UnixNano(),
			},
		); err != nil {
			return mapError(err, "failed to append feedback event")
		}

		updated = record
		return nil
	})
	return updated, err
}

// UpdateAccess increments the access counter in place.
func (s *SQLiteStore) UpdateAccess(ctx context.Context, id string, at time.Time) (memory.Record, error) {
	var updated memory.Record
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`,
			at.UnixNano(), id,
		)
		if err != nil {
			return mapError(err, "failed to update access")
		}
		if n, err := res.RowsAffected(); err != nil {
			return mapError(err, "failed to get rows affected")
		} else if n == 0 {
			return errors.Wrap(errors.ErrNotFound, "memory %s", id)
		}
		updated, err = getRecord(ctx, tx, id)
		return err
	})
	return updated, err
}

// LinkPair adds each id to the other's related set in one transaction.
func (s *SQLiteStore) LinkPair(ctx context.Context, a, b string) error {
	if a == b {
		return errors.Validation("memory %s cannot be linked to itself", a)
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		left, err := getRecord(ctx, tx, a)
		if err != nil {
			return err
		}
		right, err := getRecord(ctx, tx, b)
		if err != nil {
			return err
		}

		for _, side := range []struct {
			record memory.Record
			other  string
		}{{left, b}, {right, a}} {
			if side.record.IsRelated(side.other) {
				continue
			}
			related, err := encodeJSON(append(side.record.RelatedIDs, side.other), "[]")
			if err != nil {
				return fmt.Errorf("failed to marshal related ids: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE memories SET related_ids = ? WHERE id = ?`, related, side.record.ID); err != nil {
				return mapError(err, "failed to link records")
			}
		}
		return nil
	})
}

// ApplyDecay scales the score of records unused since olderThan.
func (s *SQLiteStore) ApplyDecay(ctx context.Context, factor float64, olderThan time.Time) ([]string, error) {
	const where = `WHERE COALESCE(last_accessed_at, created_at) < ? AND feedback_score > ?`
	args := []interface{}{olderThan.UnixNano(), memory.DecayFloor}

	var affected []string
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &affected, `SELECT id FROM memories `+where+` ORDER BY id`, args...); err != nil {
			return mapError(err, "failed to select decay candidates")
		}
		_, err := tx.ExecContext(ctx, `UPDATE memories SET feedback_score = feedback_score * ? `+where,
			append([]interface{}{factor}, args...)...)
		return mapError(err, "failed to apply decay")
	})
	return affected, err
}

// ApplyReinforcement rewards records accessed often and recently.
func (s *SQLiteStore) ApplyReinforcement(ctx context.Context, delta float64, minAccessCount int64, recentSince time.Time) ([]string, error) {
	const where = `WHERE access_count > ? AND last_accessed_at IS NOT NULL AND last_accessed_at > ?`
	args := []interface{}{minAccessCount, recentSince.UnixNano()}

	var affected []string
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &affected, `SELECT id FROM memories `+where+` ORDER BY id`, args...); err != nil {
			return mapError(err, "failed to select reinforcement candidates")
		}
		_, err := tx.ExecContext(ctx, `UPDATE memories SET feedback_score = feedback_score + ? `+where,
			append([]interface{}{delta}, args...)...)
		return mapError(err, "failed to apply reinforcement")
	})
	return affected, err
}

// CountFeedbackSince counts events submitted after since.
func (s *SQLiteStore) CountFeedbackSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM feedback_events WHERE submitted_at > ?`, since.UnixNano())
	if err != nil {
		return 0, mapError(err, "failed to count feedback")
	}
	return n, nil
}

// Export reads all records and events inside one transaction.
func (s *SQLiteStore) Export(ctx context.Context) (memory.Snapshot, error) {
	snap := memory.Snapshot{ExportedAt: time.Now().UTC()}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var rows []recordRow
		if err := tx.SelectContext(ctx, &rows, `SELECT `+recordColumns+` FROM memories
			ORDER BY feedback_score DESC, access_count DESC, id ASC`); err != nil {
			return mapError(err, "failed to export records")
		}
		snap.Records = make([]memory.Record, 0, len(rows))
		for _, row := range rows {
			r, err := row.toRecord()
			if err != nil {
				return err
			}
			snap.Records = append(snap.Records, r)
		}

		var events []eventRow
		if err := tx.SelectContext(ctx, &events, `SELECT id, memory_id, kind, payload, submitted_at
			FROM feedback_events ORDER BY submitted_at DESC, id ASC`); err != nil {
			return mapError(err, "failed to export feedback")
		}
		snap.FeedbackEvents = make([]memory.FeedbackEvent, 0, len(events))
		for _, row := range events {
			kind := memory.Kind(row.Kind)
			payload, err := memory.DecodePayload(kind, []byte(row.Payload))
			if err != nil {
				return err
			}
			snap.FeedbackEvents = append(snap.FeedbackEvents, memory.FeedbackEvent{
				ID:          row.ID,
				MemoryID:    row.MemoryID,
				Kind:        kind,
				Payload:     payload,
				SubmittedAt: time.Unix(0, row.SubmittedAt).UTC(),
			})
		}
		return nil
	})
	if err != nil {
		return memory.Snapshot{}, err
	}

	snap.Statistics = memory.Statistics{
		TotalRecords:  len(snap.Records),
		TotalFeedback: len(snap.FeedbackEvents),
	}
	return snap, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return mapError(tx.Commit(), "failed to commit transaction")
}

// mapError classifies driver errors into the store error taxonomy.
func mapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.FromContext(fmt.Errorf("%s: %w", msg, err))
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %s: %v", errors.ErrStoreUnavailable, msg, err)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrIoErr:
			return fmt.Errorf("%w: %s: %v", errors.ErrStoreUnavailable, msg, err)
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}
