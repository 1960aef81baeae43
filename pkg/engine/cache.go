package engine

import (
	"context"
	"encoding/json"

	"github.com/lexlapax/engram/pkg/cache"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/log"
	"github.com/lexlapax/engram/pkg/memory"
)

// Cache failures never reach callers. The helpers below log them and behave
// as a miss, so every path falls back to the store.

func (e *Engine) cachedRecord(ctx context.Context, id string) (memory.Record, bool) {
	data, ok := e.cacheGet(ctx, cache.RecordKey(id))
	e.telemetry.cacheLookup(ctx, "memory", ok)
	if !ok {
		return memory.Record{}, false
	}
	var rec memory.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		log.WarnContext(ctx, "Discarding undecodable cached memory", "memory_id", id, "error", err)
		e.invalidateKeys(ctx, cache.RecordKey(id))
		return memory.Record{}, false
	}
	return rec, true
}

func (e *Engine) cacheRecord(ctx context.Context, rec memory.Record) {
	if e.config.RecordTTL <= 0 {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		log.WarnContext(ctx, "Failed to encode memory for cache", "memory_id", rec.ID, "error", err)
		return
	}
	if err := e.cache.Set(ctx, cache.RecordKey(rec.ID), data, e.config.RecordTTL); err != nil {
		log.WarnContext(ctx, "Cache write failed", "key", cache.RecordKey(rec.ID), "error", err)
	}
}

func (e *Engine) cachedRecall(ctx context.Context, key string) ([]string, bool) {
	data, ok := e.cacheGet(ctx, key)
	e.telemetry.cacheLookup(ctx, "recall", ok)
	if !ok {
		return nil, false
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		log.WarnContext(ctx, "Discarding undecodable cached recall", "key", key, "error", err)
		e.invalidateKeys(ctx, key)
		return nil, false
	}
	return ids, true
}

// cacheRecall stores the ordered ids of a recall result. The entry carries
// the recall tag and a reference tag per id so a write to any of those
// memories drops it.
func (e *Engine) cacheRecall(ctx context.Context, key string, ids []string) {
	if e.config.RecallTTL <= 0 {
		return
	}
	data, err := json.Marshal(ids)
	if err != nil {
		log.WarnContext(ctx, "Failed to encode recall for cache", "error", err)
		return
	}
	tags := make([]string, 0, len(ids)+1)
	tags = append(tags, cache.RecallTag)
	for _, id := range ids {
		tags = append(tags, cache.RefTag(id))
	}
	if err := e.cache.Set(ctx, key, data, e.config.RecallTTL, tags...); err != nil {
		log.WarnContext(ctx, "Cache write failed", "key", key, "error", err)
	}
}

func (e *Engine) cacheGet(ctx context.Context, key string) ([]byte, bool) {
	data, err := e.cache.Get(ctx, key)
	if err == nil {
		return data, true
	}
	if !errors.Is(err, cache.ErrMiss) {
		log.WarnContext(ctx, "Cache read failed, falling back to store", "key", key, "error", err)
	}
	return nil, false
}

// invalidateRecords drops the point entries of ids and every cached recall
// that references them.
func (e *Engine) invalidateRecords(ctx context.Context, ids ...string) {
	tags := make([]string, len(ids))
	for i, id := range ids {
		tags[i] = cache.RefTag(id)
	}
	e.invalidateKeys(ctx, recordKeys(ids)...)
	e.invalidateTags(ctx, tags...)
}

func (e *Engine) invalidateKeys(ctx context.Context, keys ...string) {
	if err := e.cache.Invalidate(ctx, keys...); err != nil {
		log.WarnContext(ctx, "Cache invalidation failed", "keys", keys, "error", err)
	}
}

func (e *Engine) invalidateTags(ctx context.Context, tags ...string) {
	if err := e.cache.InvalidateTags(ctx, tags...); err != nil {
		log.WarnContext(ctx, "Cache tag invalidation failed", "tags", tags, "error", err)
	}
}
