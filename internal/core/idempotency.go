package core

import (
	"container/list"
	"context"
	"time"

	"PariLedger/internal/observability"
)

// IdempotencyChecker deduplicates inbound notices in two tiers: an
// in-memory LRU, then the durable notice log.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
}

// DBIdempotencyChecker is the durable tier.
type DBIdempotencyChecker interface {
	IsDuplicate(kind string, noticeID string) (bool, error)
	MarkProcessed(ctx context.Context, kind, noticeID string, at time.Time) error
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

func compositeKey(kind, noticeID string) string { return kind + ":" + noticeID }

// IsDuplicate reports whether the notice was already processed.
func (ic *IdempotencyChecker) IsDuplicate(kind string, noticeID string) bool {
	key := compositeKey(kind, noticeID)

	if ic.lru.Contains(key) {
		ic.recordDuplicate(kind, "lru")
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(kind, noticeID)
		if err != nil {
			// Treat as new: reapplying a notice is harmless, stalling sync is not.
			if ic.metrics != nil {
				ic.metrics.DedupTier2Errors.Inc()
			}
			return false
		}
		if isDup {
			ic.recordDuplicate(kind, "db")
			ic.add(key)
			return true
		}
	}
	return false
}

// MarkProcessed records the notice in both tiers. The LRU is updated even
// when the durable write fails.
func (ic *IdempotencyChecker) MarkProcessed(ctx context.Context, kind string, noticeID string, at time.Time) error {
	ic.add(compositeKey(kind, noticeID))
	if ic.dbChecker == nil {
		return nil
	}
	return ic.dbChecker.MarkProcessed(ctx, kind, noticeID, at)
}

// Warm loads recently processed composite keys, newest first.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.lru.WarmFromKeys(keys)
	ic.observeLRU()
}

func (ic *IdempotencyChecker) add(key string) {
	ic.lru.Add(key)
	ic.observeLRU()
}

func (ic *IdempotencyChecker) recordDuplicate(kind, tier string) {
	if ic.metrics != nil {
		ic.metrics.NoticeDuplicates.WithLabelValues(kind, tier).Inc()
	}
}

func (ic *IdempotencyChecker) observeLRU() {
	if ic.metrics == nil {
		return
	}
	ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	if ev := ic.lru.Evictions(); ev > ic.lru.reported {
		ic.metrics.DedupLRUEvictions.Add(float64(ev - ic.lru.reported))
		ic.lru.reported = ev
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU set of keys.
// Not thread-safe: only the Runner goroutine touches it.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
	reported  int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity < 1 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads keys given newest first, so the newest end up most
// recently used.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		lru.Add(keys[i])
	}
}

func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
