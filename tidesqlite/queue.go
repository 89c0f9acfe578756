// Copyright 2026 Tidewell
// SPDX-License-Identifier: Apache-2.0

package tidesqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tidewell/tidesync/tidesync"
)

const nextItemIDKey = "next_queue_item_id"

// SyncQueue is the durable, ordered list of pending mutations. Every
// mutation goes through the cache store under the reserved sync_queue
// namespace, so the queue survives process restart. Item IDs come from a
// persisted monotonic counter, zero-padded so key order equals FIFO order.
type SyncQueue struct {
	cache  *CacheStore
	logger *slog.Logger
	mu     sync.Mutex
}

// NewSyncQueue creates a queue persisted through cache.
func NewSyncQueue(cache *CacheStore, logger *slog.Logger) *SyncQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncQueue{cache: cache, logger: logger}
}

// QueueStats summarizes pending work for the status surface.
type QueueStats struct {
	Pending   int
	ByAction  map[tidesync.SyncAction]int
	OldestAge time.Duration
}

// Enqueue adds a mutation to the queue. For idempotent actions it first
// scans for an unsynced item with the same (action, natural key) and, if
// found, replaces that item's payload and resets its retry count, coalescing
// rapid successive edits of the same logical entity into one round trip. Append-only actions always create a new item.
func (q *SyncQueue) Enqueue(ctx context.Context, action tidesync.SyncAction, payload json.RawMessage) (*QueueItem, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("unknown action %q", action)
	}

	naturalKey, err := NaturalKey(action, payload)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if naturalKey != "" {
		items, err := q.listLocked(ctx)
		if err != nil {
			return nil, err
		}
		for i := range items {
			existing := &items[i]
			if existing.Action == action && existing.NaturalKey == naturalKey {
				existing.Payload = payload
				existing.Retries = 0
				existing.LastError = ""
				if err := q.persistLocked(ctx, existing); err != nil {
					return nil, err
				}
				q.logger.Debug("Coalesced queued mutation",
					"item_id", existing.ID, "action", action, "natural_key", naturalKey)
				return existing, nil
			}
		}
	}

	id, err := q.nextIDLocked(ctx)
	if err != nil {
		return nil, err
	}

	item := &QueueItem{
		ID:         id,
		Action:     action,
		Payload:    payload,
		NaturalKey: naturalKey,
		CreatedAt:  time.Now().UTC(),
	}
	if err := q.persistLocked(ctx, item); err != nil {
		return nil, err
	}

	q.logger.Debug("Enqueued mutation", "item_id", item.ID, "action", action)
	return item, nil
}

// DequeueSucceeded removes an item after confirmed remote success.
func (q *SyncQueue) DequeueSucceeded(ctx context.Context, itemID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cache.Delete(ctx, NamespaceSyncQueue, itemID)
}

// Remove drops an item without remote success, used for non-retryable
// rejections that can never succeed.
func (q *SyncQueue) Remove(ctx context.Context, itemID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cache.Delete(ctx, NamespaceSyncQueue, itemID)
}

// MarkFailed increments the item's retry count and records the error. The
// item stays in the queue for a later drain.
func (q *SyncQueue) MarkFailed(ctx context.Context, itemID string, cause string) (*QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.getLocked(ctx, itemID)
	if err != nil {
		return nil, err
	}
	item.Retries++
	item.LastError = cause
	if err := q.persistLocked(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// ReplacePayload swaps an item's payload in place (used after conflict
// resolution keeps a merged version) without touching its queue position.
func (q *SyncQueue) ReplacePayload(ctx context.Context, itemID string, payload json.RawMessage) (*QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.getLocked(ctx, itemID)
	if err != nil {
		return nil, err
	}
	item.Payload = payload
	if err := q.persistLocked(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// List returns all pending items in FIFO order by creation time.
func (q *SyncQueue) List(ctx context.Context) ([]QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.listLocked(ctx)
}

// Len returns the number of pending items.
func (q *SyncQueue) Len(ctx context.Context) (int, error) {
	items, err := q.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Stats summarizes the pending queue.
func (q *SyncQueue) Stats(ctx context.Context) (*QueueStats, error) {
	items, err := q.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{
		Pending:  len(items),
		ByAction: make(map[tidesync.SyncAction]int),
	}
	for i := range items {
		stats.ByAction[items[i].Action]++
	}
	if len(items) > 0 {
		stats.OldestAge = time.Since(items[0].CreatedAt)
	}
	return stats, nil
}

func (q *SyncQueue) listLocked(ctx context.Context) ([]QueueItem, error) {
	entries, err := q.cache.ListNamespace(ctx, NamespaceSyncQueue)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync queue: %w", err)
	}

	items := make([]QueueItem, 0, len(entries))
	for _, entry := range entries {
		var item QueueItem
		if err := json.Unmarshal(entry.Value, &item); err != nil {
			return nil, fmt.Errorf("failed to decode queue item %s: %w", entry.Key, err)
		}
		items = append(items, item)
	}

	// Keys are zero-padded IDs so namespace order is already FIFO, but a
	// coalesced item keeps its original slot; sort by creation to be exact.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (q *SyncQueue) getLocked(ctx context.Context, itemID string) (*QueueItem, error) {
	value, found, err := q.cache.Get(ctx, NamespaceSyncQueue, itemID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	var item QueueItem
	if err := json.Unmarshal(value, &item); err != nil {
		return nil, fmt.Errorf("failed to decode queue item %s: %w", itemID, err)
	}
	return &item, nil
}

func (q *SyncQueue) persistLocked(ctx context.Context, item *QueueItem) error {
	value, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode queue item: %w", err)
	}
	return q.cache.Set(ctx, NamespaceSyncQueue, item.ID, value)
}

// nextIDLocked reads, increments and persists the monotonic item counter.
func (q *SyncQueue) nextIDLocked(ctx context.Context) (string, error) {
	var next int64 = 1
	value, found, err := q.cache.Get(ctx, NamespaceMeta, nextItemIDKey)
	if err != nil {
		return "", err
	}
	if found {
		parsed, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return "", fmt.Errorf("corrupt queue item counter: %w", err)
		}
		next = parsed
	}

	if err := q.cache.Set(ctx, NamespaceMeta, nextItemIDKey, []byte(strconv.FormatInt(next+1, 10))); err != nil {
		return "", err
	}
	return fmt.Sprintf("%012d", next), nil
}
