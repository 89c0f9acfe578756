package tidesqlite

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidewell/tidesync/tidesync"
)

func newTestQueue(t *testing.T) (*SyncQueue, *CacheStore) {
	t.Helper()
	cache := newTestCache(t)
	return NewSyncQueue(cache, nil), cache
}

func profilePayload(userID, name string) json.RawMessage {
	raw, _ := json.Marshal(tidesync.ProfileUpdate{
		UserID: userID,
		Fields: map[string]any{"name": name},
	})
	return raw
}

func feedbackPayload(userID, content string, createdAt int64) json.RawMessage {
	raw, _ := json.Marshal(tidesync.Feedback{
		UserID:    userID,
		Content:   content,
		CreatedAt: createdAt,
	})
	return raw
}

func TestSyncQueue_EnqueueAndList(t *testing.T) {
	ctx := context.Background()
	queue, _ := newTestQueue(t)

	first, err := queue.Enqueue(ctx, tidesync.ActionUploadFeedback, feedbackPayload("u1", "great", 100))
	require.NoError(t, err)
	second, err := queue.Enqueue(ctx, tidesync.ActionUploadFeedback, feedbackPayload("u1", "ok", 200))
	require.NoError(t, err)

	items, err := queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, first.ID, items[0].ID)
	require.Equal(t, second.ID, items[1].ID)
	require.True(t, items[0].ID < items[1].ID)
}

func TestSyncQueue_RejectsUnknownAction(t *testing.T) {
	ctx := context.Background()
	queue, _ := newTestQueue(t)

	_, err := queue.Enqueue(ctx, tidesync.SyncAction("delete_everything"), []byte(`{}`))
	require.Error(t, err)
}

func TestSyncQueue_CoalescesProfileUpdates(t *testing.T) {
	ctx := context.Background()
	queue, _ := newTestQueue(t)

	first, err := queue.Enqueue(ctx, tidesync.ActionUpdateProfile, profilePayload("u1", "Alice"))
	require.NoError(t, err)

	second, err := queue.Enqueue(ctx, tidesync.ActionUpdateProfile, profilePayload("u1", "Alicia"))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	items, err := queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.JSONEq(t, string(profilePayload("u1", "Alicia")), string(items[0].Payload))

	// A different user gets its own item.
	_, err = queue.Enqueue(ctx, tidesync.ActionUpdateProfile, profilePayload("u2", "Bob"))
	require.NoError(t, err)
	count, err := queue.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestSyncQueue_CoalescingResetsRetries(t *testing.T) {
	ctx := context.Background()
	queue, _ := newTestQueue(t)

	item, err := queue.Enqueue(ctx, tidesync.ActionUpdateProfile, profilePayload("u1", "Alice"))
	require.NoError(t, err)

	_, err = queue.MarkFailed(ctx, item.ID, "timeout")
	require.NoError(t, err)

	updated, err := queue.Enqueue(ctx, tidesync.ActionUpdateProfile, profilePayload("u1", "Alicia"))
	require.NoError(t, err)
	require.Equal(t, 0, updated.Retries)
	require.Empty(t, updated.LastError)
}

func TestSyncQueue_AppendOnlyNeverCoalesces(t *testing.T) {
	ctx := context.Background()
	queue, _ := newTestQueue(t)

	// Identical feedback twice stays two independent items.
	payload := feedbackPayload("u1", "same text", 100)
	_, err := queue.Enqueue(ctx, tidesync.ActionUploadFeedback, payload)
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, tidesync.ActionUploadFeedback, payload)
	require.NoError(t, err)

	count, err := queue.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestSyncQueue_MarkFailedAndDequeue(t *testing.T) {
	ctx := context.Background()
	queue, _ := newTestQueue(t)

	item, err := queue.Enqueue(ctx, tidesync.ActionUploadFeedback, feedbackPayload("u1", "hi", 100))
	require.NoError(t, err)

	failed, err := queue.MarkFailed(ctx, item.ID, "connection refused")
	require.NoError(t, err)
	require.Equal(t, 1, failed.Retries)
	require.Equal(t, "connection refused", failed.LastError)

	// Failure keeps the item queued.
	count, err := queue.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.NoError(t, queue.DequeueSucceeded(ctx, item.ID))
	count, err = queue.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)

	_, err = queue.MarkFailed(ctx, item.ID, "gone")
	require.ErrorIs(t, err, ErrItemNotFound)
}

func TestSyncQueue_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	queue, cache := newTestQueue(t)

	item, err := queue.Enqueue(ctx, tidesync.ActionUpdateProfile, profilePayload("u1", "Alice"))
	require.NoError(t, err)

	// A fresh queue over the same cache sees the pending item and continues
	// the ID sequence instead of reusing it.
	reopened := NewSyncQueue(cache, nil)
	items, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, item.ID, items[0].ID)

	next, err := reopened.Enqueue(ctx, tidesync.ActionUploadFeedback, feedbackPayload("u1", "hi", 100))
	require.NoError(t, err)
	require.True(t, next.ID > item.ID)
}

func TestSyncQueue_Stats(t *testing.T) {
	ctx := context.Background()
	queue, _ := newTestQueue(t)

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Pending)

	_, err = queue.Enqueue(ctx, tidesync.ActionUpdateProfile, profilePayload("u1", "Alice"))
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, tidesync.ActionUploadFeedback, feedbackPayload("u1", "hi", 100))
	require.NoError(t, err)

	stats, err = queue.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Pending)
	require.Equal(t, 1, stats.ByAction[tidesync.ActionUpdateProfile])
	require.Equal(t, 1, stats.ByAction[tidesync.ActionUploadFeedback])
	require.GreaterOrEqual(t, stats.OldestAge.Nanoseconds(), int64(0))
}
