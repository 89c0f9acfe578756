package tidesqlite

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidewell/tidesync/tidesync"
)

func newTestEngine(t *testing.T, source ConnectivitySource) (*Engine, *int64) {
	t.Helper()

	var pushes int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		atomic.AddInt64(&pushes, 1)
		_ = json.NewEncoder(w).Encode(tidesync.Envelope{Code: tidesync.CodeOK})
	}))
	t.Cleanup(server.Close)

	engine, err := NewEngine(&EngineConfig{
		DatabasePath: filepath.Join(t.TempDir(), "engine.db"),
		BaseURL:      server.URL,
		Token: func(ctx context.Context) (string, error) {
			return "test-token", nil
		},
		Monitor:      quietMonitorConfig(),
		Orchestrator: &OrchestratorConfig{MaxRetries: 3, RetryDelay: 0, Strategy: StrategyMerge},
	}, source, nil, nil)
	require.NoError(t, err)
	return engine, &pushes
}

func TestEngine_InstallIDIsStable(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, &fakeSource{connected: false, netType: TypeNone})

	first, err := engine.InstallID(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := engine.InstallID(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestEngine_OfflineMutationIsCachedAndQueued(t *testing.T) {
	ctx := context.Background()
	engine, pushes := newTestEngine(t, &fakeSource{connected: false, netType: TypeNone})

	require.NoError(t, engine.Start(ctx))
	defer func() { require.NoError(t, engine.Stop()) }()

	payload := profilePayload("u1", "Alice")
	item, err := engine.EnqueueMutation(ctx, tidesync.ActionUpdateProfile, payload)
	require.NoError(t, err)
	require.NotEmpty(t, item.ID)

	// Write-behind: the cache already holds the local value.
	cached, found, err := engine.GetCached(ctx, NamespaceProfile, "u1")
	require.NoError(t, err)
	require.True(t, found)
	require.JSONEq(t, string(payload), string(cached))

	// Nothing left the device.
	stats, err := engine.QueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
	require.Equal(t, int64(0), atomic.LoadInt64(pushes))
}

func TestEngine_RecoveryDrainsQueue(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{connected: false, netType: TypeNone}
	engine, pushes := newTestEngine(t, source)

	require.NoError(t, engine.Start(ctx))
	defer func() { require.NoError(t, engine.Stop()) }()

	_, err := engine.EnqueueMutation(ctx, tidesync.ActionUploadFeedback, feedbackPayload("u1", "hi", 100))
	require.NoError(t, err)

	source.set(true, TypeWifi)

	require.Eventually(t, func() bool {
		stats, err := engine.QueueStats(ctx)
		return err == nil && stats.Pending == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(1), atomic.LoadInt64(pushes))
}

func TestEngine_OnlineMutationSyncsOpportunistically(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, &fakeSource{connected: true, netType: TypeWifi})

	require.NoError(t, engine.Start(ctx))
	defer func() { require.NoError(t, engine.Stop()) }()

	var synced atomic.Int64
	engine.OnSyncStatusChange(func(ev SyncEvent) {
		if ev.Kind == SyncEventItemSynced {
			synced.Add(1)
		}
	})

	_, err := engine.EnqueueMutation(ctx, tidesync.ActionUploadFeedback, feedbackPayload("u1", "hi", 100))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return synced.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	stats, err := engine.QueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Pending)
}

func TestEngine_StopWaitsForOpportunisticDrain(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		time.Sleep(50 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(tidesync.Envelope{Code: tidesync.CodeOK})
	}))
	t.Cleanup(server.Close)

	dbPath := filepath.Join(t.TempDir(), "engine.db")
	engine, err := NewEngine(&EngineConfig{
		DatabasePath: dbPath,
		BaseURL:      server.URL,
		Monitor:      quietMonitorConfig(),
		Orchestrator: &OrchestratorConfig{MaxRetries: 3, RetryDelay: 0, Strategy: StrategyMerge},
	}, &fakeSource{connected: true, netType: TypeWifi}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, engine.Start(ctx))
	_, err = engine.EnqueueMutation(ctx, tidesync.ActionUploadFeedback, feedbackPayload("u1", "hi", 100))
	require.NoError(t, err)

	// Stop while the drain is mid-flight: it must wait for the goroutine
	// before closing the cache, so the store stays intact.
	require.NoError(t, engine.Stop())

	reopened, err := OpenCacheStore(dbPath, nil)
	require.NoError(t, err)
	defer reopened.Close()
	_, err = reopened.ListNamespace(ctx, NamespaceSyncQueue)
	require.NoError(t, err)
}

func TestEngine_PutCachedDoesNotQueue(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, &fakeSource{connected: false, netType: TypeNone})

	require.NoError(t, engine.PutCached(ctx, NamespaceScales, "phq9", []byte(`{"name":"PHQ-9"}`)))

	stats, err := engine.QueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Pending)
}
