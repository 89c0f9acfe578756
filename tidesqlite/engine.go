// Copyright 2026 Tidewell
// SPDX-License-Identifier: Apache-2.0

// Package tidesqlite is the client-resident half of the sync system: a
// durable namespaced cache, a coalescing sync queue persisted inside it, a
// network monitor, a conflict resolver and the orchestrator that drains the
// queue against the remote endpoint. The Engine type ties them together
// behind the surface the UI layer consumes.
package tidesqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tidewell/tidesync/tidesync"
)

const installIDKey = "install_id"

// EngineConfig configures a client engine instance.
type EngineConfig struct {
	DatabasePath string // SQLite file path, ":memory:" for tests
	BaseURL      string // endpoint base URL, no trailing slash
	Token        TokenFunc
	HTTPClient   *http.Client
	Monitor      *MonitorConfig
	Orchestrator *OrchestratorConfig
}

// Engine is the UI-facing facade over the sync components. All components
// are explicitly constructed; Start and Stop bound their lifecycles.
type Engine struct {
	cache        *CacheStore
	queue        *SyncQueue
	monitor      *Monitor
	resolver     *Resolver
	orchestrator *Orchestrator
	logger       *slog.Logger

	netCbMu      sync.Mutex
	netCallbacks []func(NetworkEvent)

	runMu  sync.Mutex
	runCtx context.Context

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine builds the full component stack. source supplies platform
// connectivity; prompter may be nil (user-choice conflicts then keep the
// remote side).
func NewEngine(config *EngineConfig, source ConnectivitySource, prompter ChoicePrompter, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cache, err := OpenCacheStore(config.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	queue := NewSyncQueue(cache, logger)
	resolver := NewResolver(prompter, logger)
	prober := &HTTPProber{URL: config.BaseURL + "/healthz", Client: config.HTTPClient}
	monitor := NewMonitor(source, prober, config.Monitor, logger)
	caller := NewHTTPCaller(config.BaseURL, config.HTTPClient, config.Token, logger)
	orchestrator := NewOrchestrator(queue, caller, resolver, cache, monitor, config.Orchestrator, logger)

	return &Engine{
		cache:        cache,
		queue:        queue,
		monitor:      monitor,
		resolver:     resolver,
		orchestrator: orchestrator,
		logger:       logger,
	}, nil
}

// Start brings up the monitor and orchestrator and kicks an initial drain if
// the network is already usable.
func (e *Engine) Start(ctx context.Context) error {
	if _, err := e.InstallID(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.runMu.Lock()
	e.runCtx = runCtx
	e.runMu.Unlock()

	e.monitor.Start(runCtx)
	e.orchestrator.Start(runCtx)
	e.forwardNetworkEvents(runCtx)

	if e.monitor.Status().State == StateOnline {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.orchestrator.StartSync(runCtx); err != nil {
				e.logger.Warn("Initial drain failed", "error", err)
			}
		}()
	}
	return nil
}

// Stop shuts the stack down in reverse order and closes the cache.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.orchestrator.Stop()
	e.monitor.Stop()
	e.wg.Wait()
	return e.cache.Close()
}

// EnqueueMutation is the write-behind entry point: the mutation's data is
// written to its cache slot first (fatal on storage error, nothing is
// queued), then the mutation joins the sync queue, then a drain is kicked
// opportunistically if the network is up.
func (e *Engine) EnqueueMutation(ctx context.Context, action tidesync.SyncAction, payload json.RawMessage) (*QueueItem, error) {
	namespace, key, err := CacheLocation(action, payload)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Set(ctx, namespace, key, payload); err != nil {
		return nil, fmt.Errorf("failed to cache mutation: %w", err)
	}

	item, err := e.queue.Enqueue(ctx, action, payload)
	if err != nil {
		return nil, err
	}

	// Opportunistic drain, bound to the run context so Stop waits for it
	// before closing the cache.
	e.runMu.Lock()
	runCtx := e.runCtx
	e.runMu.Unlock()
	if runCtx != nil && e.monitor.Status().State == StateOnline {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.orchestrator.StartSync(runCtx); err != nil {
				e.logger.Warn("Opportunistic drain failed", "error", err)
			}
		}()
	}
	return item, nil
}

// GetCached reads a value from the cache. Found is false for absent keys.
func (e *Engine) GetCached(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	return e.cache.Get(ctx, namespace, key)
}

// PutCached writes read-path data (e.g. downloaded scales) into the cache
// without queuing anything.
func (e *Engine) PutCached(ctx context.Context, namespace, key string, value []byte) error {
	return e.cache.Set(ctx, namespace, key, value)
}

// Sync triggers a drain pass manually. No-op while one is already running.
func (e *Engine) Sync(ctx context.Context) error {
	return e.orchestrator.StartSync(ctx)
}

// OnSyncStatusChange registers a callback for orchestrator events.
func (e *Engine) OnSyncStatusChange(fn func(SyncEvent)) {
	e.orchestrator.OnStatusChange(fn)
}

// OnNetworkChange registers a callback for network events. Registration
// before Start is allowed; delivery begins once the engine is started.
func (e *Engine) OnNetworkChange(fn func(NetworkEvent)) {
	e.netCbMu.Lock()
	defer e.netCbMu.Unlock()
	e.netCallbacks = append(e.netCallbacks, fn)
}

// NetworkStatus returns the monitor's current snapshot.
func (e *Engine) NetworkStatus() NetworkStatus {
	return e.monitor.Status()
}

// QueueStats summarizes pending work for the UI status surface.
func (e *Engine) QueueStats(ctx context.Context) (*QueueStats, error) {
	return e.queue.Stats(ctx)
}

// ResolverStats aggregates past conflict resolutions.
func (e *Engine) ResolverStats() *ResolverStats {
	return e.resolver.Stats()
}

// InstallID returns the stable per-install identifier, generating and
// persisting one on first call.
func (e *Engine) InstallID(ctx context.Context) (string, error) {
	value, found, err := e.cache.Get(ctx, NamespaceMeta, installIDKey)
	if err != nil {
		return "", err
	}
	if found {
		return string(value), nil
	}

	id := uuid.NewString()
	if err := e.cache.Set(ctx, NamespaceMeta, installIDKey, []byte(id)); err != nil {
		return "", err
	}
	e.logger.Info("Generated install ID", "install_id", id)
	return id, nil
}

func (e *Engine) forwardNetworkEvents(ctx context.Context) {
	events, unsubscribe := e.monitor.Subscribe()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				e.netCbMu.Lock()
				callbacks := make([]func(NetworkEvent), len(e.netCallbacks))
				copy(callbacks, e.netCallbacks)
				e.netCbMu.Unlock()
				for _, fn := range callbacks {
					fn(ev)
				}
			}
		}
	}()
}
