// Copyright 2026 Tidewell
// SPDX-License-Identifier: Apache-2.0

package tidesqlite

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidewell/tidesync/tidesync"
)

// SyncEventKind identifies an orchestrator status event.
type SyncEventKind string

const (
	SyncEventDraining      SyncEventKind = "draining"
	SyncEventItemSynced    SyncEventKind = "item_synced"
	SyncEventItemFailed    SyncEventKind = "item_failed"
	SyncEventDrainComplete SyncEventKind = "drain_complete"
	SyncEventIdle          SyncEventKind = "idle"
)

// SyncEvent is delivered to status callbacks as a drain progresses.
type SyncEvent struct {
	Kind   SyncEventKind
	ItemID string
	Action tidesync.SyncAction
	Err    string
}

// OrchestratorConfig holds drain tunables.
type OrchestratorConfig struct {
	MaxRetries int           // per-item attempts within one drain
	RetryDelay time.Duration // linear backoff unit: delay * retries
	Strategy   Strategy      // conflict strategy applied on divergence
}

// DefaultOrchestratorConfig returns the standard drain tuning.
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		MaxRetries: 3,
		RetryDelay: 1 * time.Second,
		Strategy:   StrategyMerge,
	}
}

// Orchestrator drains the sync queue against the remote endpoint whenever
// connectivity allows, resolving divergent versions through the resolver and
// keeping failed items queued under a bounded retry budget.
type Orchestrator struct {
	queue    *SyncQueue
	caller   Caller
	resolver *Resolver
	cache    *CacheStore
	monitor  *Monitor
	config   *OrchestratorConfig
	logger   *slog.Logger

	draining int32 // atomic; single-flight drain guard
	offline  int32 // atomic; raised on the offline event, aborts between items

	cbMu      sync.Mutex
	callbacks []func(SyncEvent)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator wires the drain loop over its collaborators. monitor may
// be nil when connectivity-triggered drains are not wanted.
func NewOrchestrator(queue *SyncQueue, caller Caller, resolver *Resolver, cache *CacheStore, monitor *Monitor, config *OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if config == nil {
		config = DefaultOrchestratorConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		queue:    queue,
		caller:   caller,
		resolver: resolver,
		cache:    cache,
		monitor:  monitor,
		config:   config,
		logger:   logger,
	}
}

// OnStatusChange registers a callback invoked for every sync event. There is
// no unsubscribe; callbacks live as long as the orchestrator.
func (o *Orchestrator) OnStatusChange(fn func(SyncEvent)) {
	o.cbMu.Lock()
	defer o.cbMu.Unlock()
	o.callbacks = append(o.callbacks, fn)
}

// Start subscribes to monitor events: a recovered network triggers a drain,
// going offline raises the abort flag.
func (o *Orchestrator) Start(ctx context.Context) {
	if o.monitor == nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	events, unsubscribe := o.monitor.Subscribe()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-runCtx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				switch ev.Kind {
				case EventRecovered:
					atomic.StoreInt32(&o.offline, 0)
					o.wg.Add(1)
					go func() {
						defer o.wg.Done()
						if err := o.StartSync(runCtx); err != nil {
							o.logger.Warn("Recovery drain failed", "error", err)
						}
					}()
				case EventOffline:
					atomic.StoreInt32(&o.offline, 1)
				}
			}
		}
	}()
}

// Stop detaches from the monitor. A drain in progress finishes its current
// item and then observes context cancellation.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// IsDraining reports whether a drain pass is active.
func (o *Orchestrator) IsDraining() bool {
	return atomic.LoadInt32(&o.draining) == 1
}

// StartSync runs one drain pass over the queue in FIFO order. A second call
// while a pass is active is a no-op. Items that exhaust their retry budget
// stay queued with their error recorded; the pass moves on so one poison
// item cannot block the rest.
func (o *Orchestrator) StartSync(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&o.draining, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&o.draining, 0)

	o.emit(SyncEvent{Kind: SyncEventDraining})
	defer o.emit(SyncEvent{Kind: SyncEventIdle})

	items, err := o.queue.List(ctx)
	if err != nil {
		return err
	}
	o.logger.Info("Drain started", "pending", len(items))

	for i := range items {
		if ctx.Err() != nil {
			break
		}
		if atomic.LoadInt32(&o.offline) == 1 {
			o.logger.Info("Drain aborted, network went offline")
			break
		}
		o.syncItem(ctx, items[i])
	}

	o.emit(SyncEvent{Kind: SyncEventDrainComplete})
	o.logger.Info("Drain complete")
	return nil
}

// syncItem pushes one item, retrying retryable failures inline with linear
// backoff until the retry budget is spent.
func (o *Orchestrator) syncItem(ctx context.Context, item QueueItem) {
	current := item
	for {
		env, err := o.caller.Push(ctx, current.Action, current.Payload)
		if err == nil {
			if env.Code == tidesync.CodeConflict {
				o.handleConflict(ctx, current, env)
				return
			}
			err = ClassifyEnvelope(env)
		}

		if err == nil {
			o.finishItem(ctx, current)
			return
		}

		if !IsRetryable(err) {
			// Retrying a rejected payload cannot succeed; drop and report.
			if removeErr := o.queue.Remove(ctx, current.ID); removeErr != nil {
				o.logger.Error("Failed to remove rejected item", "item_id", current.ID, "error", removeErr)
			}
			o.logger.Warn("Item rejected by endpoint", "item_id", current.ID, "action", current.Action, "error", err)
			o.emit(SyncEvent{Kind: SyncEventItemFailed, ItemID: current.ID, Action: current.Action, Err: err.Error()})
			return
		}

		updated, markErr := o.queue.MarkFailed(ctx, current.ID, err.Error())
		if markErr != nil {
			o.logger.Error("Failed to record item failure", "item_id", current.ID, "error", markErr)
			return
		}
		current = *updated

		if current.Retries >= o.config.MaxRetries {
			// Stays queued; a later drain resumes from this retry count.
			o.logger.Warn("Item retry budget exhausted",
				"item_id", current.ID, "action", current.Action, "retries", current.Retries, "error", err)
			o.emit(SyncEvent{Kind: SyncEventItemFailed, ItemID: current.ID, Action: current.Action, Err: err.Error()})
			return
		}

		o.logger.Debug("Retrying item", "item_id", current.ID, "retries", current.Retries)
		if !sleepWithContext(ctx, time.Duration(current.Retries)*o.config.RetryDelay) {
			return
		}
	}
}

// finishItem dequeues after confirmed remote success.
func (o *Orchestrator) finishItem(ctx context.Context, item QueueItem) {
	if err := o.queue.DequeueSucceeded(ctx, item.ID); err != nil {
		o.logger.Error("Failed to dequeue synced item", "item_id", item.ID, "error", err)
		return
	}
	o.emit(SyncEvent{Kind: SyncEventItemSynced, ItemID: item.ID, Action: item.Action})
}

// handleConflict resolves a divergent remote version and re-pushes the kept
// data once. A second conflict on the re-push accepts the remote side, so
// resolution cannot loop.
func (o *Orchestrator) handleConflict(ctx context.Context, item QueueItem, env *tidesync.Envelope) {
	var conflict tidesync.ConflictData
	if err := json.Unmarshal(env.Data, &conflict); err != nil {
		o.logger.Error("Malformed conflict data", "item_id", item.ID, "error", err)
		o.emit(SyncEvent{Kind: SyncEventItemFailed, ItemID: item.ID, Action: item.Action, Err: "malformed conflict data"})
		return
	}

	resolution, err := o.resolver.Resolve(ctx, item.Payload, conflict.Remote, KindForAction(item.Action), o.config.Strategy)
	if err != nil {
		o.logger.Error("Conflict resolution failed", "item_id", item.ID, "error", err)
		o.emit(SyncEvent{Kind: SyncEventItemFailed, ItemID: item.ID, Action: item.Action, Err: err.Error()})
		return
	}
	o.logger.Info("Conflict resolved",
		"item_id", item.ID, "action", item.Action, "resolution", resolution.Action, "reason", resolution.Reason)

	switch resolution.Action {
	case ResolveUseRemote, ResolveNoConflict:
		o.acceptRemote(ctx, item, conflict.Remote)
		return
	}

	// Keep local or merged data: replace the payload and re-push once.
	if _, err := o.queue.ReplacePayload(ctx, item.ID, resolution.Result); err != nil {
		o.logger.Error("Failed to store resolved payload", "item_id", item.ID, "error", err)
		return
	}
	o.writeBack(ctx, item.Action, resolution.Result)

	repushed, err := o.caller.Push(ctx, item.Action, resolution.Result)
	if err == nil && repushed.Code == tidesync.CodeConflict {
		// The remote moved again underneath us; take its side and stop.
		var again tidesync.ConflictData
		if jsonErr := json.Unmarshal(repushed.Data, &again); jsonErr == nil {
			o.acceptRemote(ctx, item, again.Remote)
		}
		return
	}
	if err == nil {
		err = ClassifyEnvelope(repushed)
	}
	if err != nil {
		if IsRetryable(err) {
			if _, markErr := o.queue.MarkFailed(ctx, item.ID, err.Error()); markErr != nil {
				o.logger.Error("Failed to record item failure", "item_id", item.ID, "error", markErr)
			}
		} else if removeErr := o.queue.Remove(ctx, item.ID); removeErr != nil {
			o.logger.Error("Failed to remove rejected item", "item_id", item.ID, "error", removeErr)
		}
		o.emit(SyncEvent{Kind: SyncEventItemFailed, ItemID: item.ID, Action: item.Action, Err: err.Error()})
		return
	}
	o.finishItem(ctx, item)
}

// acceptRemote abandons the local mutation: the remote version is written
// back to the cache and the queue item removed.
func (o *Orchestrator) acceptRemote(ctx context.Context, item QueueItem, remote json.RawMessage) {
	o.writeBack(ctx, item.Action, remote)
	if err := o.queue.Remove(ctx, item.ID); err != nil {
		o.logger.Error("Failed to remove superseded item", "item_id", item.ID, "error", err)
		return
	}
	o.emit(SyncEvent{Kind: SyncEventItemSynced, ItemID: item.ID, Action: item.Action})
}

// writeBack stores resolved entity data at its cache slot so the UI reads
// the settled version.
func (o *Orchestrator) writeBack(ctx context.Context, action tidesync.SyncAction, data json.RawMessage) {
	namespace, key, err := CacheLocation(action, data)
	if err != nil {
		o.logger.Warn("Cannot locate cache slot for resolved data", "action", action, "error", err)
		return
	}
	if err := o.cache.Set(ctx, namespace, key, data); err != nil {
		o.logger.Error("Failed to write resolved data to cache", "namespace", namespace, "key", key, "error", err)
	}
}

func (o *Orchestrator) emit(event SyncEvent) {
	o.cbMu.Lock()
	callbacks := make([]func(SyncEvent), len(o.callbacks))
	copy(callbacks, o.callbacks)
	o.cbMu.Unlock()

	for _, fn := range callbacks {
		fn(event)
	}
}

// sleepWithContext waits for d or until ctx is done. Returns false when the
// context ended the wait.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
