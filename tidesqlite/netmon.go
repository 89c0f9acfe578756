// Copyright 2026 Tidewell
// SPDX-License-Identifier: Apache-2.0

package tidesqlite

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ConnState is the coarse connectivity state.
type ConnState int

const (
	StateUnknown ConnState = iota
	StateOnline
	StateOffline
)

func (s ConnState) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// NetworkType is the platform-reported transport.
type NetworkType int

const (
	TypeUnknown NetworkType = iota
	TypeNone
	TypeWifi
	TypeCellular2G
	TypeCellular3G
	TypeCellular4G
	TypeCellular5G
)

func (t NetworkType) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeWifi:
		return "wifi"
	case TypeCellular2G:
		return "2g"
	case TypeCellular3G:
		return "3g"
	case TypeCellular4G:
		return "4g"
	case TypeCellular5G:
		return "5g"
	default:
		return "unknown"
	}
}

// Quality is the round-trip latency tier. Only meaningful while online;
// QualityOffline also covers the captive-portal case where the platform
// reports connectivity but probes keep failing.
type Quality int

const (
	QualityOffline Quality = iota
	QualityPoor
	QualityFair
	QualityGood
	QualityExcellent
)

func (q Quality) String() string {
	switch q {
	case QualityPoor:
		return "poor"
	case QualityFair:
		return "fair"
	case QualityGood:
		return "good"
	case QualityExcellent:
		return "excellent"
	default:
		return "offline"
	}
}

// classifyLatency buckets a probe round trip into a quality tier.
func classifyLatency(d time.Duration) Quality {
	switch {
	case d < 200*time.Millisecond:
		return QualityExcellent
	case d < 500*time.Millisecond:
		return QualityGood
	case d < 1000*time.Millisecond:
		return QualityFair
	default:
		return QualityPoor
	}
}

// NetworkStatus is the current connectivity snapshot.
type NetworkStatus struct {
	State         ConnState
	NetworkType   NetworkType
	Quality       Quality
	ResponseTime  time.Duration
	LastCheckedAt time.Time
}

// NetworkEventKind identifies a monitor event.
type NetworkEventKind string

const (
	EventRecovered      NetworkEventKind = "recovered"
	EventOffline        NetworkEventKind = "offline"
	EventTypeChanged    NetworkEventKind = "type_changed"
	EventQualityChanged NetworkEventKind = "quality_changed"
)

// NetworkEvent carries an event kind plus the status snapshot at emit time.
type NetworkEvent struct {
	Kind   NetworkEventKind
	Status NetworkStatus
}

// ConnectivitySource abstracts the platform connectivity API: a synchronous
// query plus change notifications. Notify registration is best-effort;
// some platforms cannot unsubscribe, so the monitor guards callbacks behind
// its monitoring flag instead of relying on removal.
type ConnectivitySource interface {
	Current() (connected bool, networkType NetworkType)
	Notify(fn func())
}

// QualityProber issues one lightweight round trip and reports its latency.
type QualityProber interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// HTTPProber probes via a HEAD request against a cheap endpoint route.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Probe implements QualityProber.
func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return time.Since(start), nil
}

// MonitorConfig holds tunables for the network monitor.
type MonitorConfig struct {
	ProbeInterval    time.Duration // periodic quality probe cadence
	ProbeTimeout     time.Duration // per-probe deadline
	FailureThreshold int           // consecutive failures before quality drops to offline
}

// DefaultMonitorConfig returns the standard monitor tuning.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		ProbeInterval:    30 * time.Second,
		ProbeTimeout:     5 * time.Second,
		FailureThreshold: 3,
	}
}

// Monitor observes connectivity, classifies quality and fans typed events
// out to subscribers.
type Monitor struct {
	source ConnectivitySource
	prober QualityProber
	config *MonitorConfig
	logger *slog.Logger

	mu            sync.Mutex
	status        NetworkStatus
	probeFailures int

	monitoring int32 // atomic; callbacks become no-ops after Stop

	subsMu    sync.Mutex
	subs      map[int]chan NetworkEvent
	nextSubID int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor over the given platform source and prober.
func NewMonitor(source ConnectivitySource, prober QualityProber, config *MonitorConfig, logger *slog.Logger) *Monitor {
	if config == nil {
		config = DefaultMonitorConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		source: source,
		prober: prober,
		config: config,
		logger: logger,
		status: NetworkStatus{State: StateUnknown, NetworkType: TypeUnknown, Quality: QualityOffline},
		subs:   make(map[int]chan NetworkEvent),
	}
}

// Start performs an immediate connectivity check and quality probe, then
// registers for platform notifications and starts the periodic probe loop.
// Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&m.monitoring, 0, 1) {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.refreshConnectivity()
	m.probeOnce(runCtx)

	m.source.Notify(func() {
		if atomic.LoadInt32(&m.monitoring) != 1 {
			return
		}
		m.refreshConnectivity()
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.probeOnce(runCtx)
			}
		}
	}()
}

// Stop cancels the periodic probe and disables future callback effects.
// An in-flight probe is not aborted; its result is discarded by the
// monitoring guard.
func (m *Monitor) Stop() {
	if !atomic.CompareAndSwapInt32(&m.monitoring, 1, 0) {
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Status returns the current snapshot.
func (m *Monitor) Status() NetworkStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe returns an event channel and an unsubscribe handle. Slow
// subscribers lose events rather than block the monitor.
func (m *Monitor) Subscribe() (<-chan NetworkEvent, func()) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	ch := make(chan NetworkEvent, 16)
	m.subs[id] = ch

	unsubscribe := func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// WaitForConnection blocks until the next recovered event, the timeout, or
// context cancellation. Returns true only on recovery. If already online it
// returns true immediately.
func (m *Monitor) WaitForConnection(ctx context.Context, timeout time.Duration) bool {
	if m.Status().State == StateOnline {
		return true
	}

	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			if ev.Kind == EventRecovered {
				return true
			}
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// refreshConnectivity re-queries the platform and emits transition events.
func (m *Monitor) refreshConnectivity() {
	connected, netType := m.source.Current()

	m.mu.Lock()
	prev := m.status
	now := time.Now()

	var events []NetworkEvent
	if connected {
		m.status.State = StateOnline
		m.status.NetworkType = netType
		if prev.State == StateOffline {
			m.probeFailures = 0
			events = append(events, NetworkEvent{Kind: EventRecovered})
		} else if prev.State == StateOnline && prev.NetworkType != netType {
			events = append(events, NetworkEvent{Kind: EventTypeChanged})
		}
	} else {
		m.status.State = StateOffline
		m.status.NetworkType = TypeNone
		m.status.Quality = QualityOffline
		m.status.ResponseTime = 0
		if prev.State == StateOnline {
			events = append(events, NetworkEvent{Kind: EventOffline})
		}
	}
	m.status.LastCheckedAt = now
	snapshot := m.status
	m.mu.Unlock()

	for i := range events {
		events[i].Status = snapshot
		m.emit(events[i])
	}
}

// probeOnce issues one quality probe and reclassifies. Three consecutive
// failures while the platform still reports connectivity downgrade quality
// to offline (captive portal / DNS black hole detection).
func (m *Monitor) probeOnce(ctx context.Context) {
	if m.Status().State == StateOffline {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	latency, err := m.prober.Probe(probeCtx)
	cancel()

	if atomic.LoadInt32(&m.monitoring) != 1 {
		return
	}

	m.mu.Lock()
	prevQuality := m.status.Quality
	now := time.Now()

	var changed bool
	if err != nil {
		m.probeFailures++
		m.logger.Debug("Quality probe failed",
			"failures", m.probeFailures, "threshold", m.config.FailureThreshold, "error", err)
		if m.probeFailures >= m.config.FailureThreshold && m.status.Quality != QualityOffline {
			m.status.Quality = QualityOffline
			m.status.ResponseTime = 0
			changed = true
		}
	} else {
		m.probeFailures = 0
		if m.status.State == StateUnknown {
			// Probe succeeded before any platform notification arrived.
			m.status.State = StateOnline
		}
		m.status.ResponseTime = latency
		m.status.Quality = classifyLatency(latency)
		changed = m.status.Quality != prevQuality
	}
	m.status.LastCheckedAt = now
	snapshot := m.status
	m.mu.Unlock()

	if changed {
		m.emit(NetworkEvent{Kind: EventQualityChanged, Status: snapshot})
	}
}

// emit fans an event out without blocking on slow subscribers.
func (m *Monitor) emit(event NetworkEvent) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for id, ch := range m.subs {
		select {
		case ch <- event:
		default:
			m.logger.Debug("Dropping network event for slow subscriber", "subscriber", id, "kind", event.Kind)
		}
	}
}
