// Package monitor keeps in-process counters and latency histograms.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"signalist/internal/session"
)

// Metrics tracks bot, order and reconciliation activity.
type Metrics struct {
	mu sync.RWMutex

	OrderLatency     *LatencyHistogram
	CycleLatency     *LatencyHistogram
	ReconcileLatency *LatencyHistogram
	APILatency       *LatencyHistogram

	apiRequests     atomic.Uint64
	apiErrors       atomic.Uint64
	cycles          atomic.Uint64
	signals         atomic.Uint64
	vetoes          atomic.Uint64
	orders          atomic.Uint64
	rejections      atomic.Uint64
	brokerErrors    atomic.Uint64
	reconcileRuns   atomic.Uint64
	tradesRepaired  atomic.Uint64
	duplicateOrders atomic.Uint64

	sessions     session.PoolStats
	runningBots  int
	streamDrops  int64
	lastSnapshot time.Time
}

// LatencyHistogram tracks latency samples in a sliding window.
// Stats are recomputed lazily.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// New creates a metrics instance.
func New() *Metrics {
	return &Metrics{
		OrderLatency:     NewLatencyHistogram(1000),
		CycleLatency:     NewLatencyHistogram(1000),
		ReconcileLatency: NewLatencyHistogram(200),
		APILatency:       NewLatencyHistogram(1000),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts d to ms and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *Metrics) IncAPI()             { m.apiRequests.Add(1) }
func (m *Metrics) IncAPIErrors()       { m.apiErrors.Add(1) }
func (m *Metrics) IncCycles()          { m.cycles.Add(1) }
func (m *Metrics) IncSignals()         { m.signals.Add(1) }
func (m *Metrics) IncVetoes()          { m.vetoes.Add(1) }
func (m *Metrics) IncOrders()          { m.orders.Add(1) }
func (m *Metrics) IncRejections()      { m.rejections.Add(1) }
func (m *Metrics) IncBrokerErrors()    { m.brokerErrors.Add(1) }
func (m *Metrics) IncDuplicateOrders() { m.duplicateOrders.Add(1) }

// RecordReconciliation counts a finished run and the trades it changed.
func (m *Metrics) RecordReconciliation(updated int, took time.Duration) {
	m.reconcileRuns.Add(1)
	m.tradesRepaired.Add(uint64(updated))
	m.ReconcileLatency.RecordDuration(took)
}

// SetRuntime updates gauges sampled from other components.
func (m *Metrics) SetRuntime(sessions session.PoolStats, runningBots int, streamDrops int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = sessions
	m.runningBots = runningBots
	m.streamDrops = streamDrops
	m.lastSnapshot = time.Now()
}

// Snapshot is a point-in-time view for the metrics endpoint.
type Snapshot struct {
	OrderLatency     LatencyStats      `json:"order_latency"`
	CycleLatency     LatencyStats      `json:"cycle_latency"`
	ReconcileLatency LatencyStats      `json:"reconcile_latency"`
	APILatency       LatencyStats      `json:"api_latency"`
	APIRequests      uint64            `json:"api_requests"`
	APIErrors        uint64            `json:"api_errors"`
	Cycles           uint64            `json:"cycles"`
	Signals          uint64            `json:"signals"`
	Vetoes           uint64            `json:"vetoes"`
	Orders           uint64            `json:"orders"`
	Rejections       uint64            `json:"rejections"`
	BrokerErrors     uint64            `json:"broker_errors"`
	DuplicateOrders  uint64            `json:"duplicate_orders"`
	ReconcileRuns    uint64            `json:"reconcile_runs"`
	TradesRepaired   uint64            `json:"trades_repaired"`
	Sessions         session.PoolStats `json:"sessions"`
	RunningBots      int               `json:"running_bots"`
	StreamDrops      int64             `json:"stream_drops"`
	GoroutineCount   int               `json:"goroutine_count"`
	HeapAlloc        uint64            `json:"heap_alloc_bytes"`
	Timestamp        time.Time         `json:"timestamp"`
}

// Snapshot returns current counters and histogram stats.
func (m *Metrics) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	sessions, running, drops := m.sessions, m.runningBots, m.streamDrops
	m.mu.RUnlock()

	return Snapshot{
		OrderLatency:     m.OrderLatency.Stats(),
		CycleLatency:     m.CycleLatency.Stats(),
		ReconcileLatency: m.ReconcileLatency.Stats(),
		APILatency:       m.APILatency.Stats(),
		APIRequests:      m.apiRequests.Load(),
		APIErrors:        m.apiErrors.Load(),
		Cycles:           m.cycles.Load(),
		Signals:          m.signals.Load(),
		Vetoes:           m.vetoes.Load(),
		Orders:           m.orders.Load(),
		Rejections:       m.rejections.Load(),
		BrokerErrors:     m.brokerErrors.Load(),
		DuplicateOrders:  m.duplicateOrders.Load(),
		ReconcileRuns:    m.reconcileRuns.Load(),
		TradesRepaired:   m.tradesRepaired.Load(),
		Sessions:         sessions,
		RunningBots:      running,
		StreamDrops:      drops,
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		Timestamp:        time.Now(),
	}
}

// Timer measures an operation into a histogram.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer starts a timer recording to h.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records elapsed time.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
