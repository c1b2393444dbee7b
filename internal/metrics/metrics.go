// Package metrics provides counters for the sanitize and compile pipeline.
//
// Two views are kept over the same events: lock-free atomic counters with a
// JSON Snapshot for the /metrics/snapshot endpoint, and Prometheus
// collectors registered on a private registry for scraping. Labels never
// carry content, only levels, engine ids and failure kinds.
//
// Every Record method is safe on a nil *Metrics so components can run
// without metrics wired.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fortknox"

// Compile outcome labels besides failure kinds.
const (
	OutcomeCompiled = "compiled"
	OutcomeCacheHit = "cache_hit"
)

// knownOutcomes pre-populates the per-outcome map so Snapshot iterates a
// fixed set without racing on map writes.
var knownOutcomes = []string{
	OutcomeCompiled, OutcomeCacheHit,
	"EMPTY_PACK", "INSUFFICIENT_SANITIZATION", "PII_GATE_FAILED", "SIZE_EXCEEDED",
	"OFFLINE", "REMOTE_ERROR", "REMOTE_REJECTED", "OUTPUT_GATE_FAILED",
	"REID_GUARD_FAILED", "COMPILE_IN_FLIGHT", "UNKNOWN_POLICY", "other",
}

// Metrics holds all runtime counters for a running instance. Use New.
type Metrics struct {
	// Sanitization counters
	ItemsSanitized   atomic.Int64
	ItemsQuarantined atomic.Int64
	Escalations      atomic.Int64

	// Compile counters
	CompilesTotal atomic.Int64
	outcomes      map[string]*atomic.Int64

	// Remote counters
	RemoteCalls  atomic.Int64
	RemoteErrors atomic.Int64

	// Lease counters
	LeaseWaits    atomic.Int64
	LeaseExpiries atomic.Int64

	sanitizeMu   sync.Mutex
	sanitizeStat latencyStats

	remoteMu   sync.Mutex
	remoteStat latencyStats

	startTime time.Time

	registry         *prometheus.Registry
	promCompiles     *prometheus.CounterVec
	promSanitized    *prometheus.CounterVec
	promRemote       *prometheus.HistogramVec
	promLeaseWaits   prometheus.Counter
	promPackBytes    prometheus.Histogram
	promQuarantined  prometheus.Counter
	promEscalations  *prometheus.CounterVec
	promRemoteErrors *prometheus.CounterVec
}

// New returns Metrics with the start time recorded and collectors
// registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	m := &Metrics{
		startTime: time.Now(),
		outcomes:  make(map[string]*atomic.Int64, len(knownOutcomes)),
		registry:  reg,
		promCompiles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compile_requests_total",
			Help:      "Compile requests by outcome",
		}, []string{"outcome"}),
		promSanitized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_sanitized_total",
			Help:      "Items that passed the PII gate, by final level",
		}, []string{"level"}),
		promEscalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sanitize_escalations_total",
			Help:      "Level escalations after a failed PII gate, by target level",
		}, []string{"to"}),
		promQuarantined: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_quarantined_total",
			Help:      "Items rejected at paranoid",
		}),
		promRemote: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_compile_duration_seconds",
			Help:      "Remote compile call latency",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 13), // 50ms to ~200s
		}, []string{"engine"}),
		promRemoteErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_compile_errors_total",
			Help:      "Failed remote compile calls by kind",
		}, []string{"engine", "kind"}),
		promLeaseWaits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_waits_total",
			Help:      "Compile requests that waited on another request's lease",
		}),
		promPackBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pack_bytes",
			Help:      "Serialized content pack size",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8), // 1KiB to 16MiB
		}),
	}
	for _, o := range knownOutcomes {
		m.outcomes[o] = new(atomic.Int64)
	}
	return m
}

// Registry returns the Prometheus registry holding this instance's collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordSanitize records one escalation run. level is the passing level, or
// empty when the item was rejected.
func (m *Metrics) RecordSanitize(level string, escalations int, d time.Duration) {
	if m == nil {
		return
	}
	m.Escalations.Add(int64(escalations))
	if level == "" {
		m.ItemsQuarantined.Add(1)
		m.promQuarantined.Inc()
	} else {
		m.ItemsSanitized.Add(1)
		m.promSanitized.WithLabelValues(level).Inc()
	}
	m.sanitizeMu.Lock()
	m.sanitizeStat.record(float64(d.Microseconds()) / 1000.0)
	m.sanitizeMu.Unlock()
}

// RecordEscalation records a move to level after a failed gate.
func (m *Metrics) RecordEscalation(to string) {
	if m == nil {
		return
	}
	m.promEscalations.WithLabelValues(to).Inc()
}

// RecordCompile records the outcome of one compile request: OutcomeCompiled,
// OutcomeCacheHit or a failure kind.
func (m *Metrics) RecordCompile(outcome string) {
	if m == nil {
		return
	}
	m.CompilesTotal.Add(1)
	c, ok := m.outcomes[outcome]
	if !ok {
		outcome = "other"
		c = m.outcomes[outcome]
	}
	c.Add(1)
	m.promCompiles.WithLabelValues(outcome).Inc()
}

// RecordRemote records one remote call. kind is empty on success.
func (m *Metrics) RecordRemote(engine string, d time.Duration, kind string) {
	if m == nil {
		return
	}
	m.RemoteCalls.Add(1)
	m.promRemote.WithLabelValues(engine).Observe(d.Seconds())
	if kind != "" {
		m.RemoteErrors.Add(1)
		m.promRemoteErrors.WithLabelValues(engine, kind).Inc()
	}
	m.remoteMu.Lock()
	m.remoteStat.record(float64(d.Microseconds()) / 1000.0)
	m.remoteMu.Unlock()
}

// RecordLeaseWait records a request that waited on another holder.
func (m *Metrics) RecordLeaseWait() {
	if m == nil {
		return
	}
	m.LeaseWaits.Add(1)
	m.promLeaseWaits.Inc()
}

// RecordLeaseExpiry records a lease that timed out before release.
func (m *Metrics) RecordLeaseExpiry() {
	if m == nil {
		return
	}
	m.LeaseExpiries.Add(1)
}

// RecordPackSize records the serialized size of an admitted pack.
func (m *Metrics) RecordPackSize(bytes int) {
	if m == nil {
		return
	}
	m.promPackBytes.Observe(float64(bytes))
}

// Snapshot returns a point-in-time copy of all counters, safe for JSON encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.sanitizeMu.Lock()
	sanitize := m.sanitizeStat.snapshot()
	m.sanitizeMu.Unlock()

	m.remoteMu.Lock()
	remote := m.remoteStat.snapshot()
	m.remoteMu.Unlock()

	outcomes := make(map[string]int64, len(m.outcomes))
	for o, c := range m.outcomes {
		if n := c.Load(); n > 0 {
			outcomes[o] = n
		}
	}

	var uptime float64
	if !m.startTime.IsZero() {
		uptime = time.Since(m.startTime).Seconds()
	}

	return Snapshot{
		Sanitize: SanitizeSnapshot{
			Sanitized:   m.ItemsSanitized.Load(),
			Quarantined: m.ItemsQuarantined.Load(),
			Escalations: m.Escalations.Load(),
		},
		Compile: CompileSnapshot{
			Total:    m.CompilesTotal.Load(),
			Outcomes: outcomes,
		},
		Remote: RemoteSnapshot{
			Calls:  m.RemoteCalls.Load(),
			Errors: m.RemoteErrors.Load(),
		},
		Lease: LeaseSnapshot{
			Waits:    m.LeaseWaits.Load(),
			Expiries: m.LeaseExpiries.Load(),
		},
		Latency: LatencyGroup{
			SanitizeMs: sanitize,
			RemoteMs:   remote,
		},
		UptimeSecs: uptime,
	}
}

// --- JSON-serialisable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Sanitize   SanitizeSnapshot `json:"sanitize"`
	Compile    CompileSnapshot  `json:"compile"`
	Remote     RemoteSnapshot   `json:"remote"`
	Lease      LeaseSnapshot    `json:"lease"`
	Latency    LatencyGroup     `json:"latency"`
	UptimeSecs float64          `json:"uptimeSecs"`
}

// SanitizeSnapshot holds per-item sanitization counters.
type SanitizeSnapshot struct {
	Sanitized   int64 `json:"sanitized"`
	Quarantined int64 `json:"quarantined"`
	Escalations int64 `json:"escalations"`
}

// CompileSnapshot holds compile request counters. Only outcomes with
// non-zero counts appear.
type CompileSnapshot struct {
	Total    int64            `json:"total"`
	Outcomes map[string]int64 `json:"outcomes,omitempty"`
}

// RemoteSnapshot holds remote call counters.
type RemoteSnapshot struct {
	Calls  int64 `json:"calls"`
	Errors int64 `json:"errors"`
}

// LeaseSnapshot holds lease table counters.
type LeaseSnapshot struct {
	Waits    int64 `json:"waits"`
	Expiries int64 `json:"expiries"`
}

// LatencyGroup groups the latency dimensions.
type LatencyGroup struct {
	SanitizeMs LatencySnapshot `json:"sanitizeMs"`
	RemoteMs   LatencySnapshot `json:"remoteMs"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

// --- internal accumulator ---

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
