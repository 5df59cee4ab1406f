package observability

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType identifies the kind of metric.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
)

// MetricEntry represents a single metric value.
type MetricEntry struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Help      string            `json:"help"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"ts"`
}

// -----------------------------------------------------------------------
// Counter
// -----------------------------------------------------------------------

// Counter is a monotonically increasing counter.
// It stores the value as int64 * 1000 to provide 3 decimal places of precision
// while remaining lock-free via atomic operations.
type Counter struct {
	name   string
	help   string
	labels map[string]string
	value  atomic.Int64 // stored as int64 * 1000 for 3-decimal precision
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1000)
}

// Add increments the counter by delta. Delta must be >= 0.
func (c *Counter) Add(delta float64) {
	if delta < 0 {
		return
	}
	c.value.Add(int64(math.Round(delta * 1000)))
}

// Value returns the current counter value.
func (c *Counter) Value() float64 {
	return float64(c.value.Load()) / 1000.0
}

// Entry returns a MetricEntry snapshot.
func (c *Counter) Entry() MetricEntry {
	return MetricEntry{
		Name:      c.name,
		Type:      MetricCounter,
		Help:      c.help,
		Value:     c.Value(),
		Labels:    copyLabels(c.labels),
		Timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------
// Gauge
// -----------------------------------------------------------------------

// Gauge holds the latest reading of a level such as the wallet balance or
// the number of open positions.
type Gauge struct {
	name   string
	help   string
	labels map[string]string
	bits   atomic.Uint64 // math.Float64bits of the value
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v float64) {
	g.bits.Store(math.Float64bits(v))
}

// Value returns the current gauge value.
func (g *Gauge) Value() float64 {
	return math.Float64frombits(g.bits.Load())
}

// Entry returns a MetricEntry snapshot.
func (g *Gauge) Entry() MetricEntry {
	return MetricEntry{
		Name:      g.name,
		Type:      MetricGauge,
		Help:      g.help,
		Value:     g.Value(),
		Labels:    copyLabels(g.labels),
		Timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------
// Histogram
// -----------------------------------------------------------------------

// Histogram tracks a distribution, e.g. swap latency. Buckets are cumulative
// upper bounds: a value <= bucket[i] increments counts[i].
type Histogram struct {
	name    string
	help    string
	labels  map[string]string
	mu      sync.Mutex
	buckets []float64 // sorted upper bounds
	counts  []int64   // count per bucket (cumulative style stored per-bucket)
	sum     float64
	count   int64
}

// Observe records a value into the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
		}
	}
}

// Entry returns a MetricEntry snapshot (value = count).
func (h *Histogram) Entry() MetricEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return MetricEntry{
		Name:      h.name,
		Type:      MetricHistogram,
		Help:      h.help,
		Value:     float64(h.count),
		Labels:    copyLabels(h.labels),
		Timestamp: time.Now(),
	}
}

// BucketCounts returns a snapshot of (upper-bound, cumulative-count) pairs.
// This is used by the Prometheus exporter.
func (h *Histogram) BucketCounts() (buckets []float64, counts []int64, sum float64, count int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := make([]float64, len(h.buckets))
	c := make([]int64, len(h.counts))
	copy(b, h.buckets)
	copy(c, h.counts)
	return b, c, h.sum, h.count
}

// -----------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------

// Registry manages all metrics. It is safe for concurrent use. A metric is
// identified by its name plus its label set, so one name may carry several
// series (e.g. one per pair).
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewRegistry creates an empty metric registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// metricKey identifies one series.
func metricKey(name string, labels map[string]string) string {
	return name + formatLabels(labels)
}

// NewCounter registers and returns a new counter metric.
// If a counter with the same name and labels already exists, the existing
// one is returned.
func (r *Registry) NewCounter(name, help string, labels map[string]string) *Counter {
	key := metricKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.counters[key]; ok {
		return existing
	}
	c := &Counter{
		name:   name,
		help:   help,
		labels: copyLabels(labels),
	}
	r.counters[key] = c
	return c
}

// NewGauge registers and returns a new gauge metric.
// If a gauge with the same name and labels already exists, the existing one
// is returned.
func (r *Registry) NewGauge(name, help string, labels map[string]string) *Gauge {
	key := metricKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.gauges[key]; ok {
		return existing
	}
	g := &Gauge{
		name:   name,
		help:   help,
		labels: copyLabels(labels),
	}
	r.gauges[key] = g
	return g
}

// NewHistogram registers and returns a new histogram metric.
// If a histogram with the same name and labels already exists, the existing
// one is returned.
func (r *Registry) NewHistogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	key := metricKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.histograms[key]; ok {
		return existing
	}
	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)

	h := &Histogram{
		name:    name,
		help:    help,
		labels:  copyLabels(labels),
		buckets: sorted,
		counts:  make([]int64, len(sorted)),
	}
	r.histograms[key] = h
	return h
}

// GetCounter returns a registered counter or nil.
func (r *Registry) GetCounter(name string, labels map[string]string) *Counter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[metricKey(name, labels)]
}

// GetGauge returns a registered gauge or nil.
func (r *Registry) GetGauge(name string, labels map[string]string) *Gauge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gauges[metricKey(name, labels)]
}

// GetHistogram returns a registered histogram or nil.
func (r *Registry) GetHistogram(name string, labels map[string]string) *Histogram {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.histograms[metricKey(name, labels)]
}

// AllMetrics returns a snapshot of all registered metric entries: counters,
// then gauges, then histograms, each ordered by name and labels.
func (r *Registry) AllMetrics() []MetricEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]MetricEntry, 0, len(r.counters)+len(r.gauges)+len(r.histograms))
	for _, key := range sortedKeys(r.counters) {
		entries = append(entries, r.counters[key].Entry())
	}
	for _, key := range sortedKeys(r.gauges) {
		entries = append(entries, r.gauges[key].Entry())
	}
	for _, key := range sortedKeys(r.histograms) {
		entries = append(entries, r.histograms[key].Entry())
	}
	return entries
}

// -----------------------------------------------------------------------
// Default Buckets
// -----------------------------------------------------------------------

// DefaultLatencyBuckets for latency histograms (in milliseconds).
var DefaultLatencyBuckets = []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 90000}

// Standard metric names.
const (
	MetricTradesTotal         = "swap_trades_total"
	MetricTradeFailuresTotal  = "swap_trade_failures_total"
	MetricVolumeTotal         = "swap_volume_total"
	MetricRiskChecksTotal     = "swap_risk_checks_total"
	MetricPipelineRestarts    = "swap_pipeline_restarts_total"
	MetricHookErrorsTotal     = "swap_hook_errors_total"
	MetricOpenPositions       = "swap_open_positions"
	MetricWalletBalanceSOL    = "swap_wallet_balance_sol"
	MetricActivePairs         = "swap_active_pairs"
	MetricConsecutiveFailures = "swap_consecutive_failures"
	MetricExecutionLatency    = "swap_execution_latency_ms"
)

// -----------------------------------------------------------------------
// SwapMetrics creates a pre-configured registry with the standard series.
// Per-pair series are added on first use by the scheduler.
// -----------------------------------------------------------------------

func SwapMetrics() *Registry {
	r := NewRegistry()

	// --- Counters ---
	r.NewCounter(MetricRiskChecksTotal,
		"Risk gate decisions",
		map[string]string{"decision": "approved"})

	r.NewCounter(MetricRiskChecksTotal,
		"Risk gate decisions",
		map[string]string{"decision": "blocked"})

	r.NewCounter(MetricPipelineRestarts,
		"Pipeline restarts from QUOTE after transient failures",
		nil)

	r.NewCounter(MetricHookErrorsTotal,
		"Post-trade hook failures",
		nil)

	// --- Gauges ---
	r.NewGauge(MetricOpenPositions,
		"Open positions",
		nil)

	r.NewGauge(MetricWalletBalanceSOL,
		"Wallet SOL balance at the last balance check",
		nil)

	r.NewGauge(MetricActivePairs,
		"Pairs currently scheduled",
		nil)

	// --- Histograms ---
	r.NewHistogram(MetricExecutionLatency,
		"Swap execution latency from QUOTE to a terminal state, in milliseconds",
		nil,
		DefaultLatencyBuckets)

	return r
}

// -----------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------

func copyLabels(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// sortedKeys is a generic helper that returns sorted keys for any map[string]V.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
