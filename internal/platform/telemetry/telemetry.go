// Package telemetry keeps in-process metrics for the signaling server:
// labeled counters, gauges, and an HTTP request duration histogram, exposed
// in Prometheus text format.
package telemetry

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
)

// TelemetryConfig holds the service identity reported with metrics.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// MetricsEnabled nil means enabled.
	MetricsEnabled *bool
}

func (c *TelemetryConfig) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "consult-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits, updated with CAS
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
	// Above every boundary: only the +Inf bucket, which is the total count.
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		newVal := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(newVal)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Int64 stores shared by counters and gauges
// ---------------------------------------------------------------------------

type int64Store struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newInt64Store() *int64Store {
	return &int64Store{items: make(map[string]*int64)}
}

func (s *int64Store) ptr(key string) *int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.items[key]; !ok {
		p = new(int64)
		s.items[key] = p
	}
	return p
}

func (s *int64Store) add(key string, delta int64) { atomic.AddInt64(s.ptr(key), delta) }
func (s *int64Store) set(key string, val int64)   { atomic.StoreInt64(s.ptr(key), val) }

func (s *int64Store) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *int64Store) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// ---------------------------------------------------------------------------
// TelemetryProvider
// ---------------------------------------------------------------------------

// defaultDurationBuckets are HTTP request duration boundaries in seconds.
var defaultDurationBuckets = []float64{
	0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0,
}

// TelemetryProvider manages all metric state.
type TelemetryProvider struct {
	cfg TelemetryConfig

	histMu     sync.RWMutex
	histograms map[string]*histogram // method|route|status -> duration

	counters *int64Store // name|label -> count
	gauges   *int64Store // name -> value
}

func NewTelemetryProvider(cfg TelemetryConfig) *TelemetryProvider {
	cfg.applyDefaults()
	return &TelemetryProvider{
		cfg:        cfg,
		histograms: make(map[string]*histogram),
		counters:   newInt64Store(),
		gauges:     newInt64Store(),
	}
}

// Shutdown is a no-op kept for symmetry with the server lifecycle.
func (tp *TelemetryProvider) Shutdown(_ context.Context) error {
	return nil
}

// Resource returns the service attributes reported by /metrics.
func (tp *TelemetryProvider) Resource() map[string]string {
	return map[string]string{
		"service.name":           tp.cfg.ServiceName,
		"service.version":        tp.cfg.ServiceVersion,
		"deployment.environment": tp.cfg.Environment,
	}
}

// IncCounter increments the counter name for one label value.
func (tp *TelemetryProvider) IncCounter(name, label string) {
	if !tp.cfg.metricsOn() {
		return
	}
	tp.counters.add(counterKey(name, label), 1)
}

// SetGauge sets gauge name to value.
func (tp *TelemetryProvider) SetGauge(name string, value int64) {
	if !tp.cfg.metricsOn() {
		return
	}
	tp.gauges.set(name, value)
}

// GetCounter returns the current value of a counter for one label value.
func (tp *TelemetryProvider) GetCounter(name, label string) int64 {
	return tp.counters.get(counterKey(name, label))
}

// GetGauge returns the current value of the named gauge.
func (tp *TelemetryProvider) GetGauge(name string) int64 {
	return tp.gauges.get(name)
}

// GetHistogram returns the request duration histogram for a label set, or nil.
func (tp *TelemetryProvider) GetHistogram(key string) *histogram {
	tp.histMu.RLock()
	defer tp.histMu.RUnlock()
	return tp.histograms[key]
}

func (tp *TelemetryProvider) observeRequest(key string, seconds float64) {
	tp.histMu.RLock()
	h, ok := tp.histograms[key]
	tp.histMu.RUnlock()
	if !ok {
		tp.histMu.Lock()
		if h, ok = tp.histograms[key]; !ok {
			h = newHistogram(defaultDurationBuckets)
			tp.histograms[key] = h
		}
		tp.histMu.Unlock()
	}
	h.Observe(seconds)
}

// LabelsKey builds the histogram key for a request. Exported so tests can
// construct the same key.
func LabelsKey(method, route, statusCode string) string {
	return method + "|" + route + "|" + statusCode
}

func counterKey(name, label string) string {
	return name + "|" + label
}
