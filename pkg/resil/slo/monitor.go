// Package slo tracks rolling request/latency/error counters per objective
// and derives compliance and remaining error budget. Counters live in
// time-aligned buckets inside a rolling window; buckets whose window has
// elapsed are zeroed lazily on the next write.
package slo

import (
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// latBuckets are HDR-style log2 buckets: bucket i counts latencies in
// [2^(i-1), 2^i) milliseconds, bucket 0 counts sub-millisecond calls.
const latBuckets = 32

type bucket struct {
	start time.Time
	good  uint64
	total uint64
	lat   [latBuckets]uint64
}

type record struct {
	mu      sync.Mutex
	target  float64
	buckets []bucket
}

type Monitor struct {
	clock      clock.Clock
	window     time.Duration
	bucketSize time.Duration

	mu   sync.RWMutex
	slos map[string]*record

	events  *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// New creates a monitor. window must be a multiple of bucketSize; reg may
// be nil to disable metric export.
func New(window, bucketSize time.Duration, clk clock.Clock, reg prometheus.Registerer) (*Monitor, error) {
	if bucketSize <= 0 || window < bucketSize || window%bucketSize != 0 {
		return nil, fmt.Errorf("slo window %s must be a positive multiple of bucket size %s", window, bucketSize)
	}
	if clk == nil {
		clk = clock.New()
	}
	m := &Monitor{
		clock:      clk,
		window:     window,
		bucketSize: bucketSize,
		slos:       make(map[string]*record),
	}
	if reg != nil {
		m.events = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slo_events_total",
			Help: "Recorded events by objective and outcome.",
		}, []string{"slo", "outcome"})
		m.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slo_latency_seconds",
			Help:    "Recorded call latencies by objective.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"slo"})
		reg.MustRegister(m.events, m.latency)
	}
	return m, nil
}

// Register declares an objective with its target ratio of good events.
func (m *Monitor) Register(name string, target float64) error {
	if target <= 0 || target > 1 {
		return fmt.Errorf("slo %s target %f must be in (0, 1]", name, target)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slos[name]; ok {
		return fmt.Errorf("slo %s already registered", name)
	}
	m.slos[name] = &record{
		target:  target,
		buckets: make([]bucket, int(m.window/m.bucketSize)),
	}
	return nil
}

func (m *Monitor) get(name string) (*record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.slos[name]
	if !ok {
		return nil, fmt.Errorf("slo %s not registered", name)
	}
	return r, nil
}

// Record counts one event. Elapsed buckets are zeroed before the write.
func (m *Monitor) Record(name string, good bool, latency time.Duration) error {
	r, err := m.get(name)
	if err != nil {
		return err
	}
	now := m.clock.Now()

	r.mu.Lock()
	for i := range r.buckets {
		if eb := &r.buckets[i]; !eb.start.IsZero() && !m.live(eb, now) {
			*eb = bucket{}
		}
	}
	b := m.rotate(r, now)
	b.total++
	if good {
		b.good++
	}
	b.lat[latIndex(latency)]++
	r.mu.Unlock()

	if m.events != nil {
		outcome := "bad"
		if good {
			outcome = "good"
		}
		m.events.WithLabelValues(name, outcome).Inc()
		m.latency.WithLabelValues(name).Observe(latency.Seconds())
	}
	return nil
}

// rotate returns the bucket for now, zeroing it first if it still carries
// counts from a previous rotation. Caller holds r.mu.
func (m *Monitor) rotate(r *record, now time.Time) *bucket {
	aligned := now.Truncate(m.bucketSize)
	idx := int(aligned.UnixNano()/int64(m.bucketSize)) % len(r.buckets)
	if idx < 0 {
		idx += len(r.buckets)
	}
	b := &r.buckets[idx]
	if !b.start.Equal(aligned) {
		*b = bucket{start: aligned}
	}
	return b
}

// Compliance returns the ratio of good events inside the current window.
// An empty window is fully compliant.
func (m *Monitor) Compliance(name string) (float64, error) {
	r, err := m.get(name)
	if err != nil {
		return 0, err
	}
	now := m.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	var good, total uint64
	for i := range r.buckets {
		b := &r.buckets[i]
		if m.live(b, now) {
			good += b.good
			total += b.total
		}
	}
	if total == 0 {
		return 1, nil
	}
	return float64(good) / float64(total), nil
}

// ErrorBudget returns (1-target) - (1-compliance); negative means the
// budget is exhausted.
func (m *Monitor) ErrorBudget(name string) (float64, error) {
	r, err := m.get(name)
	if err != nil {
		return 0, err
	}
	compliance, err := m.Compliance(name)
	if err != nil {
		return 0, err
	}
	return (1 - r.target) - (1 - compliance), nil
}

// LatencyQuantile returns an upper bound on the q-th latency quantile from
// the log-bucket histogram.
func (m *Monitor) LatencyQuantile(name string, q float64) (time.Duration, error) {
	if q < 0 || q > 1 {
		return 0, fmt.Errorf("quantile %f must be in [0, 1]", q)
	}
	r, err := m.get(name)
	if err != nil {
		return 0, err
	}
	now := m.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	var merged [latBuckets]uint64
	var total uint64
	for i := range r.buckets {
		b := &r.buckets[i]
		if !m.live(b, now) {
			continue
		}
		for j, c := range b.lat {
			merged[j] += c
			total += c
		}
	}
	if total == 0 {
		return 0, nil
	}
	rank := uint64(q * float64(total))
	if rank >= total {
		rank = total - 1
	}
	var seen uint64
	for i, c := range merged {
		seen += c
		if seen > rank {
			return latUpperBound(i), nil
		}
	}
	return latUpperBound(latBuckets - 1), nil
}

func (m *Monitor) live(b *bucket, now time.Time) bool {
	return !b.start.IsZero() && now.Sub(b.start) < m.window
}

func latIndex(d time.Duration) int {
	ms := d.Milliseconds()
	if ms <= 0 {
		return 0
	}
	i := bits.Len64(uint64(ms))
	if i >= latBuckets {
		return latBuckets - 1
	}
	return i
}

func latUpperBound(i int) time.Duration {
	if i == 0 {
		return time.Millisecond
	}
	return time.Duration(1<<uint(i)) * time.Millisecond
}
