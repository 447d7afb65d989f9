// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	Failures  int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64   `json:"count" yaml:"count"`
	Failures    int64   `json:"failures" yaml:"failures"`
	TotalTimeMs int64   `json:"total_time_ms" yaml:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms" yaml:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms" yaml:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms" yaml:"max_time_ms"`
}

// Snapshot represents the full client statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64                      `json:"uptime_seconds" yaml:"uptime_seconds"`
	Operations    map[string]OperationSnapshot `json:"operations" yaml:"operations"`
	StaleDiscards map[string]int64             `json:"stale_discards" yaml:"stale_discards"`
}

// Operation names for the collector.
const (
	OpRequest  = "request"
	OpJobPoll  = "job_poll"
	OpPopulate = "populate"
	OpChart    = "chart"
)

// Collector aggregates in-memory runtime statistics and, when given a
// registerer, mirrors them into Prometheus.
// All methods are thread-safe and a nil *Collector is a no-op.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
	stale     map[string]int64

	duration *prometheus.HistogramVec
	failures *prometheus.CounterVec
	discards *prometheus.CounterVec
}

// NewCollector creates a new metrics collector. reg may be nil.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
		stale:     make(map[string]int64),
	}
	if reg == nil {
		return c
	}

	factory := promauto.With(reg)
	c.duration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "omnisync",
		Name:      "operation_duration_seconds",
		Help:      "Duration of transport requests, job polls and cache populations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
	c.failures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "omnisync",
		Name:      "operation_failures_total",
		Help:      "Failed operations by type.",
	}, []string{"op"})
	c.discards = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "omnisync",
		Name:      "stale_discards_total",
		Help:      "Fetch results dropped because a newer fetch superseded them.",
	}, []string{"cache"})
	return c
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{
			MinTime: time.Duration(math.MaxInt64),
		}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records timing for an operation and whether it failed.
func (c *Collector) RecordTiming(op string, duration time.Duration, err error) {
	if c == nil {
		return
	}

	c.mu.Lock()
	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration
	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
	if err != nil {
		m.Failures++
	}
	c.mu.Unlock()

	if c.duration != nil {
		c.duration.WithLabelValues(op).Observe(duration.Seconds())
		if err != nil {
			c.failures.WithLabelValues(op).Inc()
		}
	}
}

// RecordStaleDiscard counts a fetch result dropped by the named cache.
func (c *Collector) RecordStaleDiscard(cache string) {
	if c == nil {
		return
	}

	c.mu.Lock()
	c.stale[cache]++
	c.mu.Unlock()

	if c.discards != nil {
		c.discards.WithLabelValues(cache).Inc()
	}
}

// snapshotOp creates a snapshot for an operation.
func snapshotOp(m *OperationMetrics) OperationSnapshot {
	return OperationSnapshot{
		Count:       m.Count,
		Failures:    m.Failures,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Operations:    make(map[string]OperationSnapshot, len(c.ops)),
		StaleDiscards: make(map[string]int64, len(c.stale)),
	}
	for op, m := range c.ops {
		if m.Count == 0 {
			continue
		}
		snap.Operations[op] = snapshotOp(m)
	}
	for cache, n := range c.stale {
		snap.StaleDiscards[cache] = n
	}
	return snap
}
