// Package metrics provides Prometheus-compatible metrics collection for
// action-engine runs: atom concurrency, frontier depth, step latency,
// retries, ignore-cascade propagation, and scheduler backpressure.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EngineMetrics collects every metric a MachineBuilder run emits.
//
// Metrics exposed (all namespaced with "atomflow_"):
//
//  1. inflight_atoms (gauge): atoms with an outstanding future right now.
//  2. frontier_depth (gauge): atoms an analysis pass just readied.
//  3. step_latency_ms (histogram): execute/revert duration per atom, by
//     run_id, atom_name, status (success/error).
//  4. retries_total (counter): retry controller re-drives, by run_id,
//     retry_name.
//  5. ignore_cascade_total (counter): atoms marked IGNORE by a blocked
//     decider, by run_id, atom_name.
//  6. backpressure_events_total (counter): engine-side scheduling limits
//     hit (queue depth, concurrency cap, backpressure timeout) and failed
//     submissions, by run_id, reason.
//
// Every recording method is a no-op on a nil *EngineMetrics, so callers
// may hold and call a nil collector when metrics are unset; metrics
// remain opt-in.
type EngineMetrics struct {
	inflightAtoms prometheus.Gauge
	frontierDepth prometheus.Gauge

	stepLatency *prometheus.HistogramVec

	retries       *prometheus.CounterVec
	ignoreCascade *prometheus.CounterVec
	backpressure  *prometheus.CounterVec

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// New creates and registers every action-engine metric against registry.
// Pass prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for test isolation.
func New(registry prometheus.Registerer) *EngineMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	m := &EngineMetrics{registry: registry, enabled: true}

	m.inflightAtoms = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "atomflow",
		Name:      "inflight_atoms",
		Help:      "Current number of atoms with an outstanding execute or revert future",
	})

	m.frontierDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "atomflow",
		Name:      "frontier_depth",
		Help:      "Number of atoms readied by the most recent analysis pass",
	})

	m.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "atomflow",
		Name:      "step_latency_ms",
		Help:      "Atom execute/revert duration in milliseconds, from submission to completion",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"run_id", "atom_name", "status"})

	m.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atomflow",
		Name:      "retries_total",
		Help:      "Cumulative count of retry controller re-drives",
	}, []string{"run_id", "retry_name"})

	m.ignoreCascade = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atomflow",
		Name:      "ignore_cascade_total",
		Help:      "Atoms marked IGNORE because a late decider blocked the edge leading to them",
	}, []string{"run_id", "atom_name"})

	m.backpressure = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atomflow",
		Name:      "backpressure_events_total",
		Help:      "Scheduling limits hit or submissions failed, by reason",
	}, []string{"run_id", "reason"})

	return m
}

// RecordStepLatency records how long one atom's execute or revert phase
// took, labeled by its final status ("success" or "error").
func (m *EngineMetrics) RecordStepLatency(runID, atomName string, latency time.Duration, status string) {
	if m == nil || !m.isEnabled() {
		return
	}
	m.stepLatency.WithLabelValues(runID, atomName, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries records one retry controller re-drive.
func (m *EngineMetrics) IncrementRetries(runID, retryName string) {
	if m == nil || !m.isEnabled() {
		return
	}
	m.retries.WithLabelValues(runID, retryName).Inc()
}

// UpdateFrontierDepth sets the number of atoms the most recent analysis
// pass readied.
func (m *EngineMetrics) UpdateFrontierDepth(depth int) {
	if m == nil || !m.isEnabled() {
		return
	}
	m.frontierDepth.Set(float64(depth))
}

// UpdateInflightAtoms sets the number of atoms with an outstanding future.
func (m *EngineMetrics) UpdateInflightAtoms(count int) {
	if m == nil || !m.isEnabled() {
		return
	}
	m.inflightAtoms.Set(float64(count))
}

// IncrementIgnoreCascade records one atom being marked IGNORE by a blocked
// decider.
func (m *EngineMetrics) IncrementIgnoreCascade(runID, atomName string) {
	if m == nil || !m.isEnabled() {
		return
	}
	m.ignoreCascade.WithLabelValues(runID, atomName).Inc()
}

// IncrementBackpressure records one backpressure event under reason: a
// scheduling limit being hit or a submission failing.
func (m *EngineMetrics) IncrementBackpressure(runID, reason string) {
	if m == nil || !m.isEnabled() {
		return
	}
	m.backpressure.WithLabelValues(runID, reason).Inc()
}

// Disable stops metric recording without unregistering collectors.
func (m *EngineMetrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable resumes metric recording after Disable.
func (m *EngineMetrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

// Reset zeros every gauge. Counters and histograms are cumulative by
// Prometheus design and are left untouched.
func (m *EngineMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflightAtoms.Set(0)
	m.frontierDepth.Set(0)
}

func (m *EngineMetrics) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}
