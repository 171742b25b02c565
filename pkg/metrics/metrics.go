// Calibration metrics
//
// Counters and histograms for sampling runs, registered on a private
// Prometheus registry and served by MetricsServer.
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"gantry-twist-go/pkg/calibrate"
	"gantry-twist-go/pkg/compensation"
	"gantry-twist-go/pkg/grid"
)

const namespace = "twistcal"

// CalibrationMetrics observes the orchestrator. It implements
// calibrate.Observer.
type CalibrationMetrics struct {
	registry *prometheus.Registry

	points        *prometheus.CounterVec
	pointDuration prometheus.Histogram
	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	inProgress    *prometheus.GaugeVec
	tables        *prometheus.CounterVec
	tableValues   *prometheus.GaugeVec

	mu         sync.Mutex
	tableSizes map[compensation.Axis]int
}

// NewCalibrationMetrics creates the metrics on a fresh registry that
// also carries the Go runtime and process collectors.
func NewCalibrationMetrics() *CalibrationMetrics {
	m := &CalibrationMetrics{
		registry: prometheus.NewRegistry(),
		points: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_total",
			Help:      "Sample points attempted, by outcome.",
		}, []string{"outcome"}),
		pointDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "point_duration_seconds",
			Help:      "Time to move to, settle at and probe one point.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished calibration runs, by mode and final state.",
		}, []string{"mode", "state"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of calibration runs, by mode.",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 10),
		}, []string{"mode"}),
		inProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_in_progress",
			Help:      "1 while a run of the mode is active.",
		}, []string{"mode"}),
		tables: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tables_written_total",
			Help:      "Compensation tables staged and installed, by axis.",
		}, []string{"axis"}),
		tableValues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "compensation_value_mm",
			Help:      "Values of the last written compensation table.",
		}, []string{"axis", "index"}),
		tableSizes: make(map[compensation.Axis]int),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.points,
		m.pointDuration,
		m.runs,
		m.runDuration,
		m.inProgress,
		m.tables,
		m.tableValues,
	)
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *CalibrationMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObservePoint records one point outcome.
func (m *CalibrationMetrics) ObservePoint(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.points.WithLabelValues(outcome).Inc()
	m.pointDuration.Observe(d.Seconds())
}

// RunStarted marks mode as in progress.
func (m *CalibrationMetrics) RunStarted(mode grid.Mode) {
	if m == nil {
		return
	}
	m.inProgress.WithLabelValues(string(mode)).Set(1)
}

// RunFinished records the final state of a run.
func (m *CalibrationMetrics) RunFinished(mode grid.Mode, state calibrate.State, d time.Duration) {
	if m == nil {
		return
	}
	m.inProgress.WithLabelValues(string(mode)).Set(0)
	m.runs.WithLabelValues(string(mode), string(state)).Inc()
	m.runDuration.WithLabelValues(string(mode)).Observe(d.Seconds())
}

// TableWritten exports the values of t, replacing the previous table of
// the same axis.
func (m *CalibrationMetrics) TableWritten(t *compensation.Table) {
	if m == nil || t == nil {
		return
	}
	axis := string(t.Axis)
	m.tables.WithLabelValues(axis).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(t.Values); i < m.tableSizes[t.Axis]; i++ {
		m.tableValues.DeleteLabelValues(axis, strconv.Itoa(i))
	}
	for i, v := range t.Values {
		m.tableValues.WithLabelValues(axis, strconv.Itoa(i)).Set(v)
	}
	m.tableSizes[t.Axis] = len(t.Values)
}

var _ calibrate.Observer = (*CalibrationMetrics)(nil)
