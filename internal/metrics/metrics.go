// Package metrics instruments wgfence runs. Runs are one-shot, so instead of
// an HTTP listener the registry is dumped to a node_exporter textfile after
// each run.
package metrics

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Metrics bundles Prometheus instruments for a run.
type Metrics struct {
	registry         *prometheus.Registry
	finalPrefixes    prometheus.Gauge
	resolvedPrefixes prometheus.Gauge
	includePrefixes  prometheus.Gauge
	excludePrefixes  prometheus.Gauge
	lastRun          prometheus.Gauge
	runSuccess       prometheus.Gauge
	errorsTotal      *prometheus.CounterVec
}

// New constructs a Metrics instance with an isolated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	finalPrefixes := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wgfence",
		Name:      "final_prefixes",
		Help:      "Number of prefixes in the applied rule set.",
	})

	resolvedPrefixes := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wgfence",
		Name:      "resolved_prefixes",
		Help:      "Number of prefixes obtained from the range source.",
	})

	includePrefixes := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wgfence",
		Name:      "include_prefixes",
		Help:      "Number of prefixes loaded from the include list.",
	})

	excludePrefixes := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wgfence",
		Name:      "exclude_prefixes",
		Help:      "Number of prefixes loaded from the exclude list.",
	})

	lastRun := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wgfence",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time of the last completed run.",
	})

	runSuccess := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wgfence",
		Name:      "run_success",
		Help:      "Whether the last run succeeded (1) or failed (0).",
	})

	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wgfence",
		Name:      "errors_total",
		Help:      "Total number of run errors by stage.",
	}, []string{"stage"})

	registry.MustRegister(finalPrefixes, resolvedPrefixes, includePrefixes, excludePrefixes, lastRun, runSuccess, errorsTotal)

	return &Metrics{
		registry:         registry,
		finalPrefixes:    finalPrefixes,
		resolvedPrefixes: resolvedPrefixes,
		includePrefixes:  includePrefixes,
		excludePrefixes:  excludePrefixes,
		lastRun:          lastRun,
		runSuccess:       runSuccess,
		errorsTotal:      errorsTotal,
	}
}

// SetCounts records the prefix counts observed during the run.
func (m *Metrics) SetCounts(resolved, include, exclude, final int) {
	m.resolvedPrefixes.Set(float64(resolved))
	m.includePrefixes.Set(float64(include))
	m.excludePrefixes.Set(float64(exclude))
	m.finalPrefixes.Set(float64(final))
}

// IncrementError increments the error counter for the provided stage label.
func (m *Metrics) IncrementError(stage string) {
	m.errorsTotal.WithLabelValues(stage).Inc()
}

// FinishRun stamps the run outcome and completion time.
func (m *Metrics) FinishRun(success bool) {
	m.lastRun.Set(float64(time.Now().Unix()))
	if success {
		m.runSuccess.Set(1)
		return
	}
	m.runSuccess.Set(0)
}

// WriteTextfile renders the registry in the Prometheus text format and
// atomically replaces the target file, matching node_exporter's textfile
// collector expectations.
func (m *Metrics) WriteTextfile(path string) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			return fmt.Errorf("encode metric family %s: %w", family.GetName(), err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp metrics file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write metrics: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close metrics file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod metrics file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace metrics file %s: %w", path, err)
	}
	return nil
}
