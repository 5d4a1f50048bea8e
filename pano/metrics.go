package pano

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters of one pipeline invocation. Batch runs have no
// scrape endpoint, so the registry is written to a node-exporter textfile.
type Metrics struct {
	Registry *prometheus.Registry

	PointsSampled  prometheus.Counter
	PointsAccepted prometheus.Counter
	PointsRejected prometheus.Counter
	LedgerRows     prometheus.Counter
	Skipped        *prometheus.CounterVec
	Captures       *prometheus.CounterVec
	Panoramas      *prometheus.CounterVec
	StageDuration  *prometheus.GaugeVec
}

// NewMetrics registers every counter on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		PointsSampled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "panosampler",
			Subsystem: "sampling",
			Name:      "points_sampled_total",
			Help:      "Candidate points produced by the line sampler",
		}),
		PointsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "panosampler",
			Subsystem: "sampling",
			Name:      "points_accepted_total",
			Help:      "Candidate points accepted by the proximity deduplicator",
		}),
		PointsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "panosampler",
			Subsystem: "sampling",
			Name:      "points_rejected_total",
			Help:      "Candidate points rejected as too close to an accepted point",
		}),
		LedgerRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "panosampler",
			Subsystem: "ledger",
			Name:      "rows_added_total",
			Help:      "Viewpoint rows appended to the ledger",
		}),
		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "panosampler",
			Name:      "skipped_inputs_total",
			Help:      "Inputs logged and skipped, by reason",
		}, []string{"reason"}),
		Captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "panosampler",
			Subsystem: "capture",
			Name:      "results_total",
			Help:      "Capture attempts by resulting status",
		}, []string{"status"}),
		Panoramas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "panosampler",
			Subsystem: "stitch",
			Name:      "panoramas_total",
			Help:      "Panorama groups by outcome",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "panosampler",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of the last run of each stage",
		}, []string{"stage"}),
	}
	m.Registry.MustRegister(
		m.PointsSampled,
		m.PointsAccepted,
		m.PointsRejected,
		m.LedgerRows,
		m.Skipped,
		m.Captures,
		m.Panoramas,
		m.StageDuration,
	)
	return m
}

// Skip counts one skipped input.
func (m *Metrics) Skip(reason SkipReason) {
	if m == nil {
		return
	}
	m.Skipped.WithLabelValues(string(reason)).Inc()
}

// WriteTextfile writes the registry in the Prometheus text format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
