package pano

import (
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb/planar"
	log "github.com/sirupsen/logrus"
)

// SamplingOptions configures one sampling run
type SamplingOptions struct {
	Spacing          float64
	Threshold        float64
	MetricCRS        CRS
	IndexKind        string
	TrueScaleSpacing bool

	// CheckpointEvery persists the ledger to LedgerPath after this many new
	// rows. Zero disables checkpoints; the caller persists at the end.
	CheckpointEvery int
	LedgerPath      string
}

// SamplingOptionsFromConfig maps the sampling section of cfg onto options.
func SamplingOptionsFromConfig(cfg *Config) SamplingOptions {
	return SamplingOptions{
		Spacing:          cfg.Sampling.Spacing,
		Threshold:        cfg.Sampling.Threshold,
		MetricCRS:        cfg.Sampling.MetricCRS,
		IndexKind:        cfg.Sampling.ProximityIndex,
		TrueScaleSpacing: cfg.Sampling.TrueScaleSpacing,
		CheckpointEvery:  cfg.Sampling.CheckpointEvery,
		LedgerPath:       cfg.ResolvePath(cfg.Output.Ledger),
	}
}

// SamplingResult summarizes a sampling run
type SamplingResult struct {
	LinesProcessed   int           `json:"linesProcessed"`
	LinesSkipped     int           `json:"linesSkipped"`
	PointsSampled    int           `json:"pointsSampled"`
	PointsAccepted   int           `json:"pointsAccepted"`
	PointsRejected   int           `json:"pointsRejected"`
	RowsAdded        int           `json:"rowsAdded"`
	LedgerRows       int           `json:"ledgerRows"`
	EffectiveSpacing float64       `json:"effectiveSpacing"`
	Duration         time.Duration `json:"duration"`
	Polyline         string        `json:"polyline,omitempty"`

	Accepted []SamplePoint `json:"-"`
	Network  *RoadNetwork  `json:"-"` // metric network that was sampled
}

// RunSampling samples every line of network, drops candidates near an
// already accepted point, expands the survivors into viewpoint records and
// merges them into ledger. Traversal order is line order, then distance
// along the line. Every candidate is reprojected before the ledger is
// touched, so a GeometryError leaves the ledger unchanged.
func RunSampling(network *RoadNetwork, ledger *Ledger, expander *Expander, opts SamplingOptions, metrics *Metrics) (*SamplingResult, error) {
	start := time.Now()

	metricNet, err := Reproject(network, opts.MetricCRS)
	if err != nil {
		return nil, err
	}

	spacing := opts.Spacing
	if opts.TrueScaleSpacing {
		spacing, err = trueScaleSpacing(metricNet, opts.Spacing)
		if err != nil {
			return nil, err
		}
	}

	result := &SamplingResult{EffectiveSpacing: spacing, Network: metricNet}

	// Phase 1: sample and reproject, no state changes.
	var candidates []SamplePoint
	totalLength := 0.0
	for i, line := range metricNet.Lines {
		points, err := SampleLine(line, spacing)
		if err != nil {
			return nil, err
		}
		if len(points) == 0 {
			log.WithField("line", i).Debug("skipping zero-length line")
			result.LinesSkipped++
			metrics.Skip(SkipZeroLengthLine)
			continue
		}
		result.LinesProcessed++
		totalLength += planar.Length(line)

		for _, p := range points {
			gp, err := ToGeographic(p, metricNet.CRS)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, gp)
		}
	}
	result.PointsSampled = len(candidates)
	if metrics != nil {
		metrics.PointsSampled.Add(float64(len(candidates)))
	}

	// Phase 2: dedup, expand, merge.
	index := NewProximityIndex(opts.IndexKind, int(totalLength/spacing)+result.LinesProcessed)
	dedup := NewDeduplicator(opts.Threshold, index)
	for _, c := range candidates {
		if !dedup.Accept(c) {
			log.WithFields(log.Fields{
				"lat": c.Lat(),
				"lon": c.Lon(),
			}).Debug("too close to a previously accepted point, skipping")
			result.PointsRejected++
			continue
		}

		for _, rec := range expander.Expand(c) {
			stored, inserted := ledger.Upsert(rec)
			if !inserted {
				log.WithField("url", stored.URL).Debug("viewpoint already registered")
				continue
			}
			log.WithFields(log.Fields{
				"url":        stored.URL,
				"image_name": stored.SequenceID,
			}).Debug("viewpoint registered")
			result.RowsAdded++
		}

		if opts.CheckpointEvery > 0 && opts.LedgerPath != "" && ledger.Pending() >= opts.CheckpointEvery {
			if err := ledger.Persist(opts.LedgerPath); err != nil {
				return nil, fmt.Errorf("ledger checkpoint: %w", err)
			}
			log.WithField("rows", ledger.Len()).Debug("ledger checkpoint written")
		}
	}

	result.Accepted = dedup.Accepted()
	result.PointsAccepted = len(result.Accepted)
	result.LedgerRows = ledger.Len()
	result.Duration = time.Since(start)
	if metrics != nil {
		metrics.PointsAccepted.Add(float64(result.PointsAccepted))
		metrics.PointsRejected.Add(float64(result.PointsRejected))
		metrics.LedgerRows.Add(float64(result.RowsAdded))
		metrics.StageDuration.WithLabelValues("sample").Set(result.Duration.Seconds())
	}

	log.WithFields(log.Fields{
		"lines":    result.LinesProcessed,
		"sampled":  result.PointsSampled,
		"accepted": result.PointsAccepted,
		"rejected": result.PointsRejected,
		"added":    result.RowsAdded,
		"rows":     result.LedgerRows,
	}).Info("sampling complete")
	return result, nil
}

// trueScaleSpacing converts a ground distance into Web Mercator units at the
// latitude of the network's centre.
func trueScaleSpacing(metricNet *RoadNetwork, spacing float64) (float64, error) {
	center, err := ToGeographic(metricNet.Bound().Center(), metricNet.CRS)
	if err != nil {
		return 0, err
	}
	if metricNet.CRS != CRSWebMercator {
		return spacing, nil
	}
	return spacing / math.Cos(center.Lat()*math.Pi/180), nil
}
