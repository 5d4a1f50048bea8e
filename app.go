package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/kwv/panosampler/pano"
)

// AppOptions carries command-line overrides. Zero values leave the
// configuration file untouched.
type AppOptions struct {
	ConfigFile string
	LogLevel   string
	Input      string
	InputCRS   string
	OutputDir  string
	Spacing    float64
	Threshold  float64
	Angles     []int
	Endpoint   string
	Workers    int
	StampDate  bool
}

// App encapsulates the application state and dependencies
type App struct {
	Config   *pano.Config
	Metrics  *pano.Metrics
	Notifier pano.StageNotifier
	Capturer pano.Capturer
	Stitcher pano.Stitcher

	StampDate bool

	publisher *pano.Publisher
}

// NewApp creates an App for cfg. Capturer and Stitcher default to the HTTP
// render service and the concatenating stitcher.
func NewApp(cfg *pano.Config) (*App, error) {
	capturer, err := pano.NewHTTPCapturer(cfg.Capture.Endpoint,
		pano.WithTimeout(cfg.Capture.Timeout),
		pano.WithMaxRetries(cfg.Capture.MaxRetries),
	)
	if err != nil {
		return nil, err
	}
	return &App{
		Config:   cfg,
		Metrics:  pano.NewMetrics(),
		Capturer: capturer,
		Stitcher: pano.ConcatStitcher{},
	}, nil
}

// LoadAppConfig reads the config file, falling back to defaults when it does
// not exist, and applies opts on top.
func LoadAppConfig(opts AppOptions) (*pano.Config, error) {
	cfg, err := pano.LoadConfig(opts.ConfigFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		log.WithField("path", opts.ConfigFile).Debug("config file not found, using defaults")
		cfg = pano.DefaultConfig()
		cfg.ApplyEnv()
	}

	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.Input != "" {
		cfg.Input.Path = opts.Input
	}
	if opts.InputCRS != "" {
		cfg.Input.CRS = pano.CRS(opts.InputCRS)
	}
	if opts.OutputDir != "" {
		cfg.Output.Dir = opts.OutputDir
	}
	if opts.Spacing != 0 {
		cfg.Sampling.Spacing = opts.Spacing
	}
	if opts.Threshold != 0 {
		cfg.Sampling.Threshold = opts.Threshold
	}
	if len(opts.Angles) > 0 {
		cfg.Sampling.Angles = opts.Angles
	}
	if opts.Endpoint != "" {
		cfg.Capture.Endpoint = opts.Endpoint
	}
	if opts.Workers != 0 {
		cfg.Capture.Workers = opts.Workers
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigureLogging applies the log section of the configuration
func ConfigureLogging(cfg pano.LogConfig) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	log.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid log format %q", cfg.Format)
	}
	return nil
}

// ConnectPublisher connects to the configured broker. Without a broker the
// app runs without notifications.
func (a *App) ConnectPublisher() error {
	client, err := pano.ConnectMQTT(a.Config.MQTT)
	if err != nil {
		return err
	}
	if client == nil {
		return nil
	}
	a.publisher = pano.NewPublisher(client, a.Config.MQTT.PublishPrefix)
	a.Notifier = a.publisher
	return nil
}

// Close flushes metrics and disconnects from the broker
func (a *App) Close() error {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.Config.Output.MetricsFile == "" {
		return nil
	}
	return a.Metrics.WriteTextfile(a.Config.ResolvePath(a.Config.Output.MetricsFile))
}

func (a *App) notify(stage string, summary interface{}) {
	if a.Notifier == nil {
		return
	}
	if err := a.Notifier.PublishStage(stage, summary); err != nil {
		log.WithError(err).WithField("stage", stage).Warn("failed to publish stage summary")
	}
}

func (a *App) loadNetwork() (*pano.RoadNetwork, error) {
	if a.Config.Input.Path == "" {
		return nil, fmt.Errorf("no road network input configured")
	}
	return pano.LoadNetwork(a.Config.Input.Path, a.Config.Input.CRS)
}

func (a *App) expander() *pano.Expander {
	return pano.NewExpander(a.Config.Viewer.URLTemplate, a.Config.Sampling.Angles, a.Config.Sampling.CoordinatePrecision)
}

// RunSample loads the road network, samples it and merges the new viewpoints
// into the ledger.
func (a *App) RunSample(ctx context.Context) (*pano.SamplingResult, error) {
	ledgerPath := a.Config.ResolvePath(a.Config.Output.Ledger)
	if err := os.MkdirAll(a.Config.ResolvePath("."), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	unlock, err := pano.LockLedger(ledgerPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := unlock(); err != nil {
			log.WithError(err).Warn("failed to release ledger lock")
		}
	}()

	network, err := a.loadNetwork()
	if err != nil {
		return nil, err
	}
	ledger, err := pano.LoadLedger(ledgerPath)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := pano.RunSampling(network, ledger, a.expander(), pano.SamplingOptionsFromConfig(a.Config), a.Metrics)
	if err != nil {
		return nil, err
	}
	if err := ledger.Persist(ledgerPath); err != nil {
		return nil, err
	}

	result.Polyline = pano.EncodePolyline(result.Accepted)
	a.notify("sample", result)
	return result, nil
}

// RunCapture captures every ledger viewpoint not yet downloaded.
func (a *App) RunCapture(ctx context.Context) (*pano.CaptureSummary, error) {
	ledger, err := pano.LoadLedger(a.Config.ResolvePath(a.Config.Output.Ledger))
	if err != nil {
		return nil, err
	}

	summary, err := pano.RunCapture(ctx, a.Capturer, ledger.Records(), pano.CaptureOptions{
		LogPath:         a.Config.ResolvePath(a.Config.Output.CaptureLog),
		ImagesDir:       a.Config.ResolvePath(a.Config.Output.ImagesDir),
		Workers:         a.Config.Capture.Workers,
		CheckpointEvery: a.Config.Capture.CheckpointEvery,
	}, a.Metrics)
	if summary != nil {
		a.notify("capture", summary)
	}
	return summary, err
}

// RunStitch assembles panoramas from the captured images.
func (a *App) RunStitch(ctx context.Context) (*pano.StitchSummary, error) {
	summary, err := pano.RunStitch(ctx, a.Stitcher, pano.StitchOptions{
		CaptureLogPath: a.Config.ResolvePath(a.Config.Output.CaptureLog),
		ImagesDir:      a.Config.ResolvePath(a.Config.Output.ImagesDir),
		PanoramasDir:   a.Config.ResolvePath(a.Config.Output.PanoramasDir),
		IndexPath:      a.Config.ResolvePath(a.Config.Output.PanoramaIndex),
		Angles:         a.Config.Sampling.Angles,
		StampDate:      a.StampDate,
	}, a.Metrics)
	if summary != nil {
		a.notify("stitch", summary)
	}
	return summary, err
}

// RunAll runs sampling, capture and stitching in order.
func (a *App) RunAll(ctx context.Context) error {
	if _, err := a.RunSample(ctx); err != nil {
		return fmt.Errorf("sample: %w", err)
	}
	if _, err := a.RunCapture(ctx); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if _, err := a.RunStitch(ctx); err != nil {
		return fmt.Errorf("stitch: %w", err)
	}
	return nil
}

// ExportKML writes the ledger viewpoints as KML. An empty path uses the
// configured output.
func (a *App) ExportKML(path string) (string, error) {
	if path == "" {
		path = a.Config.ResolvePath(a.Config.Output.KML)
	}
	ledger, err := pano.LoadLedger(a.Config.ResolvePath(a.Config.Output.Ledger))
	if err != nil {
		return "", err
	}
	if err := pano.ExportKML(path, ledger.Records()); err != nil {
		return "", err
	}
	log.WithFields(log.Fields{"path": path, "rows": ledger.Len()}).Info("KML exported")
	return path, nil
}

// RenderCoverage draws the metric network with every ledger location.
func (a *App) RenderCoverage(path, format string) (string, error) {
	if path == "" {
		path = a.Config.ResolvePath(a.Config.Output.CoverageMap)
	}
	network, err := a.loadNetwork()
	if err != nil {
		return "", err
	}
	metricNet, err := pano.Reproject(network, a.Config.Sampling.MetricCRS)
	if err != nil {
		return "", err
	}
	ledger, err := pano.LoadLedger(a.Config.ResolvePath(a.Config.Output.Ledger))
	if err != nil {
		return "", err
	}

	r := pano.NewCoverageRenderer(metricNet, pano.LedgerLocations(ledger.Records()))
	r.Radius = a.Config.Sampling.Threshold
	if err := pano.RenderCoverageFile(r, path, format); err != nil {
		return "", err
	}
	log.WithField("path", path).Info("coverage map rendered")
	return path, nil
}
