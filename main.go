package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "panosampler",
	Short:         "Sample street-level viewpoints along a road network",
	Long:          `Sample de-duplicated panorama viewpoints along a road network, capture the imagery and assemble four-direction panoramas.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var sampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Sample the road network into the viewpoint ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *App) error {
			_, err := app.RunSample(ctx)
			return err
		})
	},
}

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture imagery for every ledger viewpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *App) error {
			_, err := app.RunCapture(ctx)
			return err
		})
	},
}

var stitchCmd = &cobra.Command{
	Use:   "stitch",
	Short: "Assemble panoramas from captured images",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *App) error {
			_, err := app.RunStitch(ctx)
			return err
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run sample, capture and stitch in order",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *App) error {
			return app.RunAll(ctx)
		})
	},
}

var exportKMLCmd = &cobra.Command{
	Use:   "export-kml",
	Short: "Export ledger viewpoints as KML",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		return withApp(cmd, func(ctx context.Context, app *App) error {
			_, err := app.ExportKML(output)
			return err
		})
	},
}

var renderCoverageCmd = &cobra.Command{
	Use:   "render-coverage",
	Short: "Render the road network and ledger locations as SVG or PNG",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		format, _ := cmd.Flags().GetString("format")
		return withApp(cmd, func(ctx context.Context, app *App) error {
			_, err := app.RenderCoverage(output, format)
			return err
		})
	},
}

// optionsFromFlags collects the flags defined on cmd and its parents.
func optionsFromFlags(cmd *cobra.Command) AppOptions {
	flags := cmd.Flags()
	var opts AppOptions
	opts.ConfigFile, _ = flags.GetString("config")
	opts.LogLevel, _ = flags.GetString("log-level")
	opts.OutputDir, _ = flags.GetString("output-dir")
	opts.Input, _ = flags.GetString("input")
	opts.InputCRS, _ = flags.GetString("crs")
	opts.Spacing, _ = flags.GetFloat64("spacing")
	opts.Threshold, _ = flags.GetFloat64("threshold")
	opts.Angles, _ = flags.GetIntSlice("angles")
	opts.Endpoint, _ = flags.GetString("endpoint")
	opts.Workers, _ = flags.GetInt("workers")
	opts.StampDate, _ = flags.GetBool("stamp-date")
	return opts
}

// withApp builds the App for a command, runs fn with a context cancelled on
// SIGINT/SIGTERM and flushes metrics afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) error {
	tStart := time.Now()
	opts := optionsFromFlags(cmd)

	cfg, err := LoadAppConfig(opts)
	if err != nil {
		return err
	}
	if err := ConfigureLogging(cfg.Log); err != nil {
		return err
	}

	app, err := NewApp(cfg)
	if err != nil {
		return err
	}
	app.StampDate = opts.StampDate
	if err := app.ConnectPublisher(); err != nil {
		log.WithError(err).Warn("MQTT unavailable, continuing without notifications")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := fn(ctx, app)
	if err := app.Close(); err != nil {
		log.WithError(err).Warn("failed to write metrics")
	}
	log.WithField("took", time.Since(tStart).Round(time.Millisecond)).Debugf("%s finished", cmd.Name())
	return runErr
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("output-dir", "", "Directory for ledger, images and exports")

	for _, cmd := range []*cobra.Command{sampleCmd, runCmd, renderCoverageCmd} {
		cmd.Flags().StringP("input", "i", "", "Road network GeoJSON file")
		cmd.Flags().String("crs", "", "CRS of the input coordinates (EPSG:4326 or EPSG:3857)")
	}
	for _, cmd := range []*cobra.Command{sampleCmd, runCmd} {
		cmd.Flags().Float64("spacing", 0, "Distance between samples along a line")
		cmd.Flags().Float64("threshold", 0, "Minimum distance in meters between accepted points")
		cmd.Flags().IntSlice("angles", nil, "Camera headings in degrees")
	}
	for _, cmd := range []*cobra.Command{captureCmd, runCmd} {
		cmd.Flags().String("endpoint", "", "Render service endpoint")
		cmd.Flags().Int("workers", 0, "Concurrent captures")
	}
	for _, cmd := range []*cobra.Command{stitchCmd, runCmd} {
		cmd.Flags().Bool("stamp-date", false, "Write the capture date onto each panorama")
	}
	exportKMLCmd.Flags().StringP("output", "o", "", "KML output path (default: output.kml from config)")
	renderCoverageCmd.Flags().StringP("output", "o", "", "Output path (default: output.coverageMap from config)")
	renderCoverageCmd.Flags().String("format", "", "Output format: svg or png (default: from file extension)")

	rootCmd.AddCommand(sampleCmd, captureCmd, stitchCmd, runCmd, exportKMLCmd, renderCoverageCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
