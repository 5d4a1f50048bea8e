package pano

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultViewerURLTemplate is the Street View pano deep link used by the capture stage.
const DefaultViewerURLTemplate = "https://www.google.com/maps/@?api=1&map_action=pano&viewpoint={lat},{lon}&heading={angle}"

// DefaultAngles are the four cardinal headings of a panorama.
var DefaultAngles = []int{0, 90, 180, 270}

// DefaultConfig returns a configuration with every optional field populated.
func DefaultConfig() *Config {
	return &Config{
		Input: InputConfig{
			CRS: CRSGeographic,
		},
		Output: OutputConfig{
			Dir:           ".",
			Ledger:        "streetview_urls.csv",
			CaptureLog:    "streetview_urls_with_status.csv",
			ImagesDir:     "images",
			PanoramasDir:  "panoramas",
			PanoramaIndex: "panoramas_metadata.csv",
			KML:           "viewpoints.kml",
			CoverageMap:   "coverage.svg",
		},
		Sampling: SamplingConfig{
			Spacing:         30,
			Threshold:       30,
			Angles:          append([]int(nil), DefaultAngles...),
			MetricCRS:       CRSWebMercator,
			ProximityIndex:  IndexAuto,
			CheckpointEvery: 500,
		},
		Viewer: ViewerConfig{
			URLTemplate: DefaultViewerURLTemplate,
		},
		Capture: CaptureConfig{
			Endpoint:        "http://localhost:3000/capture",
			Timeout:         DefaultCaptureTimeout,
			MaxRetries:      DefaultMaxRetries,
			Workers:         1,
			CheckpointEvery: 10,
		},
		MQTT: MQTTConfig{
			PublishPrefix: "panosampler",
			ClientID:      "panosampler",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads the configuration from a YAML file on top of DefaultConfig
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	config.ApplyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides MQTT settings from the environment when set
func (c *Config) ApplyEnv() {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		c.MQTT.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("MQTT_PUBLISH_PREFIX"); v != "" {
		c.MQTT.PublishPrefix = v
	}
}

// Validate checks that configuration values are present and sane.
func (c *Config) Validate() error {
	var errs []string

	if !isSupportedCRS(c.Input.CRS) {
		errs = append(errs, fmt.Sprintf("input.crs %q is not supported", c.Input.CRS))
	}
	if c.Sampling.MetricCRS.IsGeographic() || !isSupportedCRS(c.Sampling.MetricCRS) {
		errs = append(errs, fmt.Sprintf("sampling.metricCrs %q must be a supported metric CRS", c.Sampling.MetricCRS))
	}
	if !(c.Sampling.Spacing > 0) || math.IsInf(c.Sampling.Spacing, 0) {
		errs = append(errs, fmt.Sprintf("sampling.spacing must be positive, got %v", c.Sampling.Spacing))
	}
	if !(c.Sampling.Threshold >= 0) || math.IsInf(c.Sampling.Threshold, 0) {
		errs = append(errs, fmt.Sprintf("sampling.threshold must be non-negative, got %v", c.Sampling.Threshold))
	}
	if len(c.Sampling.Angles) == 0 {
		errs = append(errs, "sampling.angles must list at least one heading")
	}
	seen := make(map[int]bool, len(c.Sampling.Angles))
	for _, a := range c.Sampling.Angles {
		if a < 0 || a >= 360 {
			errs = append(errs, fmt.Sprintf("sampling.angles: %d is outside [0, 360)", a))
		}
		if seen[a] {
			errs = append(errs, fmt.Sprintf("sampling.angles: %d listed twice", a))
		}
		seen[a] = true
	}
	switch c.Sampling.ProximityIndex {
	case IndexAuto, IndexLinear, IndexQuadtree:
	default:
		errs = append(errs, fmt.Sprintf("sampling.proximityIndex %q must be auto, linear or quadtree", c.Sampling.ProximityIndex))
	}
	if p := c.Sampling.CoordinatePrecision; p != nil && (*p < 0 || *p > 15) {
		errs = append(errs, fmt.Sprintf("sampling.coordinatePrecision must be in [0, 15], got %d", *p))
	}
	if c.Sampling.CheckpointEvery < 0 {
		errs = append(errs, "sampling.checkpointEvery must not be negative")
	}
	for _, ph := range []string{"{lat}", "{lon}", "{angle}"} {
		if !strings.Contains(c.Viewer.URLTemplate, ph) {
			errs = append(errs, fmt.Sprintf("viewer.urlTemplate is missing %s", ph))
		}
	}
	if c.Capture.Workers < 1 {
		errs = append(errs, "capture.workers must be at least 1")
	}
	if c.Capture.Timeout < 0 || c.Capture.Timeout > 10*time.Minute {
		errs = append(errs, fmt.Sprintf("capture.timeout %v is out of range", c.Capture.Timeout))
	}
	if c.Capture.MaxRetries < 1 {
		errs = append(errs, "capture.maxRetries must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ResolvePath joins a relative output path onto the output directory
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Output.Dir, p)
}

func isSupportedCRS(c CRS) bool {
	return c == CRSGeographic || c == CRSWebMercator
}
