package pano

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, body)
	return path
}

func TestDefaultConfig_Validates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30.0, cfg.Sampling.Spacing)
	assert.Equal(t, 30.0, cfg.Sampling.Threshold)
	assert.Equal(t, []int{0, 90, 180, 270}, cfg.Sampling.Angles)
	assert.Nil(t, cfg.Sampling.CoordinatePrecision)
	assert.False(t, cfg.Sampling.TrueScaleSpacing)

	// The default angle list is a copy.
	cfg.Sampling.Angles[0] = 45
	assert.Equal(t, 0, DefaultAngles[0])
}

func TestLoadConfig_NotExists(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := writeConfig(t, `input:
  path: roads.geojson
sampling:
  spacing: 15
  threshold: 10
  angles: [0, 120, 240]
  coordinatePrecision: 6
capture:
  timeout: 30s
  workers: 4
log:
  level: debug
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "roads.geojson", cfg.Input.Path)
	assert.Equal(t, CRSGeographic, cfg.Input.CRS, "unset fields keep their defaults")
	assert.Equal(t, 15.0, cfg.Sampling.Spacing)
	assert.Equal(t, 10.0, cfg.Sampling.Threshold)
	assert.Equal(t, []int{0, 120, 240}, cfg.Sampling.Angles)
	require.NotNil(t, cfg.Sampling.CoordinatePrecision)
	assert.Equal(t, 6, *cfg.Sampling.CoordinatePrecision)
	assert.Equal(t, 30*time.Second, cfg.Capture.Timeout)
	assert.Equal(t, 4, cfg.Capture.Workers)
	assert.Equal(t, DefaultMaxRetries, cfg.Capture.MaxRetries)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "sampling: [not, a, map"))
	assert.ErrorContains(t, err, "parsing config YAML")
}

func TestValidate_CollectsEveryError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Input.CRS = "EPSG:2154"
	cfg.Sampling.MetricCRS = CRSGeographic
	cfg.Sampling.Spacing = 0
	cfg.Sampling.Threshold = -1
	cfg.Sampling.Angles = []int{0, 0, 360}
	cfg.Sampling.ProximityIndex = "rtree"
	cfg.Viewer.URLTemplate = "https://example.com/{lat}"
	cfg.Capture.Workers = 0

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.True(t, strings.HasPrefix(msg, "config validation failed:"))
	for _, want := range []string{
		"input.crs",
		"sampling.metricCrs",
		"sampling.spacing",
		"sampling.threshold",
		"0 listed twice",
		"360 is outside",
		"sampling.proximityIndex",
		"missing {lon}",
		"missing {angle}",
		"capture.workers",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidate_EmptyAngles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sampling.Angles = nil
	assert.ErrorContains(t, cfg.Validate(), "at least one heading")
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("MQTT_PUBLISH_PREFIX", "survey")
	t.Setenv("MQTT_PASSWORD", "secret")

	cfg, err := LoadConfig(writeConfig(t, "mqtt:\n  broker: tcp://other:1883\n"))
	require.NoError(t, err)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "survey", cfg.MQTT.PublishPrefix)
	assert.Equal(t, "secret", cfg.MQTT.Password)
	assert.Equal(t, "panosampler", cfg.MQTT.ClientID)
}

func TestResolvePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output.Dir = "/data/run"

	assert.Equal(t, filepath.Join("/data/run", "images"), cfg.ResolvePath("images"))
	assert.Equal(t, "/abs/ledger.csv", cfg.ResolvePath("/abs/ledger.csv"))
	assert.Equal(t, "", cfg.ResolvePath(""))
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")
	cfg := DefaultConfig()
	cfg.Sampling.Spacing = 12.5
	cfg.Capture.Timeout = 45 * time.Second

	require.NoError(t, SaveConfig(path, cfg))
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
