package pano

import (
	"time"

	"github.com/paulmach/orb"
)

// CRS identifies a coordinate reference system by its EPSG code string.
type CRS string

const (
	// CRSGeographic is WGS84 longitude/latitude in degrees.
	CRSGeographic CRS = "EPSG:4326"
	// CRSWebMercator is the spherical Mercator projection in meters.
	CRSWebMercator CRS = "EPSG:3857"
)

// IsGeographic reports whether coordinates in this CRS are degrees.
func (c CRS) IsGeographic() bool {
	return c == CRSGeographic
}

// SamplePoint is a single location in a declared CRS.
// orb points are ordered [x, y], which is [lon, lat] for geographic points.
type SamplePoint struct {
	Point orb.Point
	CRS   CRS
}

// Lat returns the latitude of a geographic sample point.
func (p SamplePoint) Lat() float64 { return p.Point.Lat() }

// Lon returns the longitude of a geographic sample point.
func (p SamplePoint) Lon() float64 { return p.Point.Lon() }

// ViewpointRecord is one row of the sampling ledger.
type ViewpointRecord struct {
	Latitude   float64
	Longitude  float64
	Angle      int
	URL        string
	SequenceID int
}

// Key returns the ledger identity of the record.
func (r ViewpointRecord) Key() LedgerKey {
	return LedgerKey{Latitude: r.Latitude, Longitude: r.Longitude, Angle: r.Angle}
}

// LedgerKey is the (latitude, longitude, angle) triple that identifies a row.
type LedgerKey struct {
	Latitude  float64
	Longitude float64
	Angle     int
}

// Capture statuses written to the capture log
const (
	StatusDownloaded    = "Downloaded"
	StatusNotDownloaded = "Not downloaded"
	StatusFailed        = "Failed"
)

// Capture date placeholders written to the capture log
const (
	DateUnavailable = "Unavailable"
	DateNone        = "No date"
)

// Config represents the full configuration file
type Config struct {
	Input    InputConfig    `yaml:"input" json:"input"`
	Output   OutputConfig   `yaml:"output" json:"output"`
	Sampling SamplingConfig `yaml:"sampling" json:"sampling"`
	Viewer   ViewerConfig   `yaml:"viewer" json:"viewer"`
	Capture  CaptureConfig  `yaml:"capture" json:"capture"`
	MQTT     MQTTConfig     `yaml:"mqtt" json:"mqtt"`
	Log      LogConfig      `yaml:"log" json:"log"`
}

// InputConfig describes the road network source
type InputConfig struct {
	Path string `yaml:"path" json:"path"`
	CRS  CRS    `yaml:"crs" json:"crs"` // CRS of the source coordinates
}

// OutputConfig holds output paths. Relative paths resolve against Dir.
type OutputConfig struct {
	Dir           string `yaml:"dir" json:"dir"`
	Ledger        string `yaml:"ledger" json:"ledger"`
	CaptureLog    string `yaml:"captureLog" json:"captureLog"`
	ImagesDir     string `yaml:"imagesDir" json:"imagesDir"`
	PanoramasDir  string `yaml:"panoramasDir" json:"panoramasDir"`
	PanoramaIndex string `yaml:"panoramaIndex" json:"panoramaIndex"`
	KML           string `yaml:"kml" json:"kml"`
	CoverageMap   string `yaml:"coverageMap" json:"coverageMap"`
	MetricsFile   string `yaml:"metricsFile,omitempty" json:"metricsFile,omitempty"`
}

// SamplingConfig controls the sampling and deduplication engine
type SamplingConfig struct {
	Spacing   float64 `yaml:"spacing" json:"spacing"`     // meters between samples along a line
	Threshold float64 `yaml:"threshold" json:"threshold"` // minimum great-circle meters between accepted points
	Angles    []int   `yaml:"angles" json:"angles"`       // headings in degrees from north
	MetricCRS CRS     `yaml:"metricCrs" json:"metricCrs"`
	// ProximityIndex is "linear", "quadtree" or "auto"
	ProximityIndex string `yaml:"proximityIndex" json:"proximityIndex"`
	// CoordinatePrecision rounds lat/lon to this many decimals before keying. nil keeps exact values.
	CoordinatePrecision *int `yaml:"coordinatePrecision,omitempty" json:"coordinatePrecision,omitempty"`
	TrueScaleSpacing    bool `yaml:"trueScaleSpacing,omitempty" json:"trueScaleSpacing,omitempty"`
	CheckpointEvery     int  `yaml:"checkpointEvery" json:"checkpointEvery"`
}

// ViewerConfig holds the external viewer URL template
type ViewerConfig struct {
	URLTemplate string `yaml:"urlTemplate" json:"urlTemplate"`
}

// CaptureConfig configures the capture service client
type CaptureConfig struct {
	Endpoint        string        `yaml:"endpoint" json:"endpoint"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries      int           `yaml:"maxRetries" json:"maxRetries"`
	Workers         int           `yaml:"workers" json:"workers"`
	CheckpointEvery int           `yaml:"checkpointEvery" json:"checkpointEvery"`
}

// MQTTConfig holds MQTT connection settings for progress notifications
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// LogConfig selects log level and output format
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}
