package pano

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mixedCollection = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "properties": {"name": "a"}, "geometry": {"type": "LineString", "coordinates": [[-9.14, 38.71], [-9.13, 38.71], [-9.13, 38.71], [-9.12, 38.72]]}},
    {"type": "Feature", "properties": {}, "geometry": {"type": "Point", "coordinates": [-9.1, 38.7]}},
    {"type": "Feature", "properties": {}, "geometry": {"type": "MultiLineString", "coordinates": [
      [[-9.10, 38.70], [-9.11, 38.70]],
      [[-9.12, 38.72], [-9.13, 38.71], [-9.14, 38.71]]
    ]}},
    {"type": "Feature", "properties": {}, "geometry": {"type": "Polygon", "coordinates": [[[0, 0], [1, 0], [1, 1], [0, 0]]]}}
  ]
}`

func TestParseNetwork_FeatureCollection(t *testing.T) {
	n, err := ParseNetwork([]byte(mixedCollection), CRSGeographic)
	require.NoError(t, err)

	assert.Equal(t, CRSGeographic, n.CRS)
	// The reversed copy of the first line is dropped.
	require.Equal(t, 2, n.LineCount())
	assert.Len(t, n.Lines[0], 3, "repeated vertex should be dropped")
	assert.Equal(t, orb.Point{-9.10, 38.70}, n.Lines[1][0])

	assert.Equal(t, 2, n.Skipped[SkipNonLineGeometry])
	assert.Equal(t, 1, n.Skipped[SkipDuplicateLine])
}

func TestParseNetwork_SingleFeatureAndBareGeometry(t *testing.T) {
	feature := `{"type": "Feature", "properties": null, "geometry": {"type": "LineString", "coordinates": [[0, 0], [0.001, 0]]}}`
	n, err := ParseNetwork([]byte(feature), CRSGeographic)
	require.NoError(t, err)
	assert.Equal(t, 1, n.LineCount())

	bare := `{"type": "MultiLineString", "coordinates": [[[0, 0], [0.001, 0]], [[0, 0.001], [0.001, 0.001]]]}`
	n, err = ParseNetwork([]byte(bare), CRSGeographic)
	require.NoError(t, err)
	assert.Equal(t, 2, n.LineCount())
}

func TestParseNetwork_GeometryErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		crs  CRS
	}{
		{"empty collection", `{"type": "FeatureCollection", "features": []}`, CRSGeographic},
		{"only points", `{"type": "FeatureCollection", "features": [{"type": "Feature", "properties": {}, "geometry": {"type": "Point", "coordinates": [1, 2]}}]}`, CRSGeographic},
		{"single vertex line", `{"type": "LineString", "coordinates": [[1, 2], [1, 2]]}`, CRSGeographic},
		{"latitude out of range", `{"type": "LineString", "coordinates": [[0, 91], [0, 92]]}`, CRSGeographic},
		{"not json", `not json`, CRSGeographic},
		{"no type", `{"features": []}`, CRSGeographic},
		{"unsupported crs", `{"type": "LineString", "coordinates": [[0, 0], [1, 1]]}`, CRS("EPSG:27700")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseNetwork([]byte(tt.data), tt.crs)
			require.Error(t, err)
			var gerr *GeometryError
			assert.True(t, errors.As(err, &gerr), "want *GeometryError, got %T: %v", err, err)
		})
	}
}

func TestLoadNetwork(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roads.geojson")
	require.NoError(t, os.WriteFile(path, []byte(mixedCollection), 0o644))

	n, err := LoadNetwork(path, CRSGeographic)
	require.NoError(t, err)
	assert.Equal(t, 2, n.LineCount())

	_, err = LoadNetwork(filepath.Join(dir, "missing.geojson"), CRSGeographic)
	var gerr *GeometryError
	assert.True(t, errors.As(err, &gerr))
}

func TestReproject_RoundTrip(t *testing.T) {
	n, err := ParseNetwork([]byte(mixedCollection), CRSGeographic)
	require.NoError(t, err)
	original := n.Lines.Clone()

	metric, err := Reproject(n, CRSWebMercator)
	require.NoError(t, err)
	assert.Equal(t, CRSWebMercator, metric.CRS)
	assert.Equal(t, original, n.Lines, "input must not be mutated")

	// Lisbon sits around x=-1.0e6, y=4.68e6 in Web Mercator.
	assert.InDelta(t, -1017000, metric.Lines[0][0][0], 2000)
	assert.InDelta(t, 4680000, metric.Lines[0][0][1], 5000)

	back, err := Reproject(metric, CRSGeographic)
	require.NoError(t, err)
	require.Equal(t, len(original), len(back.Lines))
	for i := range original {
		require.Equal(t, len(original[i]), len(back.Lines[i]), "vertex count must be preserved")
		for j := range original[i] {
			assert.InDelta(t, original[i][j][0], back.Lines[i][j][0], 1e-9)
			assert.InDelta(t, original[i][j][1], back.Lines[i][j][1], 1e-9)
		}
	}
}

func TestReproject_SameCRSClones(t *testing.T) {
	n := &RoadNetwork{CRS: CRSWebMercator, Lines: orb.MultiLineString{{{0, 0}, {100, 0}}}}
	out, err := Reproject(n, CRSWebMercator)
	require.NoError(t, err)
	out.Lines[0][0] = orb.Point{5, 5}
	assert.Equal(t, orb.Point{0, 0}, n.Lines[0][0])
}

func TestToGeographic(t *testing.T) {
	p, err := ToGeographic(orb.Point{0, 0}, CRSWebMercator)
	require.NoError(t, err)
	assert.Equal(t, CRSGeographic, p.CRS)
	assert.InDelta(t, 0, p.Lat(), 1e-12)
	assert.InDelta(t, 0, p.Lon(), 1e-12)

	p, err = ToGeographic(orb.Point{-9.1, 38.7}, CRSGeographic)
	require.NoError(t, err)
	assert.Equal(t, 38.7, p.Lat())

	_, err = ToGeographic(orb.Point{0, 95}, CRSGeographic)
	var gerr *GeometryError
	assert.True(t, errors.As(err, &gerr))
}
