package pano

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numberedRecords() []ViewpointRecord {
	l := NewLedger()
	e := NewExpander("", DefaultAngles, nil)
	for _, p := range []SamplePoint{geoPoint(-9.1, 38.7), geoPoint(-9.2, 38.8)} {
		for _, r := range e.Expand(p) {
			l.Upsert(r)
		}
	}
	return l.Records()
}

func TestWriteKML_OnePlacemarkPerLocation(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteKML(&buf, "viewpoints", numberedRecords()))
	out := buf.String()

	assert.Equal(t, 2, strings.Count(out, "<Placemark>"))
	assert.Contains(t, out, "<name>viewpoints</name>")
	assert.Contains(t, out, "<name>1,2,3,4</name>")
	assert.Contains(t, out, "<name>5,6,7,8</name>")
	assert.Contains(t, out, "-9.1,38.7")
	assert.Contains(t, out, "270°: https://www.google.com/maps/")
}

func TestWriteKML_EmptyLedger(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteKML(&buf, "empty", nil))
	assert.NotContains(t, buf.String(), "<Placemark>")
	assert.Contains(t, buf.String(), "<Document>")
}

func TestExportKML_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "viewpoints.kml")
	require.NoError(t, ExportKML(path, numberedRecords()))
	assert.FileExists(t, path)
}

func TestLedgerLocations(t *testing.T) {
	locs := LedgerLocations(numberedRecords())
	require.Len(t, locs, 2)
	assert.Equal(t, 38.7, locs[0].Lat())
	assert.Equal(t, -9.1, locs[0].Lon())
	assert.Equal(t, CRSGeographic, locs[0].CRS)
	assert.Equal(t, 38.8, locs[1].Lat())
}
