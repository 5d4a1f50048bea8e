package pano

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	kml "github.com/twpayne/go-kml"
)

// viewpointSite collects the records of one location in ledger order.
type viewpointSite struct {
	lat, lon float64
	records  []ViewpointRecord
}

// groupSites groups ledger records by location, in order of first appearance.
func groupSites(records []ViewpointRecord) []*viewpointSite {
	type loc struct{ lat, lon float64 }
	byLoc := make(map[loc]*viewpointSite)
	var sites []*viewpointSite
	for _, r := range records {
		k := loc{r.Latitude, r.Longitude}
		s, ok := byLoc[k]
		if !ok {
			s = &viewpointSite{lat: r.Latitude, lon: r.Longitude}
			byLoc[k] = s
			sites = append(sites, s)
		}
		s.records = append(s.records, r)
	}
	return sites
}

// WriteKML writes one placemark per distinct ledger location. The placemark
// is named after the location's sequence ids and lists the viewer URL of
// every heading.
func WriteKML(w io.Writer, name string, records []ViewpointRecord) error {
	sites := groupSites(records)

	children := []kml.Element{kml.Name(name)}
	for _, s := range sites {
		ids := make([]string, len(s.records))
		var desc strings.Builder
		for i, r := range s.records {
			ids[i] = strconv.Itoa(r.SequenceID)
			fmt.Fprintf(&desc, "%d°: %s\n", r.Angle, r.URL)
		}
		children = append(children, kml.Placemark(
			kml.Name(strings.Join(ids, ",")),
			kml.Description(strings.TrimSuffix(desc.String(), "\n")),
			kml.Point(
				kml.Coordinates(kml.Coordinate{Lon: s.lon, Lat: s.lat}),
			),
		))
	}

	return kml.KML(kml.Document(children...)).WriteIndent(w, "", "  ")
}

// ExportKML writes the KML export of records to path.
func ExportKML(path string, records []ViewpointRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create kml directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create kml file: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := WriteKML(f, name, records); err != nil {
		_ = f.Close()
		return fmt.Errorf("write kml: %w", err)
	}
	return f.Close()
}

// LedgerLocations returns the distinct geographic locations of records in
// ledger order.
func LedgerLocations(records []ViewpointRecord) []SamplePoint {
	sites := groupSites(records)
	out := make([]SamplePoint, len(sites))
	for i, s := range sites {
		out[i] = SamplePoint{Point: orb.Point{s.lon, s.lat}, CRS: CRSGeographic}
	}
	return out
}
