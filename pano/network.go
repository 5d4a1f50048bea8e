package pano

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
	log "github.com/sirupsen/logrus"
)

// RoadNetwork is the dissolved line geometry of every input feature, in a
// single CRS. Reprojection returns a new network.
type RoadNetwork struct {
	CRS   CRS
	Lines orb.MultiLineString

	// Skipped counts input parts that were dropped while loading
	Skipped map[SkipReason]int
}

// LineCount returns the number of single-part lines in the network.
func (n *RoadNetwork) LineCount() int {
	return len(n.Lines)
}

// Bound returns the bounding box of the network in its own CRS.
func (n *RoadNetwork) Bound() orb.Bound {
	return n.Lines.Bound()
}

// LoadNetwork reads a GeoJSON file (FeatureCollection, Feature or bare
// geometry) whose coordinates are expressed in crs.
func LoadNetwork(path string, crs CRS) (*RoadNetwork, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &GeometryError{Op: "load", Err: fmt.Errorf("reading %s: %w", path, err)}
	}
	return ParseNetwork(data, crs)
}

// ParseNetwork decodes GeoJSON bytes into a dissolved RoadNetwork.
func ParseNetwork(data []byte, crs CRS) (*RoadNetwork, error) {
	if !isSupportedCRS(crs) {
		return nil, geometryErrorf("load", "unsupported source crs %q", crs)
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &GeometryError{Op: "load", Err: fmt.Errorf("decoding GeoJSON: %w", err)}
	}

	var geoms []orb.Geometry
	switch probe.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, &GeometryError{Op: "load", Err: fmt.Errorf("decoding feature collection: %w", err)}
		}
		for _, f := range fc.Features {
			geoms = append(geoms, f.Geometry)
		}
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, &GeometryError{Op: "load", Err: fmt.Errorf("decoding feature: %w", err)}
		}
		geoms = append(geoms, f.Geometry)
	case "":
		return nil, geometryErrorf("load", "GeoJSON object has no type")
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, &GeometryError{Op: "load", Err: fmt.Errorf("decoding geometry: %w", err)}
		}
		geoms = append(geoms, g.Geometry())
	}

	return Dissolve(geoms, crs)
}

// Dissolve collapses line features into one multi-part geometry. Consecutive
// repeated vertices are dropped and a line repeated in either direction is
// kept once. Non-line geometries are skipped.
func Dissolve(geoms []orb.Geometry, crs CRS) (*RoadNetwork, error) {
	n := &RoadNetwork{
		CRS:     crs,
		Skipped: make(map[SkipReason]int),
	}
	seen := make(map[string]bool)

	var add func(g orb.Geometry)
	add = func(g orb.Geometry) {
		switch g := g.(type) {
		case nil:
			n.Skipped[SkipEmptyGeometry]++
		case orb.LineString:
			ls := dropRepeatedVertices(g)
			if len(ls) < 2 {
				n.Skipped[SkipEmptyGeometry]++
				return
			}
			key := lineKey(ls)
			if seen[key] {
				n.Skipped[SkipDuplicateLine]++
				return
			}
			seen[key] = true
			n.Lines = append(n.Lines, ls)
		case orb.MultiLineString:
			if len(g) == 0 {
				n.Skipped[SkipEmptyGeometry]++
			}
			for _, ls := range g {
				add(ls)
			}
		case orb.Collection:
			for _, c := range g {
				add(c)
			}
		default:
			log.WithField("type", g.GeoJSONType()).Debug("skipping non-line geometry")
			n.Skipped[SkipNonLineGeometry]++
		}
	}
	for _, g := range geoms {
		add(g)
	}

	if len(n.Lines) == 0 {
		return nil, geometryErrorf("load", "no usable line features in input")
	}
	for _, ls := range n.Lines {
		for _, p := range ls {
			if err := checkPoint(p, crs); err != nil {
				return nil, &GeometryError{Op: "load", Err: err}
			}
		}
	}

	log.WithFields(log.Fields{
		"lines":   len(n.Lines),
		"skipped": n.Skipped,
		"crs":     crs,
	}).Info("road network loaded")
	return n, nil
}

// Reproject returns an equivalent network in target. Vertex order and count
// are preserved and the receiver is left untouched.
func Reproject(n *RoadNetwork, target CRS) (*RoadNetwork, error) {
	proj, err := projectionFor(n.CRS, target)
	if err != nil {
		return nil, err
	}

	out := &RoadNetwork{
		CRS:     target,
		Lines:   n.Lines.Clone(),
		Skipped: n.Skipped,
	}
	if proj == nil {
		return out, nil
	}

	out.Lines = project.Geometry(out.Lines, proj).(orb.MultiLineString)
	for _, ls := range out.Lines {
		for _, p := range ls {
			if err := checkPoint(p, target); err != nil {
				return nil, &GeometryError{Op: "reproject", Err: err}
			}
		}
	}
	return out, nil
}

// ToGeographic converts a single point from crs to WGS84 degrees.
func ToGeographic(p orb.Point, crs CRS) (SamplePoint, error) {
	proj, err := projectionFor(crs, CRSGeographic)
	if err != nil {
		return SamplePoint{}, err
	}
	if proj != nil {
		p = proj(p)
	}
	if err := checkPoint(p, CRSGeographic); err != nil {
		return SamplePoint{}, &GeometryError{Op: "reproject", Err: err}
	}
	return SamplePoint{Point: p, CRS: CRSGeographic}, nil
}

// projectionFor returns nil when no conversion is needed.
func projectionFor(from, to CRS) (orb.Projection, error) {
	if !isSupportedCRS(from) {
		return nil, geometryErrorf("reproject", "unsupported source crs %q", from)
	}
	if !isSupportedCRS(to) {
		return nil, geometryErrorf("reproject", "unsupported target crs %q", to)
	}
	switch {
	case from == to:
		return nil, nil
	case from == CRSGeographic && to == CRSWebMercator:
		return project.WGS84.ToMercator, nil
	default:
		return project.Mercator.ToWGS84, nil
	}
}

func checkPoint(p orb.Point, crs CRS) error {
	for _, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite coordinate %v in %s", p, crs)
		}
	}
	if crs.IsGeographic() && (math.Abs(p.Lat()) > 90 || math.Abs(p.Lon()) > 180) {
		return fmt.Errorf("coordinate %v outside geographic range", p)
	}
	return nil
}

func dropRepeatedVertices(ls orb.LineString) orb.LineString {
	out := make(orb.LineString, 0, len(ls))
	for i, p := range ls {
		if i > 0 && p.Equal(ls[i-1]) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// lineKey is direction independent so a line and its reverse collide.
func lineKey(ls orb.LineString) string {
	forward := coordKey(ls, false)
	backward := coordKey(ls, true)
	if backward < forward {
		return backward
	}
	return forward
}

func coordKey(ls orb.LineString, reverse bool) string {
	var b strings.Builder
	for i := range ls {
		p := ls[i]
		if reverse {
			p = ls[len(ls)-1-i]
		}
		b.WriteString(strconv.FormatFloat(p[0], 'g', -1, 64))
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(p[1], 'g', -1, 64))
		b.WriteByte(';')
	}
	return b.String()
}
