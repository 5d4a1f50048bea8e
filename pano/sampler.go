package pano

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// SampleLine walks a single line and returns points at linear distances
// 0, spacing, 2*spacing, ... up to floor(length/spacing)*spacing, in the
// line's own units. The start point is always included; the end point only
// when the length is an exact multiple of spacing. Zero-length lines yield
// no points.
func SampleLine(line orb.LineString, spacing float64) ([]orb.Point, error) {
	if !(spacing > 0) || math.IsInf(spacing, 0) {
		return nil, fmt.Errorf("sample line: spacing must be positive and finite, got %v", spacing)
	}
	if len(line) < 2 {
		return nil, nil
	}
	length := planar.Length(line)
	if math.IsNaN(length) || math.IsInf(length, 0) {
		return nil, geometryErrorf("sample", "line length is not finite")
	}
	if length == 0 {
		return nil, nil
	}

	k := int(math.Floor(length / spacing))
	points := make([]orb.Point, 0, k+1)

	seg := 0
	walked := 0.0 // distance from the start to line[seg]
	segLen := planar.Distance(line[0], line[1])
	for i := 0; i <= k; i++ {
		target := float64(i) * spacing
		for seg < len(line)-2 && walked+segLen < target {
			walked += segLen
			seg++
			segLen = planar.Distance(line[seg], line[seg+1])
		}
		points = append(points, interpolate(line[seg], line[seg+1], segLen, target-walked))
	}
	return points, nil
}

// interpolate returns the point d units from a towards b, clamped to the segment.
func interpolate(a, b orb.Point, segLen, d float64) orb.Point {
	if segLen == 0 || d <= 0 {
		return a
	}
	t := d / segLen
	if t >= 1 {
		return b
	}
	return orb.Point{
		a[0] + (b[0]-a[0])*t,
		a[1] + (b[1]-a[1])*t,
	}
}
