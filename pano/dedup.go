package pano

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/quadtree"
)

// Proximity index kinds accepted by sampling.proximityIndex
const (
	IndexAuto     = "auto"
	IndexLinear   = "linear"
	IndexQuadtree = "quadtree"
)

// autoIndexCutoff is the expected point count above which auto picks the quadtree.
const autoIndexCutoff = 5000

// boundPad widens candidate bounds (degrees) so rounding in the bound math
// never hides a point that the exact distance check would reject.
const boundPad = 1e-7

// worldBound covers every valid WGS84 coordinate.
var worldBound = orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}

// ProximityIndex stores geographic points and answers "is anything strictly
// closer than d meters". Implementations must agree exactly on every answer.
type ProximityIndex interface {
	AnyWithin(p orb.Point, meters float64) bool
	Insert(p orb.Point)
	Len() int
}

// NewProximityIndex builds the index named by kind. For IndexAuto the choice
// depends on how many points the run is expected to accept.
func NewProximityIndex(kind string, expectedPoints int) ProximityIndex {
	switch kind {
	case IndexLinear:
		return NewLinearIndex()
	case IndexQuadtree:
		return NewQuadtreeIndex()
	default:
		if expectedPoints < autoIndexCutoff {
			return NewLinearIndex()
		}
		return NewQuadtreeIndex()
	}
}

// LinearIndex compares a candidate against every stored point.
type LinearIndex struct {
	points []orb.Point
}

// NewLinearIndex returns an empty pairwise index.
func NewLinearIndex() *LinearIndex {
	return &LinearIndex{}
}

func (l *LinearIndex) AnyWithin(p orb.Point, meters float64) bool {
	for _, q := range l.points {
		if geo.DistanceHaversine(p, q) < meters {
			return true
		}
	}
	return false
}

func (l *LinearIndex) Insert(p orb.Point) { l.points = append(l.points, p) }

func (l *LinearIndex) Len() int { return len(l.points) }

// QuadtreeIndex prefilters candidates with a bounding box around the query
// point and confirms them with the same great-circle distance as LinearIndex.
type QuadtreeIndex struct {
	tree *quadtree.Quadtree
	// overflow holds points the tree refused; scanned linearly
	overflow []orb.Point
	count    int
	buf      []orb.Pointer
}

// NewQuadtreeIndex returns an empty quadtree over the whole globe.
func NewQuadtreeIndex() *QuadtreeIndex {
	return &QuadtreeIndex{tree: quadtree.New(worldBound)}
}

func (q *QuadtreeIndex) AnyWithin(p orb.Point, meters float64) bool {
	if q.count == 0 || !(meters > 0) {
		return false
	}

	b := searchBound(p, meters)
	q.buf = q.tree.InBound(q.buf[:0], b)
	for _, c := range q.buf {
		if geo.DistanceHaversine(p, c.Point()) < meters {
			return true
		}
	}
	for _, o := range q.overflow {
		if geo.DistanceHaversine(p, o) < meters {
			return true
		}
	}
	return false
}

func (q *QuadtreeIndex) Insert(p orb.Point) {
	q.count++
	if err := q.tree.Add(p); err != nil {
		q.overflow = append(q.overflow, p)
	}
}

func (q *QuadtreeIndex) Len() int { return q.count }

// searchBound returns a box containing every point within meters of p. Boxes
// that wrap the antimeridian are widened to the full longitude range.
func searchBound(p orb.Point, meters float64) orb.Bound {
	b := geo.NewBoundAroundPoint(p, meters).Pad(boundPad)
	if b.Min[0] > b.Max[0] || b.Min[0] < -180 || b.Max[0] > 180 {
		b.Min[0], b.Max[0] = -180, 180
	}
	if b.Min[1] < -90 {
		b.Min[1] = -90
	}
	if b.Max[1] > 90 {
		b.Max[1] = 90
	}
	return b
}

// Deduplicator keeps the accepted point set of one run. The first point seen
// at a location wins; it is not safe for concurrent use.
type Deduplicator struct {
	threshold float64
	index     ProximityIndex
	accepted  []SamplePoint
}

// NewDeduplicator creates a deduplicator rejecting points strictly closer
// than threshold meters to an accepted one.
func NewDeduplicator(threshold float64, index ProximityIndex) *Deduplicator {
	if index == nil {
		index = NewLinearIndex()
	}
	return &Deduplicator{threshold: threshold, index: index}
}

// Threshold returns the rejection distance in meters.
func (d *Deduplicator) Threshold() float64 { return d.threshold }

// IsNear reports whether candidate lies strictly within the threshold of any
// accepted point.
func (d *Deduplicator) IsNear(candidate SamplePoint) bool {
	return d.index.AnyWithin(candidate.Point, d.threshold)
}

// Accept appends candidate to the accepted set unless it is near an existing
// point, and reports whether it was accepted.
func (d *Deduplicator) Accept(candidate SamplePoint) bool {
	if d.IsNear(candidate) {
		return false
	}
	d.index.Insert(candidate.Point)
	d.accepted = append(d.accepted, candidate)
	return true
}

// Accepted returns a copy of the accepted points in acceptance order.
func (d *Deduplicator) Accepted() []SamplePoint {
	out := make([]SamplePoint, len(d.accepted))
	copy(out, d.accepted)
	return out
}

// Len returns the number of accepted points.
func (d *Deduplicator) Len() int { return len(d.accepted) }
