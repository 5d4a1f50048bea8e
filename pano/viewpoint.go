package pano

import (
	"math"
	"strconv"
	"strings"
)

// Expander turns an accepted geographic point into one viewpoint record per
// configured heading.
type Expander struct {
	template  string
	angles    []int
	precision *int
}

// NewExpander returns an expander for the given URL template and headings.
// When precision is non-nil, latitude and longitude are rounded to that many
// decimals before the URL and the ledger key are formed.
func NewExpander(template string, angles []int, precision *int) *Expander {
	if template == "" {
		template = DefaultViewerURLTemplate
	}
	return &Expander{
		template:  template,
		angles:    append([]int(nil), angles...),
		precision: precision,
	}
}

// Angles returns the configured headings in order.
func (e *Expander) Angles() []int {
	return append([]int(nil), e.angles...)
}

// Expand emits one record per heading, in heading order. SequenceID is left
// zero; the ledger assigns it.
func (e *Expander) Expand(p SamplePoint) []ViewpointRecord {
	lat, lon := p.Lat(), p.Lon()
	if e.precision != nil {
		lat = roundTo(lat, *e.precision)
		lon = roundTo(lon, *e.precision)
	}

	records := make([]ViewpointRecord, 0, len(e.angles))
	for _, angle := range e.angles {
		records = append(records, ViewpointRecord{
			Latitude:  lat,
			Longitude: lon,
			Angle:     angle,
			URL:       BuildViewerURL(e.template, lat, lon, angle),
		})
	}
	return records
}

// BuildViewerURL fills the {lat}, {lon} and {angle} placeholders of template.
func BuildViewerURL(template string, lat, lon float64, angle int) string {
	r := strings.NewReplacer(
		"{lat}", FormatCoord(lat),
		"{lon}", FormatCoord(lon),
		"{angle}", strconv.Itoa(angle),
	)
	return r.Replace(template)
}

// FormatCoord renders decimal degrees with the fewest digits that parse back
// to the same float64.
func FormatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// roundTo rounds v to 'places' decimal digits using standard rounding.
func roundTo(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
