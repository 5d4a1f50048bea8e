package pano

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// CoverageRenderer draws the metric road network with the accepted sample
// points on top. Canvas units are millimeters.
type CoverageRenderer struct {
	Network *RoadNetwork  // metric network
	Points  []SamplePoint // geographic accepted points

	Width       float64           // Drawing width in millimeters, excluding padding
	Padding     float64           // Padding in millimeters
	Resolution  canvas.Resolution // Resolution for PNG output (default: 150 DPI)
	GridSpacing float64           // Grid spacing in network units; 0 disables
	Radius      float64           // Dedup radius drawn around each point, in network units; 0 disables

	RoadColor  color.RGBA
	PointColor color.RGBA
}

// NewCoverageRenderer creates a renderer with default settings
func NewCoverageRenderer(network *RoadNetwork, points []SamplePoint) *CoverageRenderer {
	return &CoverageRenderer{
		Network:    network,
		Points:     points,
		Width:      200,
		Padding:    5,
		Resolution: canvas.DPI(150),
		RoadColor:  color.RGBA{R: 120, G: 120, B: 120, A: 255},
		PointColor: color.RGBA{R: 200, G: 30, B: 30, A: 255},
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// coverageFrame maps network coordinates onto the canvas.
type coverageFrame struct {
	bound   orb.Bound
	scale   float64
	padding float64
	width   float64
	height  float64
}

func (f coverageFrame) toCanvas(p orb.Point) (float64, float64) {
	return (p[0]-f.bound.Min[0])*f.scale + f.padding, (p[1]-f.bound.Min[1])*f.scale + f.padding
}

func (r *CoverageRenderer) frame() (coverageFrame, error) {
	if r.Network == nil || len(r.Network.Lines) == 0 {
		return coverageFrame{}, fmt.Errorf("render coverage: empty network")
	}
	b := r.Network.Bound()
	dx, dy := b.Max[0]-b.Min[0], b.Max[1]-b.Min[1]
	extent := math.Max(dx, dy)
	if extent == 0 {
		extent = 1
	}
	width := r.Width
	if width <= 0 {
		width = 200
	}
	scale := width / extent
	return coverageFrame{
		bound:   b,
		scale:   scale,
		padding: r.Padding,
		width:   dx*scale + 2*r.Padding,
		height:  dy*scale + 2*r.Padding,
	}, nil
}

// RenderToSVG writes the coverage map as an SVG to the provided writer
func (r *CoverageRenderer) RenderToSVG(w io.Writer) error {
	f, err := r.frame()
	if err != nil {
		return err
	}
	svgRenderer := svg.New(w, f.width, f.height, nil)
	if err := r.renderToCanvas(svgRenderer, f); err != nil {
		return err
	}
	return svgRenderer.Close()
}

// RenderToPNG writes the coverage map as a PNG to the provided writer
func (r *CoverageRenderer) RenderToPNG(w io.Writer) error {
	f, err := r.frame()
	if err != nil {
		return err
	}
	res := r.Resolution
	if res == 0 {
		res = canvas.DPI(150)
	}
	rast := rasterizer.New(f.width, f.height, res, canvas.DefaultColorSpace)
	if err := r.renderToCanvas(rast, f); err != nil {
		return err
	}
	// Rasterizer implements draw.Image
	return png.Encode(w, rast)
}

func (r *CoverageRenderer) renderToCanvas(renderer canvasRenderer, f coverageFrame) error {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(f.width, f.height), bgStyle, canvas.Identity)

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: color.RGBA{R: 220, G: 220, B: 220, A: 255}}
		gridStyle.StrokeWidth = 0.1
		gridStyle.Dashes = []float64{1.0, 1.0}

		b := f.bound
		for x := math.Ceil(b.Min[0]/r.GridSpacing) * r.GridSpacing; x <= b.Max[0]; x += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := f.toCanvas(orb.Point{x, b.Min[1]})
			x2, y2 := f.toCanvas(orb.Point{x, b.Max[1]})
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
		for y := math.Ceil(b.Min[1]/r.GridSpacing) * r.GridSpacing; y <= b.Max[1]; y += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := f.toCanvas(orb.Point{b.Min[0], y})
			x2, y2 := f.toCanvas(orb.Point{b.Max[0], y})
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
	}

	roadStyle := canvas.DefaultStyle
	roadStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	roadStyle.Stroke = canvas.Paint{Color: r.RoadColor}
	roadStyle.StrokeWidth = 0.4
	for _, line := range r.Network.Lines {
		cp := &canvas.Path{}
		for i, pt := range line {
			cx, cy := f.toCanvas(pt)
			if i == 0 {
				cp.MoveTo(cx, cy)
			} else {
				cp.LineTo(cx, cy)
			}
		}
		renderer.RenderPath(cp, roadStyle, canvas.Identity)
	}

	proj, err := projectionFor(CRSGeographic, r.Network.CRS)
	if err != nil {
		return err
	}

	radiusStyle := canvas.DefaultStyle
	radiusStyle.Fill = canvas.Paint{Color: color.RGBA{R: 40, G: 8, B: 8, A: 40}}
	radiusStyle.Stroke = canvas.Paint{Color: canvas.Transparent}

	pointStyle := canvas.DefaultStyle
	pointStyle.Fill = canvas.Paint{Color: r.PointColor}
	pointStyle.Stroke = canvas.Paint{Color: canvas.Black}
	pointStyle.StrokeWidth = 0.1

	for _, sp := range r.Points {
		p := sp.Point
		if sp.CRS != r.Network.CRS && proj != nil {
			p = proj(p)
		}
		cx, cy := f.toCanvas(p)
		if r.Radius > 0 {
			renderer.RenderPath(canvas.Circle(r.Radius*f.scale).Translate(cx, cy), radiusStyle, canvas.Identity)
		}
		renderer.RenderPath(canvas.Circle(0.6).Translate(cx, cy), pointStyle, canvas.Identity)
	}
	return nil
}

// RenderCoverageFile writes the map to path. The format is taken from
// format ("svg" or "png"), or from the file extension when format is empty.
func RenderCoverageFile(r *CoverageRenderer, path, format string) error {
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
	if format != "svg" && format != "png" {
		return fmt.Errorf("render coverage: unsupported format %q", format)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create coverage directory: %w", err)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create coverage file: %w", err)
	}
	if format == "png" {
		err = r.RenderToPNG(out)
	} else {
		err = r.RenderToSVG(out)
	}
	if err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
