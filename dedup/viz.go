package dedup

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"strings"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

var (
	footprintFill   = color.RGBA{200, 200, 200, 255}
	footprintStroke = color.RGBA{120, 120, 120, 255}
	cameraColor     = color.RGBA{40, 40, 40, 255}
	estimateColor   = color.RGBA{30, 110, 220, 255}
	exemplarColor   = color.RGBA{220, 40, 40, 255}
)

// ClusterMap draws the location stage in meters: footprints, camera
// positions, raw estimates and the exemplars kept by aggregation
type ClusterMap struct {
	Buildings   []*Building
	Cameras     []orb.Point
	Estimates   []GeoPoint
	Clusters    []Cluster
	MinDistance float64 // exemplar ring diameter in meters
	Padding     float64 // meters
	Resolution  canvas.Resolution
}

// NewClusterMap creates a map with default padding and resolution
func NewClusterMap(buildings []*Building, cameras []orb.Point, estimates []GeoPoint, clusters []Cluster, minDistance float64) *ClusterMap {
	return &ClusterMap{
		Buildings:   buildings,
		Cameras:     cameras,
		Estimates:   estimates,
		Clusters:    clusters,
		MinDistance: minDistance,
		Padding:     20,
		Resolution:  canvas.DPMM(4),
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// bounds returns the extent of every drawn point, or false when nothing is drawn
func (m *ClusterMap) bounds() (orb.Bound, bool) {
	var b orb.Bound
	first := true
	extend := func(p orb.Point) {
		if first {
			b = p.Bound()
			first = false
			return
		}
		b = b.Extend(p)
	}
	for _, bl := range m.Buildings {
		for _, nd := range bl.Nodes {
			extend(nd)
		}
	}
	for _, p := range m.Cameras {
		extend(p)
	}
	for _, e := range m.Estimates {
		extend(e.Point)
	}
	for _, c := range m.Clusters {
		extend(c.Point)
	}
	return b, !first
}

// layout returns the frame anchored at the bound minimum and the canvas size in meters
func (m *ClusterMap) layout() (LocalFrame, float64, float64, error) {
	b, ok := m.bounds()
	if !ok {
		return LocalFrame{}, 0, 0, fmt.Errorf("nothing to draw")
	}
	frame := NewLocalFrame(b.Min)
	w, h := frame.XY(b.Max)
	return frame, math.Abs(w) + 2*m.Padding, math.Abs(h) + 2*m.Padding, nil
}

// RenderToSVG writes the map as an SVG
func (m *ClusterMap) RenderToSVG(w io.Writer) error {
	frame, width, height, err := m.layout()
	if err != nil {
		return err
	}
	svgRenderer := svg.New(w, width, height, nil)
	m.renderToCanvas(svgRenderer, frame, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the map as a PNG
func (m *ClusterMap) RenderToPNG(w io.Writer) error {
	frame, width, height, err := m.layout()
	if err != nil {
		return err
	}
	rast := rasterizer.New(width, height, m.Resolution, canvas.DefaultColorSpace)
	m.renderToCanvas(rast, frame, width, height)
	return png.Encode(w, rast)
}

// WriteFile renders to path, choosing PNG for a .png extension and SVG otherwise
func (m *ClusterMap) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}

	render := m.RenderToSVG
	if strings.HasSuffix(strings.ToLower(path), ".png") {
		render = m.RenderToPNG
	}
	if err := render(f); err != nil {
		f.Close()
		return fmt.Errorf("rendering %s: %w", path, err)
	}
	return f.Close()
}

func (m *ClusterMap) renderToCanvas(renderer canvasRenderer, frame LocalFrame, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	toCanvas := func(p orb.Point) (float64, float64) {
		x, y := frame.XY(p)
		return x + m.Padding, y + m.Padding
	}

	footprintStyle := canvas.DefaultStyle
	footprintStyle.Fill = canvas.Paint{Color: footprintFill}
	footprintStyle.Stroke = canvas.Paint{Color: footprintStroke}
	footprintStyle.StrokeWidth = 0.3
	for _, b := range m.Buildings {
		for _, poly := range b.Shape {
			if len(poly) == 0 {
				continue
			}
			cp := &canvas.Path{}
			for i, pt := range poly[0] {
				cx, cy := toCanvas(pt)
				if i == 0 {
					cp.MoveTo(cx, cy)
				} else {
					cp.LineTo(cx, cy)
				}
			}
			cp.Close()
			renderer.RenderPath(cp, footprintStyle, canvas.Identity)
		}
	}

	dot := func(p orb.Point, radius float64, c color.RGBA) {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: c}
		style.Stroke = canvas.Paint{Color: canvas.Transparent}
		cx, cy := toCanvas(p)
		renderer.RenderPath(canvas.Circle(radius).Translate(cx, cy), style, canvas.Identity)
	}

	for _, p := range m.Cameras {
		dot(p, 0.8, cameraColor)
	}
	for _, e := range m.Estimates {
		dot(e.Point, 0.5, estimateColor)
	}

	ringStyle := canvas.DefaultStyle
	ringStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	ringStyle.Stroke = canvas.Paint{Color: exemplarColor}
	ringStyle.StrokeWidth = 0.4
	for _, c := range m.Clusters {
		dot(c.Point, 1.0, exemplarColor)
		if m.MinDistance > 0 {
			cx, cy := toCanvas(c.Point)
			renderer.RenderPath(canvas.Circle(m.MinDistance/2).Translate(cx, cy), ringStyle, canvas.Identity)
		}
	}
}
