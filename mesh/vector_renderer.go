package mesh

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/golang/geo/r3"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// snapCoord rounds a coordinate to the nearest multiple of the given increment.
// An increment of 0 disables snapping and returns the coordinate unchanged.
func snapCoord(coord, increment float64) float64 {
	if increment <= 0 {
		return coord
	}
	return math.Round(coord/increment) * increment
}

// nrgbaToRGBA converts color.NRGBA to color.RGBA by premultiplying alpha
// This is needed for the canvas library which expects premultiplied RGBA
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	// Premultiply: multiply RGB by alpha
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// FramePalette returns n distinct colours, evenly spaced in hue. The
// reference frame always gets the first one.
func FramePalette(n int) []color.NRGBA {
	out := make([]color.NRGBA, n)
	for i := range out {
		c := colorful.Hcl(240+360*float64(i)/float64(max(n, 1)), 0.6, 0.6).Clamped()
		r, g, b := c.RGB255()
		out[i] = color.NRGBA{R: r, G: g, B: b, A: 255}
	}
	return out
}

// TopDownLayer is a set of world points drawn in one colour.
type TopDownLayer struct {
	Name   string
	Points []r3.Vector
	Color  color.NRGBA
	// PerPoint overrides Color when it has one entry per point.
	PerPoint []color.NRGBA
}

// TopDownRenderer draws clouds and the camera path seen from above: world X
// to the right, world Z (the viewing direction of the reference camera) up.
// Sizes are in canvas millimetres unless noted.
type TopDownRenderer struct {
	Layers         []TopDownLayer
	Trajectory     []r3.Vector
	Size           float64 // length of the longer side of the drawing
	Padding        float64
	MarkerSize     float64
	GlobalRotation float64           // degrees, about the drawing centre
	Resolution     canvas.Resolution // Resolution for PNG output
	GridSpacing    float64           // world units; 0 picks a spacing from the extent
	TrajectoryPath orb.LineString    // simplified path; Trajectory is used when empty
}

// NewTopDownRenderer creates a renderer with default settings.
func NewTopDownRenderer() *TopDownRenderer {
	return &TopDownRenderer{
		Size:       200,
		Padding:    10,
		MarkerSize: 0.6,
		Resolution: canvas.DPI(200),
	}
}

// AddCloud adds a layer for pc. The cloud's own colours are kept when it has
// them.
func (r *TopDownRenderer) AddCloud(name string, pc *PointCloud, c color.NRGBA) {
	if pc.Len() == 0 {
		return
	}
	layer := TopDownLayer{Name: name, Points: pc.Points, Color: c}
	if pc.HasColors() {
		layer.PerPoint = pc.Colors
	}
	r.Layers = append(r.Layers, layer)
}

// AddFrames adds one layer per included frame, mapped by its pose and
// coloured from FramePalette. The sparse cloud is drawn when present.
func (r *TopDownRenderer) AddFrames(frames []*Frame, chain *PoseChain) {
	palette := FramePalette(len(frames))
	for _, i := range chain.Included() {
		if i >= len(frames) {
			continue
		}
		f := frames[i]
		pc := f.Sparse
		if pc.Len() == 0 {
			pc = f.Cloud
		}
		pose, _ := chain.Pose(i)
		r.Layers = append(r.Layers, TopDownLayer{
			Name:   f.Name,
			Points: pc.Transformed(pose).Points,
			Color:  palette[i],
		})
	}
	r.Trajectory = chain.Trajectory()
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// topDownFrame maps plane points onto the canvas.
type topDownFrame struct {
	min, max orb.Point
	center   orb.Point
	scale    float64
	width    float64
	height   float64
}

func (r *TopDownRenderer) frame() (topDownFrame, error) {
	b := orb.Bound{Min: orb.Point{math.Inf(1), math.Inf(1)}, Max: orb.Point{math.Inf(-1), math.Inf(-1)}}
	n := 0
	extend := func(p r3.Vector) {
		if !finite(p) {
			return
		}
		b = b.Extend(orb.Point{p.X, p.Z})
		n++
	}
	for _, l := range r.Layers {
		for _, p := range l.Points {
			extend(p)
		}
	}
	for _, p := range r.Trajectory {
		extend(p)
	}
	if n == 0 {
		return topDownFrame{}, fmt.Errorf("nothing to render")
	}

	f := topDownFrame{min: b.Min, max: b.Max, center: b.Center()}
	extent := math.Max(b.Max[0]-b.Min[0], b.Max[1]-b.Min[1])
	if extent <= 0 {
		extent = 1
	}
	f.scale = r.Size / extent
	f.width = (b.Max[0]-b.Min[0])*f.scale + 2*r.Padding
	f.height = (b.Max[1]-b.Min[1])*f.scale + 2*r.Padding
	return f, nil
}

// RenderToSVG writes the drawing as an SVG to the provided writer
func (r *TopDownRenderer) RenderToSVG(w io.Writer) error {
	f, err := r.frame()
	if err != nil {
		return err
	}
	svgRenderer := svg.New(w, f.width, f.height, nil)
	r.renderToCanvas(svgRenderer, f)
	return svgRenderer.Close()
}

// RenderToPNG writes the drawing as a PNG to the provided writer
func (r *TopDownRenderer) RenderToPNG(w io.Writer) error {
	f, err := r.frame()
	if err != nil {
		return err
	}
	rast := rasterizer.New(f.width, f.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, f)
	// Rasterizer implements draw.Image interface, which embeds image.Image
	return png.Encode(w, rast)
}

func (r *TopDownRenderer) renderToCanvas(renderer canvasRenderer, f topDownFrame) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(f.width, f.height), bgStyle, canvas.Identity)

	toCanvas := func(p orb.Point) (float64, float64) {
		rp := r.applyGlobalRotation(p, f.center)
		return (rp[0]-f.min[0])*f.scale + r.Padding, (rp[1]-f.min[1])*f.scale + r.Padding
	}

	r.renderGrid(renderer, f, toCanvas)

	// One marker per occupied marker-sized cell per layer keeps dense clouds
	// from producing millions of paths.
	for _, l := range r.Layers {
		seen := make(map[orb.Point]bool)
		for i, p := range l.Points {
			if !finite(p) {
				continue
			}
			cx, cy := toCanvas(orb.Point{p.X, p.Z})
			cell := orb.Point{snapCoord(cx, r.MarkerSize), snapCoord(cy, r.MarkerSize)}
			if seen[cell] {
				continue
			}
			seen[cell] = true

			c := l.Color
			if len(l.PerPoint) == len(l.Points) {
				c = l.PerPoint[i]
			}
			style := canvas.DefaultStyle
			style.Fill = canvas.Paint{Color: nrgbaToRGBA(c)}
			style.Stroke = canvas.Paint{Color: canvas.Transparent}
			renderer.RenderPath(canvas.Rectangle(r.MarkerSize, r.MarkerSize).Translate(cell[0]-r.MarkerSize/2, cell[1]-r.MarkerSize/2), style, canvas.Identity)
		}
	}

	r.renderTrajectory(renderer, toCanvas)
}

func (r *TopDownRenderer) renderGrid(renderer canvasRenderer, f topDownFrame, toCanvas func(orb.Point) (float64, float64)) {
	spacing := r.GridSpacing
	if spacing <= 0 {
		spacing = niceSpacing(math.Max(f.max[0]-f.min[0], f.max[1]-f.min[1]) / 5)
	}
	if spacing <= 0 {
		return
	}

	gridStyle := canvas.DefaultStyle
	gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
	gridStyle.StrokeWidth = 0.2
	gridStyle.Dashes = []float64{1.0, 1.0}

	line := func(a, b orb.Point) {
		p := &canvas.Path{}
		x1, y1 := toCanvas(a)
		x2, y2 := toCanvas(b)
		p.MoveTo(x1, y1)
		p.LineTo(x2, y2)
		renderer.RenderPath(p, gridStyle, canvas.Identity)
	}
	for x := math.Ceil(f.min[0]/spacing) * spacing; x <= f.max[0]; x += spacing {
		line(orb.Point{x, f.min[1]}, orb.Point{x, f.max[1]})
	}
	for y := math.Ceil(f.min[1]/spacing) * spacing; y <= f.max[1]; y += spacing {
		line(orb.Point{f.min[0], y}, orb.Point{f.max[0], y})
	}
}

func (r *TopDownRenderer) renderTrajectory(renderer canvasRenderer, toCanvas func(orb.Point) (float64, float64)) {
	path := r.TrajectoryPath
	if len(path) == 0 {
		for _, p := range r.Trajectory {
			path = append(path, orb.Point{p.X, p.Z})
		}
	}
	if len(path) == 0 {
		return
	}

	if len(path) > 1 {
		lineStyle := canvas.DefaultStyle
		lineStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		lineStyle.Stroke = canvas.Paint{Color: canvas.Black}
		lineStyle.StrokeWidth = 0.5
		cp := &canvas.Path{}
		for i, pt := range path {
			x, y := toCanvas(pt)
			if i == 0 {
				cp.MoveTo(x, y)
			} else {
				cp.LineTo(x, y)
			}
		}
		renderer.RenderPath(cp, lineStyle, canvas.Identity)
	}

	// Camera centres, reference camera first and larger.
	for i, p := range r.Trajectory {
		x, y := toCanvas(orb.Point{p.X, p.Z})
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: canvas.White}
		style.Stroke = canvas.Paint{Color: canvas.Black}
		style.StrokeWidth = 0.3
		radius := 1.0
		if i == 0 {
			style.Fill = canvas.Paint{Color: canvas.Black}
			radius = 1.5
		}
		renderer.RenderPath(canvas.Circle(radius).Translate(x, y), style, canvas.Identity)
	}
}

func (r *TopDownRenderer) applyGlobalRotation(p, center orb.Point) orb.Point {
	if r.GlobalRotation == 0 {
		return p
	}
	rad := r.GlobalRotation * math.Pi / 180
	x := p[0] - center[0]
	y := p[1] - center[1]
	return orb.Point{
		x*math.Cos(rad) - y*math.Sin(rad) + center[0],
		x*math.Sin(rad) + y*math.Cos(rad) + center[1],
	}
}

// niceSpacing rounds v to 1, 2 or 5 times a power of ten.
func niceSpacing(v float64) float64 {
	if v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0
	}
	exp := math.Pow(10, math.Floor(math.Log10(v)))
	switch f := v / exp; {
	case f < 1.5:
		return exp
	case f < 3.5:
		return 2 * exp
	case f < 7.5:
		return 5 * exp
	default:
		return 10 * exp
	}
}
