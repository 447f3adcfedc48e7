package mesh

import (
	"image"
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Projection selects how pixels become 3D points.
type Projection string

const (
	// ProjectionPinhole uses camera intrinsics.
	ProjectionPinhole Projection = "pinhole"
	// ProjectionGrid places pixel (u, v) at (u, v, depth*scale), ignoring optics.
	ProjectionGrid Projection = "grid"
)

// Intrinsics holds pinhole camera parameters in pixels.
type Intrinsics struct {
	Width  int     `yaml:"width" json:"width"`
	Height int     `yaml:"height" json:"height"`
	Fx     float64 `yaml:"fx" json:"fx"`
	Fy     float64 `yaml:"fy" json:"fy"`
	Cx     float64 `yaml:"cx" json:"cx"`
	Cy     float64 `yaml:"cy" json:"cy"`
}

// DefaultIntrinsics returns the 640x480 Kinect-style camera used when none
// is configured.
func DefaultIntrinsics() Intrinsics {
	return Intrinsics{Width: 640, Height: 480, Fx: 525, Fy: 525, Cx: 319.5, Cy: 239.5}
}

// CheckValid reports malformed intrinsics.
func (in Intrinsics) CheckValid() error {
	if in.Width <= 0 || in.Height <= 0 {
		return errors.Errorf("invalid intrinsics size (%d, %d)", in.Width, in.Height)
	}
	if in.Fx <= 0 || in.Fy <= 0 {
		return errors.Errorf("invalid focal length (fx=%g, fy=%g)", in.Fx, in.Fy)
	}
	if math.IsNaN(in.Cx) || math.IsNaN(in.Cy) {
		return errors.New("invalid principal point")
	}
	return nil
}

// Scaled adapts the intrinsics to an image of a different resolution.
func (in Intrinsics) Scaled(width, height int) Intrinsics {
	if width == in.Width && height == in.Height {
		return in
	}
	sx := float64(width) / float64(in.Width)
	sy := float64(height) / float64(in.Height)
	return Intrinsics{
		Width:  width,
		Height: height,
		Fx:     in.Fx * sx,
		Fy:     in.Fy * sy,
		Cx:     (in.Cx+0.5)*sx - 0.5,
		Cy:     (in.Cy+0.5)*sy - 0.5,
	}
}

// PixelToPoint lifts pixel (u, v) at depth z to camera coordinates.
func (in Intrinsics) PixelToPoint(u, v, z float64) r3.Vector {
	return r3.Vector{
		X: (u - in.Cx) * z / in.Fx,
		Y: (v - in.Cy) * z / in.Fy,
		Z: z,
	}
}

// PointToPixel projects a camera-frame point to pixel coordinates.
func (in Intrinsics) PointToPixel(p r3.Vector) (float64, float64) {
	return p.X/p.Z*in.Fx + in.Cx, p.Y/p.Z*in.Fy + in.Cy
}

// BackprojectOptions configures Backproject.
type BackprojectOptions struct {
	Projection Projection `yaml:"projection" json:"projection"`
	Intrinsics Intrinsics `yaml:"intrinsics" json:"intrinsics"`
	DepthScale float64    `yaml:"depthScale" json:"depthScale"`
	MinDepth   float64    `yaml:"minDepth" json:"minDepth"`
	MaxDepth   float64    `yaml:"maxDepth" json:"maxDepth"` // 0 means unbounded
}

// Backproject turns a depth map (and optional colour frame of any size) into
// an organised point cloud. Pixels with zero, NaN or out-of-range depth are
// skipped; IndexAt reports -1 for them.
func Backproject(depth *DepthMap, rgb image.Image, opts BackprojectOptions) (*PointCloud, error) {
	if depth == nil || depth.Width == 0 || depth.Height == 0 {
		return nil, errors.New("backproject: empty depth map")
	}
	scale := opts.DepthScale
	if scale == 0 {
		scale = 1
	}
	var intr Intrinsics
	if opts.Projection != ProjectionGrid {
		if err := opts.Intrinsics.CheckValid(); err != nil {
			return nil, errors.Wrap(err, "backproject")
		}
		intr = opts.Intrinsics.Scaled(depth.Width, depth.Height)
	}

	var sampler func(x, y int) color.NRGBA
	if rgb != nil {
		b := rgb.Bounds()
		sx := float64(b.Dx()) / float64(depth.Width)
		sy := float64(b.Dy()) / float64(depth.Height)
		sampler = func(x, y int) color.NRGBA {
			px := b.Min.X + int(float64(x)*sx)
			py := b.Min.Y + int(float64(y)*sy)
			return color.NRGBAModel.Convert(rgb.At(px, py)).(color.NRGBA)
		}
	}

	pc := &PointCloud{
		Points:     make([]r3.Vector, 0, depth.Width*depth.Height),
		Width:      depth.Width,
		Height:     depth.Height,
		pixelIndex: make([]int32, depth.Width*depth.Height),
	}
	if sampler != nil {
		pc.Colors = make([]color.NRGBA, 0, depth.Width*depth.Height)
	}
	for v := 0; v < depth.Height; v++ {
		for u := 0; u < depth.Width; u++ {
			pc.pixelIndex[v*depth.Width+u] = -1
			if !depth.Valid(u, v) {
				continue
			}
			z := depth.At(u, v) * scale
			if z < opts.MinDepth || (opts.MaxDepth > 0 && z > opts.MaxDepth) {
				continue
			}
			var p r3.Vector
			if opts.Projection == ProjectionGrid {
				p = r3.Vector{X: float64(u), Y: float64(v), Z: z}
			} else {
				p = intr.PixelToPoint(float64(u), float64(v), z)
			}
			pc.pixelIndex[v*depth.Width+u] = int32(len(pc.Points))
			pc.Points = append(pc.Points, p)
			if sampler != nil {
				pc.Colors = append(pc.Colors, sampler(u, v))
			}
		}
	}
	return pc, nil
}
