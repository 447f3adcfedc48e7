package mesh

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// PointCloud is an ordered set of 3D points with optional per-point colour,
// normal and descriptor data. The optional slices are either nil or exactly
// as long as Points.
type PointCloud struct {
	Points      []r3.Vector
	Colors      []color.NRGBA
	Normals     []r3.Vector
	Descriptors [][]float64

	// Width and Height are set for organised clouds back-projected from a
	// depth map; pixelIndex maps v*Width+u to a point index or -1.
	Width      int
	Height     int
	pixelIndex []int32
}

// NewPointCloud returns an empty cloud with room for n points.
func NewPointCloud(n int) *PointCloud {
	return &PointCloud{Points: make([]r3.Vector, 0, n)}
}

// Len returns the number of points.
func (pc *PointCloud) Len() int {
	if pc == nil {
		return 0
	}
	return len(pc.Points)
}

func (pc *PointCloud) HasColors() bool      { return pc != nil && len(pc.Colors) == len(pc.Points) && len(pc.Points) > 0 }
func (pc *PointCloud) HasNormals() bool     { return pc != nil && len(pc.Normals) == len(pc.Points) && len(pc.Points) > 0 }
func (pc *PointCloud) HasDescriptors() bool { return pc != nil && len(pc.Descriptors) == len(pc.Points) && len(pc.Points) > 0 }

// IsOrganized reports whether the cloud keeps its source pixel grid.
func (pc *PointCloud) IsOrganized() bool {
	return pc != nil && pc.Width > 0 && pc.Height > 0 && len(pc.pixelIndex) == pc.Width*pc.Height
}

// IndexAt returns the point index back-projected from pixel (u, v), or -1
// when the pixel had no valid depth or the cloud is not organised.
func (pc *PointCloud) IndexAt(u, v int) int {
	if !pc.IsOrganized() || u < 0 || v < 0 || u >= pc.Width || v >= pc.Height {
		return -1
	}
	return int(pc.pixelIndex[v*pc.Width+u])
}

// Validate checks that optional attributes match the point count and that
// every coordinate is finite.
func (pc *PointCloud) Validate() error {
	n := len(pc.Points)
	if pc.Colors != nil && len(pc.Colors) != n {
		return errors.Errorf("cloud has %d points but %d colours", n, len(pc.Colors))
	}
	if pc.Normals != nil && len(pc.Normals) != n {
		return errors.Errorf("cloud has %d points but %d normals", n, len(pc.Normals))
	}
	if pc.Descriptors != nil && len(pc.Descriptors) != n {
		return errors.Errorf("cloud has %d points but %d descriptors", n, len(pc.Descriptors))
	}
	for i, p := range pc.Points {
		if !finite(p) {
			return errors.Errorf("point %d is not finite: %v", i, p)
		}
	}
	return nil
}

// Clone returns a deep copy of the cloud.
func (pc *PointCloud) Clone() *PointCloud {
	out := &PointCloud{
		Points: append([]r3.Vector(nil), pc.Points...),
		Width:  pc.Width,
		Height: pc.Height,
	}
	if pc.Colors != nil {
		out.Colors = append([]color.NRGBA(nil), pc.Colors...)
	}
	if pc.Normals != nil {
		out.Normals = append([]r3.Vector(nil), pc.Normals...)
	}
	if pc.Descriptors != nil {
		out.Descriptors = make([][]float64, len(pc.Descriptors))
		for i, d := range pc.Descriptors {
			out.Descriptors[i] = append([]float64(nil), d...)
		}
	}
	if pc.pixelIndex != nil {
		out.pixelIndex = append([]int32(nil), pc.pixelIndex...)
	}
	return out
}

// Transformed returns a copy of the cloud with every point mapped through t.
// Normals are rotated by the linear part of t and renormalised.
func (pc *PointCloud) Transformed(t Transform) *PointCloud {
	out := pc.Clone()
	for i, p := range out.Points {
		out.Points[i] = t.Apply(p)
	}
	for i, n := range out.Normals {
		out.Normals[i] = t.ApplyVector(n).Normalize()
	}
	return out
}

// Append adds other's points to pc. Optional attributes survive only when
// both clouds carry them. The result is no longer organised.
func (pc *PointCloud) Append(other *PointCloud) {
	if other.Len() == 0 {
		return
	}
	wasEmpty := pc.Len() == 0
	keepColors := other.HasColors() && (wasEmpty || pc.HasColors())
	keepNormals := other.HasNormals() && (wasEmpty || pc.HasNormals())

	pc.Points = append(pc.Points, other.Points...)
	if keepColors {
		pc.Colors = append(pc.Colors, other.Colors...)
	} else {
		pc.Colors = nil
	}
	if keepNormals {
		pc.Normals = append(pc.Normals, other.Normals...)
	} else {
		pc.Normals = nil
	}
	pc.Descriptors = nil
	pc.Width, pc.Height, pc.pixelIndex = 0, 0, nil
}

// Subset returns a new cloud holding the points at the given indices.
func (pc *PointCloud) Subset(indices []int) *PointCloud {
	out := &PointCloud{Points: make([]r3.Vector, len(indices))}
	if pc.HasColors() {
		out.Colors = make([]color.NRGBA, len(indices))
	}
	if pc.HasNormals() {
		out.Normals = make([]r3.Vector, len(indices))
	}
	if pc.HasDescriptors() {
		out.Descriptors = make([][]float64, len(indices))
	}
	for i, idx := range indices {
		out.Points[i] = pc.Points[idx]
		if out.Colors != nil {
			out.Colors[i] = pc.Colors[idx]
		}
		if out.Normals != nil {
			out.Normals[i] = pc.Normals[idx]
		}
		if out.Descriptors != nil {
			out.Descriptors[i] = pc.Descriptors[idx]
		}
	}
	return out
}

// Bounds returns the axis-aligned bounding box of the cloud.
func (pc *PointCloud) Bounds() (min, max r3.Vector) {
	if pc.Len() == 0 {
		return r3.Vector{}, r3.Vector{}
	}
	min, max = pc.Points[0], pc.Points[0]
	for _, p := range pc.Points[1:] {
		min = r3.Vector{X: math.Min(min.X, p.X), Y: math.Min(min.Y, p.Y), Z: math.Min(min.Z, p.Z)}
		max = r3.Vector{X: math.Max(max.X, p.X), Y: math.Max(max.Y, p.Y), Z: math.Max(max.Z, p.Z)}
	}
	return min, max
}

// Correspondence pairs a source point index with a target point index.
// Distance is the descriptor (or spatial) distance of the match.
type Correspondence struct {
	Source   int     `json:"source"`
	Target   int     `json:"target"`
	Distance float64 `json:"distance,omitempty"`
}

// CorrespondenceSet is a list of putative matches between two clouds.
type CorrespondenceSet []Correspondence

// Validate checks every index against the sizes of the two clouds.
func (s CorrespondenceSet) Validate(nSrc, nDst int) error {
	for i, c := range s {
		if c.Source < 0 || c.Source >= nSrc {
			return errors.Errorf("correspondence %d: source index %d out of range [0,%d)", i, c.Source, nSrc)
		}
		if c.Target < 0 || c.Target >= nDst {
			return errors.Errorf("correspondence %d: target index %d out of range [0,%d)", i, c.Target, nDst)
		}
	}
	return nil
}

// Points gathers the matched coordinates into two parallel slices.
func (s CorrespondenceSet) Points(src, dst []r3.Vector) ([]r3.Vector, []r3.Vector) {
	ps := make([]r3.Vector, len(s))
	pd := make([]r3.Vector, len(s))
	for i, c := range s {
		ps[i] = src[c.Source]
		pd[i] = dst[c.Target]
	}
	return ps, pd
}

// RegistrationResult is the outcome of aligning a source cloud to a target.
type RegistrationResult struct {
	Transform       Transform `json:"transform"`
	Inliers         int       `json:"inliers"`
	InlierRatio     float64   `json:"inlierRatio"`
	RMSE            float64   `json:"rmse"`
	Method          string    `json:"method"`
	Correspondences int       `json:"correspondences"`
}

// Centroid returns the mean of the points.
func Centroid(points []r3.Vector) r3.Vector {
	if len(points) == 0 {
		return r3.Vector{}
	}
	var sum r3.Vector
	for _, p := range points {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(points)))
}

func finite(p r3.Vector) bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsNaN(p.Z) &&
		!math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0) && !math.IsInf(p.Z, 0)
}
