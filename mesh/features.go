package mesh

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// FPFHBins is the length of an FPFH descriptor: three 11-bin histograms.
const FPFHBins = 33

// FeatureConfig holds the neighbourhood sizes used for normals and FPFH.
// Radii are in cloud units; the defaults are multiples of the voxel size.
type FeatureConfig struct {
	NormalRadius  float64   `yaml:"normalRadius" json:"normalRadius"`
	NormalMaxNN   int       `yaml:"normalMaxNN" json:"normalMaxNN"`
	FeatureRadius float64   `yaml:"featureRadius" json:"featureRadius"`
	FeatureMaxNN  int       `yaml:"featureMaxNN" json:"featureMaxNN"`
	OrientNormals bool      `yaml:"orientNormals" json:"orientNormals"`
	OrientToward  r3.Vector `yaml:"-" json:"-"` // camera centre; the origin for back-projected frames
}

// DefaultFeatureConfig scales neighbourhoods to the voxel size
// (normals at 2 voxels, FPFH at 5 voxels).
func DefaultFeatureConfig(voxel float64) FeatureConfig {
	return FeatureConfig{
		NormalRadius:  voxel * 2,
		NormalMaxNN:   30,
		FeatureRadius: voxel * 5,
		FeatureMaxNN:  100,
		OrientNormals: true,
	}
}

// EstimateNormals fits a plane to each point's neighbourhood (radius search
// capped at maxNN, falling back to the maxNN nearest points when the radius
// is 0) and stores the smallest principal direction as the normal. Normals
// are flipped to face viewpoint when orient is set.
func EstimateNormals(pc *PointCloud, index *PointIndex, radius float64, maxNN int, orient bool, viewpoint r3.Vector) {
	if index == nil {
		index = NewPointIndex(pc.Points)
	}
	if maxNN <= 0 {
		maxNN = 30
	}
	normals := make([]r3.Vector, len(pc.Points))
	for i, p := range pc.Points {
		var nn []Neighbor
		if radius > 0 {
			nn = index.Radius(p, radius)
			if len(nn) > maxNN {
				nn = nn[:maxNN]
			}
		} else {
			nn = index.KNearest(p, maxNN)
		}
		n, ok := planeNormal(pc.Points, nn)
		if !ok {
			n = r3.Vector{Z: 1}
		}
		if orient && n.Dot(viewpoint.Sub(p)) < 0 {
			n = n.Mul(-1)
		}
		normals[i] = n
	}
	pc.Normals = normals
}

// planeNormal returns the eigenvector of the neighbourhood covariance with
// the smallest eigenvalue.
func planeNormal(points []r3.Vector, nn []Neighbor) (r3.Vector, bool) {
	if len(nn) < 3 {
		return r3.Vector{}, false
	}
	var c r3.Vector
	for _, n := range nn {
		c = c.Add(points[n.Index])
	}
	c = c.Mul(1 / float64(len(nn)))
	cov := mat.NewSymDense(3, nil)
	for _, n := range nn {
		d := points[n.Index].Sub(c)
		v := [3]float64{d.X, d.Y, d.Z}
		for r := 0; r < 3; r++ {
			for k := r; k < 3; k++ {
				cov.SetSym(r, k, cov.At(r, k)+v[r]*v[k])
			}
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(cov, true) {
		return r3.Vector{}, false
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	n := r3.Vector{X: vecs.At(0, 0), Y: vecs.At(1, 0), Z: vecs.At(2, 0)}
	if n.Norm() == 0 {
		return r3.Vector{}, false
	}
	return n.Normalize(), true
}

// ComputeFPFH fills pc.Descriptors with Fast Point Feature Histograms. The
// cloud must carry normals.
func ComputeFPFH(pc *PointCloud, index *PointIndex, radius float64, maxNN int) {
	if index == nil {
		index = NewPointIndex(pc.Points)
	}
	n := len(pc.Points)
	neighbors := make([][]Neighbor, n)
	spfh := make([][FPFHBins]float64, n)
	for i, p := range pc.Points {
		nn := index.Radius(p, radius)
		if maxNN > 0 && len(nn) > maxNN {
			nn = nn[:maxNN]
		}
		neighbors[i] = nn
		spfh[i] = simplifiedPFH(pc, i, nn)
	}

	desc := make([][]float64, n)
	for i := range pc.Points {
		f := make([]float64, FPFHBins)
		var sums [3]float64
		for _, nb := range neighbors[i] {
			if nb.Index == i || nb.Distance == 0 {
				continue
			}
			for j := 0; j < FPFHBins; j++ {
				v := spfh[nb.Index][j] / nb.Distance
				sums[j/11] += v
				f[j] += v
			}
		}
		for k := range sums {
			if sums[k] != 0 {
				sums[k] = 100 / sums[k]
			}
		}
		for j := 0; j < FPFHBins; j++ {
			f[j] = f[j]*sums[j/11] + spfh[i][j]
		}
		desc[i] = f
	}
	pc.Descriptors = desc
}

func simplifiedPFH(pc *PointCloud, i int, nn []Neighbor) [FPFHBins]float64 {
	var h [FPFHBins]float64
	count := 0
	for _, nb := range nn {
		if nb.Index != i {
			count++
		}
	}
	if count == 0 {
		return h
	}
	inc := 100 / float64(count)
	for _, nb := range nn {
		if nb.Index == i {
			continue
		}
		f1, f2, f3, ok := pairFeatures(pc.Points[i], pc.Normals[i], pc.Points[nb.Index], pc.Normals[nb.Index])
		if !ok {
			continue
		}
		h[histBin((f1+math.Pi)/(2*math.Pi))] += inc
		h[11+histBin((f2+1)/2)] += inc
		h[22+histBin((f3+1)/2)] += inc
	}
	return h
}

func histBin(unit float64) int {
	b := int(math.Floor(11 * unit))
	if b < 0 {
		return 0
	}
	if b > 10 {
		return 10
	}
	return b
}

// pairFeatures computes the Darboux-frame angles between two oriented points.
func pairFeatures(p1, n1, p2, n2 r3.Vector) (f1, f2, f3 float64, ok bool) {
	dp := p2.Sub(p1)
	dist := dp.Norm()
	if dist == 0 {
		return 0, 0, 0, false
	}
	a1 := n1.Dot(dp) / dist
	a2 := n2.Dot(dp) / dist
	nu, nv := n1, n2
	if math.Acos(math.Min(1, math.Abs(a1))) > math.Acos(math.Min(1, math.Abs(a2))) {
		nu, nv = n2, n1
		dp = dp.Mul(-1)
		f3 = -a2
	} else {
		f3 = a1
	}
	v := dp.Cross(nu)
	vn := v.Norm()
	if vn == 0 {
		return 0, 0, 0, false
	}
	v = v.Mul(1 / vn)
	w := nu.Cross(v)
	f2 = v.Dot(nv)
	f1 = math.Atan2(w.Dot(nv), nu.Dot(nv))
	return f1, f2, f3, true
}

type voxelKey struct{ x, y, z int64 }

type voxelAccum struct {
	sum     r3.Vector
	normal  r3.Vector
	r, g, b float64
	count   int
}

// VoxelDownsample replaces the points inside each occupied voxel of the
// given size by their centroid (colours and normals averaged). Output order
// follows the first point seen in each voxel. Descriptors are dropped.
func VoxelDownsample(pc *PointCloud, size float64) *PointCloud {
	if size <= 0 || pc.Len() == 0 {
		out := pc.Clone()
		out.Width, out.Height, out.pixelIndex = 0, 0, nil
		return out
	}
	withColor := pc.HasColors()
	withNormal := pc.HasNormals()

	slots := make(map[voxelKey]int)
	var acc []voxelAccum
	for i, p := range pc.Points {
		k := voxelKey{
			x: int64(math.Floor(p.X / size)),
			y: int64(math.Floor(p.Y / size)),
			z: int64(math.Floor(p.Z / size)),
		}
		slot, ok := slots[k]
		if !ok {
			slot = len(acc)
			slots[k] = slot
			acc = append(acc, voxelAccum{})
		}
		a := &acc[slot]
		a.sum = a.sum.Add(p)
		a.count++
		if withColor {
			c := pc.Colors[i]
			a.r += float64(c.R)
			a.g += float64(c.G)
			a.b += float64(c.B)
		}
		if withNormal {
			a.normal = a.normal.Add(pc.Normals[i])
		}
	}

	out := &PointCloud{Points: make([]r3.Vector, len(acc))}
	if withColor {
		out.Colors = make([]color.NRGBA, len(acc))
	}
	if withNormal {
		out.Normals = make([]r3.Vector, len(acc))
	}
	for i, a := range acc {
		inv := 1 / float64(a.count)
		out.Points[i] = a.sum.Mul(inv)
		if withColor {
			out.Colors[i] = color.NRGBA{
				R: uint8(math.Round(a.r * inv)),
				G: uint8(math.Round(a.g * inv)),
				B: uint8(math.Round(a.b * inv)),
				A: 255,
			}
		}
		if withNormal {
			if a.normal.Norm() > 0 {
				out.Normals[i] = a.normal.Normalize()
			} else {
				out.Normals[i] = r3.Vector{Z: 1}
			}
		}
	}
	return out
}

// PrepareFeatures downsamples a cloud and attaches normals and FPFH
// descriptors, returning the sparse cloud used for descriptor matching.
func PrepareFeatures(pc *PointCloud, voxel float64, cfg FeatureConfig) *PointCloud {
	sparse := VoxelDownsample(pc, voxel)
	index := NewPointIndex(sparse.Points)
	EstimateNormals(sparse, index, cfg.NormalRadius, cfg.NormalMaxNN, cfg.OrientNormals, cfg.OrientToward)
	ComputeFPFH(sparse, index, cfg.FeatureRadius, cfg.FeatureMaxNN)
	return sparse
}
