package mesh

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	// Ratio of the second to first principal variance below which a point
	// set is treated as collinear.
	collinearTolerance = 1e-10
	// Same, third to first, for coplanar sets.
	coplanarTolerance = 1e-10
	// Condition number above which a projective or affine fit is rejected.
	maxConditionNumber = 1e12
)

// Solver fits a transform to a minimal (or larger) set of point pairs.
type Solver interface {
	Name() string
	MinSamples() int
	Fit(src, dst []r3.Vector) (Transform, error)
}

// RigidSolver fits rotations and translations (Kabsch).
type RigidSolver struct{}

func (RigidSolver) Name() string    { return "rigid" }
func (RigidSolver) MinSamples() int { return 3 }
func (RigidSolver) Fit(src, dst []r3.Vector) (Transform, error) {
	return SolveRigid(src, dst)
}

// HomographySolver fits a 4x4 projective transform. Rigidity > 0 adds soft
// constraints pulling the projective row toward zero and the linear block
// toward the Kabsch rotation of the sample, which also lets four pairs
// determine the system.
type HomographySolver struct {
	Rigidity float64
}

func (HomographySolver) Name() string { return "homography" }
func (s HomographySolver) MinSamples() int {
	if s.Rigidity > 0 {
		return 4
	}
	return 5
}
func (s HomographySolver) Fit(src, dst []r3.Vector) (Transform, error) {
	return SolveHomography(src, dst, s.Rigidity)
}

// AffineSolver fits a general 12-parameter 3D affine map.
type AffineSolver struct{}

func (AffineSolver) Name() string    { return "affine" }
func (AffineSolver) MinSamples() int { return 4 }
func (AffineSolver) Fit(src, dst []r3.Vector) (Transform, error) {
	return SolveAffine(src, dst)
}

// SolveRigid returns the least-squares rigid transform mapping src onto dst
// (Kabsch). The result is always a proper rotation.
func SolveRigid(src, dst []r3.Vector) (Transform, error) {
	if err := checkPairs(src, dst, 3, "rigid"); err != nil {
		return Identity(), err
	}
	cs, cd := Centroid(src), Centroid(dst)
	if spreadRank(src, cs) < 2 || spreadRank(dst, cd) < 2 {
		return Identity(), errors.Wrap(ErrDegenerateSolve, "rigid solve: points are collinear or coincident")
	}

	// Cross-covariance H = sum (s - cs)(d - cd)^T
	var h [9]float64
	for i := range src {
		a := src[i].Sub(cs)
		b := dst[i].Sub(cd)
		av := [3]float64{a.X, a.Y, a.Z}
		bv := [3]float64{b.X, b.Y, b.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h[r*3+c] += av[r] * bv[c]
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(mat.NewDense(3, 3, h[:]), mat.SVDFull) {
		return Identity(), errors.Wrap(ErrDegenerateSolve, "rigid solve: SVD did not converge")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// Reflection fix: flip the direction of the smallest singular value.
	d := 1.0
	if mat.Det(&u)*mat.Det(&v) < 0 {
		d = -1
	}
	var rot mat.Dense
	rot.Product(&v, mat.NewDiagDense(3, []float64{1, 1, d}), u.T())

	var r [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = rot.At(i, j)
		}
	}
	t := NewRigid(r, r3.Vector{})
	rc := t.ApplyVector(cs)
	t[0][3], t[1][3], t[2][3] = cd.X-rc.X, cd.Y-rc.Y, cd.Z-rc.Z
	return t, nil
}

// SolveHomography estimates a 4x4 projective transform with the normalised
// direct linear transform. Points are shifted to their centroid and scaled
// to a mean distance of sqrt(3); the homogeneous system is solved as a
// unit-norm least-squares problem; the result is denormalised and scaled so
// that H[3][3] = 1.
func SolveHomography(src, dst []r3.Vector, rigidity float64) (Transform, error) {
	minPairs := 5
	if rigidity > 0 {
		minPairs = 4
	}
	if err := checkPairs(src, dst, minPairs, "homography"); err != nil {
		return Identity(), err
	}

	ts, ok := hartleyNormalization(src)
	if !ok {
		return Identity(), errors.Wrap(ErrDegenerateSolve, "homography: source points coincide")
	}
	td, ok := hartleyNormalization(dst)
	if !ok {
		return Identity(), errors.Wrap(ErrDegenerateSolve, "homography: target points coincide")
	}

	// Accumulate A^T A directly so large inlier sets stay cheap.
	ata := mat.NewSymDense(16, nil)
	row := make([]float64, 16)
	addRow := func(row []float64) {
		for i := 0; i < 16; i++ {
			if row[i] == 0 {
				continue
			}
			for j := i; j < 16; j++ {
				ata.SetSym(i, j, ata.At(i, j)+row[i]*row[j])
			}
		}
	}
	for i := range src {
		x := ts.Apply(src[i])
		y := td.Apply(dst[i])
		xh := [4]float64{x.X, x.Y, x.Z, 1}
		yv := [3]float64{y.X, y.Y, y.Z}
		for k := 0; k < 3; k++ {
			for j := range row {
				row[j] = 0
			}
			for j := 0; j < 4; j++ {
				row[4*k+j] = xh[j]
				row[12+j] = -yv[k] * xh[j]
			}
			addRow(row)
		}
	}
	if rigidity > 0 {
		for j := 12; j < 15; j++ {
			for i := range row {
				row[i] = 0
			}
			row[j] = rigidity
			addRow(row)
		}
		// Pull the linear block toward the sample's best rotation. A rigid
		// motion becomes a similarity with scale td/ts after normalisation.
		if r0, err := SolveRigid(src, dst); err == nil {
			k := td[0][0] / ts[0][0]
			for a := 0; a < 3; a++ {
				for b := 0; b < 3; b++ {
					for i := range row {
						row[i] = 0
					}
					row[4*a+b] = rigidity
					row[15] = -rigidity * k * r0[a][b]
					addRow(row)
				}
			}
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(ata, true) {
		return Identity(), errors.Wrap(ErrDegenerateSolve, "homography: eigen decomposition failed")
	}
	values := eig.Values(nil)
	// A second near-zero eigenvalue means the solution is not unique
	// (for example coplanar samples).
	if values[15] <= 0 || values[1] <= 1e-12*values[15] {
		return Identity(), errors.Wrap(ErrDegenerateSolve, "homography: system is rank deficient")
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	var hn Transform
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			hn[i][j] = vecs.At(4*i+j, 0)
		}
	}

	tdInv, ok := td.Inverse()
	if !ok {
		return Identity(), errors.Wrap(ErrDegenerateSolve, "homography: target normalisation is singular")
	}
	h := Compose(tdInv, Compose(hn, ts))
	if math.Abs(h[3][3]) < 1e-12 {
		return Identity(), errors.Wrap(ErrDegenerateSolve, "homography: H44 vanishes")
	}
	scale := 1 / h[3][3]
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			h[i][j] *= scale
		}
	}

	if err := checkConditioning(h, "homography"); err != nil {
		return Identity(), err
	}
	return h, nil
}

// SolveAffine returns the least-squares 3D affine map from src onto dst.
// At least four non-coplanar pairs are required.
func SolveAffine(src, dst []r3.Vector) (Transform, error) {
	if err := checkPairs(src, dst, 4, "affine"); err != nil {
		return Identity(), err
	}
	if spreadRank(src, Centroid(src)) < 3 {
		return Identity(), errors.Wrap(ErrDegenerateSolve, "affine solve: source points are coplanar")
	}
	ts, ok := hartleyNormalization(src)
	if !ok {
		return Identity(), errors.Wrap(ErrDegenerateSolve, "affine solve: source points coincide")
	}
	td, ok := hartleyNormalization(dst)
	if !ok {
		return Identity(), errors.Wrap(ErrDegenerateSolve, "affine solve: target points coincide")
	}

	n := len(src)
	a := mat.NewDense(n, 4, nil)
	b := mat.NewDense(n, 3, nil)
	for i := range src {
		x := ts.Apply(src[i])
		y := td.Apply(dst[i])
		a.SetRow(i, []float64{x.X, x.Y, x.Z, 1})
		b.SetRow(i, []float64{y.X, y.Y, y.Z})
	}
	var x mat.Dense
	if err := x.Solve(a, b); err != nil {
		return Identity(), errors.Wrapf(ErrDegenerateSolve, "affine solve: %v", err)
	}

	an := Identity()
	for k := 0; k < 3; k++ {
		for j := 0; j < 4; j++ {
			an[k][j] = x.At(j, k)
		}
	}
	tdInv, ok := td.Inverse()
	if !ok {
		return Identity(), errors.Wrap(ErrDegenerateSolve, "affine solve: target normalisation is singular")
	}
	out := Compose(tdInv, Compose(an, ts))
	if err := checkConditioning(out, "affine solve"); err != nil {
		return Identity(), err
	}
	return out, nil
}

func checkPairs(src, dst []r3.Vector, min int, name string) error {
	if len(src) != len(dst) {
		return errors.Errorf("%s solve: %d source points but %d target points", name, len(src), len(dst))
	}
	if len(src) < min {
		return errors.Wrapf(ErrInsufficientCorrespondences, "%s solve needs %d pairs, got %d", name, min, len(src))
	}
	for i := range src {
		if !finite(src[i]) || !finite(dst[i]) {
			return errors.Wrapf(ErrDegenerateSolve, "%s solve: pair %d is not finite", name, i)
		}
	}
	return nil
}

func checkConditioning(t Transform, name string) error {
	det := t.Det()
	if math.IsNaN(det) || math.Abs(det) < 1e-12 {
		return errors.Wrapf(ErrDegenerateSolve, "%s: transform is not invertible (det=%g)", name, det)
	}
	if c := mat.Cond(t.Dense(), 2); math.IsInf(c, 0) || c > maxConditionNumber {
		return errors.Wrapf(ErrDegenerateSolve, "%s: transform is ill-conditioned (cond=%g)", name, c)
	}
	return nil
}

// spreadRank returns how many principal directions of the centred point set
// carry non-negligible variance (0..3).
func spreadRank(points []r3.Vector, centroid r3.Vector) int {
	var s [9]float64
	for _, p := range points {
		d := p.Sub(centroid)
		v := [3]float64{d.X, d.Y, d.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				s[r*3+c] += v[r] * v[c]
			}
		}
	}
	var svd mat.SVD
	if !svd.Factorize(mat.NewDense(3, 3, s[:]), mat.SVDNone) {
		return 0
	}
	vals := svd.Values(nil)
	if vals[0] <= 1e-300 {
		return 0
	}
	rank := 1
	if vals[1] > collinearTolerance*vals[0] {
		rank++
	}
	if vals[2] > coplanarTolerance*vals[0] {
		rank++
	}
	return rank
}

// hartleyNormalization returns the similarity that moves the centroid to
// the origin and scales the mean distance to sqrt(3).
func hartleyNormalization(points []r3.Vector) (Transform, bool) {
	c := Centroid(points)
	var mean float64
	for _, p := range points {
		mean += p.Distance(c)
	}
	mean /= float64(len(points))
	if mean < 1e-12 {
		return Identity(), false
	}
	s := math.Sqrt(3) / mean
	return Transform{
		{s, 0, 0, -s * c.X},
		{0, s, 0, -s * c.Y},
		{0, 0, s, -s * c.Z},
		{0, 0, 0, 1},
	}, true
}
