package mesh

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Transform is a 4x4 homogeneous transform in row-major order. Rigid and
// affine transforms have a last row of (0, 0, 0, 1); projective transforms
// (3D homographies) do not.
type Transform [4][4]float64

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// Translation creates a translation-only transform
func Translation(tx, ty, tz float64) Transform {
	t := Identity()
	t[0][3], t[1][3], t[2][3] = tx, ty, tz
	return t
}

// NewRigid builds a transform from a 3x3 rotation and a translation.
func NewRigid(r [3][3]float64, t r3.Vector) Transform {
	return Transform{
		{r[0][0], r[0][1], r[0][2], t.X},
		{r[1][0], r[1][1], r[1][2], t.Y},
		{r[2][0], r[2][1], r[2][2], t.Z},
		{0, 0, 0, 1},
	}
}

// RotationAxisAngle creates a rotation of angle radians about axis.
func RotationAxisAngle(axis r3.Vector, angle float64) Transform {
	if axis.Norm() == 0 {
		return Identity()
	}
	a := axis.Normalize()
	s := math.Sin(angle / 2)
	return FromQuaternion(quat.Number{Real: math.Cos(angle / 2), Imag: a.X * s, Jmag: a.Y * s, Kmag: a.Z * s})
}

// FromQuaternion creates a rotation from a (not necessarily unit) quaternion.
func FromQuaternion(q quat.Number) Transform {
	if n := quat.Abs(q); n != 1 && n > 0 {
		q = quat.Scale(1/n, q)
	}
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return NewRigid([3][3]float64{
		{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
		{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
		{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
	}, r3.Vector{})
}

// Quaternion returns the unit quaternion of the rotation part.
func (t Transform) Quaternion() quat.Number {
	r := t.Rotation()
	tr := r[0][0] + r[1][1] + r[2][2]
	var q quat.Number
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = quat.Number{Real: s / 4, Imag: (r[2][1] - r[1][2]) / s, Jmag: (r[0][2] - r[2][0]) / s, Kmag: (r[1][0] - r[0][1]) / s}
	case r[0][0] > r[1][1] && r[0][0] > r[2][2]:
		s := math.Sqrt(1+r[0][0]-r[1][1]-r[2][2]) * 2
		q = quat.Number{Real: (r[2][1] - r[1][2]) / s, Imag: s / 4, Jmag: (r[0][1] + r[1][0]) / s, Kmag: (r[0][2] + r[2][0]) / s}
	case r[1][1] > r[2][2]:
		s := math.Sqrt(1+r[1][1]-r[0][0]-r[2][2]) * 2
		q = quat.Number{Real: (r[0][2] - r[2][0]) / s, Imag: (r[0][1] + r[1][0]) / s, Jmag: s / 4, Kmag: (r[1][2] + r[2][1]) / s}
	default:
		s := math.Sqrt(1+r[2][2]-r[0][0]-r[1][1]) * 2
		q = quat.Number{Real: (r[1][0] - r[0][1]) / s, Imag: (r[0][2] + r[2][0]) / s, Jmag: (r[1][2] + r[2][1]) / s, Kmag: s / 4}
	}
	if n := quat.Abs(q); n > 0 {
		q = quat.Scale(1/n, q)
	}
	return q
}

// Apply maps a point through the transform, dividing by the homogeneous
// coordinate. Points sent to infinity come back as +Inf.
func (t Transform) Apply(p r3.Vector) r3.Vector {
	x := t[0][0]*p.X + t[0][1]*p.Y + t[0][2]*p.Z + t[0][3]
	y := t[1][0]*p.X + t[1][1]*p.Y + t[1][2]*p.Z + t[1][3]
	z := t[2][0]*p.X + t[2][1]*p.Y + t[2][2]*p.Z + t[2][3]
	w := t[3][0]*p.X + t[3][1]*p.Y + t[3][2]*p.Z + t[3][3]
	if w == 1 {
		return r3.Vector{X: x, Y: y, Z: z}
	}
	if math.Abs(w) < 1e-12 {
		inf := math.Inf(1)
		return r3.Vector{X: inf, Y: inf, Z: inf}
	}
	return r3.Vector{X: x / w, Y: y / w, Z: z / w}
}

// ApplyVector maps a direction through the linear 3x3 part only.
func (t Transform) ApplyVector(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: t[0][0]*v.X + t[0][1]*v.Y + t[0][2]*v.Z,
		Y: t[1][0]*v.X + t[1][1]*v.Y + t[1][2]*v.Z,
		Z: t[2][0]*v.X + t[2][1]*v.Y + t[2][2]*v.Z,
	}
}

// TransformPoints applies a transform to multiple points
func TransformPoints(points []r3.Vector, t Transform) []r3.Vector {
	result := make([]r3.Vector, len(points))
	for i, p := range points {
		result[i] = t.Apply(p)
	}
	return result
}

// Compose returns a*b. Applying the result is equivalent to applying b
// first, then a.
func Compose(a, b Transform) Transform {
	var out Transform
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += a[i][k] * b[k][j]
			}
			out[i][j] = sum
		}
	}
	return out
}

// Rotation returns the upper-left 3x3 block.
func (t Transform) Rotation() [3][3]float64 {
	return [3][3]float64{
		{t[0][0], t[0][1], t[0][2]},
		{t[1][0], t[1][1], t[1][2]},
		{t[2][0], t[2][1], t[2][2]},
	}
}

// TranslationVector returns the translation column.
func (t Transform) TranslationVector() r3.Vector {
	return r3.Vector{X: t[0][3], Y: t[1][3], Z: t[2][3]}
}

// IsAffine reports whether the last row is (0, 0, 0, 1).
func (t Transform) IsAffine(tol float64) bool {
	return math.Abs(t[3][0]) <= tol && math.Abs(t[3][1]) <= tol &&
		math.Abs(t[3][2]) <= tol && math.Abs(t[3][3]-1) <= tol
}

// IsRigid reports whether t is a proper rigid motion: affine, R^T R = I and
// det(R) = +1 within tol.
func (t Transform) IsRigid(tol float64) bool {
	if !t.IsAffine(tol) {
		return false
	}
	r := t.Rotation()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var dot float64
			for k := 0; k < 3; k++ {
				dot += r[k][i] * r[k][j]
			}
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(dot-want) > tol {
				return false
			}
		}
	}
	return math.Abs(det3(r)-1) <= tol
}

// Orthonormalize replaces the rotation block with the nearest proper
// rotation (polar decomposition via SVD). The last row is reset to affine.
func (t *Transform) Orthonormalize() {
	r := t.Rotation()
	m := mat.NewDense(3, 3, []float64{
		r[0][0], r[0][1], r[0][2],
		r[1][0], r[1][1], r[1][2],
		r[2][0], r[2][1], r[2][2],
	})
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDFull) {
		return
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	d := 1.0
	if mat.Det(&u)*mat.Det(&v) < 0 {
		d = -1
	}
	var rot mat.Dense
	rot.Product(&u, mat.NewDiagDense(3, []float64{1, 1, d}), v.T())
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t[i][j] = rot.At(i, j)
		}
	}
	t[3] = [4]float64{0, 0, 0, 1}
}

// Inverse returns the inverse transform. Rigid transforms are inverted in
// closed form; anything else goes through an LU inverse. ok is false when
// the matrix is singular, in which case Identity is returned.
func (t Transform) Inverse() (inv Transform, ok bool) {
	if t.IsRigid(1e-9) {
		r := t.Rotation()
		var rt [3][3]float64
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				rt[i][j] = r[j][i]
			}
		}
		tr := t.TranslationVector()
		inv = NewRigid(rt, r3.Vector{
			X: -(rt[0][0]*tr.X + rt[0][1]*tr.Y + rt[0][2]*tr.Z),
			Y: -(rt[1][0]*tr.X + rt[1][1]*tr.Y + rt[1][2]*tr.Z),
			Z: -(rt[2][0]*tr.X + rt[2][1]*tr.Y + rt[2][2]*tr.Z),
		})
		return inv, true
	}
	var d mat.Dense
	if err := d.Inverse(t.Dense()); err != nil {
		return Identity(), false
	}
	return TransformFromDense(&d), true
}

// Det returns the determinant of the full 4x4 matrix.
func (t Transform) Det() float64 {
	return mat.Det(t.Dense())
}

// Dense copies the transform into a gonum matrix.
func (t Transform) Dense() *mat.Dense {
	data := make([]float64, 0, 16)
	for i := 0; i < 4; i++ {
		data = append(data, t[i][:]...)
	}
	return mat.NewDense(4, 4, data)
}

// TransformFromDense copies a 4x4 gonum matrix into a Transform.
func TransformFromDense(m mat.Matrix) Transform {
	var t Transform
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			t[i][j] = m.At(i, j)
		}
	}
	return t
}

// RotationAngle returns the rotation angle (radians) of the 3x3 block.
func (t Transform) RotationAngle() float64 {
	r := t.Rotation()
	c := (r[0][0] + r[1][1] + r[2][2] - 1) / 2
	return math.Acos(math.Max(-1, math.Min(1, c)))
}

// RotationDifference returns the angle (radians) of the relative rotation
// between a and b.
func RotationDifference(a, b Transform) float64 {
	ra, rb := a.Rotation(), b.Rotation()
	var trace float64
	for i := 0; i < 3; i++ {
		for k := 0; k < 3; k++ {
			trace += ra[k][i] * rb[k][i]
		}
	}
	c := (trace - 1) / 2
	return math.Acos(math.Max(-1, math.Min(1, c)))
}

// TranslationDifference returns the distance between the translations of a and b.
func TranslationDifference(a, b Transform) float64 {
	return a.TranslationVector().Distance(b.TranslationVector())
}

// MaxAbsDifference returns the largest elementwise difference between a and b.
func MaxAbsDifference(a, b Transform) float64 {
	var m float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			m = math.Max(m, math.Abs(a[i][j]-b[i][j]))
		}
	}
	return m
}

// rigidFromTwist builds exp([ω]x) with translation v using Rodrigues' formula.
func rigidFromTwist(omega, v r3.Vector) Transform {
	theta := omega.Norm()
	if theta < 1e-12 {
		r := [3][3]float64{
			{1, -omega.Z, omega.Y},
			{omega.Z, 1, -omega.X},
			{-omega.Y, omega.X, 1},
		}
		t := NewRigid(r, v)
		t.Orthonormalize()
		return t
	}
	rot := RotationAxisAngle(omega, theta)
	rot[0][3], rot[1][3], rot[2][3] = v.X, v.Y, v.Z
	return rot
}

func det3(r [3][3]float64) float64 {
	return r[0][0]*(r[1][1]*r[2][2]-r[1][2]*r[2][1]) -
		r[0][1]*(r[1][0]*r[2][2]-r[1][2]*r[2][0]) +
		r[0][2]*(r[1][0]*r[2][1]-r[1][1]*r[2][0])
}
