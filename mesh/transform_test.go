package mesh

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomPoints returns n points uniformly inside a cube of the given extent.
func randomPoints(rng *rand.Rand, n int, extent float64) []r3.Vector {
	pts := make([]r3.Vector, n)
	for i := range pts {
		pts[i] = r3.Vector{
			X: (rng.Float64() - 0.5) * extent,
			Y: (rng.Float64() - 0.5) * extent,
			Z: (rng.Float64() - 0.5) * extent,
		}
	}
	return pts
}

// randomRigid returns a rotation of at most maxAngle radians about a random
// axis followed by a translation of at most maxShift per axis.
func randomRigid(rng *rand.Rand, maxAngle, maxShift float64) Transform {
	axis := r3.Vector{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
	t := RotationAxisAngle(axis, (rng.Float64()*2-1)*maxAngle)
	t[0][3] = (rng.Float64()*2 - 1) * maxShift
	t[1][3] = (rng.Float64()*2 - 1) * maxShift
	t[2][3] = (rng.Float64()*2 - 1) * maxShift
	return t
}

func assertTransformNear(t *testing.T, want, got Transform, tol float64) {
	t.Helper()
	if d := MaxAbsDifference(want, got); d > tol {
		t.Errorf("transform differs by %g (tol %g)\nwant %v\ngot  %v", d, tol, want, got)
	}
}

func TestIdentity_Apply(t *testing.T) {
	p := r3.Vector{X: 1, Y: -2, Z: 3}
	assert.Equal(t, p, Identity().Apply(p))
}

func TestCompose_Order(t *testing.T) {
	tr := Translation(1, 0, 0)
	rot := RotationAxisAngle(r3.Vector{Z: 1}, math.Pi/2)
	p := r3.Vector{X: 1}

	// rot first, then tr
	got := Compose(tr, rot).Apply(p)
	assert.InDelta(t, 1.0, got.X, 1e-12)
	assert.InDelta(t, 1.0, got.Y, 1e-12)

	// tr first, then rot
	got = Compose(rot, tr).Apply(p)
	assert.InDelta(t, 0.0, got.X, 1e-12)
	assert.InDelta(t, 2.0, got.Y, 1e-12)
}

func TestInverse_Rigid(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))
	for i := 0; i < 20; i++ {
		tr := randomRigid(rng, math.Pi, 10)
		inv, ok := tr.Inverse()
		require.True(t, ok)
		assertTransformNear(t, Identity(), Compose(inv, tr), 1e-9)
	}
}

func TestInverse_Projective(t *testing.T) {
	h := Identity()
	h[0][1] = 0.2
	h[3][0] = 0.01
	h[3][2] = -0.02
	inv, ok := h.Inverse()
	require.True(t, ok)
	assertTransformNear(t, Identity(), Compose(h, inv), 1e-9)
}

func TestInverse_Singular(t *testing.T) {
	var zero Transform
	inv, ok := zero.Inverse()
	assert.False(t, ok)
	assert.Equal(t, Identity(), inv)
}

func TestApply_HomogeneousDivide(t *testing.T) {
	h := Identity()
	h[3][3] = 2
	got := h.Apply(r3.Vector{X: 2, Y: 4, Z: 6})
	assert.InDelta(t, 1.0, got.X, 1e-12)
	assert.InDelta(t, 2.0, got.Y, 1e-12)
	assert.InDelta(t, 3.0, got.Z, 1e-12)

	h = Identity()
	h[3][0] = 1
	h[3][3] = 0
	got = h.Apply(r3.Vector{})
	assert.True(t, math.IsInf(got.X, 1), "w=0 should send the point to infinity")
}

func TestIsRigid(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))
	assert.True(t, randomRigid(rng, 1, 5).IsRigid(1e-9))

	scaled := Identity()
	scaled[0][0] = 1.1
	assert.False(t, scaled.IsRigid(1e-6))

	reflection := Identity()
	reflection[2][2] = -1
	assert.False(t, reflection.IsRigid(1e-6), "reflections are not proper rotations")
}

func TestOrthonormalize(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))
	tr := randomRigid(rng, 1, 5)
	noisy := tr
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			noisy[i][j] += (rng.Float64() - 0.5) * 1e-3
		}
	}
	require.False(t, noisy.IsRigid(1e-6))
	noisy.Orthonormalize()
	assert.True(t, noisy.IsRigid(1e-9))
	assert.Less(t, RotationDifference(tr, noisy), 1e-2)
	assert.Equal(t, tr.TranslationVector(), noisy.TranslationVector())
}

func TestQuaternion_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))
	for i := 0; i < 50; i++ {
		tr := randomRigid(rng, math.Pi, 0)
		back := FromQuaternion(tr.Quaternion())
		assertTransformNear(t, tr, back, 1e-9)
	}
}

func TestRotationAngle(t *testing.T) {
	tr := RotationAxisAngle(r3.Vector{X: 1, Y: 1}, 0.3)
	assert.InDelta(t, 0.3, tr.RotationAngle(), 1e-12)
	assert.InDelta(t, 0.3, RotationDifference(Identity(), tr), 1e-12)
}

func TestRigidFromTwist_SmallAngle(t *testing.T) {
	tr := rigidFromTwist(r3.Vector{Z: 1e-14}, r3.Vector{X: 1})
	assert.True(t, tr.IsRigid(1e-9))
	assert.InDelta(t, 1.0, tr[0][3], 1e-12)
}

func TestPointCloud_Transformed(t *testing.T) {
	pc := &PointCloud{
		Points:  []r3.Vector{{X: 1}},
		Normals: []r3.Vector{{X: 1}},
	}
	out := pc.Transformed(Compose(Translation(0, 0, 5), RotationAxisAngle(r3.Vector{Z: 1}, math.Pi/2)))
	assert.InDelta(t, 1.0, out.Points[0].Y, 1e-12)
	assert.InDelta(t, 5.0, out.Points[0].Z, 1e-12)
	assert.InDelta(t, 1.0, out.Normals[0].Y, 1e-12)
	assert.Equal(t, 1.0, pc.Points[0].X, "source cloud must not change")
}

func TestPointCloud_AppendDropsMismatchedAttributes(t *testing.T) {
	a := &PointCloud{Points: []r3.Vector{{X: 1}}}
	b := &PointCloud{Points: []r3.Vector{{X: 2}}, Normals: []r3.Vector{{Z: 1}}}
	a.Append(b)
	assert.Equal(t, 2, a.Len())
	assert.Nil(t, a.Normals)
	require.NoError(t, a.Validate())
}

func TestCorrespondenceSet_Validate(t *testing.T) {
	set := CorrespondenceSet{{Source: 0, Target: 1}, {Source: 2, Target: 0}}
	assert.NoError(t, set.Validate(3, 2))
	assert.Error(t, set.Validate(2, 2))
	assert.Error(t, CorrespondenceSet{{Source: 0, Target: -1}}.Validate(1, 1))
}
