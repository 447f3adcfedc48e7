package mesh

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFGR_RecoversTransformWithOutliers(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))
	want := Compose(Translation(0.5, -0.3, 0.2), RotationAxisAngle(r3.Vector{X: 0.2, Y: 1, Z: 0.1}, 0.4))
	src, dst, corr := contaminatedPairs(rng, want, 300, 210, 4) // 30% outliers

	f := &FGR{Config: DefaultFGRConfig(0.05)}
	res, err := f.Estimate(src, dst, corr, nil)
	require.NoError(t, err)
	assert.True(t, res.Transform.IsRigid(1e-9))
	assert.Less(t, RotationDifference(want, res.Transform), 0.01)
	assert.Less(t, TranslationDifference(want, res.Transform), 0.02)
	assert.GreaterOrEqual(t, res.Inliers, 200)
	assert.Equal(t, "fgr", res.Method)
}

func TestFGR_ExactCorrespondences(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))
	want := randomRigid(rng, 0.3, 1)
	src := randomPoints(rng, 50, 3)
	dst := TransformPoints(src, want)
	corr := make(CorrespondenceSet, len(src))
	for i := range corr {
		corr[i] = Correspondence{Source: i, Target: i}
	}

	res, err := (&FGR{Config: DefaultFGRConfig(0.05)}).Estimate(src, dst, corr, nil)
	require.NoError(t, err)
	assertTransformNear(t, want, res.Transform, 1e-6)
	assert.Equal(t, 50, res.Inliers)
}

func TestFGR_Deterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))
	want := randomRigid(rng, 0.3, 1)
	src, dst, corr := contaminatedPairs(rng, want, 100, 70, 4)

	f := &FGR{Config: DefaultFGRConfig(0.05)}
	a, errA := f.Estimate(src, dst, corr, rand.New(rand.NewSource(1)))
	b, errB := f.Estimate(src, dst, corr, rand.New(rand.NewSource(2)))
	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, a, b)
}

func TestFGR_Errors(t *testing.T) {
	f := &FGR{Config: DefaultFGRConfig(0.05)}
	pts := []r3.Vector{{X: 1}, {X: 2}}
	_, err := f.Estimate(pts, pts, CorrespondenceSet{{0, 0, 0}, {1, 1, 0}}, nil)
	assert.True(t, errors.Is(err, ErrInsufficientCorrespondences), "got %v", err)

	same := []r3.Vector{{X: 1}, {X: 1}, {X: 1}}
	corr := CorrespondenceSet{{0, 0, 0}, {1, 1, 0}, {2, 2, 0}}
	_, err = f.Estimate(same, same, corr, nil)
	assert.True(t, errors.Is(err, ErrDegenerateSolve), "got %v", err)
}

func TestFGR_ScheduleReachesFloor(t *testing.T) {
	// With a generous distance the schedule stops shrinking mu early; the
	// result must still be exact on clean data.
	rng := rand.New(rand.NewSource(99))
	want := randomRigid(rng, 0.2, 0.5)
	src := randomPoints(rng, 40, 2)
	dst := TransformPoints(src, want)
	corr := make(CorrespondenceSet, len(src))
	for i := range corr {
		corr[i] = Correspondence{Source: i, Target: i}
	}
	cfg := DefaultFGRConfig(0.5)
	res, err := (&FGR{Config: cfg}).Estimate(src, dst, corr, nil)
	require.NoError(t, err)
	assert.Less(t, RotationDifference(want, res.Transform), 1e-6)
	assert.False(t, math.IsNaN(res.RMSE))
}
