package mesh

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// FGRConfig holds Fast Global Registration parameters.
// MaxCorrespondenceDistance is in the units of the input clouds.
type FGRConfig struct {
	Iterations                int     `yaml:"iterations" json:"iterations"`
	DivisionFactor            float64 `yaml:"divisionFactor" json:"divisionFactor"`
	DecreaseEvery             int     `yaml:"decreaseEvery" json:"decreaseEvery"`
	MaxCorrespondenceDistance float64 `yaml:"maxCorrespondenceDistance" json:"maxCorrespondenceDistance"`
	MinInliers                int     `yaml:"minInliers" json:"minInliers"`
}

// DefaultFGRConfig returns the usual FGR schedule for a given distance.
func DefaultFGRConfig(maxDist float64) FGRConfig {
	return FGRConfig{
		Iterations:                64,
		DivisionFactor:            1.4,
		DecreaseEvery:             4,
		MaxCorrespondenceDistance: maxDist,
		MinInliers:                3,
	}
}

// FGR estimates a rigid transform by graduated non-convexity over the
// Geman-McClure objective. It uses every correspondence and no sampling, so
// identical inputs always produce identical output.
type FGR struct {
	Config FGRConfig
}

func (f *FGR) Name() string { return "fgr" }

// Estimate runs the optimisation. rng is unused.
func (f *FGR) Estimate(src, dst []r3.Vector, corr CorrespondenceSet, _ *rand.Rand) (RegistrationResult, error) {
	cfg := f.Config
	res := RegistrationResult{Transform: Identity(), Method: f.Name(), Correspondences: len(corr)}
	if err := corr.Validate(len(src), len(dst)); err != nil {
		return res, err
	}
	if len(corr) < 3 {
		return res, errors.Wrapf(ErrInsufficientCorrespondences, "%d correspondences, need 3", len(corr))
	}
	if cfg.MaxCorrespondenceDistance <= 0 {
		return res, errors.New("fgr: max correspondence distance must be > 0")
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = 64
	}
	if cfg.DivisionFactor <= 1 {
		cfg.DivisionFactor = 1.4
	}
	if cfg.DecreaseEvery <= 0 {
		cfg.DecreaseEvery = 4
	}

	ps, pd := corr.Points(src, dst)

	// Normalise: centre each side, one common scale.
	ms, md := Centroid(ps), Centroid(pd)
	var scale float64
	for i := range ps {
		scale = math.Max(scale, ps[i].Sub(ms).Norm())
		scale = math.Max(scale, pd[i].Sub(md).Norm())
	}
	if scale < 1e-12 {
		return res, errors.Wrap(ErrDegenerateSolve, "fgr: correspondences collapse to a point")
	}
	ns := make([]r3.Vector, len(ps))
	nd := make([]r3.Vector, len(pd))
	for i := range ps {
		ns[i] = ps[i].Sub(ms).Mul(1 / scale)
		nd[i] = pd[i].Sub(md).Mul(1 / scale)
	}

	delta := cfg.MaxCorrespondenceDistance / scale
	muFloor := delta * delta
	mu := 1.0
	tn := Identity()

	jtj := mat.NewDense(6, 6, nil)
	jtr := mat.NewVecDense(6, nil)
	var step mat.VecDense
	for itr := 0; itr < cfg.Iterations; itr++ {
		if itr%cfg.DecreaseEvery == 0 && mu > muFloor {
			mu /= cfg.DivisionFactor
		}
		jtj.Zero()
		jtr.Zero()
		for i := range ns {
			q := tn.Apply(ns[i])
			e := q.Sub(nd[i])
			r2 := e.Dot(e)
			w := mu / (mu + r2)
			w *= w

			rows := [3][6]float64{
				{0, q.Z, -q.Y, 1, 0, 0},
				{-q.Z, 0, q.X, 0, 1, 0},
				{q.Y, -q.X, 0, 0, 0, 1},
			}
			ev := [3]float64{e.X, e.Y, e.Z}
			for k := 0; k < 3; k++ {
				for a := 0; a < 6; a++ {
					if rows[k][a] == 0 {
						continue
					}
					jtr.SetVec(a, jtr.AtVec(a)+w*rows[k][a]*ev[k])
					for b := 0; b < 6; b++ {
						if rows[k][b] == 0 {
							continue
						}
						jtj.Set(a, b, jtj.At(a, b)+w*rows[k][a]*rows[k][b])
					}
				}
			}
		}
		jtr.ScaleVec(-1, jtr)
		if err := step.SolveVec(jtj, jtr); err != nil {
			return res, errors.Wrapf(ErrDegenerateSolve, "fgr: normal equations at iteration %d: %v", itr, err)
		}
		update := rigidFromTwist(
			r3.Vector{X: step.AtVec(0), Y: step.AtVec(1), Z: step.AtVec(2)},
			r3.Vector{X: step.AtVec(3), Y: step.AtVec(4), Z: step.AtVec(5)},
		)
		tn = Compose(update, tn)
	}
	tn.Orthonormalize()

	// Undo normalisation: p_dst = R p_src + scale*t_n + m_dst - R m_src.
	out := tn
	rms := tn.ApplyVector(ms)
	tt := tn.TranslationVector()
	out[0][3] = scale*tt.X + md.X - rms.X
	out[1][3] = scale*tt.Y + md.Y - rms.Y
	out[2][3] = scale*tt.Z + md.Z - rms.Z

	var inliers []int
	count, _ := scoreTransform(out, ps, pd, cfg.MaxCorrespondenceDistance, &inliers)
	res.Transform = out
	res.Inliers = count
	res.InlierRatio = float64(count) / float64(len(ps))
	res.RMSE = rmseOver(out, ps, pd, inliers)

	minInliers := cfg.MinInliers
	if minInliers < 3 {
		minInliers = 3
	}
	if count < minInliers {
		return res, errors.Wrapf(ErrNoConsensus, "fgr: %d inliers, need %d", count, minInliers)
	}
	return res, nil
}
