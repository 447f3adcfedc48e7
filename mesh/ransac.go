package mesh

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Estimator produces a robust transform from putative correspondences.
// Each call gets its own random source so concurrent calls stay
// reproducible; deterministic estimators ignore it.
type Estimator interface {
	Name() string
	Estimate(src, dst []r3.Vector, corr CorrespondenceSet, rng *rand.Rand) (RegistrationResult, error)
}

// RANSACConfig holds the robust estimation parameters.
// InlierThreshold is in the units of the input clouds.
type RANSACConfig struct {
	MaxIterations   int     `yaml:"maxIterations" json:"maxIterations"`
	InlierThreshold float64 `yaml:"inlierThreshold" json:"inlierThreshold"`
	MinInliers      int     `yaml:"minInliers" json:"minInliers"`
	MinInlierRatio  float64 `yaml:"minInlierRatio" json:"minInlierRatio"`
	Confidence      float64 `yaml:"confidence" json:"confidence"` // 0 disables adaptive termination
}

// DefaultRANSACConfig returns defaults for a given inlier threshold.
func DefaultRANSACConfig(threshold float64) RANSACConfig {
	return RANSACConfig{
		MaxIterations:   100000,
		InlierThreshold: threshold,
		MinInliers:      3,
		Confidence:      0.999,
	}
}

// RANSAC wraps a closed-form Solver in hypothesise-and-verify sampling.
type RANSAC struct {
	Solver Solver
	Config RANSACConfig
}

func (r *RANSAC) Name() string { return "ransac-" + r.Solver.Name() }

type ransacCandidate struct {
	transform Transform
	inliers   int
	residual  float64
}

// Estimate draws minimal samples with rng, keeps the hypothesis with the
// most inliers (ties go to the lower residual sum) and refits it on all of
// its inliers.
func (r *RANSAC) Estimate(src, dst []r3.Vector, corr CorrespondenceSet, rng *rand.Rand) (RegistrationResult, error) {
	res := RegistrationResult{Transform: Identity(), Method: r.Name(), Correspondences: len(corr)}
	if err := corr.Validate(len(src), len(dst)); err != nil {
		return res, err
	}
	s := r.Solver.MinSamples()
	n := len(corr)
	if n < s {
		return res, errors.Wrapf(ErrInsufficientCorrespondences, "%d correspondences, need %d", n, s)
	}
	if r.Config.InlierThreshold <= 0 {
		return res, errors.New("ransac: inlier threshold must be > 0")
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(0))
	}

	ps, pd := corr.Points(src, dst)
	required := r.Config.MinInliers
	if byRatio := int(math.Ceil(r.Config.MinInlierRatio * float64(n))); byRatio > required {
		required = byRatio
	}
	if required < s {
		required = s
	}

	maxIter := r.Config.MaxIterations
	if maxIter <= 0 {
		maxIter = 1000
	}
	limit := maxIter

	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	sampleSrc := make([]r3.Vector, s)
	sampleDst := make([]r3.Vector, s)
	best := ransacCandidate{inliers: -1}

	for iter := 0; iter < limit; iter++ {
		// Partial Fisher-Yates: the first s entries are distinct.
		for i := 0; i < s; i++ {
			j := i + rng.Intn(n-i)
			perm[i], perm[j] = perm[j], perm[i]
			sampleSrc[i] = ps[perm[i]]
			sampleDst[i] = pd[perm[i]]
		}
		t, err := r.Solver.Fit(sampleSrc, sampleDst)
		if err != nil {
			continue
		}
		count, sum := scoreTransform(t, ps, pd, r.Config.InlierThreshold, nil)
		if count > best.inliers || (count == best.inliers && count > 0 && sum < best.residual) {
			best = ransacCandidate{transform: t, inliers: count, residual: sum}
			if r.Config.Confidence > 0 {
				if need := adaptiveIterations(r.Config.Confidence, float64(count)/float64(n), s); need < limit {
					limit = need
				}
			}
		}
	}

	if best.inliers < required {
		return res, errors.Wrapf(ErrNoConsensus, "best hypothesis has %d inliers, need %d", max(best.inliers, 0), required)
	}

	var inliers []int
	scoreTransform(best.transform, ps, pd, r.Config.InlierThreshold, &inliers)
	final := best.transform
	if refit, err := r.Solver.Fit(subset(ps, inliers), subset(pd, inliers)); err == nil {
		var refitInliers []int
		if count, _ := scoreTransform(refit, ps, pd, r.Config.InlierThreshold, &refitInliers); count >= required {
			final, inliers = refit, refitInliers
		}
	}
	if _, isRigid := r.Solver.(RigidSolver); isRigid {
		final.Orthonormalize()
	}

	res.Transform = final
	res.Inliers = len(inliers)
	res.InlierRatio = float64(len(inliers)) / float64(n)
	res.RMSE = rmseOver(final, ps, pd, inliers)
	return res, nil
}

// scoreTransform counts pairs whose residual is below threshold and returns
// the sum of their residuals. When inliers is non-nil it receives the indices.
func scoreTransform(t Transform, ps, pd []r3.Vector, threshold float64, inliers *[]int) (int, float64) {
	count := 0
	sum := 0.0
	if inliers != nil {
		*inliers = (*inliers)[:0]
	}
	for i := range ps {
		d := t.Apply(ps[i]).Distance(pd[i])
		if d < threshold {
			count++
			sum += d
			if inliers != nil {
				*inliers = append(*inliers, i)
			}
		}
	}
	return count, sum
}

func rmseOver(t Transform, ps, pd []r3.Vector, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	var sum float64
	for _, i := range idx {
		d := t.Apply(ps[i]).Distance(pd[i])
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(idx)))
}

func subset(points []r3.Vector, idx []int) []r3.Vector {
	out := make([]r3.Vector, len(idx))
	for i, j := range idx {
		out[i] = points[j]
	}
	return out
}

// adaptiveIterations returns log(1-p)/log(1-w^s), the number of draws needed
// to see one all-inlier sample with confidence p at inlier ratio w.
func adaptiveIterations(p, w float64, s int) int {
	if w >= 1 {
		return 1
	}
	if w <= 0 {
		return math.MaxInt32
	}
	ws := math.Pow(w, float64(s))
	denom := math.Log1p(-ws)
	if denom >= 0 {
		return math.MaxInt32
	}
	n := math.Ceil(math.Log(1-p) / denom)
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}
