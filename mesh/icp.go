package mesh

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// OverlapMode selects whether ICP assumes the clouds cover the same surface.
type OverlapMode string

const (
	// OverlapFull matches every source point regardless of distance.
	OverlapFull OverlapMode = "full"
	// OverlapPartial ignores pairs farther apart than MaxCorrespondDist.
	OverlapPartial OverlapMode = "partial"
)

// ICPMethod selects the error metric minimised per iteration.
type ICPMethod string

const (
	PointToPoint ICPMethod = "point_to_point"
	PointToPlane ICPMethod = "point_to_plane"
)

// ICPState is the refiner's lifecycle state.
type ICPState int

const (
	ICPInitialized ICPState = iota
	ICPIterating
	ICPConverged
	ICPMaxIterationsReached
	ICPDiverged
)

func (s ICPState) String() string {
	switch s {
	case ICPInitialized:
		return "initialized"
	case ICPIterating:
		return "iterating"
	case ICPConverged:
		return "converged"
	case ICPMaxIterationsReached:
		return "max_iterations_reached"
	case ICPDiverged:
		return "diverged"
	}
	return "unknown"
}

// MarshalText lets the state appear by name in JSON summaries.
func (s ICPState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ICPConfig holds configuration for the ICP algorithm.
// All distance thresholds are in the same units as the input point clouds.
type ICPConfig struct {
	MaxIterations     int         `yaml:"maxIterations" json:"maxIterations"`         // Maximum number of iterations
	ConvergenceThresh float64     `yaml:"convergence" json:"convergence"`             // Stop when the RMSE changes by less than this
	MaxCorrespondDist float64     `yaml:"maxCorrespondDist" json:"maxCorrespondDist"` // Pair cutoff in partial-overlap mode
	Overlap           OverlapMode `yaml:"overlap" json:"overlap"`
	Method            ICPMethod   `yaml:"method" json:"method"`
	OutlierPercentile float64     `yaml:"outlierPercentile" json:"outlierPercentile"` // Keep pairs up to this distance percentile (0-1]
	DivergenceWindow  int         `yaml:"divergenceWindow" json:"divergenceWindow"`   // Consecutive residual increases tolerated
	Scales            []float64   `yaml:"scales,omitempty" json:"scales,omitempty"`   // Optional coarse-to-fine cutoffs
	NormalNeighbors   int         `yaml:"normalNeighbors" json:"normalNeighbors"`     // k for target normals when point-to-plane needs them
}

// DefaultICPConfig returns defaults for a given voxel size.
func DefaultICPConfig(voxel float64) ICPConfig {
	return ICPConfig{
		MaxIterations:     30,
		ConvergenceThresh: 1e-6,
		MaxCorrespondDist: voxel * 0.4,
		Overlap:           OverlapPartial,
		Method:            PointToPlane,
		OutlierPercentile: 1.0,
		DivergenceWindow:  3,
		NormalNeighbors:   30,
	}
}

// ICPResult contains the result of ICP alignment
type ICPResult struct {
	RegistrationResult
	State      ICPState  `json:"state"`
	Iterations int       `json:"iterations"`
	Residuals  []float64 `json:"residuals"` // RMSE of the matched pairs at each iteration
}

// RefineICP aligns source to target starting from initial. With Scales set
// it runs one pass per cutoff, coarse to fine. A Diverged result is returned
// together with ErrDiverged.
func RefineICP(source, target *PointCloud, initial Transform, cfg ICPConfig) (ICPResult, error) {
	if source.Len() == 0 || target.Len() == 0 {
		return ICPResult{RegistrationResult: RegistrationResult{Transform: initial, Method: "icp"}},
			errors.Wrap(ErrInsufficientCorrespondences, "icp: empty cloud")
	}
	index := NewPointIndex(target.Points)
	var normals []r3.Vector
	if cfg.Method == PointToPlane {
		if target.HasNormals() {
			normals = target.Normals
		} else {
			withNormals := &PointCloud{Points: target.Points}
			EstimateNormals(withNormals, index, 0, cfg.NormalNeighbors, false, r3.Vector{})
			normals = withNormals.Normals
		}
	}
	if len(cfg.Scales) == 0 {
		return runICP(source.Points, target.Points, normals, index, initial, cfg)
	}
	return runMultiScaleICP(source.Points, target.Points, normals, index, initial, cfg)
}

// runICP performs ICP iterations starting from an initial transform.
func runICP(sourcePoints, targetPoints, targetNormals []r3.Vector, index *PointIndex, initial Transform, config ICPConfig) (ICPResult, error) {
	result := ICPResult{
		RegistrationResult: RegistrationResult{Transform: initial, Method: "icp-" + string(config.Method)},
		State:              ICPInitialized,
	}
	cutoff := math.Inf(1)
	if config.Overlap != OverlapFull && config.MaxCorrespondDist > 0 {
		cutoff = config.MaxCorrespondDist
	}
	monitor := residualMonitor{threshold: config.ConvergenceThresh, window: config.DivergenceWindow}

	current := initial
	keepRigid := initial.IsRigid(1e-6)
	for iter := 0; ; iter++ {
		transformed := TransformPoints(sourcePoints, current)
		srcIdx, tgtIdx, distances := findCorrespondencesWithDistances(transformed, index, cutoff)
		if len(srcIdx) < 3 {
			return result, errors.Wrapf(ErrInsufficientCorrespondences, "icp: %d pairs within %.4g", len(srcIdx), cutoff)
		}

		rmse := rootMeanSquare(distances)
		result.Residuals = append(result.Residuals, rmse)
		result.Transform = current
		result.Inliers = len(srcIdx)
		result.Correspondences = len(srcIdx)
		result.InlierRatio = float64(len(srcIdx)) / float64(len(sourcePoints))
		result.RMSE = rmse

		switch monitor.observe(rmse) {
		case ICPConverged:
			result.State = ICPConverged
			return result, nil
		case ICPDiverged:
			result.State = ICPDiverged
			return result, errors.Wrapf(ErrDiverged, "icp: residual rose for %d iterations (%.4g -> %.4g)", monitor.rising, result.Residuals[0], rmse)
		}
		if iter >= config.MaxIterations {
			result.State = ICPMaxIterationsReached
			return result, nil
		}
		result.State = ICPIterating
		result.Iterations = iter + 1

		srcIdx, tgtIdx = rejectOutliers(srcIdx, tgtIdx, distances, config.OutlierPercentile)
		if len(srcIdx) < 3 {
			return result, errors.Wrap(ErrInsufficientCorrespondences, "icp: outlier rejection left fewer than 3 pairs")
		}

		var step Transform
		var err error
		if config.Method == PointToPlane && targetNormals != nil {
			step, err = pointToPlaneStep(transformed, targetPoints, targetNormals, srcIdx, tgtIdx)
			// A planar target leaves the in-plane motion unconstrained.
			if errors.Is(err, ErrDegenerateSolve) {
				step, err = SolveRigid(subset(transformed, srcIdx), subset(targetPoints, tgtIdx))
			}
		} else {
			step, err = SolveRigid(subset(transformed, srcIdx), subset(targetPoints, tgtIdx))
		}
		if err != nil {
			return result, errors.Wrapf(err, "icp iteration %d", iter+1)
		}

		// Compose: new = incremental * current
		current = Compose(step, current)
		if keepRigid {
			current.Orthonormalize()
		}
	}
}

// residualMonitor tracks the residual history of one ICP pass and decides
// when it has converged or diverged.
type residualMonitor struct {
	threshold float64
	window    int
	prev      float64
	rising    int
	seen      int
}

func (m *residualMonitor) observe(rmse float64) ICPState {
	window := m.window
	if window <= 0 {
		window = 3
	}
	m.seen++
	if m.seen == 1 {
		m.prev = rmse
		return ICPIterating
	}
	change := m.prev - rmse
	m.prev = rmse
	if math.Abs(change) < m.threshold {
		return ICPConverged
	}
	if change < 0 {
		m.rising++
		if m.rising > window {
			return ICPDiverged
		}
		return ICPIterating
	}
	m.rising = 0
	return ICPIterating
}

// runMultiScaleICP performs ICP with progressive tightening of correspondence distance
// This helps escape local minima by starting coarse and refining progressively
func runMultiScaleICP(sourcePoints, targetPoints, targetNormals []r3.Vector, index *PointIndex, initial Transform, config ICPConfig) (ICPResult, error) {
	scales := append([]float64(nil), config.Scales...)
	sort.Sort(sort.Reverse(sort.Float64Slice(scales)))

	var combined ICPResult
	current := initial
	for _, maxDist := range scales {
		scaleConfig := config
		scaleConfig.MaxCorrespondDist = maxDist
		scaleConfig.Overlap = OverlapPartial
		scaleConfig.Scales = nil

		scaleResult, err := runICP(sourcePoints, targetPoints, targetNormals, index, current, scaleConfig)
		combined.Residuals = append(combined.Residuals, scaleResult.Residuals...)
		combined.Iterations += scaleResult.Iterations
		combined.RegistrationResult = scaleResult.RegistrationResult
		combined.State = scaleResult.State
		if err != nil {
			return combined, errors.Wrapf(err, "icp scale %.4g", maxDist)
		}
		current = scaleResult.Transform
	}
	return combined, nil
}

// findCorrespondencesWithDistances pairs every source point with its nearest
// target point, dropping pairs beyond maxDist.
func findCorrespondencesWithDistances(source []r3.Vector, index *PointIndex, maxDist float64) (srcIdx, tgtIdx []int, distances []float64) {
	for i, p := range source {
		if !finite(p) {
			continue
		}
		j, d := index.Nearest(p)
		if j < 0 || d > maxDist {
			continue
		}
		srcIdx = append(srcIdx, i)
		tgtIdx = append(tgtIdx, j)
		distances = append(distances, d)
	}
	return srcIdx, tgtIdx, distances
}

// rejectOutliers removes correspondences with distances above the given percentile
func rejectOutliers(srcIdx, tgtIdx []int, distances []float64, percentile float64) ([]int, []int) {
	if len(distances) == 0 || percentile <= 0 || percentile >= 1.0 {
		return srcIdx, tgtIdx
	}
	sorted := append([]float64(nil), distances...)
	sort.Float64s(sorted)
	threshold := stat.Quantile(percentile, stat.Empirical, sorted, nil)

	var keptSrc, keptTgt []int
	for i, d := range distances {
		if d <= threshold {
			keptSrc = append(keptSrc, srcIdx[i])
			keptTgt = append(keptTgt, tgtIdx[i])
		}
	}
	return keptSrc, keptTgt
}

// pointToPlaneStep solves the linearised point-to-plane problem for a small
// rigid increment.
func pointToPlaneStep(source, target, normals []r3.Vector, srcIdx, tgtIdx []int) (Transform, error) {
	ata := mat.NewSymDense(6, nil)
	atb := mat.NewVecDense(6, nil)
	for k := range srcIdx {
		q := source[srcIdx[k]]
		p := target[tgtIdx[k]]
		n := normals[tgtIdx[k]]
		c := q.Cross(n)
		row := [6]float64{c.X, c.Y, c.Z, n.X, n.Y, n.Z}
		r := q.Sub(p).Dot(n)
		for a := 0; a < 6; a++ {
			atb.SetVec(a, atb.AtVec(a)-row[a]*r)
			for b := a; b < 6; b++ {
				ata.SetSym(a, b, ata.At(a, b)+row[a]*row[b])
			}
		}
	}
	var x mat.VecDense
	if err := x.SolveVec(ata, atb); err != nil {
		return Identity(), errors.Wrapf(ErrDegenerateSolve, "point-to-plane system: %v", err)
	}
	return rigidFromTwist(
		r3.Vector{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)},
		r3.Vector{X: x.AtVec(3), Y: x.AtVec(4), Z: x.AtVec(5)},
	), nil
}

// EvaluateRegistration scores how well t aligns source onto target: the
// fraction of source points with a target neighbour within maxDist and the
// RMSE of those pairs.
func EvaluateRegistration(source, target *PointCloud, t Transform, maxDist float64) RegistrationResult {
	res := RegistrationResult{Transform: t, Method: "evaluate"}
	if source.Len() == 0 || target.Len() == 0 {
		return res
	}
	index := NewPointIndex(target.Points)
	srcIdx, _, distances := findCorrespondencesWithDistances(TransformPoints(source.Points, t), index, maxDist)
	res.Inliers = len(srcIdx)
	res.Correspondences = len(srcIdx)
	res.InlierRatio = float64(len(srcIdx)) / float64(source.Len())
	res.RMSE = rootMeanSquare(distances)
	return res
}

// ValidateTransform rejects transforms that are not finite or whose
// homogeneous row collapses.
func ValidateTransform(t Transform) bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.IsNaN(t[i][j]) || math.IsInf(t[i][j], 0) {
				return false
			}
		}
	}
	return math.Abs(t.Det()) > 1e-12
}

func rootMeanSquare(distances []float64) float64 {
	if len(distances) == 0 {
		return 0
	}
	var sum float64
	for _, d := range distances {
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(distances)))
}
