package mesh

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors returned by the registration pipeline. Callers match them
// with errors.Is; producers wrap them with context.
var (
	// ErrInsufficientCorrespondences means there were fewer correspondences
	// than the estimator's minimal sample.
	ErrInsufficientCorrespondences = errors.New("insufficient correspondences")
	// ErrNoConsensus means no hypothesis reached the minimum inlier support.
	ErrNoConsensus = errors.New("no consensus")
	// ErrDegenerateSolve means a closed-form solver got degenerate input
	// (collinear points, singular system, non-invertible result).
	ErrDegenerateSolve = errors.New("degenerate solve")
	// ErrDiverged means ICP residuals kept rising.
	ErrDiverged = errors.New("icp diverged")
	// ErrModelLoad means the depth model could not be loaded.
	ErrModelLoad = errors.New("depth model unavailable")
	// ErrDepthPrediction means a frame's depth prediction failed.
	ErrDepthPrediction = errors.New("depth prediction failed")
	// ErrIO covers unreadable inputs and unwritable outputs.
	ErrIO = errors.New("i/o error")
	// ErrTooFewFrames means fewer than two frames survived registration.
	ErrTooFewFrames = errors.New("too few usable frames")
	// ErrKeypointsUnavailable means the binary was built without image
	// keypoint support.
	ErrKeypointsUnavailable = errors.New("image keypoints unavailable (build with -tags withcv)")
)

// Pair stages recorded in PairError and the run summary.
const (
	StageCorrespondence = "correspondence"
	StageCoarse         = "coarse"
	StageRefine         = "refine"
	StageBridge         = "bridge"
	StageAborted        = "aborted"
)

// PairError reports a failed pairwise registration. It never aborts a run on
// its own; the failure policy decides what happens to the frames involved.
type PairError struct {
	From  int
	To    int
	Stage string
	Err   error
}

func (e *PairError) Error() string {
	return fmt.Sprintf("pair %d-%d: %s: %v", e.From, e.To, e.Stage, e.Err)
}

func (e *PairError) Unwrap() error { return e.Err }

// Cause keeps github.com/pkg/errors.Cause working through the pair boundary.
func (e *PairError) Cause() error { return e.Err }

// IsPairFailure reports whether err is a recoverable pairwise failure as
// opposed to a fatal pipeline error.
func IsPairFailure(err error) bool {
	if err == nil {
		return false
	}
	var pe *PairError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, ErrInsufficientCorrespondences) ||
		errors.Is(err, ErrNoConsensus) ||
		errors.Is(err, ErrDegenerateSolve) ||
		errors.Is(err, ErrDiverged)
}
