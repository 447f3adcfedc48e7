package mesh

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FailurePolicy decides what happens to a frame whose pair fails.
type FailurePolicy string

const (
	// PolicySkip excludes the frame and assumes no motion across the
	// failed pair so the rest of the chain still links up.
	PolicySkip FailurePolicy = "skip"
	// PolicyBridge registers the following frames directly against the
	// last posed frame, up to MaxBridgeGap frames away, and truncates the
	// chain if none of them registers.
	PolicyBridge FailurePolicy = "bridge"
)

// DefaultMaxBridgeGap is how far a bridge may reach back.
const DefaultMaxBridgeGap = 2

// Observer receives pipeline progress. Methods may be called from several
// goroutines at once.
type Observer interface {
	FramePrepared(f *Frame)
	PairRegistered(r PairResult)
	RunFinished(s RunSummary)
}

// Observers fans progress out to several observers.
type Observers []Observer

func (o Observers) FramePrepared(f *Frame) {
	for _, ob := range o {
		if ob != nil {
			ob.FramePrepared(f)
		}
	}
}

func (o Observers) PairRegistered(r PairResult) {
	for _, ob := range o {
		if ob != nil {
			ob.PairRegistered(r)
		}
	}
}

func (o Observers) RunFinished(s RunSummary) {
	for _, ob := range o {
		if ob != nil {
			ob.RunFinished(s)
		}
	}
}

// PairResult is the outcome of registering frame From onto frame To.
// Result holds the refined transform when ICP ran, the coarse one otherwise.
type PairResult struct {
	From     int
	To       int
	Coarse   RegistrationResult
	Refined  *ICPResult
	Result   RegistrationResult
	Err      error // *PairError
	Bridged  bool
	Aborted  bool
	Duration time.Duration
}

// OK reports whether the pair produced a usable transform.
func (r PairResult) OK() bool { return r.Err == nil && !r.Aborted }

// Stage names the stage that failed, or "" for a successful pair.
func (r PairResult) Stage() string {
	var pe *PairError
	if errors.As(r.Err, &pe) {
		return pe.Stage
	}
	if r.Err != nil {
		return StageCoarse
	}
	return ""
}

// Pipeline registers an ordered frame sequence into one coordinate frame.
type Pipeline struct {
	Registrar    Registrar
	ICP          *ICPConfig // nil disables refinement
	Policy       FailurePolicy
	MaxBridgeGap int
	Workers      int
	Seed         int64
	MergeVoxel   float64 // 0 keeps every merged point
	RunID        string
	Logger       *zap.SugaredLogger
	Observer     Observer
}

// RunResult is everything a run produced.
type RunResult struct {
	Chain   *PoseChain
	Pairs   []PairResult // adjacent pairs in frame order, then bridge attempts
	Merged  *PointCloud
	Summary RunSummary
}

// Run prepares every frame, registers adjacent pairs in parallel and then
// chains the pairwise transforms in frame order. Cancelling ctx stops new
// pairs from starting; the chain is truncated at the first aborted pair.
// ErrTooFewFrames is returned, along with the partial result, when fewer
// than two frames end up in the merge.
func (p *Pipeline) Run(ctx context.Context, frames []*Frame) (*RunResult, error) {
	if len(frames) < 2 {
		return nil, errors.Wrapf(ErrTooFewFrames, "%d frames given", len(frames))
	}
	log := orNop(p.Logger)
	obs := p.Observer
	if obs == nil {
		obs = Observers(nil)
	}
	runID := p.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	started := time.Now()
	log.Infof("run %s: registering %d frames with %s (policy %s, %d workers)",
		runID, len(frames), p.Registrar.Name(), p.policy(), p.workers())

	for i, f := range frames {
		f.Index = i
	}

	var prep errgroup.Group
	prep.SetLimit(p.workers())
	for _, f := range frames {
		prep.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := p.Registrar.Prepare(f); err != nil {
				return errors.Wrapf(err, "preparing frame %d (%s)", f.Index, f.Name)
			}
			obs.FramePrepared(f)
			return nil
		})
	}
	if err := prep.Wait(); err != nil {
		return nil, err
	}

	pairs := make([]PairResult, len(frames)-1)
	var pg errgroup.Group
	pg.SetLimit(p.workers())
	for k := 1; k < len(frames); k++ {
		pg.Go(func() error {
			if err := ctx.Err(); err != nil {
				pairs[k-1] = PairResult{From: k, To: k - 1, Aborted: true,
					Err: &PairError{From: k, To: k - 1, Stage: StageAborted, Err: err}}
				return nil
			}
			r := p.registerPair(frames[k], frames[k-1], p.Seed+int64(k-1))
			pairs[k-1] = r
			logPair(log, r)
			obs.PairRegistered(r)
			return nil
		})
	}
	_ = pg.Wait()

	chain, bridges, aborted := p.reduce(ctx, frames, pairs, runID, log, obs)
	all := append(pairs, bridges...)

	result := &RunResult{Chain: chain, Pairs: all}
	result.Merged = MergeClouds(frames, chain, p.MergeVoxel)
	result.Summary = buildSummary(runID, p.Registrar.Name(), p.policy(), frames, chain, all, aborted, started)
	obs.RunFinished(result.Summary)

	included := chain.Included()
	log.Infof("run %s: %d of %d frames included, %d merged points", runID, len(included), len(frames), result.Merged.Len())
	if len(included) < 2 {
		return result, errors.Wrapf(ErrTooFewFrames, "%d of %d frames registered", len(included), len(frames))
	}
	return result, nil
}

func (p *Pipeline) workers() int {
	if p.Workers > 0 {
		return p.Workers
	}
	return runtime.NumCPU()
}

func (p *Pipeline) policy() FailurePolicy {
	if p.Policy == "" {
		return PolicySkip
	}
	return p.Policy
}

func (p *Pipeline) maxBridgeGap() int {
	if p.MaxBridgeGap > 0 {
		return p.MaxBridgeGap
	}
	return DefaultMaxBridgeGap
}

// registerPair runs coarse registration and optional ICP for one pair with
// its own seeded random source.
func (p *Pipeline) registerPair(src, dst *Frame, seed int64) PairResult {
	start := time.Now()
	res := PairResult{From: src.Index, To: dst.Index}

	rng := rand.New(rand.NewSource(seed))
	coarse, err := p.Registrar.Register(src, dst, rng)
	res.Coarse, res.Result = coarse, coarse
	if err != nil {
		res.Err = pairError(src.Index, dst.Index, StageCoarse, err)
		res.Duration = time.Since(start)
		return res
	}

	// ICP increments are rigid; a projective coarse transform is kept as is.
	if p.ICP != nil && coarse.Transform.IsAffine(1e-9) {
		refined, err := RefineICP(refineCloud(src), refineCloud(dst), coarse.Transform, *p.ICP)
		res.Refined = &refined
		if err != nil {
			res.Err = pairError(src.Index, dst.Index, StageRefine, err)
			res.Duration = time.Since(start)
			return res
		}
		res.Result = refined.RegistrationResult
	}
	res.Duration = time.Since(start)
	return res
}

func refineCloud(f *Frame) *PointCloud {
	if f.Sparse.Len() > 0 {
		return f.Sparse
	}
	return f.Cloud
}

func pairError(from, to int, stage string, err error) error {
	var pe *PairError
	if errors.As(err, &pe) {
		return &PairError{From: from, To: to, Stage: pe.Stage, Err: pe.Err}
	}
	return &PairError{From: from, To: to, Stage: stage, Err: err}
}

func logPair(log *zap.SugaredLogger, r PairResult) {
	kind := "pair"
	if r.Bridged {
		kind = "bridge"
	}
	if !r.OK() {
		log.Warnf("%s %d->%d failed: %v", kind, r.From, r.To, r.Err)
		return
	}
	log.Infof("%s %d->%d: %s inliers=%d ratio=%.3f rmse=%.5f (%s)",
		kind, r.From, r.To, r.Result.Method, r.Result.Inliers, r.Result.InlierRatio, r.Result.RMSE,
		r.Duration.Round(time.Millisecond))
}

// reduce chains the pairwise transforms in frame order. It is the only
// place poses are composed.
func (p *Pipeline) reduce(ctx context.Context, frames []*Frame, pairs []PairResult, runID string,
	log *zap.SugaredLogger, obs Observer) (*PoseChain, []PairResult, bool) {

	chain := NewPoseChain(runID, frames[0].Name)
	var bridges []PairResult
	last := 0
	bridgeSeed := p.Seed + int64(len(pairs))

	truncate := func(from int, reason string) {
		stand := chain.Last().Transform
		for k := from; k < len(frames); k++ {
			_ = chain.Append(FramePose{Frame: k, Name: frames[k].Name, Transform: stand, Reason: reason})
		}
		log.Warnf("chain truncated at frame %d: %s", from, reason)
	}

	for k := 1; k < len(frames); k++ {
		r := pairs[k-1]
		if r.Aborted {
			truncate(k, "aborted")
			return chain, bridges, true
		}
		prev := chain.Last()

		if r.OK() && (last == k-1 || p.policy() != PolicyBridge) {
			_ = chain.Append(FramePose{Frame: k, Name: frames[k].Name,
				Transform: Compose(prev.Transform, r.Result.Transform), Included: true})
			last = k
			continue
		}

		// A failed pair against the last posed frame leaves nothing to
		// bridge from; the frame is dropped under either policy.
		if p.policy() != PolicyBridge || last == k-1 {
			log.Warnf("frame %d excluded: %v", k, r.Err)
			_ = chain.Append(FramePose{Frame: k, Name: frames[k].Name, Transform: prev.Transform, Reason: r.Err.Error()})
			continue
		}

		if k-last > p.maxBridgeGap() {
			truncate(k, fmt.Sprintf("no bridge to frame %d within %d frames", last, p.maxBridgeGap()))
			return chain, bridges, false
		}
		if err := ctx.Err(); err != nil {
			truncate(k, "aborted")
			return chain, bridges, true
		}
		b := p.registerPair(frames[k], frames[last], bridgeSeed)
		bridgeSeed++
		b.Bridged = true
		var pe *PairError
		if errors.As(b.Err, &pe) {
			b.Err = &PairError{From: k, To: last, Stage: StageBridge, Err: errors.Wrap(pe.Err, pe.Stage)}
		}
		bridges = append(bridges, b)
		logPair(log, b)
		obs.PairRegistered(b)

		if b.OK() {
			anchor, _ := chain.Pose(last)
			_ = chain.Append(FramePose{Frame: k, Name: frames[k].Name,
				Transform: Compose(anchor, b.Result.Transform), Included: true})
			last = k
			continue
		}
		reason := b.Err.Error()
		if r.Err != nil {
			reason = r.Err.Error() + "; " + reason
		}
		_ = chain.Append(FramePose{Frame: k, Name: frames[k].Name, Transform: prev.Transform, Reason: reason})
	}
	return chain, bridges, false
}

// MergeClouds maps every included frame's cloud into the reference frame,
// concatenates them and, when voxel > 0, downsamples the result.
func MergeClouds(frames []*Frame, chain *PoseChain, voxel float64) *PointCloud {
	merged := &PointCloud{}
	for _, i := range chain.Included() {
		if i >= len(frames) || frames[i].Cloud.Len() == 0 {
			continue
		}
		pose, _ := chain.Pose(i)
		merged.Append(frames[i].Cloud.Transformed(pose))
	}
	if voxel > 0 && merged.Len() > 0 {
		return VoxelDownsample(merged, voxel)
	}
	return merged
}
