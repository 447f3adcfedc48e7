package mesh

import (
	"image"
	"math/rand"

	"github.com/pkg/errors"
)

// Mode selects the registration strategy.
type Mode string

const (
	ModeFPFH         Mode = "fpfh"     // FPFH descriptors, RANSAC or FGR
	ModeRigid3D      Mode = "rigid3d"  // image keypoints, rigid RANSAC
	ModeHomography3D Mode = "3dhomo"   // image keypoints, 4x4 homography RANSAC
	ModeAffine3D     Mode = "affine3d" // image keypoints, affine RANSAC
)

// Modes lists every supported registration mode.
var Modes = []Mode{ModeFPFH, ModeRigid3D, ModeHomography3D, ModeAffine3D}

// UsesKeypoints reports whether the mode matches image keypoints.
func (m Mode) UsesKeypoints() bool {
	return m == ModeRigid3D || m == ModeHomography3D || m == ModeAffine3D
}

// Frame is one input view with everything derived from it.
type Frame struct {
	Index  int
	Name   string
	Image  image.Image // colour frame; required by keypoint modes
	Depth  *DepthMap
	Cloud  *PointCloud // organised back-projection of Depth
	Sparse *PointCloud // voxel-downsampled cloud used for descriptors and ICP
}

// Registrar computes the transform that maps src into dst's frame.
// Prepare runs once per frame before any pair is registered and may be
// called concurrently for different frames.
type Registrar interface {
	Name() string
	Prepare(f *Frame) error
	Register(src, dst *Frame, rng *rand.Rand) (RegistrationResult, error)
}

// RegistrarConfig holds everything NewRegistrar needs.
type RegistrarConfig struct {
	Mode      Mode
	Fast      bool
	VoxelSize float64
	Features  FeatureConfig
	Match     MatchConfig
	RANSAC    RANSACConfig
	FGR       FGRConfig
	Keypoints KeypointConfig
	Rigidity  float64
	Matcher   KeypointMatcher // optional; the OpenCV matcher when nil
}

// NewRegistrar builds the strategy for cfg.Mode.
func NewRegistrar(cfg RegistrarConfig) (Registrar, error) {
	if cfg.VoxelSize <= 0 {
		return nil, errors.New("registrar: voxel size must be > 0")
	}
	switch cfg.Mode {
	case ModeFPFH:
		var est Estimator = &RANSAC{Solver: RigidSolver{}, Config: cfg.RANSAC}
		if cfg.Fast {
			est = &FGR{Config: cfg.FGR}
		}
		return &featureRegistrar{voxel: cfg.VoxelSize, features: cfg.Features, match: cfg.Match, est: est}, nil
	case ModeRigid3D, ModeHomography3D, ModeAffine3D:
		matcher := cfg.Matcher
		if matcher == nil {
			m, err := NewKeypointMatcher(cfg.Keypoints)
			if err != nil {
				return nil, errors.Wrapf(err, "mode %s", cfg.Mode)
			}
			matcher = m
		}
		var solver Solver
		switch cfg.Mode {
		case ModeRigid3D:
			solver = RigidSolver{}
		case ModeHomography3D:
			solver = HomographySolver{Rigidity: cfg.Rigidity}
		default:
			solver = AffineSolver{}
		}
		return &keypointRegistrar{
			mode:       cfg.Mode,
			voxel:      cfg.VoxelSize,
			matcher:    matcher,
			minMatches: cfg.Match.MinMatches,
			est:        &RANSAC{Solver: solver, Config: cfg.RANSAC},
		}, nil
	default:
		return nil, errors.Errorf("unknown registration mode %q", cfg.Mode)
	}
}

// stageFailure tags an error with the pair stage it came from. The
// pipeline fills in the frame indices.
func stageFailure(stage string, err error) error {
	return &PairError{From: -1, To: -1, Stage: stage, Err: err}
}

// featureRegistrar matches FPFH descriptors of the downsampled clouds.
type featureRegistrar struct {
	voxel    float64
	features FeatureConfig
	match    MatchConfig
	est      Estimator
}

func (r *featureRegistrar) Name() string { return string(ModeFPFH) + "/" + r.est.Name() }

func (r *featureRegistrar) Prepare(f *Frame) error {
	if f.Cloud == nil {
		return errors.Errorf("frame %d: no point cloud", f.Index)
	}
	if f.Sparse == nil || !f.Sparse.HasDescriptors() {
		f.Sparse = PrepareFeatures(f.Cloud, r.voxel, r.features)
	}
	return nil
}

func (r *featureRegistrar) Register(src, dst *Frame, rng *rand.Rand) (RegistrationResult, error) {
	corr := MatchDescriptors(src.Sparse.Descriptors, dst.Sparse.Descriptors, r.match)
	if len(corr) == 0 {
		return RegistrationResult{Transform: Identity(), Method: r.est.Name()},
			stageFailure(StageCorrespondence, errors.Wrapf(ErrInsufficientCorrespondences,
				"descriptor matching (%d vs %d points)", src.Sparse.Len(), dst.Sparse.Len()))
	}
	res, err := r.est.Estimate(src.Sparse.Points, dst.Sparse.Points, corr, rng)
	if err != nil {
		return res, stageFailure(StageCoarse, err)
	}
	return res, nil
}

// keypointRegistrar lifts image keypoint matches to 3D through the
// organised clouds.
type keypointRegistrar struct {
	mode       Mode
	voxel      float64
	matcher    KeypointMatcher
	minMatches int
	est        Estimator
}

func (r *keypointRegistrar) Name() string { return string(r.mode) + "/" + r.est.Name() }

func (r *keypointRegistrar) Prepare(f *Frame) error {
	if f.Image == nil {
		return errors.Errorf("frame %d: mode %s needs the colour image", f.Index, r.mode)
	}
	if !f.Cloud.IsOrganized() {
		return errors.Errorf("frame %d: mode %s needs an organised cloud", f.Index, r.mode)
	}
	if f.Sparse == nil {
		f.Sparse = VoxelDownsample(f.Cloud, r.voxel)
	}
	return nil
}

func (r *keypointRegistrar) Register(src, dst *Frame, rng *rand.Rand) (RegistrationResult, error) {
	fail := RegistrationResult{Transform: Identity(), Method: r.est.Name()}
	matches, err := r.matcher.MatchImages(src.Image, dst.Image)
	if err != nil {
		return fail, stageFailure(StageCorrespondence, errors.Wrap(err, "keypoint matching"))
	}
	corr := LiftMatches(matches, src.Image.Bounds().Size(), dst.Image.Bounds().Size(), src.Cloud, dst.Cloud)
	if len(corr) == 0 || len(corr) < r.minMatches {
		return fail, stageFailure(StageCorrespondence, errors.Wrapf(ErrInsufficientCorrespondences,
			"%d of %d keypoint matches have depth", len(corr), len(matches)))
	}
	res, err := r.est.Estimate(src.Cloud.Points, dst.Cloud.Points, corr, rng)
	if err != nil {
		return res, stageFailure(StageCoarse, err)
	}
	return res, nil
}
