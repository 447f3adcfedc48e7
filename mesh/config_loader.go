package mesh

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadConfig loads the configuration from a YAML file. Settings the file
// leaves out take the defaults of its mode and voxel size.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf("config file not found: %s", path)
		}
		return nil, errors.Wrapf(ErrIO, "reading config file: %v", err)
	}
	return ParseConfig(data, "", 0)
}

// ParseConfig decodes YAML over the defaults and validates the result. A
// non-empty mode or positive voxel replaces the document's own before the
// defaults are chosen, so command-line overrides get matching thresholds.
// Empty data yields the defaults.
func ParseConfig(data []byte, mode Mode, voxel float64) (*Config, error) {
	var head struct {
		Mode      Mode    `yaml:"mode"`
		VoxelSize float64 `yaml:"voxelSize"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return nil, errors.Wrap(err, "parsing config YAML")
	}
	defaultMode, defaultVoxel := mode, voxel
	if defaultMode == "" {
		defaultMode = head.Mode
	}
	if defaultVoxel <= 0 {
		defaultVoxel = head.VoxelSize
	}

	config := DefaultConfig(defaultMode, defaultVoxel)
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(err, "parsing config YAML")
	}
	if mode != "" {
		config.Mode = mode
	}
	if voxel > 0 {
		config.VoxelSize = voxel
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	known := false
	for _, m := range Modes {
		known = known || m == c.Mode
	}
	if !known {
		return errors.Errorf("mode %q is not one of %s", c.Mode, modeList())
	}
	if c.VoxelSize <= 0 {
		return errors.New("voxelSize must be > 0")
	}
	if c.MergeVoxel < 0 {
		return errors.New("mergeVoxel must be >= 0")
	}

	if c.Mode == ModeFPFH {
		if c.Features.NormalMaxNN <= 0 || c.Features.FeatureMaxNN <= 0 {
			return errors.New("features.normalMaxNN and features.featureMaxNN must be > 0")
		}
		if c.Features.FeatureRadius <= 0 {
			return errors.New("features.featureRadius must be > 0")
		}
	}
	if c.Match.Ratio < 0 || c.Match.Ratio >= 1 {
		return errors.New("match.ratio must be in [0, 1)")
	}
	if c.Match.MinMatches < 0 {
		return errors.New("match.minMatches must be >= 0")
	}

	if c.Mode != ModeFPFH || !c.Fast {
		if c.RANSAC.InlierThreshold <= 0 {
			return errors.New("ransac.inlierThreshold must be > 0")
		}
		if c.RANSAC.MaxIterations <= 0 {
			return errors.New("ransac.maxIterations must be > 0")
		}
		if c.RANSAC.Confidence < 0 || c.RANSAC.Confidence >= 1 {
			return errors.New("ransac.confidence must be in [0, 1)")
		}
		if c.RANSAC.MinInlierRatio < 0 || c.RANSAC.MinInlierRatio > 1 {
			return errors.New("ransac.minInlierRatio must be in [0, 1]")
		}
	} else {
		if c.FGR.Iterations <= 0 {
			return errors.New("fgr.iterations must be > 0")
		}
		if c.FGR.DivisionFactor <= 1 {
			return errors.New("fgr.divisionFactor must be > 1")
		}
		if c.FGR.DecreaseEvery <= 0 {
			return errors.New("fgr.decreaseEvery must be > 0")
		}
		if c.FGR.MaxCorrespondenceDistance <= 0 {
			return errors.New("fgr.maxCorrespondenceDistance must be > 0")
		}
	}

	if c.ICP.Enabled {
		if c.ICP.MaxIterations <= 0 {
			return errors.New("icp.maxIterations must be > 0")
		}
		if c.ICP.Method != PointToPoint && c.ICP.Method != PointToPlane {
			return errors.Errorf("icp.method %q must be %s or %s", c.ICP.Method, PointToPoint, PointToPlane)
		}
		if c.ICP.Overlap != OverlapFull && c.ICP.Overlap != OverlapPartial {
			return errors.Errorf("icp.overlap %q must be %s or %s", c.ICP.Overlap, OverlapFull, OverlapPartial)
		}
		if c.ICP.Overlap == OverlapPartial && c.ICP.MaxCorrespondDist <= 0 && len(c.ICP.Scales) == 0 {
			return errors.New("icp.maxCorrespondDist must be > 0 for partial overlap")
		}
		if c.ICP.OutlierPercentile <= 0 || c.ICP.OutlierPercentile > 1 {
			return errors.New("icp.outlierPercentile must be in (0, 1]")
		}
	}

	if c.Mode.UsesKeypoints() && (c.Keypoints.WorkWidth <= 0 || c.Keypoints.WorkHeight <= 0) {
		return errors.New("keypoints.workWidth and keypoints.workHeight must be > 0")
	}
	if c.Mode == ModeHomography3D && c.Rigidity < 0 {
		return errors.New("rigidity must be >= 0")
	}

	switch c.Backproject.Projection {
	case ProjectionPinhole:
		if err := c.Backproject.Intrinsics.CheckValid(); err != nil {
			return errors.Wrap(err, "backproject.intrinsics")
		}
	case ProjectionGrid:
	default:
		return errors.Errorf("backproject.projection %q must be %s or %s", c.Backproject.Projection, ProjectionPinhole, ProjectionGrid)
	}
	if c.Backproject.DepthScale <= 0 {
		return errors.New("backproject.depthScale must be > 0")
	}
	if c.Depth.Unit <= 0 {
		return errors.New("depth.unit must be > 0")
	}

	switch c.Surface.Method {
	case SurfaceGrid, "":
	case SurfacePoisson, SurfaceBallPoint:
		if len(c.Surface.Command) == 0 {
			return errors.Errorf("surface.command is required for surface.method %s", c.Surface.Method)
		}
	default:
		return errors.Errorf("surface.method %q must be %s, %s or %s", c.Surface.Method, SurfacePoisson, SurfaceBallPoint, SurfaceGrid)
	}

	for _, f := range c.Output.Formats {
		switch strings.ToLower(f) {
		case "pcd", "las", "csv", "ply":
		default:
			return errors.Errorf("output.formats: unknown format %q", f)
		}
	}
	if c.Output.Name == "" {
		return errors.New("output.name is required")
	}

	if c.Workers < 0 {
		return errors.New("workers must be >= 0")
	}
	if c.FailurePolicy != PolicySkip && c.FailurePolicy != PolicyBridge {
		return errors.Errorf("failurePolicy %q must be %s or %s", c.FailurePolicy, PolicySkip, PolicyBridge)
	}
	if c.MaxBridgeGap < 0 {
		return errors.New("maxBridgeGap must be >= 0")
	}
	if c.HTTP.Enabled && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		return errors.New("http.port must be in 1..65535")
	}
	return nil
}

func modeList() string {
	names := make([]string, len(Modes))
	for i, m := range Modes {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "marshaling config YAML")
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(ErrIO, "writing config file: %v", err)
	}

	return nil
}
