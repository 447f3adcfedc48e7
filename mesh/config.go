package mesh

import (
	"time"
)

// DefaultVoxelSize is used when the configuration leaves voxelSize unset.
const DefaultVoxelSize = 0.05

// Config is the full configuration file.
type Config struct {
	Mode             Mode               `yaml:"mode" json:"mode"`
	Fast             bool               `yaml:"fast" json:"fast"` // FGR instead of RANSAC in fpfh mode
	VoxelSize        float64            `yaml:"voxelSize" json:"voxelSize"`
	Features         FeatureConfig      `yaml:"features" json:"features"`
	Match            MatchConfig        `yaml:"match" json:"match"`
	RANSAC           RANSACConfig       `yaml:"ransac" json:"ransac"`
	FGR              FGRConfig          `yaml:"fgr" json:"fgr"`
	ICP              RefineConfig       `yaml:"icp" json:"icp"`
	Keypoints        KeypointConfig     `yaml:"keypoints" json:"keypoints"`
	Rigidity         float64            `yaml:"rigidity" json:"rigidity"` // 3dhomo only
	Backproject      BackprojectOptions `yaml:"backproject" json:"backproject"`
	Depth            DepthConfig        `yaml:"depth" json:"depth"`
	Surface          SurfaceConfig      `yaml:"surface" json:"surface"`
	Output           OutputConfig       `yaml:"output" json:"output"`
	Plot             bool               `yaml:"plot" json:"plot"`
	SaveIntermediate bool               `yaml:"saveIntermediate" json:"saveIntermediate"`
	Seed             int64              `yaml:"seed" json:"seed"`
	Workers          int                `yaml:"workers" json:"workers"` // 0 means one per CPU
	FailurePolicy    FailurePolicy      `yaml:"failurePolicy" json:"failurePolicy"`
	MaxBridgeGap     int                `yaml:"maxBridgeGap" json:"maxBridgeGap"`
	MergeVoxel       float64            `yaml:"mergeVoxel" json:"mergeVoxel"` // 0 keeps every merged point
	Logging          LoggingConfig      `yaml:"logging" json:"logging"`
	MQTT             MQTTConfig         `yaml:"mqtt" json:"mqtt"`
	HTTP             HTTPConfig         `yaml:"http" json:"http"`
}

// RefineConfig switches ICP refinement on and configures it.
type RefineConfig struct {
	Enabled   bool `yaml:"enabled" json:"enabled"`
	ICPConfig `yaml:",inline"`
}

// DepthConfig says where frames and their depth come from. Depth maps are
// read from Dir when set, otherwise predicted by the model at ModelURL.
type DepthConfig struct {
	RGBDir     string        `yaml:"rgb" json:"rgb"`
	Dir        string        `yaml:"dir,omitempty" json:"dir,omitempty"`
	ModelURL   string        `yaml:"modelUrl,omitempty" json:"modelUrl,omitempty"`
	Unit       float64       `yaml:"unit" json:"unit"` // depth of a full-scale sample
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries int           `yaml:"maxRetries" json:"maxRetries"`
}

// OutputConfig names the run's outputs.
type OutputConfig struct {
	Dir      string   `yaml:"dir" json:"dir"`
	Name     string   `yaml:"name" json:"name"`
	Formats  []string `yaml:"formats" json:"formats"`   // merged cloud formats: pcd, las, csv, ply
	PerFrame bool     `yaml:"perFrame" json:"perFrame"` // also write each transformed frame as <name>_<i>.pcd
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// HTTPConfig controls the status server.
type HTTPConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	Port    int  `yaml:"port" json:"port"`
}

// DefaultConfig returns the defaults for mode at the given voxel size.
// Thresholds scale with the voxel size; the keypoint modes sample sparser,
// noisier 3D matches and get a wider inlier band.
func DefaultConfig(mode Mode, voxel float64) *Config {
	if mode == "" {
		mode = ModeFPFH
	}
	if voxel <= 0 {
		voxel = DefaultVoxelSize
	}
	c := &Config{
		Mode:          mode,
		VoxelSize:     voxel,
		Features:      DefaultFeatureConfig(voxel),
		Match:         DefaultMatchConfig(),
		RANSAC:        DefaultRANSACConfig(voxel * 1.5),
		FGR:           DefaultFGRConfig(voxel * 0.5),
		ICP:           RefineConfig{Enabled: true, ICPConfig: DefaultICPConfig(voxel)},
		Keypoints:     DefaultKeypointConfig(),
		Backproject:   BackprojectOptions{Projection: ProjectionPinhole, Intrinsics: DefaultIntrinsics(), DepthScale: 1},
		Depth:         DepthConfig{Unit: 10, Timeout: 60 * time.Second, MaxRetries: 3},
		Surface:       SurfaceConfig{Method: SurfaceGrid, DepthJump: 0.1, Timeout: 10 * time.Minute},
		Output:        OutputConfig{Dir: "output", Name: "merged", Formats: []string{"pcd"}, PerFrame: true},
		Seed:          1,
		FailurePolicy: PolicySkip,
		MaxBridgeGap:  DefaultMaxBridgeGap,
		MergeVoxel:    voxel,
		Logging:       LoggingConfig{Level: "info", MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28},
		MQTT:          MQTTConfig{PublishPrefix: "depthmesh", ClientID: "depthmesh"},
		HTTP:          HTTPConfig{Port: 8080},
	}
	if mode.UsesKeypoints() {
		c.RANSAC = DefaultRANSACConfig(voxel * 3)
		c.RANSAC.MaxIterations = 5000
		c.Match.MinMatches = 8
	}
	if mode == ModeHomography3D {
		c.Rigidity = 0.1
		c.ICP.Enabled = false
	}
	return c
}

// RegistrarConfig returns the registrar settings of the configuration.
func (c *Config) RegistrarConfig() RegistrarConfig {
	return RegistrarConfig{
		Mode:      c.Mode,
		Fast:      c.Fast,
		VoxelSize: c.VoxelSize,
		Features:  c.Features,
		Match:     c.Match,
		RANSAC:    c.RANSAC,
		FGR:       c.FGR,
		Keypoints: c.Keypoints,
		Rigidity:  c.Rigidity,
	}
}

// Refinement returns the ICP settings, or nil when refinement is off.
func (c *Config) Refinement() *ICPConfig {
	if !c.ICP.Enabled {
		return nil
	}
	icp := c.ICP.ICPConfig
	return &icp
}
