package mesh

import (
	"bytes"
	"context"
	"image/color"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// TriangleMesh is an indexed triangle mesh. Colors and Normals are optional
// per-vertex attributes.
type TriangleMesh struct {
	Vertices []r3.Vector
	Colors   []color.NRGBA
	Normals  []r3.Vector
	Faces    [][3]int
}

// Validate checks attribute lengths and face indices.
func (m *TriangleMesh) Validate() error {
	n := len(m.Vertices)
	if len(m.Colors) != 0 && len(m.Colors) != n {
		return errors.Errorf("mesh has %d colours for %d vertices", len(m.Colors), n)
	}
	if len(m.Normals) != 0 && len(m.Normals) != n {
		return errors.Errorf("mesh has %d normals for %d vertices", len(m.Normals), n)
	}
	for i, f := range m.Faces {
		for _, idx := range f {
			if idx < 0 || idx >= n {
				return errors.Errorf("face %d references vertex %d of %d", i, idx, n)
			}
		}
	}
	return nil
}

// Cloud returns the vertices as a point cloud.
func (m *TriangleMesh) Cloud() *PointCloud {
	pc := &PointCloud{Points: m.Vertices}
	if len(m.Colors) == len(m.Vertices) {
		pc.Colors = m.Colors
	}
	if len(m.Normals) == len(m.Vertices) {
		pc.Normals = m.Normals
	}
	return pc
}

// Append adds other's vertices and faces. Attributes survive only when
// both meshes carry them.
func (m *TriangleMesh) Append(other *TriangleMesh) {
	offset := len(m.Vertices)
	wasEmpty := offset == 0
	keepColors := len(other.Colors) == len(other.Vertices) && (wasEmpty || len(m.Colors) == offset)
	keepNormals := len(other.Normals) == len(other.Vertices) && len(other.Normals) > 0 && (wasEmpty || len(m.Normals) == offset)

	m.Vertices = append(m.Vertices, other.Vertices...)
	if keepColors {
		m.Colors = append(m.Colors, other.Colors...)
	} else {
		m.Colors = nil
	}
	if keepNormals {
		m.Normals = append(m.Normals, other.Normals...)
	} else {
		m.Normals = nil
	}
	for _, f := range other.Faces {
		m.Faces = append(m.Faces, [3]int{f[0] + offset, f[1] + offset, f[2] + offset})
	}
}

// Transformed returns a copy with every vertex mapped through t.
func (m *TriangleMesh) Transformed(t Transform) *TriangleMesh {
	out := &TriangleMesh{
		Vertices: TransformPoints(m.Vertices, t),
		Colors:   append([]color.NRGBA(nil), m.Colors...),
		Faces:    append([][3]int(nil), m.Faces...),
	}
	for _, n := range m.Normals {
		out.Normals = append(out.Normals, t.ApplyVector(n).Normalize())
	}
	return out
}

// TriangulateGrid meshes an organised cloud by splitting every pixel quad
// into two triangles. A triangle is dropped when a vertex is missing or its
// depths differ by more than maxJump relative to the nearest of them.
func TriangulateGrid(pc *PointCloud, maxJump float64) (*TriangleMesh, error) {
	if !pc.IsOrganized() {
		return nil, errors.New("grid triangulation needs an organised cloud")
	}
	m := &TriangleMesh{Vertices: pc.Points}
	if pc.HasColors() {
		m.Colors = pc.Colors
	}
	ok := func(idx ...int) bool {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, i := range idx {
			if i < 0 {
				return false
			}
			z := pc.Points[i].Z
			lo, hi = math.Min(lo, z), math.Max(hi, z)
		}
		return maxJump <= 0 || hi-lo <= maxJump*math.Abs(lo)
	}
	for v := 0; v+1 < pc.Height; v++ {
		for u := 0; u+1 < pc.Width; u++ {
			a, b := pc.IndexAt(u, v), pc.IndexAt(u+1, v)
			c, d := pc.IndexAt(u, v+1), pc.IndexAt(u+1, v+1)
			if ok(a, c, b) {
				m.Faces = append(m.Faces, [3]int{a, c, b})
			}
			if ok(b, c, d) {
				m.Faces = append(m.Faces, [3]int{b, c, d})
			}
		}
	}
	return m, nil
}

// SurfaceMethod names a reconstruction method.
type SurfaceMethod string

const (
	SurfacePoisson   SurfaceMethod = "poisson"
	SurfaceBallPoint SurfaceMethod = "ball_point"
	SurfaceGrid      SurfaceMethod = "grid"
)

// SurfaceConfig configures mesh reconstruction. Command is run for poisson
// and ball_point; its arguments may use the placeholders {in}, {out},
// {method} and {voxel}.
type SurfaceConfig struct {
	Method    SurfaceMethod `yaml:"method" json:"method"`
	Command   []string      `yaml:"command" json:"command"`
	DepthJump float64       `yaml:"depthJump" json:"depthJump"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
}

// SurfaceReconstructor turns the registered frames into a mesh.
type SurfaceReconstructor interface {
	Reconstruct(ctx context.Context, frames []*Frame, chain *PoseChain, merged *PointCloud) (*TriangleMesh, error)
}

// NewSurfaceReconstructor returns the reconstructor for cfg.Method.
func NewSurfaceReconstructor(cfg SurfaceConfig, voxel float64, logger *zap.SugaredLogger) (SurfaceReconstructor, error) {
	switch cfg.Method {
	case SurfaceGrid, "":
		return &gridSurface{depthJump: cfg.DepthJump}, nil
	case SurfacePoisson, SurfaceBallPoint:
		if len(cfg.Command) == 0 {
			return nil, errors.Errorf("surface method %s needs surface.command", cfg.Method)
		}
		return &commandSurface{cfg: cfg, voxel: voxel, log: orNop(logger)}, nil
	default:
		return nil, errors.Errorf("unknown surface method %q", cfg.Method)
	}
}

type gridSurface struct {
	depthJump float64
}

func (s *gridSurface) Reconstruct(_ context.Context, frames []*Frame, chain *PoseChain, _ *PointCloud) (*TriangleMesh, error) {
	out := &TriangleMesh{}
	for _, i := range chain.Included() {
		if i >= len(frames) || !frames[i].Cloud.IsOrganized() {
			continue
		}
		m, err := TriangulateGrid(frames[i].Cloud, s.depthJump)
		if err != nil {
			return nil, errors.Wrapf(err, "frame %d", i)
		}
		pose, _ := chain.Pose(i)
		out.Append(m.Transformed(pose))
	}
	if len(out.Faces) == 0 {
		return nil, errors.New("grid surface: no triangles")
	}
	return out, nil
}

// commandSurface hands the merged cloud to an external mesher as PLY.
type commandSurface struct {
	cfg   SurfaceConfig
	voxel float64
	log   *zap.SugaredLogger
}

func (s *commandSurface) Reconstruct(ctx context.Context, _ []*Frame, _ *PoseChain, merged *PointCloud) (m *TriangleMesh, err error) {
	if merged.Len() == 0 {
		return nil, errors.New("surface: empty merged cloud")
	}
	if !merged.HasNormals() {
		merged = merged.Clone()
		EstimateNormals(merged, NewPointIndex(merged.Points), 0, 30, true, r3.Vector{})
	}

	dir, err := os.MkdirTemp("", "depthmesh-surface-")
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "surface temp dir: %v", err)
	}
	defer func() { err = multierr.Append(err, os.RemoveAll(dir)) }()

	in := filepath.Join(dir, "merged.ply")
	out := filepath.Join(dir, "mesh.ply")
	if err := SaveCloud(in, merged); err != nil {
		return nil, err
	}

	replacer := strings.NewReplacer(
		"{in}", in,
		"{out}", out,
		"{method}", string(s.cfg.Method),
		"{voxel}", strconv.FormatFloat(s.voxel, 'g', -1, 64),
	)
	args := make([]string, len(s.cfg.Command))
	for i, a := range s.cfg.Command {
		args[i] = replacer.Replace(a)
	}
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	s.log.Infof("surface %s: running %s", s.cfg.Method, strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "surface %s: %s", s.cfg.Method, strings.TrimSpace(stderr.String()))
	}

	f, err := os.Open(out)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "surface %s produced no mesh: %v", s.cfg.Method, err)
	}
	defer f.Close()
	return ReadPLY(f)
}

// SaveMesh writes m as PLY.
func SaveMesh(path string, m *TriangleMesh) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(ErrIO, "creating output directory: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(ErrIO, "creating %s: %v", path, err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	return WritePLY(f, m)
}
