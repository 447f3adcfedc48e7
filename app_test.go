package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/kwv/depthmesh/mesh"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedRegistrar reports the identity for every pair except those in
// fail. onRegister, if set, runs before each pair.
type scriptedRegistrar struct {
	mu         sync.Mutex
	fail       map[[2]int]bool
	onRegister func(src, dst int)
	calls      int
}

func (r *scriptedRegistrar) Name() string { return "scripted/identity" }

func (r *scriptedRegistrar) Prepare(f *mesh.Frame) error {
	if f.Cloud.Len() == 0 {
		return errors.Errorf("frame %d: no point cloud", f.Index)
	}
	return nil
}

func (r *scriptedRegistrar) Register(src, dst *mesh.Frame, _ *rand.Rand) (mesh.RegistrationResult, error) {
	r.mu.Lock()
	r.calls++
	hook := r.onRegister
	r.mu.Unlock()
	if hook != nil {
		hook(src.Index, dst.Index)
	}
	if r.fail[[2]int{src.Index, dst.Index}] {
		return mesh.RegistrationResult{}, mesh.ErrNoConsensus
	}
	return mesh.RegistrationResult{Transform: mesh.Identity(), Inliers: 40, InlierRatio: 0.8, Method: "identity"}, nil
}

const testConfig = `
mode: fpfh
voxelSize: 0.5
icp:
  enabled: false
backproject:
  projection: grid
output:
  formats: [pcd, ply, csv]
surface:
  method: grid
  depthJump: 100
`

// writeScene writes n colour frames and matching 16-bit depth PNGs and a
// config file, returning the config path and the rgb and depth directories.
func writeScene(t *testing.T, n int) (cfgPath, rgbDir, depthDir string) {
	t.Helper()
	root := t.TempDir()
	rgbDir = filepath.Join(root, "rgb")
	depthDir = filepath.Join(root, "depth")
	require.NoError(t, os.MkdirAll(rgbDir, 0o755))
	require.NoError(t, os.MkdirAll(depthDir, 0o755))

	for i := 0; i < n; i++ {
		rgb := image.NewNRGBA(image.Rect(0, 0, 16, 12))
		d := mesh.NewDepthMap(16, 12)
		for y := 0; y < 12; y++ {
			for x := 0; x < 16; x++ {
				rgb.SetNRGBA(x, y, color.NRGBA{uint8(16 * x), uint8(20 * y), uint8(40 * i), 255})
				d.Set(x, y, 2+0.1*float64(x%5))
			}
		}
		savePNG(t, filepath.Join(rgbDir, frameName(i)), rgb)
		savePNG(t, filepath.Join(depthDir, frameName(i)), d.ToImage(10))
	}

	cfgPath = filepath.Join(root, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(testConfig), 0o644))
	return cfgPath, rgbDir, depthDir
}

func frameName(i int) string {
	return "frame_" + string(rune('0'+i)) + ".png"
}

func savePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// testApp returns an App with a silent logger and the scripted registrar.
func testApp(out io.Writer, reg mesh.Registrar, opts AppOptions) *App {
	app := NewApp(out)
	app.Log = zap.NewNop().Sugar()
	app.newRegistrar = func(mesh.RegistrarConfig) (mesh.Registrar, error) { return reg, nil }
	app.ApplyOptions(opts)
	return app
}

func pipelineOptions(cfgPath, rgbDir, depthDir, outDir string, extra ...string) AppOptions {
	opts := AppOptions{
		ConfigFile: cfgPath, RGBDir: rgbDir, DepthDir: depthDir, OutputDir: outDir, Name: "scan",
		Set: map[string]bool{"rgb": true, "depth": true, "output-dir": true, "name": true},
	}
	for _, name := range extra {
		opts.Set[name] = true
		switch name {
		case "plot":
			opts.Plot = true
		case "save-intermediate":
			opts.SaveIntermediate = true
		}
	}
	return opts
}

func TestNewApp(t *testing.T) {
	app := NewApp(nil)
	require.NotNil(t, app)
	assert.NotNil(t, app.Tracker, "Tracker should be initialized")
	assert.NotNil(t, app.newRegistrar)
	assert.NotNil(t, app.out)
}

func TestApplyOptions(t *testing.T) {
	app := NewApp(io.Discard)
	opts := AppOptions{ConfigFile: "c.yaml", RGBDir: "in", Seed: 3, Set: map[string]bool{"seed": true}}
	app.ApplyOptions(opts)
	assert.Equal(t, "c.yaml", app.Options.ConfigFile)
	assert.Equal(t, "in", app.Options.RGBDir)
	assert.True(t, app.Options.IsSet("seed"))
}

// ---------------------------------------------------------------------------
// configuration
// ---------------------------------------------------------------------------

func TestLoadConfig_Defaults(t *testing.T) {
	app := NewApp(io.Discard)
	app.ApplyOptions(AppOptions{Set: map[string]bool{}})
	cfg, err := app.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, mesh.ModeFPFH, cfg.Mode)
	assert.Equal(t, mesh.DefaultVoxelSize, cfg.VoxelSize)
	assert.Equal(t, mesh.PolicySkip, cfg.FailurePolicy)
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: rigid3d\nseed: 5\nworkers: 3\nplot: true\n"), 0o644))

	app := NewApp(io.Discard)
	app.ApplyOptions(AppOptions{
		ConfigFile: path, Mode: "fpfh", VoxelSize: 0.2, Seed: 9, FailurePolicy: "bridge",
		Workers: 0, Plot: false,
		Set: map[string]bool{"mode": true, "voxel-size": true, "seed": true, "failure-policy": true},
	})
	cfg, err := app.loadConfig()
	require.NoError(t, err)

	assert.Equal(t, mesh.ModeFPFH, cfg.Mode)
	assert.Equal(t, 0.2, cfg.VoxelSize)
	assert.Equal(t, mesh.DefaultFeatureConfig(0.2), cfg.Features, "defaults follow the flag voxel size")
	assert.Equal(t, int64(9), cfg.Seed)
	assert.Equal(t, mesh.PolicyBridge, cfg.FailurePolicy)
	// not given on the command line: the file wins
	assert.Equal(t, 3, cfg.Workers)
	assert.True(t, cfg.Plot)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		opts AppOptions
		want string
	}{
		{"missing file", AppOptions{ConfigFile: "/nonexistent/config.yaml"}, "config file not found"},
		{"bad policy", AppOptions{FailurePolicy: "retry", Set: map[string]bool{"failure-policy": true}}, "failurePolicy"},
		{"bad mode", AppOptions{Mode: "sift", Set: map[string]bool{"mode": true}}, "mode"},
		{"bad voxel", AppOptions{VoxelSize: -1, Set: map[string]bool{"voxel-size": true}}, "--voxel-size"},
		{"bad surface", AppOptions{Surface: "marching", Set: map[string]bool{"surface": true}}, "surface.method"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := NewApp(io.Discard)
			app.ApplyOptions(tt.opts)
			_, err := app.loadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// ---------------------------------------------------------------------------
// pipeline
// ---------------------------------------------------------------------------

func TestRunPipeline_WritesOutputs(t *testing.T) {
	cfgPath, rgbDir, depthDir := writeScene(t, 3)
	outDir := filepath.Join(t.TempDir(), "out")
	var out bytes.Buffer
	app := testApp(&out, &scriptedRegistrar{}, pipelineOptions(cfgPath, rgbDir, depthDir, outDir))

	require.NoError(t, app.RunPipeline(context.Background()))

	for _, name := range []string{
		"scan.pcd", "scan_cloud.ply", "scan.csv", "scan.ply",
		"scan_0.pcd", "scan_1.pcd", "scan_2.pcd",
		"scan.poses.json", "scan.summary.json", "scan.trajectory.geojson",
	} {
		assert.FileExists(t, filepath.Join(outDir, name))
	}
	assert.NoFileExists(t, filepath.Join(outDir, "scan_topdown.svg"), "plots are off by default")
	assert.NoFileExists(t, filepath.Join(outDir, "scan.db"))

	s, err := mesh.LoadRunSummary(filepath.Join(outDir, "scan.summary.json"))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, s.Included)
	assert.Equal(t, "scripted/identity", s.Method)
	assert.Len(t, s.Pairs, 2)

	chain, err := mesh.LoadPoseChain(filepath.Join(outDir, "scan.poses.json"))
	require.NoError(t, err)
	require.Len(t, chain.Poses, 3)
	assert.Equal(t, "frame_1", chain.Poses[1].Name)

	merged, err := mesh.LoadCloud(filepath.Join(outDir, "scan.pcd"))
	require.NoError(t, err)
	assert.Positive(t, merged.Len())

	status := app.Tracker.Status()
	assert.Equal(t, mesh.RunFinished, status.State)
	assert.Equal(t, 3, status.FramesPrepared)
	assert.Contains(t, out.String(), "included: [0 1 2]")
}

func TestRunPipeline_SkipsFailedPair(t *testing.T) {
	cfgPath, rgbDir, depthDir := writeScene(t, 3)
	outDir := t.TempDir()
	var out bytes.Buffer
	reg := &scriptedRegistrar{fail: map[[2]int]bool{{2, 1}: true}}
	app := testApp(&out, reg, pipelineOptions(cfgPath, rgbDir, depthDir, outDir))

	require.NoError(t, app.RunPipeline(context.Background()))

	s, err := mesh.LoadRunSummary(filepath.Join(outDir, "scan.summary.json"))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, s.Included)
	require.Len(t, s.Skipped, 1)
	assert.Equal(t, mesh.StageCoarse, s.Skipped[0].Stage)
	assert.NoFileExists(t, filepath.Join(outDir, "scan_2.pcd"))
	assert.Contains(t, out.String(), "excluded frame 2 frame_2")
}

func TestRunPipeline_TooFewFrames(t *testing.T) {
	cfgPath, rgbDir, depthDir := writeScene(t, 3)
	outDir := t.TempDir()
	reg := &scriptedRegistrar{fail: map[[2]int]bool{{1, 0}: true, {2, 1}: true}}
	app := testApp(io.Discard, reg, pipelineOptions(cfgPath, rgbDir, depthDir, outDir))

	err := app.RunPipeline(context.Background())
	assert.ErrorIs(t, err, mesh.ErrTooFewFrames)

	// the reports explain the failure; no cloud is written
	assert.FileExists(t, filepath.Join(outDir, "scan.summary.json"))
	assert.NoFileExists(t, filepath.Join(outDir, "scan.pcd"))
	assert.Equal(t, mesh.RunFailed, app.Tracker.Status().State)
}

func TestRunPipeline_Plots(t *testing.T) {
	cfgPath, rgbDir, depthDir := writeScene(t, 3)
	outDir := t.TempDir()
	app := testApp(io.Discard, &scriptedRegistrar{}, pipelineOptions(cfgPath, rgbDir, depthDir, outDir, "plot"))

	require.NoError(t, app.RunPipeline(context.Background()))

	for _, name := range []string{"scan_inliers.png", "scan_topdown.svg", "scan_topdown.png", "scan_depth.png"} {
		assert.FileExists(t, filepath.Join(outDir, name))
	}
	// no pair was refined, so there is nothing to plot
	assert.NoFileExists(t, filepath.Join(outDir, "scan_icp.png"))
}

func TestRunPipeline_SaveIntermediate(t *testing.T) {
	cfgPath, rgbDir, depthDir := writeScene(t, 2)
	outDir := t.TempDir()
	app := testApp(io.Discard, &scriptedRegistrar{}, pipelineOptions(cfgPath, rgbDir, depthDir, outDir, "save-intermediate"))

	require.NoError(t, app.RunPipeline(context.Background()))

	store, err := mesh.OpenIntermediateStore(filepath.Join(outDir, "scan.db"))
	require.NoError(t, err)
	defer store.Close()

	runID := app.Tracker.Status().RunID
	entries, err := store.Entries(runID)
	require.NoError(t, err)
	stages := map[string]bool{}
	for _, e := range entries {
		stages[e.Stage] = true
	}
	assert.True(t, stages[mesh.StoreDepth], "depth maps stored")
	assert.True(t, stages[mesh.StoreCloud], "clouds stored")
	assert.True(t, stages[mesh.StoreCoarse], "transforms stored")

	d, err := store.Depth(runID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 16, d.Width)

	s, err := store.Summary(runID)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, s.Included)
}

func TestRunPipeline_PredictedDepth(t *testing.T) {
	cfgPath, rgbDir, _ := writeScene(t, 2)

	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		if _, err := png.Decode(r.Body); err != nil {
			http.Error(w, "not a png", http.StatusBadRequest)
			return
		}
		d := mesh.NewDepthMap(8, 6)
		for i := range d.Data {
			d.Data[i] = 3
		}
		w.Header().Set("Content-Type", "image/png")
		_ = png.Encode(w, d.ToImage(10))
	}))
	defer srv.Close()

	outDir := t.TempDir()
	opts := pipelineOptions(cfgPath, rgbDir, "", outDir, "model-url")
	delete(opts.Set, "depth")
	opts.ModelURL = srv.URL
	app := testApp(io.Discard, &scriptedRegistrar{}, opts)

	require.NoError(t, app.RunPipeline(context.Background()))
	assert.Equal(t, 2, calls)

	pc, err := mesh.LoadCloud(filepath.Join(outDir, "scan_0.pcd"))
	require.NoError(t, err)
	assert.Equal(t, 48, pc.Len(), "one point per predicted depth sample")
}

func TestRunPipeline_InputErrors(t *testing.T) {
	cfgPath, rgbDir, depthDir := writeScene(t, 2)

	t.Run("no rgb", func(t *testing.T) {
		opts := pipelineOptions(cfgPath, "", depthDir, t.TempDir())
		delete(opts.Set, "rgb")
		err := testApp(io.Discard, &scriptedRegistrar{}, opts).RunPipeline(context.Background())
		assert.ErrorContains(t, err, "no input frames")
	})

	t.Run("no depth source", func(t *testing.T) {
		opts := pipelineOptions(cfgPath, rgbDir, "", t.TempDir())
		delete(opts.Set, "depth")
		err := testApp(io.Discard, &scriptedRegistrar{}, opts).RunPipeline(context.Background())
		assert.ErrorContains(t, err, "no depth source")
	})

	t.Run("depth count mismatch", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(depthDir, frameName(1))))
		err := testApp(io.Discard, &scriptedRegistrar{}, pipelineOptions(cfgPath, rgbDir, depthDir, t.TempDir())).
			RunPipeline(context.Background())
		assert.ErrorContains(t, err, "1 depth maps")
	})
}

func TestRunPipeline_RegistrarError(t *testing.T) {
	cfgPath, rgbDir, depthDir := writeScene(t, 2)
	app := testApp(io.Discard, nil, pipelineOptions(cfgPath, rgbDir, depthDir, t.TempDir()))
	app.newRegistrar = func(mesh.RegistrarConfig) (mesh.Registrar, error) {
		return nil, mesh.ErrKeypointsUnavailable
	}
	err := app.RunPipeline(context.Background())
	assert.ErrorIs(t, err, mesh.ErrKeypointsUnavailable)
}

// ---------------------------------------------------------------------------
// register and inspect
// ---------------------------------------------------------------------------

func TestRunRegister(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(testConfig), 0o644))

	cloud := &mesh.PointCloud{}
	for i := 0; i < 50; i++ {
		cloud.Points = append(cloud.Points, r3.Vector{X: float64(i % 10), Y: float64(i / 10), Z: 1})
	}
	src, dst := filepath.Join(dir, "src.pcd"), filepath.Join(dir, "dst.pcd")
	require.NoError(t, mesh.SaveCloud(src, cloud))
	require.NoError(t, mesh.SaveCloud(dst, cloud))

	outDir := filepath.Join(dir, "out")
	var out bytes.Buffer
	app := testApp(&out, &scriptedRegistrar{}, AppOptions{
		ConfigFile: cfgPath, OutputDir: outDir, Name: "pair",
		Set: map[string]bool{"output-dir": true, "name": true},
	})
	require.NoError(t, app.RunRegister(context.Background(), src, dst))

	var m mesh.PairMetrics
	require.NoError(t, json.Unmarshal(out.Bytes(), &m))
	assert.Equal(t, 1, m.From)
	assert.Equal(t, 0, m.To)
	assert.Equal(t, "identity", m.Method)
	require.NotNil(t, m.Transform)
	assert.Equal(t, mesh.Identity(), *m.Transform)

	assert.FileExists(t, filepath.Join(outDir, "pair.pcd"))
	assert.FileExists(t, filepath.Join(outDir, "pair.csv"))
}

func TestRunRegister_Failure(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(testConfig), 0o644))
	cloud := &mesh.PointCloud{Points: []r3.Vector{{X: 1}, {Y: 1}, {Z: 1}}}
	src := filepath.Join(dir, "a.pcd")
	require.NoError(t, mesh.SaveCloud(src, cloud))

	var out bytes.Buffer
	reg := &scriptedRegistrar{fail: map[[2]int]bool{{1, 0}: true}}
	app := testApp(&out, reg, AppOptions{ConfigFile: cfgPath})
	err := app.RunRegister(context.Background(), src, src)
	assert.ErrorIs(t, err, mesh.ErrTooFewFrames)
	assert.Contains(t, out.String(), `"stage": "coarse"`)

	err = app.RunRegister(context.Background(), filepath.Join(dir, "missing.pcd"), src)
	assert.Error(t, err)
}

func TestRunInspect_Summary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.summary.json")
	require.NoError(t, mesh.SaveRunSummary(path, mesh.RunSummary{
		RunID: "run-9", Method: "fpfh/ransac", Policy: mesh.PolicyBridge, Frames: 3, Included: []int{0, 2},
		Excluded: []mesh.ExcludedFrame{{Frame: 1, Name: "b", Reason: "no consensus"}},
		Pairs: []mesh.PairMetrics{
			{From: 1, To: 0, Method: "ransac", Inliers: 30, InlierRatio: 0.5, ICPState: "converged", ICPIterations: 12},
			{From: 2, To: 1, Stage: "coarse", Error: "no consensus"},
			{From: 2, To: 0, Method: "ransac", Inliers: 20, Bridged: true},
		},
	}))

	var out bytes.Buffer
	require.NoError(t, NewApp(&out).RunInspect(path))
	text := out.String()
	assert.Contains(t, text, "Run run-9: fpfh/ransac, policy bridge")
	assert.Contains(t, text, "PAIR")
	assert.Contains(t, text, "converged/12")
	assert.Contains(t, text, "2-0*")
	assert.Contains(t, text, "excluded frame 1 b: no consensus")
}

func TestRunInspect_PoseChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.poses.json")
	chain := mesh.NewPoseChain("run-4", "a")
	require.NoError(t, chain.Append(mesh.FramePose{Frame: 1, Name: "b", Transform: mesh.Translation(1.5, 0, 2), Included: true}))
	require.NoError(t, mesh.SavePoseChain(path, chain))

	var out bytes.Buffer
	require.NoError(t, NewApp(&out).RunInspect(path))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "Pose chain run-4")
	assert.Contains(t, lines[4], "1.500")
	assert.Contains(t, lines[4], "2.000")
}

func TestRunInspect_Errors(t *testing.T) {
	dir := t.TempDir()
	other := filepath.Join(dir, "other.json")
	require.NoError(t, os.WriteFile(other, []byte(`{"hello": "world"}`), 0o644))
	assert.ErrorContains(t, NewApp(io.Discard).RunInspect(other), "neither a run summary nor a pose chain")

	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte(`{`), 0o644))
	assert.Error(t, NewApp(io.Discard).RunInspect(broken))

	assert.ErrorIs(t, NewApp(io.Discard).RunInspect(filepath.Join(dir, "missing.json")), mesh.ErrIO)
}
