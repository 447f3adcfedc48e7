package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
	src    string
	dst    string
	path   string
	err    error
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }

func (m *mockApp) RunPipeline(ctx context.Context) error {
	m.called["RunPipeline"] = true
	return m.err
}

func (m *mockApp) RunRegister(ctx context.Context, src, dst string) error {
	m.called["RunRegister"] = true
	m.src, m.dst = src, dst
	return m.err
}

func (m *mockApp) RunInspect(path string) error {
	m.called["RunInspect"] = true
	m.path = path
	return m.err
}

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verify         func(*testing.T, *mockApp)
	}{
		{
			name:           "Pipeline",
			args:           []string{"--rgb", "/tmp/rgb", "--depth", "/tmp/depth", "--mode", "rigid3d", "--voxel-size", "0.05"},
			expectedCalled: "RunPipeline",
			verify: func(t *testing.T, m *mockApp) {
				if m.opts.RGBDir != "/tmp/rgb" || m.opts.DepthDir != "/tmp/depth" {
					t.Errorf("expected rgb/depth dirs, got %q %q", m.opts.RGBDir, m.opts.DepthDir)
				}
				if m.opts.Mode != "rigid3d" {
					t.Errorf("expected Mode rigid3d, got %s", m.opts.Mode)
				}
				if m.opts.VoxelSize != 0.05 {
					t.Errorf("expected VoxelSize 0.05, got %f", m.opts.VoxelSize)
				}
			},
		},
		{
			name:           "Outputs",
			args:           []string{"--model-url", "http://depth:8000/predict", "--rgb", "in", "--output-dir", "out", "--name", "room", "--plot", "--save-intermediate", "--surface", "poisson"},
			expectedCalled: "RunPipeline",
			verify: func(t *testing.T, m *mockApp) {
				if m.opts.ModelURL != "http://depth:8000/predict" {
					t.Errorf("expected ModelURL, got %s", m.opts.ModelURL)
				}
				if m.opts.OutputDir != "out" || m.opts.Name != "room" {
					t.Errorf("expected out/room, got %s/%s", m.opts.OutputDir, m.opts.Name)
				}
				if !m.opts.Plot || !m.opts.SaveIntermediate {
					t.Error("expected Plot and SaveIntermediate true")
				}
				if m.opts.Surface != "poisson" {
					t.Errorf("expected Surface poisson, got %s", m.opts.Surface)
				}
			},
		},
		{
			name:           "Policy",
			args:           []string{"--rgb", "in", "--failure-policy", "bridge", "--seed", "7", "--workers", "2", "--fast"},
			expectedCalled: "RunPipeline",
			verify: func(t *testing.T, m *mockApp) {
				if m.opts.FailurePolicy != "bridge" {
					t.Errorf("expected FailurePolicy bridge, got %s", m.opts.FailurePolicy)
				}
				if m.opts.Seed != 7 || m.opts.Workers != 2 {
					t.Errorf("expected seed 7 workers 2, got %d %d", m.opts.Seed, m.opts.Workers)
				}
				if !m.opts.Fast {
					t.Error("expected Fast true")
				}
			},
		},
		{
			name:           "Service",
			args:           []string{"--rgb", "in", "--http", "--http-port", "9090", "--mqtt"},
			expectedCalled: "RunPipeline",
			verify: func(t *testing.T, m *mockApp) {
				if !m.opts.HTTPMode || m.opts.HTTPPort != 9090 {
					t.Errorf("expected HTTP on 9090, got %v %d", m.opts.HTTPMode, m.opts.HTTPPort)
				}
				if !m.opts.MQTTMode {
					t.Error("expected MQTTMode true")
				}
			},
		},
		{
			name:           "Register",
			args:           []string{"--register", "a.pcd, b.ply", "--mode", "fpfh"},
			expectedCalled: "RunRegister",
			verify: func(t *testing.T, m *mockApp) {
				if m.src != "a.pcd" || m.dst != "b.ply" {
					t.Errorf("expected a.pcd onto b.ply, got %q onto %q", m.src, m.dst)
				}
			},
		},
		{
			name:           "Inspect",
			args:           []string{"--inspect", "out/merged.summary.json"},
			expectedCalled: "RunInspect",
			verify: func(t *testing.T, m *mockApp) {
				if m.path != "out/merged.summary.json" {
					t.Errorf("expected inspect path, got %s", m.path)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			err := run(tt.args, &out, app)
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}

			if !app.called[tt.expectedCalled] {
				t.Errorf("expected %s to be called", tt.expectedCalled)
			}
			if len(app.called) != 1 {
				t.Errorf("expected one mode to run, got %v", app.called)
			}

			if tt.verify != nil {
				tt.verify(t, app)
			}
		})
	}
}

func TestRun_SetFlagsOnly(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run([]string{"--rgb", "in", "--seed", "0"}, &out, app); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !app.opts.IsSet("seed") || !app.opts.IsSet("rgb") {
		t.Errorf("expected seed and rgb recorded as set, got %v", app.opts.Set)
	}
	if app.opts.IsSet("mode") || app.opts.IsSet("plot") {
		t.Errorf("flags left at their default should not be set, got %v", app.opts.Set)
	}
}

func TestRun_RegisterNeedsTwoFiles(t *testing.T) {
	for _, arg := range []string{"a.pcd", "a.pcd,", ",b.pcd"} {
		app := newMockApp()
		var out bytes.Buffer
		err := run([]string{"--register", arg}, &out, app)
		if err == nil {
			t.Errorf("--register %q: expected an error", arg)
		}
		if app.called["RunRegister"] {
			t.Errorf("--register %q: RunRegister should not be called", arg)
		}
	}
}

func TestRun_UnexpectedArguments(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{"--rgb", "in", "extra"}, &out, app)
	if err == nil || !strings.Contains(err.Error(), "unexpected arguments: extra") {
		t.Errorf("expected unexpected arguments error, got %v", err)
	}
	if len(app.called) != 0 {
		t.Errorf("no mode should run, got %v", app.called)
	}
}

func TestRun_PropagatesError(t *testing.T) {
	app := newMockApp()
	app.err = errors.New("too few frames")
	var out bytes.Buffer
	if err := run([]string{"--rgb", "in"}, &out, app); !errors.Is(err, app.err) {
		t.Errorf("expected the pipeline error, got %v", err)
	}
}

func TestRun_Help(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{"--help"}, &out, app)
	if err == nil {
		t.Error("expected error from --help, got nil")
	}
	if !strings.Contains(out.String(), "Usage of depthmesh") {
		t.Errorf("expected usage info in output, got: %s", out.String())
	}
	if !strings.Contains(out.String(), "-failure-policy") {
		t.Errorf("expected flag list in output, got: %s", out.String())
	}
}

func TestRun_Default(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{}, &out, app)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	expectedPrefix := "depthmesh version: " + Version
	if !strings.Contains(out.String(), expectedPrefix) {
		t.Errorf("expected output to contain version, got: %s", out.String())
	}
	if !app.called["RunPipeline"] {
		t.Error("expected the pipeline to run by default")
	}
}

func TestMain_Execute(t *testing.T) {
	// Smoke test to ensure version is set
	if Version == "" {
		t.Error("expected Version to be set")
	}
}
