package main

import (
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/kwv/depthmesh/mesh"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// finishedTracker returns a tracker holding a three-frame run whose middle
// frame was excluded.
func finishedTracker() *mesh.RunTracker {
	rt := mesh.NewRunTracker()
	rt.Start("run-1", "fpfh/ransac", 3)

	chain := mesh.NewPoseChain("run-1", "f0")
	chain.Append(mesh.FramePose{Frame: 1, Name: "f1", Transform: mesh.Identity(), Reason: "no consensus"})
	chain.Append(mesh.FramePose{Frame: 2, Name: "f2", Transform: mesh.Translation(1, 0, 0.5), Included: true})

	merged := &mesh.PointCloud{Points: []r3.Vector{
		{X: -1, Z: 2}, {X: 2, Z: 2}, {X: 2, Z: 4}, {X: -1, Z: 4}, {X: 0.5, Y: 1, Z: 3},
	}}
	rt.Finish(&mesh.RunResult{
		Chain:  chain,
		Merged: merged,
		Summary: mesh.RunSummary{
			RunID: "run-1", Method: "fpfh/ransac", Frames: 3, Included: []int{0, 2},
			Excluded: []mesh.ExcludedFrame{{Frame: 1, Name: "f1", Reason: "no consensus"}},
		},
	}, nil)
	return rt
}

func serve(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// /health and /status
// ---------------------------------------------------------------------------

func TestHealth_Idle(t *testing.T) {
	h := newHTTPServer(mesh.NewRunTracker(), nil, nil)
	w := serve(t, h, "/health")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body struct {
		Status    string `json:"status"`
		State     string `json:"state"`
		HasResult bool   `json:"hasResult"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "idle", body.State)
	assert.False(t, body.HasResult)
}

func TestHealth_Finished(t *testing.T) {
	w := serve(t, newHTTPServer(finishedTracker(), nil, nil), "/health")

	var body struct {
		State     string `json:"state"`
		HasResult bool   `json:"hasResult"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "finished", body.State)
	assert.True(t, body.HasResult)
}

func TestStatus(t *testing.T) {
	rt := mesh.NewRunTracker()
	rt.Start("run-2", "rigid3d/ransac", 4)
	rt.PairRegistered(mesh.PairResult{From: 1, To: 0})

	w := serve(t, newHTTPServer(rt, nil, nil), "/status")
	require.Equal(t, http.StatusOK, w.Code)

	var status mesh.RunStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "run-2", status.RunID)
	assert.Equal(t, mesh.RunRunning, status.State)
	assert.Equal(t, 4, status.Frames)
	assert.Equal(t, 1, status.PairsDone)
}

// ---------------------------------------------------------------------------
// result endpoints
// ---------------------------------------------------------------------------

func TestEndpoints_NoResult_503(t *testing.T) {
	h := newHTTPServer(mesh.NewRunTracker(), nil, nil)
	for _, ep := range []string{"/poses.json", "/summary.json", "/trajectory.geojson", "/topdown.svg", "/topdown.png"} {
		t.Run(ep, func(t *testing.T) {
			w := serve(t, h, ep)
			assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		})
	}
}

func TestPosesJSON(t *testing.T) {
	w := serve(t, newHTTPServer(finishedTracker(), nil, nil), "/poses.json")
	require.Equal(t, http.StatusOK, w.Code)

	var chain mesh.PoseChain
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &chain))
	require.Len(t, chain.Poses, 3)
	assert.Equal(t, "run-1", chain.RunID)
	assert.False(t, chain.Poses[1].Included)
	assert.Equal(t, "no consensus", chain.Poses[1].Reason)
}

func TestSummaryJSON(t *testing.T) {
	w := serve(t, newHTTPServer(finishedTracker(), nil, nil), "/summary.json")
	require.Equal(t, http.StatusOK, w.Code)

	var s mesh.RunSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	assert.Equal(t, []int{0, 2}, s.Included)
	require.Len(t, s.Excluded, 1)
	assert.Equal(t, 1, s.Excluded[0].Frame)
}

func TestTrajectoryGeoJSON(t *testing.T) {
	cfg := mesh.DefaultConfig(mesh.ModeFPFH, 0.05)
	w := serve(t, newHTTPServer(finishedTracker(), cfg, nil), "/trajectory.geojson")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/geo+json", w.Header().Get("Content-Type"))

	fc, err := geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	require.NoError(t, err)
	// path, three frame points, footprint
	require.Len(t, fc.Features, 5)
	assert.Equal(t, "trajectory", fc.Features[0].ID)
	assert.Equal(t, "footprint", fc.Features[4].ID)
}

func TestTopDownSVG(t *testing.T) {
	w := serve(t, newHTTPServer(finishedTracker(), nil, nil), "/topdown.svg")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/svg+xml", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.True(t, strings.Contains(w.Body.String(), "<svg"), "body is not SVG")
}

func TestTopDownPNG(t *testing.T) {
	w := serve(t, newHTTPServer(finishedTracker(), nil, nil), "/topdown.png?rotate=90")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))

	img, err := png.Decode(w.Body)
	require.NoError(t, err)
	assert.Positive(t, img.Bounds().Dx())
}

func TestTopDown_BadRotation(t *testing.T) {
	w := serve(t, newHTTPServer(finishedTracker(), nil, nil), "/topdown.svg?rotate=left")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
