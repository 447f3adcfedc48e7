package mesh

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoseChain_AppendAndLookup(t *testing.T) {
	chain := NewPoseChain("run-1", "frame_0")
	require.NoError(t, chain.Append(FramePose{Frame: 1, Transform: Translation(1, 0, 0), Included: true}))
	require.NoError(t, chain.Append(FramePose{Frame: 2, Transform: Translation(1, 0, 0), Included: false, Reason: "coarse: no consensus"}))
	require.NoError(t, chain.Append(FramePose{Frame: 3, Transform: Translation(3, 0, 0), Included: true}))

	assert.Error(t, chain.Append(FramePose{Frame: 3}), "frames are append-only and ordered")

	assert.Equal(t, []int{0, 1, 3}, chain.Included())

	pose, ok := chain.Pose(0)
	assert.True(t, ok)
	assert.Equal(t, Identity(), pose)

	_, ok = chain.Pose(2)
	assert.False(t, ok, "excluded frame")
	_, ok = chain.Pose(9)
	assert.False(t, ok)

	assert.Equal(t, []r3.Vector{{}, {X: 1}, {X: 3}}, chain.Trajectory())
	assert.Equal(t, 3, chain.Last().Frame)
}

func TestPoseChain_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "toycar.poses.json")

	missing, err := LoadPoseChain(path)
	require.NoError(t, err)
	assert.Nil(t, missing)

	chain := NewPoseChain("abc", "a.png")
	require.NoError(t, chain.Append(FramePose{Frame: 1, Name: "b.png", Transform: RotationAxisAngle(r3.Vector{Z: 1}, math.Pi/7), Included: true}))
	require.NoError(t, SavePoseChain(path, chain))
	assert.NotZero(t, chain.LastUpdated)

	loaded, err := LoadPoseChain(path)
	require.NoError(t, err)
	if diff := cmp.Diff(chain, loaded, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("pose chain round trip mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))
	_, err = LoadPoseChain(path)
	assert.Error(t, err)
}
