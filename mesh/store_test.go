package mesh

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *IntermediateStore {
	t.Helper()
	s, err := OpenIntermediateStore(filepath.Join(t.TempDir(), "intermediate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIntermediateStore_CloudsAndDepth(t *testing.T) {
	s := openTestStore(t)
	rng := rand.New(rand.NewSource(1234))
	cloud := colouredCloud(rng, 40)

	require.NoError(t, s.PutCloud("run", 0, StoreCloud, cloud))
	got, err := s.Cloud("run", 0, StoreCloud)
	require.NoError(t, err)
	assertCloudNear(t, cloud, got, 1e-5)

	// a second write to the same key replaces the first
	smaller := &PointCloud{Points: cloud.Points[:5]}
	require.NoError(t, s.PutCloud("run", 0, StoreCloud, smaller))
	got, err = s.Cloud("run", 0, StoreCloud)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Len())

	d := NewDepthMap(4, 3)
	d.Set(1, 1, 2.5)
	d.Set(3, 2, 7.25)
	require.NoError(t, s.PutDepth("run", 0, d, 10))
	back, err := s.Depth("run", 0, 10)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, back.At(1, 1), 1e-3)
	assert.InDelta(t, 7.25, back.At(3, 2), 1e-3)
	assert.False(t, back.Valid(0, 0))

	_, err = s.Cloud("run", 0, StoreDepth)
	assert.Error(t, err, "depth is not a pcd blob")
	_, err = s.Cloud("other", 0, StoreCloud)
	assert.ErrorIs(t, err, ErrIO)
}

func TestIntermediateStore_Transforms(t *testing.T) {
	s := openTestStore(t)
	want := StoredTransform{From: 2, To: 1, Method: "ransac-rigid", Inliers: 40, RMSE: 0.01,
		Transform: Compose(Translation(1, 2, 3), RotationAxisAngle(r3.Vector{X: 1, Y: 1}.Normalize(), 0.3))}
	require.NoError(t, s.PutTransform("run", StoreCoarse, want))

	got, err := s.Transform("run", 2, StoreCoarse)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = s.Transform("run", 2, StoreRefined)
	assert.ErrorIs(t, err, ErrIO)

	entries, err := s.Entries("run")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StoreEntry{RunID: "run", Frame: 2, Stage: StoreCoarse, Kind: "json", Size: entries[0].Size}, entries[0])
	assert.Positive(t, entries[0].Size)
}

func TestIntermediateStore_RecordsPipelineRun(t *testing.T) {
	s := openTestStore(t)
	reg := &scriptedRegistrar{transforms: map[pairKey]Transform{{1, 0}: Translation(1, 0, 0)}}
	frames := testFrames(3)
	for _, f := range frames {
		f.Sparse = f.Cloud
	}
	p := &Pipeline{Registrar: reg, Workers: 1, RunID: "recorded", Observer: s.Recorder("recorded", nil)}

	_, err := p.Run(context.Background(), frames)
	require.NoError(t, err)

	entries, err := s.Entries("recorded")
	require.NoError(t, err)
	var stages []string
	for _, e := range entries {
		stages = append(stages, e.Stage)
	}
	// frame 2 failed its coarse stage, so only frame 1 has a transform
	assert.Equal(t, []string{
		StoreCloud, StoreDownsampled,
		StoreCloud, StoreCoarse, StoreDownsampled,
		StoreCloud, StoreDownsampled,
	}, stages)

	tr, err := s.Transform("recorded", 1, StoreCoarse)
	require.NoError(t, err)
	assert.Equal(t, 0, tr.To)
	assertTransformNear(t, Translation(1, 0, 0), tr.Transform, 1e-12)

	summary, err := s.Summary("recorded")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, summary.Included)
	_, err = s.Summary("missing")
	assert.ErrorIs(t, err, ErrIO)
}
