package mesh

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlotICPResiduals(t *testing.T) {
	dir := t.TempDir()
	pairs := []PairResult{
		{From: 1, To: 0, Refined: &ICPResult{Residuals: []float64{0.4, 0.2, 0.1, 0.09}}},
		{From: 2, To: 1, Err: &PairError{From: 2, To: 1, Stage: StageCoarse, Err: ErrNoConsensus}},
		{From: 3, To: 2, Refined: &ICPResult{Residuals: []float64{0.3, 0.25}}},
	}

	for _, name := range []string{"residuals.png", "residuals.svg"} {
		path := filepath.Join(dir, name)
		require.NoError(t, PlotICPResiduals(pairs, path))
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}

	err := PlotICPResiduals(pairs[1:2], filepath.Join(dir, "none.png"))
	assert.Error(t, err)
}

func TestPlotICPResiduals_BadPath(t *testing.T) {
	pairs := []PairResult{{From: 1, To: 0, Refined: &ICPResult{Residuals: []float64{1}}}}
	err := PlotICPResiduals(pairs, filepath.Join(t.TempDir(), "missing", "r.png"))
	assert.ErrorIs(t, err, ErrIO)
}

func TestPlotInlierRatios(t *testing.T) {
	s := RunSummary{Method: "fpfh/ransac", Pairs: []PairMetrics{
		{From: 1, To: 0, InlierRatio: 0.8},
		{From: 2, To: 1, InlierRatio: 0.4, Error: "no consensus"},
	}}
	path := filepath.Join(t.TempDir(), "inliers.svg")
	require.NoError(t, PlotInlierRatios(s, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<svg")

	assert.Error(t, PlotInlierRatios(RunSummary{}, path))
}
