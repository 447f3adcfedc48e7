package mesh

import (
	"image"
	"math"
	"sort"
)

// KeypointConfig controls image keypoint matching.
type KeypointConfig struct {
	WorkWidth  int     `yaml:"workWidth" json:"workWidth"`   // images are resized to this working size
	WorkHeight int     `yaml:"workHeight" json:"workHeight"` // before detection
	Ratio      float64 `yaml:"ratio" json:"ratio"`           // Lowe ratio for the 2-NN test
}

// DefaultKeypointConfig matches at 320x240 with a 0.75 ratio test.
func DefaultKeypointConfig() KeypointConfig {
	return KeypointConfig{WorkWidth: 320, WorkHeight: 240, Ratio: 0.75}
}

// PixelMatch is a 2D match between two frames, in full-resolution pixel
// coordinates of the respective images.
type PixelMatch struct {
	SrcX, SrcY float64
	DstX, DstY float64
	Distance   float64
}

// KeypointMatcher finds 2D matches between two colour frames.
type KeypointMatcher interface {
	MatchImages(src, dst image.Image) ([]PixelMatch, error)
}

// LiftMatches converts 2D matches into 3D correspondences through the
// organised clouds back-projected from each frame. srcSize and dstSize are
// the image sizes the match coordinates refer to. Matches landing on pixels
// without depth are dropped, as are repeated uses of a source point.
func LiftMatches(matches []PixelMatch, srcSize, dstSize image.Point, src, dst *PointCloud) CorrespondenceSet {
	if !src.IsOrganized() || !dst.IsOrganized() {
		return nil
	}
	sx, sy := cloudScale(srcSize, src)
	dx, dy := cloudScale(dstSize, dst)

	sorted := append([]PixelMatch(nil), matches...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Distance < sorted[j].Distance })

	used := make(map[int]bool)
	var out CorrespondenceSet
	for _, m := range sorted {
		si := src.IndexAt(int(math.Round(m.SrcX*sx)), int(math.Round(m.SrcY*sy)))
		di := dst.IndexAt(int(math.Round(m.DstX*dx)), int(math.Round(m.DstY*dy)))
		if si < 0 || di < 0 || used[si] {
			continue
		}
		used[si] = true
		out = append(out, Correspondence{Source: si, Target: di, Distance: m.Distance})
	}
	return out
}

func cloudScale(size image.Point, pc *PointCloud) (float64, float64) {
	if size.X <= 0 || size.Y <= 0 {
		return 1, 1
	}
	return float64(pc.Width) / float64(size.X), float64(pc.Height) / float64(size.Y)
}
