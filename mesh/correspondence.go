package mesh

import (
	"sort"
)

// mutualTolerance is the relative slack allowed when the back match of a
// cross-check lands on a different source descriptor at the same distance.
const mutualTolerance = 1e-9

// MatchConfig controls descriptor matching.
type MatchConfig struct {
	Ratio       float64 `yaml:"ratio" json:"ratio"`             // Lowe ratio test; 0 disables
	CrossCheck  bool    `yaml:"crossCheck" json:"crossCheck"`   // Keep only mutual nearest neighbours
	MaxDistance float64 `yaml:"maxDistance" json:"maxDistance"` // Reject matches farther than this in descriptor space; 0 disables
	MinMatches  int     `yaml:"minMatches" json:"minMatches"`   // Fewer surviving matches yields an empty set
}

// DefaultMatchConfig returns the matcher settings used for FPFH descriptors.
func DefaultMatchConfig() MatchConfig {
	return MatchConfig{
		CrossCheck: true,
		MinMatches: 3,
	}
}

// MatchDescriptors pairs every source descriptor with its nearest target
// descriptor, then filters by ratio, distance and mutual agreement. The
// result is ordered by descriptor distance. When fewer than cfg.MinMatches
// matches survive the result is empty; that is not an error.
func MatchDescriptors(src, dst [][]float64, cfg MatchConfig) CorrespondenceSet {
	if len(src) == 0 || len(dst) == 0 {
		return nil
	}

	dstIndex := newVectorIndex(dst)
	var srcIndex *vectorIndex
	if cfg.CrossCheck {
		srcIndex = newVectorIndex(src)
	}

	k := 1
	if cfg.Ratio > 0 {
		k = 2
	}

	var matches CorrespondenceSet
	for i, d := range src {
		nn := dstIndex.kNearest(d, k)
		if len(nn) == 0 {
			continue
		}
		best := nn[0]
		if cfg.Ratio > 0 && len(nn) > 1 && best.Distance > cfg.Ratio*nn[1].Distance {
			continue
		}
		if cfg.MaxDistance > 0 && best.Distance > cfg.MaxDistance {
			continue
		}
		if srcIndex != nil {
			// Identical descriptors tie in the tree; any source at the same
			// distance as i counts as mutual.
			back, backDist := srcIndex.nearest(dst[best.Index])
			if back != i && best.Distance-backDist > mutualTolerance*(1+best.Distance) {
				continue
			}
		}
		matches = append(matches, Correspondence{Source: i, Target: best.Index, Distance: best.Distance})
	}

	minMatches := cfg.MinMatches
	if minMatches <= 0 {
		minMatches = 1
	}
	if len(matches) < minMatches {
		return nil
	}

	sort.SliceStable(matches, func(a, b int) bool { return matches[a].Distance < matches[b].Distance })
	return matches
}
