//go:build !withcv
// +build !withcv

package mesh

import "image"

// KeypointsAvailable reports whether this build can match image keypoints.
const KeypointsAvailable = false

type unavailableMatcher struct{}

// NewKeypointMatcher reports ErrKeypointsUnavailable; image keypoints need
// OpenCV (build with -tags withcv).
func NewKeypointMatcher(KeypointConfig) (KeypointMatcher, error) {
	return unavailableMatcher{}, ErrKeypointsUnavailable
}

func (unavailableMatcher) MatchImages(image.Image, image.Image) ([]PixelMatch, error) {
	return nil, ErrKeypointsUnavailable
}
