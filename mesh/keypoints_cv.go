//go:build withcv
// +build withcv

package mesh

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// KeypointsAvailable reports whether this build can match image keypoints.
const KeypointsAvailable = true

// siftMatcher detects SIFT keypoints and matches them with a brute-force
// 2-NN search and Lowe's ratio test.
type siftMatcher struct {
	cfg KeypointConfig
}

// NewKeypointMatcher returns the OpenCV SIFT matcher.
func NewKeypointMatcher(cfg KeypointConfig) (KeypointMatcher, error) {
	return &siftMatcher{cfg: cfg}, nil
}

func (m *siftMatcher) MatchImages(src, dst image.Image) ([]PixelMatch, error) {
	srcKps, srcDesc, sx, sy, err := m.detect(src)
	if err != nil {
		return nil, errors.Wrap(err, "source frame")
	}
	defer srcDesc.Close()
	dstKps, dstDesc, dx, dy, err := m.detect(dst)
	if err != nil {
		return nil, errors.Wrap(err, "target frame")
	}
	defer dstDesc.Close()
	if srcDesc.Empty() || dstDesc.Empty() {
		return nil, nil
	}

	bf := gocv.NewBFMatcher()
	defer bf.Close()

	var out []PixelMatch
	for _, pair := range bf.KnnMatch(srcDesc, dstDesc, 2) {
		if len(pair) == 0 {
			continue
		}
		best := pair[0]
		if len(pair) > 1 && m.cfg.Ratio > 0 && best.Distance > m.cfg.Ratio*pair[1].Distance {
			continue
		}
		s := srcKps[best.QueryIdx]
		d := dstKps[best.TrainIdx]
		out = append(out, PixelMatch{
			SrcX: s.X * sx, SrcY: s.Y * sy,
			DstX: d.X * dx, DstY: d.Y * dy,
			Distance: best.Distance,
		})
	}
	return out, nil
}

// detect runs SIFT on the grey working-size image and returns the factors
// that map keypoints back to full resolution.
func (m *siftMatcher) detect(img image.Image) ([]gocv.KeyPoint, gocv.Mat, float64, float64, error) {
	rgb, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, gocv.NewMat(), 0, 0, errors.Wrap(err, "convert image")
	}
	defer rgb.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(rgb, &gray, gocv.ColorBGRToGray)

	b := img.Bounds()
	sx, sy := 1.0, 1.0
	work := gray
	if m.cfg.WorkWidth > 0 && m.cfg.WorkHeight > 0 && (b.Dx() != m.cfg.WorkWidth || b.Dy() != m.cfg.WorkHeight) {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(gray, &resized, image.Pt(m.cfg.WorkWidth, m.cfg.WorkHeight), 0, 0, gocv.InterpolationLinear)
		work = resized
		sx = float64(b.Dx()) / float64(m.cfg.WorkWidth)
		sy = float64(b.Dy()) / float64(m.cfg.WorkHeight)
	}

	sift := gocv.NewSIFT()
	defer sift.Close()
	mask := gocv.NewMat()
	defer mask.Close()
	kps, desc := sift.DetectAndCompute(work, mask)
	return kps, desc, sx, sy, nil
}
