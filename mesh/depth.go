package mesh

import (
	"context"
	"image"
	"image/color"
	_ "image/jpeg" // decoders for frame and depth files
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

// DepthMap is a dense per-pixel depth image. Zero and NaN mean "no depth".
type DepthMap struct {
	Width  int
	Height int
	Data   []float64
}

// NewDepthMap returns a zeroed depth map.
func NewDepthMap(width, height int) *DepthMap {
	return &DepthMap{Width: width, Height: height, Data: make([]float64, width*height)}
}

// At returns the depth at (x, y), or 0 outside the map.
func (d *DepthMap) At(x, y int) float64 {
	if x < 0 || y < 0 || x >= d.Width || y >= d.Height {
		return 0
	}
	return d.Data[y*d.Width+x]
}

// Set stores the depth at (x, y).
func (d *DepthMap) Set(x, y int, v float64) {
	d.Data[y*d.Width+x] = v
}

// Valid reports whether (x, y) holds a usable depth.
func (d *DepthMap) Valid(x, y int) bool {
	v := d.At(x, y)
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Range returns the smallest and largest valid depth.
func (d *DepthMap) Range() (min, max float64) {
	min, max = math.Inf(1), math.Inf(-1)
	for _, v := range d.Data {
		if v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0) {
			min = math.Min(min, v)
			max = math.Max(max, v)
		}
	}
	if math.IsInf(min, 1) {
		return 0, 0
	}
	return min, max
}

// DepthFromImage converts a grey image into depth: each sample is divided
// by the channel maximum and multiplied by unit. 16-bit images keep their
// full precision.
func DepthFromImage(img image.Image, unit float64) *DepthMap {
	b := img.Bounds()
	d := NewDepthMap(b.Dx(), b.Dy())
	for y := 0; y < d.Height; y++ {
		for x := 0; x < d.Width; x++ {
			v := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16).Y
			d.Set(x, y, float64(v)/math.MaxUint16*unit)
		}
	}
	return d
}

// ToImage encodes depth into a 16-bit grey image using the same scale as
// DepthFromImage.
func (d *DepthMap) ToImage(unit float64) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, d.Width, d.Height))
	for y := 0; y < d.Height; y++ {
		for x := 0; x < d.Width; x++ {
			v := d.At(x, y)
			if math.IsNaN(v) || v <= 0 {
				continue
			}
			s := math.Round(v / unit * math.MaxUint16)
			img.SetGray16(x, y, color.Gray16{Y: uint16(math.Min(s, math.MaxUint16))})
		}
	}
	return img
}

// Resized returns the depth map scaled to width x height by nearest
// neighbour so invalid pixels never blend into valid ones.
func (d *DepthMap) Resized(width, height int) *DepthMap {
	if width == d.Width && height == d.Height {
		out := NewDepthMap(width, height)
		copy(out.Data, d.Data)
		return out
	}
	out := NewDepthMap(width, height)
	for y := 0; y < height; y++ {
		sy := y * d.Height / height
		for x := 0; x < width; x++ {
			out.Set(x, y, d.At(x*d.Width/width, sy))
		}
	}
	return out
}

// LoadImage decodes a PNG, JPEG, BMP or TIFF file.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "open %s: %v", path, err)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "decode %s: %v", path, err)
	}
	return img, nil
}

// LoadDepthImage reads a depth file. unit is the depth of a full-scale sample.
func LoadDepthImage(path string, unit float64) (*DepthMap, error) {
	img, err := LoadImage(path)
	if err != nil {
		return nil, err
	}
	return DepthFromImage(img, unit), nil
}

// ResizeImage scales img to width x height with bilinear filtering.
func ResizeImage(img image.Image, width, height int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// DepthPredictor estimates depth for a colour frame.
type DepthPredictor interface {
	PredictDepth(ctx context.Context, img image.Image) (*DepthMap, error)
}

// FolderDepthSource serves precomputed depth maps, one file per frame, in
// natural file-name order.
type FolderDepthSource struct {
	Files []string
	Unit  float64
}

// NewFolderDepthSource lists the image files in dir.
func NewFolderDepthSource(dir string, unit float64) (*FolderDepthSource, error) {
	files, err := ListImages(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.Wrapf(ErrIO, "no depth images in %s", dir)
	}
	return &FolderDepthSource{Files: files, Unit: unit}, nil
}

// Depth loads the depth map for frame i.
func (s *FolderDepthSource) Depth(i int) (*DepthMap, error) {
	if i < 0 || i >= len(s.Files) {
		return nil, errors.Errorf("no depth file for frame %d (have %d)", i, len(s.Files))
	}
	return LoadDepthImage(s.Files[i], s.Unit)
}

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".bmp": true, ".tif": true, ".tiff": true,
}

// ListImages returns the image files of dir (or the files matching a glob)
// in natural order, so frame_2 sorts before frame_10.
func ListImages(pattern string) ([]string, error) {
	var files []string
	if info, err := os.Stat(pattern); err == nil && info.IsDir() {
		entries, err := os.ReadDir(pattern)
		if err != nil {
			return nil, errors.Wrapf(ErrIO, "read dir %s: %v", pattern, err)
		}
		for _, e := range entries {
			if !e.IsDir() && imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
				files = append(files, filepath.Join(pattern, e.Name()))
			}
		}
	} else {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, errors.Wrapf(ErrIO, "bad pattern %q: %v", pattern, err)
		}
		for _, m := range matches {
			if imageExtensions[strings.ToLower(filepath.Ext(m))] {
				files = append(files, m)
			}
		}
	}
	sort.Slice(files, func(i, j int) bool { return naturalLess(filepath.Base(files[i]), filepath.Base(files[j])) })
	return files, nil
}

// naturalLess compares strings treating runs of digits as numbers.
func naturalLess(a, b string) bool {
	for a != "" && b != "" {
		ra, rb := []rune(a), []rune(b)
		if unicode.IsDigit(ra[0]) && unicode.IsDigit(rb[0]) {
			na, restA := leadingNumber(a)
			nb, restB := leadingNumber(b)
			if na != nb {
				return na < nb
			}
			a, b = restA, restB
			continue
		}
		if ra[0] != rb[0] {
			return ra[0] < rb[0]
		}
		a, b = string(ra[1:]), string(rb[1:])
	}
	return len(a) < len(b)
}

func leadingNumber(s string) (uint64, string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	n, _ := strconv.ParseUint(s[:i], 10, 64)
	return n, s[i:]
}
