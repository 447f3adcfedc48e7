package mesh

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	// nearColor and farColor are the ends of the depth colour ramp.
	nearColor, _ = colorful.Hex("#fde725")
	farColor, _  = colorful.Hex("#30123b")
	noDepth      = color.RGBA{0, 0, 0, 255}
)

// DepthRamp maps t in [0, 1] (near to far) onto the preview colour ramp.
func DepthRamp(t float64) color.RGBA {
	t = min(max(t, 0), 1)
	r, g, b := nearColor.BlendHcl(farColor, t).Clamped().RGB255()
	return color.RGBA{r, g, b, 255}
}

// RenderDepthPreview colours a depth map from near to far. Pixels without
// depth are black. A non-empty label is drawn in the top-left corner.
func RenderDepthPreview(d *DepthMap, label string) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, d.Width, d.Height))
	lo, hi := d.Range()
	span := hi - lo
	for y := 0; y < d.Height; y++ {
		for x := 0; x < d.Width; x++ {
			if !d.Valid(x, y) {
				img.SetRGBA(x, y, noDepth)
				continue
			}
			t := 0.0
			if span > 0 {
				t = (d.At(x, y) - lo) / span
			}
			img.SetRGBA(x, y, DepthRamp(t))
		}
	}
	if label != "" {
		drawLabel(img, 4, 4, label)
	}
	return img
}

// RenderContactSheet tiles the depth previews of frames into a grid of cols
// columns, each cell scaled to cellWidth pixels wide. Every cell is labelled
// with the frame index and name; excluded frames get a red border.
func RenderContactSheet(frames []*Frame, chain *PoseChain, cols, cellWidth int) (*image.RGBA, error) {
	var withDepth []*Frame
	for _, f := range frames {
		if f.Depth != nil && f.Depth.Width > 0 && f.Depth.Height > 0 {
			withDepth = append(withDepth, f)
		}
	}
	if len(withDepth) == 0 {
		return nil, errors.New("no frames with depth to preview")
	}
	if cols <= 0 {
		cols = 4
	}
	if cellWidth <= 0 {
		cellWidth = 160
	}
	cols = min(cols, len(withDepth))
	rows := (len(withDepth) + cols - 1) / cols

	first := withDepth[0].Depth
	cellHeight := max(1, cellWidth*first.Height/first.Width)
	const gap = 4
	sheet := image.NewRGBA(image.Rect(0, 0, cols*(cellWidth+gap)+gap, rows*(cellHeight+gap)+gap))
	draw.Draw(sheet, sheet.Bounds(), image.NewUniform(color.RGBA{255, 255, 255, 255}), image.Point{}, draw.Src)

	for k, f := range withDepth {
		x0 := gap + (k%cols)*(cellWidth+gap)
		y0 := gap + (k/cols)*(cellHeight+gap)
		preview := RenderDepthPreview(f.Depth.Resized(cellWidth, cellHeight), "")
		draw.Draw(sheet, image.Rect(x0, y0, x0+cellWidth, y0+cellHeight), preview, image.Point{}, draw.Src)

		if chain != nil {
			if e, ok := chain.Entry(f.Index); !ok || !e.Included {
				drawBorder(sheet, image.Rect(x0, y0, x0+cellWidth, y0+cellHeight), color.RGBA{220, 30, 30, 255})
			}
		}
		drawLabel(sheet, x0+2, y0+2, fmt.Sprintf("%d %s", f.Index, f.Name))
	}
	return sheet, nil
}

// SavePNG writes img to path.
func SavePNG(path string, img image.Image) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(ErrIO, "creating %s: %v", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(ErrIO, "closing %s: %v", path, cerr)
		}
	}()
	if err := png.Encode(f, img); err != nil {
		return errors.Wrapf(ErrIO, "encoding %s: %v", path, err)
	}
	return nil
}

// drawLabel draws text on a dark backing box whose top-left corner is (x, y).
func drawLabel(img *image.RGBA, x, y int, text string) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()
	box := image.Rect(x, y, x+width+4, y+face.Height+2).Intersect(img.Bounds())
	draw.Draw(img, box, image.NewUniform(color.RGBA{0, 0, 0, 160}), image.Point{}, draw.Over)
	drawText(img, x+2, y+face.Ascent+1, text, color.RGBA{255, 255, 255, 255})
}

func drawBorder(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	for x := r.Min.X; x < r.Max.X; x++ {
		for _, y := range []int{r.Min.Y, r.Min.Y + 1, r.Max.Y - 2, r.Max.Y - 1} {
			img.SetRGBA(x, y, c)
		}
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for _, x := range []int{r.Min.X, r.Min.X + 1, r.Max.X - 2, r.Max.X - 1} {
			img.SetRGBA(x, y, c)
		}
	}
}

// drawText renders text onto an image at the specified baseline position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
