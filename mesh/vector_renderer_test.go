package mesh

import (
	"bytes"
	"image/color"
	"image/png"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/tdewolff/canvas"
)

func topDownTestRenderer() *TopDownRenderer {
	frames := testFrames(3)
	for i, f := range frames {
		f.Cloud = &PointCloud{Points: []r3.Vector{{X: 0, Z: 2}, {X: 1, Z: 2}, {X: 0.5, Z: 3}}}
		f.Index = i
	}
	chain := NewPoseChain("render", "a")
	chain.Append(FramePose{Frame: 1, Transform: Translation(0.5, 0, 0.2), Included: true})
	chain.Append(FramePose{Frame: 2, Transform: Translation(1, 0, 0.4), Included: true})

	r := NewTopDownRenderer()
	r.AddFrames(frames, chain)
	return r
}

func TestTopDownRenderer_RenderToSVG(t *testing.T) {
	r := topDownTestRenderer()

	var buf bytes.Buffer
	if err := r.RenderToSVG(&buf); err != nil {
		t.Fatalf("Failed to render to SVG: %v", err)
	}

	if !bytes.Contains(buf.Bytes(), []byte("<svg")) {
		t.Errorf("Output does not contain <svg tag")
	}
	if !bytes.Contains(buf.Bytes(), []byte("path")) {
		t.Errorf("Output does not contain path elements")
	}
	if !bytes.Contains(buf.Bytes(), []byte("stroke-dasharray")) {
		t.Errorf("Output does not contain dashed grid lines")
	}

	t.Logf("Generated SVG length: %d", buf.Len())
}

func TestTopDownRenderer_RenderToPNG(t *testing.T) {
	r := topDownTestRenderer()
	r.Resolution = canvas.DPI(72) // Low resolution for speed

	var buf bytes.Buffer
	if err := r.RenderToPNG(&buf); err != nil {
		t.Fatalf("Failed to render to PNG: %v", err)
	}

	img, err := png.Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Failed to decode PNG: %v", err)
	}

	// 200mm + 2*10mm padding at 72 DPI is about 623 pixels on the long side.
	bounds := img.Bounds()
	if bounds.Dx() < 500 && bounds.Dy() < 500 {
		t.Errorf("PNG dimensions too small: %dx%d", bounds.Dx(), bounds.Dy())
	}
}

func TestTopDownRenderer_Empty(t *testing.T) {
	r := NewTopDownRenderer()
	var buf bytes.Buffer
	if err := r.RenderToSVG(&buf); err == nil {
		t.Error("expected an error for an empty drawing")
	}

	r.AddCloud("empty", &PointCloud{}, color.NRGBA{A: 255})
	if len(r.Layers) != 0 {
		t.Errorf("empty cloud added %d layers", len(r.Layers))
	}
}

func TestTopDownRenderer_AddCloudKeepsColours(t *testing.T) {
	r := NewTopDownRenderer()
	pc := &PointCloud{
		Points: []r3.Vector{{X: 1}, {X: 2}},
		Colors: []color.NRGBA{{R: 200, A: 255}, {G: 200, A: 255}},
	}
	r.AddCloud("merged", pc, color.NRGBA{B: 255, A: 255})

	if len(r.Layers) != 1 {
		t.Fatalf("got %d layers, want 1", len(r.Layers))
	}
	if len(r.Layers[0].PerPoint) != 2 {
		t.Errorf("per-point colours not kept")
	}

	var buf bytes.Buffer
	if err := r.RenderToSVG(&buf); err != nil {
		t.Fatalf("Failed to render a degenerate extent: %v", err)
	}
}

func TestTopDownRenderer_ExcludedFramesSkipped(t *testing.T) {
	frames := testFrames(3)
	chain := NewPoseChain("r", "a")
	chain.Append(FramePose{Frame: 1, Transform: Identity(), Included: false, Reason: "coarse"})
	chain.Append(FramePose{Frame: 2, Transform: Translation(1, 0, 0), Included: true})

	r := NewTopDownRenderer()
	r.AddFrames(frames, chain)

	if len(r.Layers) != 2 {
		t.Errorf("got %d layers, want 2", len(r.Layers))
	}
	if len(r.Trajectory) != 2 {
		t.Errorf("got %d trajectory points, want 2", len(r.Trajectory))
	}
}
