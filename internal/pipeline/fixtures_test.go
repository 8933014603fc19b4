package pipeline

import (
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"stackalign/internal/raster"
	"stackalign/internal/stack"
)

// texture is a smooth 8-bit field with enough structure for a unique match.
func texture(w, h int) *raster.Plane {
	p := raster.NewPlane(image.Rect(0, 0, w, h), 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			fx, fy := float64(x), float64(y)
			v := 128 + 50*math.Sin(fx/5.3)*math.Cos(fy/7.1) + 40*math.Sin((fx+2*fy)/9.7) + 20*math.Cos(fx*fy/150)
			p.Set(x, y, v)
		}
	}
	return raster.FromImage(p.Image(), raster.ModeLuma)
}

func savePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}

// writeStack writes a two-layer stack whose second layer is the first
// shifted by (dx, dy) and returns the manifest path.
func writeStack(t *testing.T, dx, dy int) string {
	t.Helper()
	dir := t.TempDir()
	base := texture(64, 64)
	savePNG(t, filepath.Join(dir, "top.png"), base.Image())
	savePNG(t, filepath.Join(dir, "next.png"), raster.Shift(base, dx, dy).Image())

	m := &stack.Manifest{
		Canvas:    stack.Canvas{Width: 64, Height: 64},
		Selection: stack.Selection{X: 22, Y: 22, Width: 20, Height: 20},
		Layers: []stack.LayerSpec{
			{Name: "top", Path: "top.png", Visible: true},
			{Name: "next", Path: "next.png", Visible: true},
		},
	}
	path := filepath.Join(dir, "stack.json")
	if err := m.Save(path); err != nil {
		t.Fatalf("save manifest: %v", err)
	}
	return path
}
