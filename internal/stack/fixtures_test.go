package stack

import (
	"image"
	"image/png"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"stackalign/internal/align"
	"stackalign/internal/raster"
)

// texturedPlane is a smooth 8-bit luma field: Gaussian blobs over a mid-gray
// base, quantized the way a decoded PNG would be.
func texturedPlane(w, h int, seed uint64) *raster.Plane {
	rng := rand.New(rand.NewPCG(seed, seed*31+7))
	type blob struct{ x, y, sigma, amp float64 }
	blobs := make([]blob, 50)
	for i := range blobs {
		blobs[i] = blob{
			x:     rng.Float64() * float64(w),
			y:     rng.Float64() * float64(h),
			sigma: 5 + rng.Float64()*6,
			amp:   -60 + rng.Float64()*120,
		}
	}
	p := raster.NewPlane(image.Rect(0, 0, w, h), 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := 128.0
			for _, b := range blobs {
				dx, dy := float64(x)-b.x, float64(y)-b.y
				v += b.amp * math.Exp(-(dx*dx+dy*dy)/(2*b.sigma*b.sigma))
			}
			p.Set(x, y, v)
		}
	}
	return raster.FromImage(p.Image(), raster.ModeLuma)
}

func flatPlane(r image.Rectangle, v float64) *raster.Plane {
	p := raster.NewPlane(r, 1)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			p.Set(x, y, v)
		}
	}
	return p
}

func planeLayer(name string, p *raster.Plane, dx, dy int) *Layer {
	return NewLayer(name, p, p.Image(), align.Offset{DX: dx, DY: dy})
}

func writePNG(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
	return path
}

// blockingRaster never finishes a read until release is closed.
type blockingRaster struct {
	bounds  image.Rectangle
	release chan struct{}
	once    sync.Once
}

func newBlockingRaster(t *testing.T, r image.Rectangle) *blockingRaster {
	b := &blockingRaster{bounds: r, release: make(chan struct{})}
	t.Cleanup(func() { b.once.Do(func() { close(b.release) }) })
	return b
}

func (b *blockingRaster) Bounds() image.Rectangle { return b.bounds }
func (b *blockingRaster) Channels() int           { return 1 }
func (b *blockingRaster) ReadRegion(r image.Rectangle, dst []float64) error {
	<-b.release
	for i := range dst {
		dst[i] = float64(i % 7)
	}
	return nil
}
