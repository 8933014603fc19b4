package align_test

import (
	"image"
	"math"
	"math/rand/v2"

	"stackalign/internal/raster"
)

// smoothField is a sum of Gaussian blobs over a flat base. Its correlation
// surface has a single broad peak, which the coarse pass can find.
func smoothField(w, h int, seed uint64) *raster.Plane {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	type blob struct{ x, y, sigma, amp float64 }
	blobs := make([]blob, 60)
	for i := range blobs {
		blobs[i] = blob{
			x:     rng.Float64() * float64(w),
			y:     rng.Float64() * float64(h),
			sigma: 6 + rng.Float64()*6,
			amp:   -100 + rng.Float64()*200,
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
	return p
}

// flatPlane returns a plane filled with v.
func flatPlane(r image.Rectangle, v float64) *raster.Plane {
	p := raster.NewPlane(r, 1)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			p.Set(x, y, v)
		}
	}
	return p
}

// stamp writes a small deterministic pattern with its top-left at at.
func stamp(p *raster.Plane, at image.Point) {
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			p.Set(at.X+x, at.Y+y, float64((x*7+y*13)%11)*20+10)
		}
	}
}

// boundsCheckingRaster fails the read if a region leaves the bounds and
// counts reads.
type boundsCheckingRaster struct {
	*raster.Plane
	reads    int
	violated []image.Rectangle
}

func (r *boundsCheckingRaster) ReadRegion(rect image.Rectangle, dst []float64) error {
	r.reads++
	if !rect.In(r.Bounds()) {
		r.violated = append(r.violated, rect)
	}
	return r.Plane.ReadRegion(rect, dst)
}
