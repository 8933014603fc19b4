// Package raster provides in-memory sample planes that satisfy align.Raster,
// and converts decoded images into them.
package raster

import (
	"fmt"
	"image"
	"image/color"

	"stackalign/internal/align"
)

// Plane is a rectangular grid of float samples with interleaved channels.
type Plane struct {
	rect     image.Rectangle
	channels int
	pix      []float64
}

// NewPlane allocates a zeroed plane covering r.
func NewPlane(r image.Rectangle, channels int) *Plane {
	if channels < 1 {
		channels = 1
	}
	r = r.Canon()
	return &Plane{rect: r, channels: channels, pix: make([]float64, r.Dx()*r.Dy()*channels)}
}

func (p *Plane) Bounds() image.Rectangle { return p.rect }
func (p *Plane) Channels() int           { return p.channels }

func (p *Plane) offset(x, y int) int {
	return ((y-p.rect.Min.Y)*p.rect.Dx() + (x - p.rect.Min.X)) * p.channels
}

// Set writes the samples of pixel (x, y). Missing channels are left as is;
// points outside the plane are ignored.
func (p *Plane) Set(x, y int, values ...float64) {
	if !image.Pt(x, y).In(p.rect) {
		return
	}
	i := p.offset(x, y)
	for c := 0; c < p.channels && c < len(values); c++ {
		p.pix[i+c] = values[c]
	}
}

// At returns channel c of pixel (x, y), or 0 outside the plane.
func (p *Plane) At(x, y, c int) float64 {
	if !image.Pt(x, y).In(p.rect) || c < 0 || c >= p.channels {
		return 0
	}
	return p.pix[p.offset(x, y)+c]
}

// ReadRegion implements align.Raster.
func (p *Plane) ReadRegion(r image.Rectangle, dst []float64) error {
	if r.Empty() || !r.In(p.rect) {
		return fmt.Errorf("%w: %v not inside %v", align.ErrOutOfBounds, r, p.rect)
	}
	row := r.Dx() * p.channels
	if len(dst) != row*r.Dy() {
		return fmt.Errorf("%w: buffer holds %d samples, region needs %d", align.ErrDimensionMismatch, len(dst), row*r.Dy())
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		start := p.offset(r.Min.X, y)
		copy(dst[(y-r.Min.Y)*row:], p.pix[start:start+row])
	}
	return nil
}

// Shift returns a copy of p whose content is moved by (dx, dy). Pixels
// uncovered by the move are zero. Bounds are unchanged.
func Shift(p *Plane, dx, dy int) *Plane {
	out := NewPlane(p.rect, p.channels)
	for y := p.rect.Min.Y; y < p.rect.Max.Y; y++ {
		for x := p.rect.Min.X; x < p.rect.Max.X; x++ {
			src := image.Pt(x-dx, y-dy)
			if !src.In(p.rect) {
				continue
			}
			si, di := p.offset(src.X, src.Y), out.offset(x, y)
			copy(out.pix[di:di+p.channels], p.pix[si:si+p.channels])
		}
	}
	return out
}

// Image renders the plane for display: one channel becomes gray, three or
// more become RGB. Samples are clamped to [0, 255].
func (p *Plane) Image() image.Image {
	if p.channels < 3 {
		img := image.NewGray(p.rect)
		for y := p.rect.Min.Y; y < p.rect.Max.Y; y++ {
			for x := p.rect.Min.X; x < p.rect.Max.X; x++ {
				img.SetGray(x, y, color.Gray{Y: clamp8(p.At(x, y, 0))})
			}
		}
		return img
	}
	img := image.NewNRGBA(p.rect)
	for y := p.rect.Min.Y; y < p.rect.Max.Y; y++ {
		for x := p.rect.Min.X; x < p.rect.Max.X; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: clamp8(p.At(x, y, 0)),
				G: clamp8(p.At(x, y, 1)),
				B: clamp8(p.At(x, y, 2)),
				A: 255,
			})
		}
	}
	return img
}

func clamp8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}
