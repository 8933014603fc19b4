package align

import (
	"fmt"
	"image"
)

// Raster is the read-only pixel access the search needs from a layer.
// Implementations must allow concurrent ReadRegion calls.
type Raster interface {
	Bounds() image.Rectangle
	Channels() int
	// ReadRegion copies the samples inside r into dst, row-major with
	// interleaved channels. len(dst) must equal r.Dx()*r.Dy()*Channels().
	ReadRegion(r image.Rectangle, dst []float64) error
}

// PatchBuffer is an immutable grid of samples cut from a raster region.
// The zero value is an empty patch.
type PatchBuffer struct {
	anchor   image.Point
	width    int
	height   int
	channels int
	samples  []float64
}

// NewPatchBuffer builds a patch from a copy of samples.
func NewPatchBuffer(anchor image.Point, width, height, channels int, samples []float64) (PatchBuffer, error) {
	if width <= 0 || height <= 0 || channels <= 0 {
		return PatchBuffer{}, fmt.Errorf("%w: %dx%d with %d channels", ErrEmptyPatch, width, height, channels)
	}
	if want := width * height * channels; len(samples) != want {
		return PatchBuffer{}, fmt.Errorf("%w: got %d samples, want %d", ErrDimensionMismatch, len(samples), want)
	}
	buf := make([]float64, len(samples))
	copy(buf, samples)
	return PatchBuffer{anchor: anchor, width: width, height: height, channels: channels, samples: buf}, nil
}

// Extract crops a width x height patch whose top-left corner is topLeft.
func Extract(r Raster, topLeft image.Point, width, height int) (PatchBuffer, error) {
	if width <= 0 || height <= 0 {
		return PatchBuffer{}, fmt.Errorf("%w: %dx%d", ErrEmptyPatch, width, height)
	}
	rect := image.Rect(topLeft.X, topLeft.Y, topLeft.X+width, topLeft.Y+height)
	if !rect.In(r.Bounds()) {
		return PatchBuffer{}, fmt.Errorf("%w: %v not inside %v", ErrOutOfBounds, rect, r.Bounds())
	}
	channels := r.Channels()
	samples := make([]float64, width*height*channels)
	if err := r.ReadRegion(rect, samples); err != nil {
		return PatchBuffer{}, fmt.Errorf("read region %v: %w", rect, err)
	}
	return PatchBuffer{anchor: topLeft, width: width, height: height, channels: channels, samples: samples}, nil
}

func (p PatchBuffer) Width() int          { return p.width }
func (p PatchBuffer) Height() int         { return p.height }
func (p PatchBuffer) Channels() int       { return p.channels }
func (p PatchBuffer) Anchor() image.Point { return p.anchor }
func (p PatchBuffer) Len() int            { return len(p.samples) }

// Empty reports whether the patch has zero area.
func (p PatchBuffer) Empty() bool {
	return p.width <= 0 || p.height <= 0 || len(p.samples) == 0
}

// Rect is the patch rectangle in its source raster's coordinates.
func (p PatchBuffer) Rect() image.Rectangle {
	return image.Rect(p.anchor.X, p.anchor.Y, p.anchor.X+p.width, p.anchor.Y+p.height)
}

// At returns channel c of the sample at column x, row y of the patch.
func (p PatchBuffer) At(x, y, c int) float64 {
	return p.samples[(y*p.width+x)*p.channels+c]
}

// Samples returns a copy of the sample sequence.
func (p PatchBuffer) Samples() []float64 {
	out := make([]float64, len(p.samples))
	copy(out, p.samples)
	return out
}

func (p PatchBuffer) sameShape(o PatchBuffer) bool {
	return p.width == o.width && p.height == o.height && p.channels == o.channels
}
