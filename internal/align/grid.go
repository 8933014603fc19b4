package align

import (
	"image"
	"iter"
)

// Candidates yields every offset within radius of center on each axis,
// spaced by step, dy outer and dx inner, both ascending. The sequence is
// lazy and can be ranged over any number of times. A step below 1 is
// treated as 1 and a negative radius yields nothing.
func Candidates(center Offset, radius, step int) iter.Seq[Offset] {
	if radius < 0 {
		return func(func(Offset) bool) {}
	}
	return Lattice(image.Rect(center.DX-radius, center.DY-radius, center.DX+radius+1, center.DY+radius+1), step)
}

// Lattice yields the offsets of window spaced by step, starting at
// window.Min, dy outer and dx inner. window.Max is exclusive. A step below 1
// is treated as 1.
func Lattice(window image.Rectangle, step int) iter.Seq[Offset] {
	if step < 1 {
		step = 1
	}
	return func(yield func(Offset) bool) {
		for dy := window.Min.Y; dy < window.Max.Y; dy += step {
			for dx := window.Min.X; dx < window.Max.X; dx += step {
				if !yield(Offset{DX: dx, DY: dy}) {
					return
				}
			}
		}
	}
}

// Count is the number of offsets Candidates yields for radius and step.
func Count(radius, step int) int {
	if radius < 0 {
		return 0
	}
	if step < 1 {
		step = 1
	}
	n := 2*radius/step + 1
	return n * n
}
