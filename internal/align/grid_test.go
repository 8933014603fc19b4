package align_test

import (
	"image"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"

	"stackalign/internal/align"
)

func TestCandidatesOrder(t *testing.T) {
	got := slices.Collect(align.Candidates(align.Offset{DX: 10, DY: -3}, 2, 2))
	want := []align.Offset{
		{DX: 8, DY: -5}, {DX: 10, DY: -5}, {DX: 12, DY: -5},
		{DX: 8, DY: -3}, {DX: 10, DY: -3}, {DX: 12, DY: -3},
		{DX: 8, DY: -1}, {DX: 10, DY: -1}, {DX: 12, DY: -1},
	}
	assert.Equal(t, want, got)
}

func TestCandidatesStepDoesNotOvershoot(t *testing.T) {
	got := slices.Collect(align.Candidates(align.Offset{}, 5, 4))
	// -5, -1, 3 on each axis; 7 would exceed the radius.
	assert.Len(t, got, 9)
	assert.Equal(t, align.Offset{DX: -5, DY: -5}, got[0])
	assert.Equal(t, align.Offset{DX: 3, DY: 3}, got[len(got)-1])
	assert.Equal(t, len(got), align.Count(5, 4))
}

func TestCandidatesRestartable(t *testing.T) {
	seq := align.Candidates(align.Offset{DX: 1, DY: 1}, 3, 1)
	first := slices.Collect(seq)
	second := slices.Collect(seq)
	assert.Equal(t, first, second)
	assert.Len(t, first, 49)
}

func TestCandidatesEdgeArguments(t *testing.T) {
	assert.Empty(t, slices.Collect(align.Candidates(align.Offset{}, -1, 1)))
	assert.Equal(t, 0, align.Count(-1, 1))

	zero := slices.Collect(align.Candidates(align.Offset{DX: 4, DY: 2}, 0, 8))
	assert.Equal(t, []align.Offset{{DX: 4, DY: 2}}, zero)

	// A step below one behaves like one.
	assert.Len(t, slices.Collect(align.Candidates(align.Offset{}, 1, 0)), 9)
}

func TestCandidatesStopsWhenConsumerBreaks(t *testing.T) {
	n := 0
	for range align.Candidates(align.Offset{}, 50, 1) {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}

func TestLatticeStartsAtWindowCorner(t *testing.T) {
	got := slices.Collect(align.Lattice(image.Rect(-1, 2, 6, 4), 4))
	want := []align.Offset{{DX: -1, DY: 2}, {DX: 3, DY: 2}}
	assert.Equal(t, want, got)

	// A window narrower than the step still yields its corner.
	assert.Equal(t, []align.Offset{{DX: -1, DY: -1}}, slices.Collect(align.Lattice(image.Rect(-1, -1, 2, 2), 8)))
	assert.Empty(t, slices.Collect(align.Lattice(image.Rectangle{}, 1)))
}
