package align

import (
	"fmt"
	"image"
	"iter"
	"math"
)

// Pass identifies the search pass an observed score belongs to.
type Pass int

const (
	PassCoarse Pass = iota + 1
	PassFine
)

func (p Pass) String() string {
	switch p {
	case PassCoarse:
		return "coarse"
	case PassFine:
		return "fine"
	default:
		return "unknown"
	}
}

// Observer receives every scored candidate. It is called synchronously
// from Align.
type Observer func(pass Pass, off Offset, score float64)

// Option configures an Aligner.
type Option func(*Aligner)

// WithObserver registers fn to receive every scored candidate.
func WithObserver(fn Observer) Option {
	return func(a *Aligner) { a.observer = fn }
}

// Aligner runs the two-pass template search. It holds no per-call state and
// is safe for concurrent use as long as its observer is.
type Aligner struct {
	params   Params
	observer Observer
}

// NewAligner validates p and returns an aligner using it.
func NewAligner(p Params, opts ...Option) (*Aligner, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	a := &Aligner{params: p}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Params returns the parameters the aligner was built with.
func (a *Aligner) Params() Params { return a.params }

// Align finds the offset from initialAnchor at which target best matches
// reference. The search window is every offset within SearchRadius whose
// candidate rectangle lies inside target.Bounds(). The first pass scans that
// window at CoarseStep starting from its top-left corner, the second rescans
// CoarseStep pixels around the coarse winner at step 1, clipped to the same
// window. On equal scores the candidate met first in scan order wins.
//
// Neither reference nor target is modified.
func (a *Aligner) Align(reference PatchBuffer, target Raster, initialAnchor image.Point) (Result, error) {
	if reference.Empty() {
		return Result{}, ErrInvalidReference
	}
	if reference.channels != target.Channels() {
		return Result{}, fmt.Errorf("%w: reference has %d channels, target has %d",
			ErrDimensionMismatch, reference.channels, target.Channels())
	}

	s := &search{
		ref:      newReferenceStats(reference.samples),
		size:     image.Pt(reference.width, reference.height),
		target:   target,
		bounds:   target.Bounds(),
		anchor:   initialAnchor,
		limit:    a.params.SearchRadius,
		scratch:  make([]float64, len(reference.samples)),
		observer: a.observer,
	}

	window := s.window()
	if window.Empty() {
		return Result{}, nil
	}

	coarse, err := s.run(PassCoarse, Lattice(window, a.params.CoarseStep))
	if err != nil {
		return Result{}, err
	}
	if !coarse.found {
		return Result{Evaluated: s.evaluated}, nil
	}

	best := coarse
	if k := a.params.CoarseStep; k > 1 {
		c := coarse.offset
		around := image.Rect(c.DX-k, c.DY-k, c.DX+k+1, c.DY+k+1).Intersect(window)
		fine, err := s.run(PassFine, Lattice(around, 1))
		if err != nil {
			return Result{}, err
		}
		if fine.found {
			best = fine
		}
	}

	return Result{
		Offset:    best.offset,
		Score:     best.score,
		Accepted:  best.score >= a.params.MinOverlap,
		Evaluated: s.evaluated,
	}, nil
}

type search struct {
	ref       referenceStats
	size      image.Point
	target    Raster
	bounds    image.Rectangle
	anchor    image.Point
	limit     int
	scratch   []float64
	observer  Observer
	evaluated int
}

type best struct {
	offset Offset
	score  float64
	found  bool
}

// window is the rectangle of offsets, Max exclusive, that stay within the
// search radius and keep the candidate inside the target bounds.
func (s *search) window() image.Rectangle {
	radius := image.Rect(-s.limit, -s.limit, s.limit+1, s.limit+1)
	inBounds := image.Rectangle{
		Min: s.bounds.Min.Sub(s.anchor),
		Max: s.bounds.Max.Sub(s.size).Sub(s.anchor).Add(image.Pt(1, 1)),
	}
	return radius.Intersect(inBounds)
}

func (s *search) run(pass Pass, candidates iter.Seq[Offset]) (best, error) {
	b := best{score: math.Inf(-1)}
	for off := range candidates {
		if abs(off.DX) > s.limit || abs(off.DY) > s.limit {
			continue
		}
		origin := s.anchor.Add(image.Pt(off.DX, off.DY))
		rect := image.Rectangle{Min: origin, Max: origin.Add(s.size)}
		if !rect.In(s.bounds) {
			continue
		}
		if err := s.target.ReadRegion(rect, s.scratch); err != nil {
			return best{}, fmt.Errorf("%s pass at %v: %w", pass, off, err)
		}
		score := s.ref.score(s.scratch)
		s.evaluated++
		if s.observer != nil {
			s.observer(pass, off, score)
		}
		if score > b.score {
			b = best{offset: off, score: score, found: true}
		}
	}
	return b, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
