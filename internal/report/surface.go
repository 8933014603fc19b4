// Package report turns alignment runs into something a user can read: score
// surfaces rendered as heat maps and per-layer result tables.
package report

import (
	"math"
	"slices"
	"sync"

	"stackalign/internal/align"
)

// Sample is one scored candidate.
type Sample struct {
	Pass   align.Pass
	Offset align.Offset
	Score  float64
}

// Surface records the candidates scored by one search. Observe matches
// align.Observer and is safe for concurrent use.
type Surface struct {
	mu      sync.Mutex
	samples []Sample
}

func NewSurface() *Surface { return &Surface{} }

func (s *Surface) Observe(pass align.Pass, off align.Offset, score float64) {
	s.mu.Lock()
	s.samples = append(s.samples, Sample{Pass: pass, Offset: off, Score: score})
	s.mu.Unlock()
}

// Samples returns the samples of pass in the order they were scored.
func (s *Surface) Samples(pass align.Pass) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Sample
	for _, smp := range s.samples {
		if smp.Pass == pass {
			out = append(out, smp)
		}
	}
	return out
}

// Best returns the first highest-scoring sample of pass.
func (s *Surface) Best(pass align.Pass) (Sample, bool) {
	var (
		best  Sample
		found bool
	)
	for _, smp := range s.Samples(pass) {
		if !found || smp.Score > best.Score {
			best, found = smp, true
		}
	}
	return best, found
}

// Grid lays the samples of pass out on a dx by dy lattice. Lattice points
// that were not scored are NaN.
func (s *Surface) Grid(pass align.Pass) *Grid {
	g := &Grid{z: make(map[align.Offset]float64)}
	for _, smp := range s.Samples(pass) {
		g.z[smp.Offset] = smp.Score
		g.xs = append(g.xs, smp.Offset.DX)
		g.ys = append(g.ys, smp.Offset.DY)
	}
	slices.Sort(g.xs)
	g.xs = slices.Compact(g.xs)
	slices.Sort(g.ys)
	g.ys = slices.Compact(g.ys)
	return g
}

// Grid implements plotter.GridXYZ over a score surface.
type Grid struct {
	xs, ys []int
	z      map[align.Offset]float64
}

func (g *Grid) Dims() (c, r int)   { return len(g.xs), len(g.ys) }
func (g *Grid) X(c int) float64    { return float64(g.xs[c]) }
func (g *Grid) Y(r int) float64    { return float64(g.ys[r]) }
func (g *Grid) Z(c, r int) float64 {
	v, ok := g.z[align.Offset{DX: g.xs[c], DY: g.ys[r]}]
	if !ok {
		return math.NaN()
	}
	return v
}
