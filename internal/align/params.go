package align

import (
	"fmt"
	"math"
)

// Defaults used when no configuration overrides them.
const (
	DefaultSearchRadius = 50
	DefaultMinOverlap   = 0.5
	DefaultCoarseStep   = 8
)

// Params configures one alignment run. A Params value is copied into the
// Aligner, so runs with different settings can coexist.
type Params struct {
	// SearchRadius bounds |dx| and |dy| of every evaluated offset.
	SearchRadius int `json:"search_radius"`
	// MinOverlap is the minimum score for a result to be accepted.
	MinOverlap float64 `json:"min_overlap"`
	// CoarseStep is the stride of the first pass. 1 means a single
	// exhaustive pass.
	CoarseStep int `json:"coarse_step"`
}

// DefaultParams returns the built-in search settings.
func DefaultParams() Params {
	return Params{
		SearchRadius: DefaultSearchRadius,
		MinOverlap:   DefaultMinOverlap,
		CoarseStep:   DefaultCoarseStep,
	}
}

// Validate reports the first setting the search cannot run with.
func (p Params) Validate() error {
	if p.SearchRadius < 0 {
		return fmt.Errorf("%w: search radius %d < 0", ErrInvalidParams, p.SearchRadius)
	}
	if p.CoarseStep < 1 {
		return fmt.Errorf("%w: coarse step %d < 1", ErrInvalidParams, p.CoarseStep)
	}
	if math.IsNaN(p.MinOverlap) {
		return fmt.Errorf("%w: min overlap is NaN", ErrInvalidParams)
	}
	return nil
}
