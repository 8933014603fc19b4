package align

import "fmt"

// Offset is an integer translation from an anchor position.
type Offset struct {
	DX int `json:"dx"`
	DY int `json:"dy"`
}

func (o Offset) Add(p Offset) Offset { return Offset{DX: o.DX + p.DX, DY: o.DY + p.DY} }
func (o Offset) Neg() Offset         { return Offset{DX: -o.DX, DY: -o.DY} }
func (o Offset) String() string      { return fmt.Sprintf("(%d, %d)", o.DX, o.DY) }

// Outcome classifies a Result.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeBelowThreshold
	OutcomeNoValidCandidates
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeBelowThreshold:
		return "below-threshold"
	case OutcomeNoValidCandidates:
		return "no-valid-candidates"
	default:
		return "unknown"
	}
}

// Result is the outcome of aligning one target raster.
//
// Offset is where the reference content was found relative to the initial
// anchor: the best candidate patch starts at initialAnchor + Offset.
type Result struct {
	Offset    Offset  `json:"offset"`
	Score     float64 `json:"score"`
	Accepted  bool    `json:"accepted"`
	Evaluated int     `json:"evaluated"`
}

// Correction is the translation that moves the target layer so the
// matched content lands on the reference position.
func (r Result) Correction() Offset { return r.Offset.Neg() }

func (r Result) Outcome() Outcome {
	switch {
	case r.Accepted:
		return OutcomeAccepted
	case r.Evaluated == 0:
		return OutcomeNoValidCandidates
	default:
		return OutcomeBelowThreshold
	}
}
