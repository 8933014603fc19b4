package align

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Score returns the normalized cross-correlation of two equally sized
// patches, computed over all samples jointly. The result lies in [-1, 1];
// 1 means the candidate equals the reference up to a positive brightness
// and contrast change. A patch with zero variance scores 0.
func Score(reference, candidate PatchBuffer) (float64, error) {
	if reference.Empty() || candidate.Empty() {
		return 0, ErrEmptyPatch
	}
	if !reference.sameShape(candidate) {
		return 0, fmt.Errorf("%w: reference %dx%dx%d, candidate %dx%dx%d", ErrDimensionMismatch,
			reference.width, reference.height, reference.channels,
			candidate.width, candidate.height, candidate.channels)
	}
	return newReferenceStats(reference.samples).score(candidate.Samples()), nil
}

// referenceStats caches the mean-centered reference and its L2 norm so a
// search scores each candidate with a single pass over its samples.
type referenceStats struct {
	centered []float64
	norm     float64
	flat     bool
}

func newReferenceStats(samples []float64) referenceStats {
	if isFlat(samples) {
		return referenceStats{flat: true}
	}
	centered := make([]float64, len(samples))
	copy(centered, samples)
	floats.AddConst(-stat.Mean(centered, nil), centered)
	return referenceStats{centered: centered, norm: floats.Norm(centered, 2)}
}

// score centers candidate in place; callers pass a scratch buffer.
func (rs referenceStats) score(candidate []float64) float64 {
	if rs.flat || rs.norm == 0 || isFlat(candidate) {
		return 0
	}
	floats.AddConst(-stat.Mean(candidate, nil), candidate)
	norm := floats.Norm(candidate, 2)
	if norm == 0 {
		return 0
	}
	ncc := floats.Dot(rs.centered, candidate) / (rs.norm * norm)
	switch {
	case ncc > 1:
		return 1
	case ncc < -1:
		return -1
	}
	return ncc
}

func isFlat(samples []float64) bool {
	if len(samples) == 0 {
		return true
	}
	return floats.Min(samples) == floats.Max(samples)
}
