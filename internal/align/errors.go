package align

import "errors"

var (
	// ErrInvalidReference means the reference patch has zero area. It is a
	// caller contract violation and is never retried.
	ErrInvalidReference = errors.New("invalid reference patch")

	// ErrOutOfBounds is returned when a requested rectangle is not fully
	// inside the raster it is read from.
	ErrOutOfBounds = errors.New("region out of raster bounds")

	// ErrDimensionMismatch is returned when two patches (or a patch and a
	// raster) disagree on size or channel count.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrEmptyPatch is returned when a patch would have no samples.
	ErrEmptyPatch = errors.New("empty patch")

	// ErrInvalidParams is returned by Params.Validate.
	ErrInvalidParams = errors.New("invalid alignment parameters")
)
