package diffusion

import "github.com/pkg/errors"

// Error taxonomy of the generative core. All are detected synchronously at
// the point of validation, before numeric work starts, and are never retried
// internally: sampling is deterministic given its inputs, so a retry would
// reproduce the same failure.
//
// Use errors.Is to test; the concrete values returned are wrapped with
// context by the raising package.
var (
	// ErrConfiguration: bad schedule kind, bad parameterization or an
	// operation missing a required sub-model (e.g. super-resolution
	// without a compressive codec).
	ErrConfiguration = errors.New("invalid configuration")

	// ErrConditionUnavailable: a condition was supplied but no encoder is
	// configured, or an operation that requires conditioning found none.
	ErrConditionUnavailable = errors.New("condition unavailable")

	// ErrShapeMismatch: sample-count/condition-count mismatch, or mask and
	// image sizes that disagree.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrSamplerState: illegal sampler state transition, e.g. changing the
	// step count while a run is in flight, or an unsupported
	// (sampler kind, parameterization) combination.
	ErrSamplerState = errors.New("invalid sampler state")

	// ErrSizeTooSmall: a requested resolution that rounds to a
	// non-positive dimension under the anchor/downsample constraint.
	ErrSizeTooSmall = errors.New("size too small")
)
