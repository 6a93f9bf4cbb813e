// Package latent translates between pixel space and the (possibly
// dimensionality-reduced) latent space the diffusion process operates on,
// and owns the size bookkeeping that translation implies.
package latent

import (
	"github.com/gomlx/diffusion"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Identity is the no-compression codec: Encode and Decode return their input
// unchanged. Used when latent diffusion is disabled.
type Identity struct{}

func (Identity) Encode(pixels *tensors.Tensor) (*tensors.Tensor, error) { return pixels, nil }
func (Identity) Decode(z *tensors.Tensor) (*tensors.Tensor, error)      { return z, nil }

// Transform pairs an opaque codec with its spatial downsampling factor.
type Transform struct {
	codec  diffusion.Codec
	factor int
}

// NewTransform wraps codec with its pixel-size / latent-size ratio. factor
// must be a positive power-of-two-style divisor (1 for the identity codec).
func NewTransform(codec diffusion.Codec, factor int) (*Transform, error) {
	if codec == nil {
		codec = Identity{}
	}
	if factor < 1 {
		return nil, errors.Wrapf(diffusion.ErrConfiguration,
			"downsample factor must be ≥ 1, got %d", factor)
	}
	return &Transform{codec: codec, factor: factor}, nil
}

// NewIdentity is the Transform for pixel-space diffusion.
func NewIdentity() *Transform {
	t, _ := NewTransform(Identity{}, 1)
	return t
}

// DownsampleFactor is the pixel-size / latent-size ratio.
func (t *Transform) DownsampleFactor() int { return t.factor }

// IsIdentity reports whether no compression happens (factor 1).
func (t *Transform) IsIdentity() bool { return t.factor == 1 }

// ToLatent encodes a pixel-space tensor.
func (t *Transform) ToLatent(pixels *tensors.Tensor) (*tensors.Tensor, error) {
	z, err := t.codec.Encode(pixels)
	if err != nil {
		return nil, errors.WithMessage(err, "encoding to latent space")
	}
	return z, nil
}

// ToPixels decodes a latent-space tensor.
func (t *Transform) ToPixels(z *tensors.Tensor) (*tensors.Tensor, error) {
	pixels, err := t.codec.Decode(z)
	if err != nil {
		return nil, errors.WithMessage(err, "decoding to pixel space")
	}
	return pixels, nil
}

// SuitableSize rounds the requested pixel (width, height) down to the
// nearest multiple of factor×anchor, preserving aspect ratio as closely as
// the rounding allows. It fails with diffusion.ErrSizeTooSmall when either
// dimension would round to zero.
func (t *Transform) SuitableSize(width, height, anchor int) (w, h int, err error) {
	if anchor < 1 {
		anchor = 1
	}
	grid := t.factor * anchor
	w = width - width%grid
	h = height - height%grid
	if w <= 0 || h <= 0 {
		return 0, 0, errors.Wrapf(diffusion.ErrSizeTooSmall,
			"%dx%d rounds to %dx%d under a grid of %d", width, height, w, h, grid)
	}
	return w, h, nil
}
