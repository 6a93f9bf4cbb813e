package diffusion

import (
	"github.com/gomlx/gomlx/types/tensors"
)

// Parameterization is the quantity the denoising network was trained to
// predict: the added noise ("eps") or the clean signal ("x0").
type Parameterization string

const (
	ParamEps Parameterization = "eps"
	ParamX0  Parameterization = "x0"
)

// Valid reports whether p is a known parameterization.
func (p Parameterization) Valid() bool {
	return p == ParamEps || p == ParamX0
}

// Conditioning carries the side-channels a conditioned denoiser call may
// receive, next to the (possibly channel-augmented) latent itself. Which
// field is set depends on the condition.Adapter's injection mode; unset
// fields are nil.
type Conditioning struct {
	// Context is the cross-attention context (e.g. text embeddings),
	// shaped [batch, tokens, channels].
	Context *tensors.Tensor

	// Labels are class labels for additive class conditioning, shaped
	// [batch] or [batch, embedding].
	Labels *tensors.Tensor
}

// IsZero reports whether no side-channel is set.
func (c Conditioning) IsZero() bool {
	return c.Context == nil && c.Labels == nil
}

// Denoiser is the opaque trained denoising network ("U-Net"). The core holds
// a non-owning reference: weights lifecycle (loading, EMA selection) is the
// caller's concern.
//
// Predict evaluates the network once. latent is shaped
// [batch, channels, height, width], timesteps is an int32 tensor shaped
// [batch], and the returned tensor has the latent's shape in the network's
// predicted-quantity channel count.
type Denoiser interface {
	Predict(latent, timesteps *tensors.Tensor, cond Conditioning) (*tensors.Tensor, error)
}

// Codec is the opaque autoencoder used for latent compression. Encode and
// Decode are shape-preserving up to a fixed spatial downsampling factor.
// See latent.Identity for the no-compression case.
type Codec interface {
	Encode(pixels *tensors.Tensor) (*tensors.Tensor, error)
	Decode(latent *tensors.Tensor) (*tensors.Tensor, error)
}

// ConditionEncoder is the opaque embedding model that turns a raw condition
// (text, image crop, semantic map, class id) into a tensor the denoiser
// understands.
type ConditionEncoder interface {
	Embed(raw any) (*tensors.Tensor, error)
}
