// Package condition wraps an arbitrary conditioning source (text, image
// crop, semantic map, class id) behind the embedding function the denoiser
// consumes, and manages the "unconditional" embedding classifier-free
// guidance needs.
package condition

import (
	"sync"

	"github.com/gomlx/diffusion"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Capability of the adapter's embedding function.
type Capability string

const (
	// CapabilityNone: no condition encoder; any non-nil condition is an
	// error.
	CapabilityNone Capability = "none"
	// CapabilityLearnable: the encoder is trained jointly with the
	// denoiser.
	CapabilityLearnable Capability = "learnable"
	// CapabilityFrozen: the encoder is a frozen pretrained model.
	CapabilityFrozen Capability = "frozen"
)

// Mode is how the embedding reaches the denoiser. The mapping is fixed:
// modes never silently fall back to one another.
type Mode string

const (
	// ModeConcat channel-concatenates the embedding onto the latent; the
	// embedding's spatial shape must match the latent's.
	ModeConcat Mode = "concat"
	// ModeCrossAttention passes the embedding as the denoiser's
	// cross-attention context.
	ModeCrossAttention Mode = "cross_attention"
	// ModeAdditiveClass passes the embedding as a class-label argument.
	ModeAdditiveClass Mode = "additive_class"
)

// Adapter binds one condition encoder, its capability and its injection
// mode. Constructed once per denoising process; read-only after
// construction except for the lazily cached unconditional embedding.
type Adapter struct {
	backend    backends.Backend
	capability Capability
	mode       Mode
	encoder    diffusion.ConditionEncoder

	// nullCond is the caller-supplied "null" condition (empty string,
	// zero image, ...) whose embedding anchors guidance.
	nullCond any

	mu     sync.Mutex
	uncond *tensors.Tensor

	concatExec *Exec
}

// New creates an Adapter. encoder may be nil only when capability is
// CapabilityNone. nullCond is embedded lazily on the first guided sampling
// call.
func New(backend backends.Backend, capability Capability, mode Mode,
	encoder diffusion.ConditionEncoder, nullCond any) (*Adapter, error) {
	switch capability {
	case CapabilityNone, CapabilityLearnable, CapabilityFrozen:
	default:
		return nil, errors.Wrapf(diffusion.ErrConfiguration,
			"unrecognized condition capability %q", capability)
	}
	switch mode {
	case ModeConcat, ModeCrossAttention, ModeAdditiveClass:
	default:
		return nil, errors.Wrapf(diffusion.ErrConfiguration,
			"unrecognized condition injection mode %q", mode)
	}
	if capability != CapabilityNone && encoder == nil {
		return nil, errors.Wrapf(diffusion.ErrConfiguration,
			"capability %q requires a condition encoder", capability)
	}
	a := &Adapter{
		backend:    backend,
		capability: capability,
		mode:       mode,
		encoder:    encoder,
		nullCond:   nullCond,
	}
	a.concatExec = NewExec(backend, func(latent, embedding *Node) *Node {
		return Concatenate([]*Node{latent, embedding}, 1)
	})
	return a, nil
}

// Capability of the adapter.
func (a *Adapter) Capability() Capability { return a.capability }

// Mode of the adapter.
func (a *Adapter) Mode() Mode { return a.mode }

// Embed runs the opaque encoder over raw. A nil raw returns (nil, nil).
// It fails with diffusion.ErrConditionUnavailable when a non-nil condition
// is supplied but the capability is CapabilityNone.
func (a *Adapter) Embed(raw any) (*tensors.Tensor, error) {
	if raw == nil {
		return nil, nil
	}
	if a.capability == CapabilityNone {
		return nil, errors.Wrap(diffusion.ErrConditionUnavailable,
			"condition supplied but adapter has no encoder")
	}
	embedding, err := a.encoder.Embed(raw)
	if err != nil {
		return nil, errors.WithMessage(err, "embedding condition")
	}
	return embedding, nil
}

// Unconditional returns the embedding of the null condition, computing it on
// first use and caching it for the adapter's lifetime. Guided samplers call
// this once per run.
func (a *Adapter) Unconditional() (*tensors.Tensor, error) {
	if a.capability == CapabilityNone {
		return nil, errors.Wrap(diffusion.ErrConditionUnavailable,
			"guidance requires a condition encoder")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.uncond != nil {
		return a.uncond, nil
	}
	uncond, err := a.encoder.Embed(a.nullCond)
	if err != nil {
		return nil, errors.WithMessage(err, "embedding null condition")
	}
	a.uncond = uncond
	return uncond, nil
}

// SetNullCondition replaces the null condition and invalidates the cached
// unconditional embedding.
func (a *Adapter) SetNullCondition(nullCond any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nullCond = nullCond
	a.uncond = nil
}

// Inject combines latent and embedding per the adapter's mode, returning the
// model input and the side-channels for the denoiser call. A nil embedding
// passes the latent through unchanged.
func (a *Adapter) Inject(latent, embedding *tensors.Tensor) (*tensors.Tensor, diffusion.Conditioning, error) {
	if embedding == nil {
		return latent, diffusion.Conditioning{}, nil
	}
	switch a.mode {
	case ModeConcat:
		ls, es := latent.Shape(), embedding.Shape()
		if ls.Rank() != 4 || es.Rank() != 4 ||
			ls.Dimensions[0] != es.Dimensions[0] ||
			ls.Dimensions[2] != es.Dimensions[2] ||
			ls.Dimensions[3] != es.Dimensions[3] {
			return nil, diffusion.Conditioning{}, errors.Wrapf(diffusion.ErrShapeMismatch,
				"concat conditioning needs matching batch and spatial dims, latent=%s embedding=%s",
				ls, es)
		}
		return a.concatExec.Call(latent, embedding)[0], diffusion.Conditioning{}, nil
	case ModeCrossAttention:
		return latent, diffusion.Conditioning{Context: embedding}, nil
	case ModeAdditiveClass:
		return latent, diffusion.Conditioning{Labels: embedding}, nil
	}
	return nil, diffusion.Conditioning{}, errors.Wrapf(diffusion.ErrConfiguration,
		"unrecognized condition injection mode %q", a.mode)
}
