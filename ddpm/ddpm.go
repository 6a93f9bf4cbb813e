// Package ddpm implements the denoising diffusion process: forward noising
// (q-sample), the single reverse (posterior) step, one-invocation prediction
// through the opaque denoiser, and the training loss surface.
//
// A Process owns its noise schedule and condition adapter, holds a non-owning
// reference to the denoiser, and keeps the small step-update graphs compiled
// per input shape.
package ddpm

import (
	"math"
	"math/rand"

	"github.com/gomlx/diffusion"
	"github.com/gomlx/diffusion/condition"
	"github.com/gomlx/diffusion/noise"
	"github.com/gomlx/diffusion/schedule"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// LossKind is the per-element loss used for training.
type LossKind string

const (
	LossL1 LossKind = "l1"
	LossL2 LossKind = "l2"
)

// Config for a Process. NewConfig supplies the defaults.
type Config struct {
	Parameterization diffusion.Parameterization
	Loss             LossKind

	// LSimpleWeight scales the simple (per-element) loss term.
	LSimpleWeight float64
	// OriginalELBOWeight scales the variational-bound term; at 0 the term
	// is never computed.
	OriginalELBOWeight float64

	// LearnLogVar reports the gamma and log-variance terms in the loss
	// output; LogVarInit initializes the per-timestep log-variance table.
	LearnLogVar bool
	LogVarInit  float64

	// DefaultStartStep is the ancestral start timestep when the caller
	// doesn't supply one; 0 means the full schedule length.
	DefaultStartStep int

	// DType of all intermediates for a sampling call. Float32 by default;
	// Float16 enables the reduced-precision mode. Never mixed within one
	// step.
	DType dtypes.DType
}

// NewConfig returns the defaults: eps parameterization, l2 loss with unit
// simple weight, no variational term, Float32.
func NewConfig() Config {
	return Config{
		Parameterization: diffusion.ParamEps,
		Loss:             LossL2,
		LSimpleWeight:    1.0,
		DType:            dtypes.Float32,
	}
}

// Process is the denoising diffusion process.
type Process struct {
	backend  backends.Backend
	sched    *schedule.Schedule
	cond     *condition.Adapter
	denoiser diffusion.Denoiser
	cfg      Config

	logVar []float64 // per-timestep log-variance table, len T

	forwardExec  *Exec // wx·x0 + wn·noise
	epsMeanExec  *Exec // c1·(xt - c2·out)
	addNoiseExec *Exec // mean + c·noise
	lossExec     *Exec // per-sample reduced l1/l2, in float64
}

// New builds a Process over an already-built schedule, condition adapter and
// denoiser. The schedule and adapter become exclusively owned by the
// process; the denoiser is only referenced.
func New(backend backends.Backend, sched *schedule.Schedule, cond *condition.Adapter,
	denoiser diffusion.Denoiser, cfg Config) (*Process, error) {
	if sched == nil || cond == nil || denoiser == nil {
		return nil, errors.Wrap(diffusion.ErrConfiguration,
			"ddpm.New requires a schedule, a condition adapter and a denoiser")
	}
	if !cfg.Parameterization.Valid() {
		return nil, errors.Wrapf(diffusion.ErrConfiguration,
			"unrecognized parameterization %q", cfg.Parameterization)
	}
	if cfg.Loss != LossL1 && cfg.Loss != LossL2 {
		return nil, errors.Wrapf(diffusion.ErrConfiguration,
			"unrecognized loss kind %q", cfg.Loss)
	}
	if cfg.DType == dtypes.InvalidDType {
		cfg.DType = dtypes.Float32
	}
	if cfg.LSimpleWeight == 0 {
		cfg.LSimpleWeight = 1.0
	}
	if cfg.DefaultStartStep <= 0 || cfg.DefaultStartStep > sched.T {
		cfg.DefaultStartStep = sched.T
	}
	p := &Process{
		backend:  backend,
		sched:    sched,
		cond:     cond,
		denoiser: denoiser,
		cfg:      cfg,
		logVar:   make([]float64, sched.T),
	}
	for i := range p.logVar {
		p.logVar[i] = cfg.LogVarInit
	}

	p.forwardExec = NewExec(backend, func(x0, n, wx, wn *Node) *Node {
		wx = ConvertDType(wx, x0.DType())
		wn = ConvertDType(wn, x0.DType())
		return Add(Mul(x0, wx), Mul(n, wn))
	})
	p.epsMeanExec = NewExec(backend, func(xt, out, c1, c2 *Node) *Node {
		c1 = ConvertDType(c1, xt.DType())
		c2 = ConvertDType(c2, xt.DType())
		return Mul(c1, Sub(xt, Mul(c2, out)))
	})
	p.addNoiseExec = NewExec(backend, func(mean, n, c *Node) *Node {
		c = ConvertDType(c, mean.DType())
		return Add(mean, Mul(n, c))
	})
	p.lossExec = NewExec(backend, func(out, target *Node) *Node {
		diff := Sub(out, target)
		var elem *Node
		if cfg.Loss == LossL1 {
			elem = Abs(diff)
		} else {
			elem = Square(diff)
		}
		elem = ConvertDType(elem, dtypes.Float64)
		axes := make([]int, 0, elem.Rank()-1)
		for axis := 1; axis < elem.Rank(); axis++ {
			axes = append(axes, axis)
		}
		if len(axes) == 0 {
			return elem
		}
		return ReduceMean(elem, axes...)
	})
	return p, nil
}

// Schedule the process owns.
func (p *Process) Schedule() *schedule.Schedule { return p.sched }

// Condition adapter the process owns.
func (p *Process) Condition() *condition.Adapter { return p.cond }

// Denoiser the process references.
func (p *Process) Denoiser() diffusion.Denoiser { return p.denoiser }

// Parameterization of the denoiser's output.
func (p *Process) Parameterization() diffusion.Parameterization {
	return p.cfg.Parameterization
}

// DType of all intermediates.
func (p *Process) DType() dtypes.DType { return p.cfg.DType }

// Backend used for the step graphs.
func (p *Process) Backend() backends.Backend { return p.backend }

// DefaultStartStep for ancestral sampling.
func (p *Process) DefaultStartStep() int { return p.cfg.DefaultStartStep }

// Timesteps builds the int32 [batch] timestep tensor fed to the denoiser.
func Timesteps(t, batch int) *tensors.Tensor {
	flat := make([]int32, batch)
	for i := range flat {
		flat[i] = int32(t)
	}
	return tensors.FromFlatDataAndDimensions(flat, batch)
}

// ForwardNoise diffuses x0 to timestep t with the given noise (q-sample):
//
//	xt = sqrt(ᾱ_t)·x0 + sqrt(1-ᾱ_t)·noise
//
// Deterministic given noise.
func (p *Process) ForwardNoise(x0 *tensors.Tensor, t int, n *tensors.Tensor) (*tensors.Tensor, error) {
	if t < 0 || t >= p.sched.T {
		return nil, errors.Wrapf(diffusion.ErrConfiguration,
			"timestep %d outside schedule [0, %d)", t, p.sched.T)
	}
	if !x0.Shape().Equal(n.Shape()) {
		return nil, errors.Wrapf(diffusion.ErrShapeMismatch,
			"x0 (%s) and noise (%s) must match", x0.Shape(), n.Shape())
	}
	return p.forwardExec.Call(x0, n,
		p.sched.SqrtAlphasCumprod[t], p.sched.SqrtOneMinusAlphasCumprod[t])[0], nil
}

// Predict injects the condition embedding and runs the denoiser once at
// timestep t. The output is interpreted per the process parameterization.
func (p *Process) Predict(xt *tensors.Tensor, t int, embedding *tensors.Tensor) (*tensors.Tensor, error) {
	modelInput, sideChannels, err := p.cond.Inject(xt, embedding)
	if err != nil {
		return nil, err
	}
	batch := xt.Shape().Dimensions[0]
	out, err := p.denoiser.Predict(modelInput, Timesteps(t, batch), sideChannels)
	if err != nil {
		return nil, errors.WithMessagef(err, "denoiser at t=%d", t)
	}
	return out, nil
}

// PosteriorMean computes the mean of q(x_{t-1} | x_t, x_0) from the model
// output: for eps parameterization, coef1·(xt - coef2·out); for x0, the
// output directly.
func (p *Process) PosteriorMean(xt *tensors.Tensor, t int, out *tensors.Tensor) (*tensors.Tensor, error) {
	switch p.cfg.Parameterization {
	case diffusion.ParamEps:
		return p.epsMeanExec.Call(xt, out,
			p.sched.PosteriorCoef1[t], p.sched.PosteriorCoef2[t])[0], nil
	case diffusion.ParamX0:
		return out, nil
	}
	return nil, errors.Wrapf(diffusion.ErrConfiguration,
		"unrecognized parameterization %q", p.cfg.Parameterization)
}

// Step performs one full ancestral reverse step at timestep t:
//
//	x_{t-1} = mean + mask(t)·exp(½·log σ²_t)·noise·temperature
//
// where mask(0) = 0, so the final step is deterministic. The noise is drawn
// from rng, which the caller owns.
func (p *Process) Step(xt *tensors.Tensor, t int, embedding *tensors.Tensor,
	temperature float64, rng *rand.Rand) (*tensors.Tensor, error) {
	out, err := p.Predict(xt, t, embedding)
	if err != nil {
		return nil, err
	}
	mean, err := p.PosteriorMean(xt, t, out)
	if err != nil {
		return nil, err
	}
	if t == 0 || temperature == 0 {
		return mean, nil
	}
	coef := math.Exp(0.5*p.sched.PosteriorLogVarianceClipped[t]) * temperature
	n := noise.Normal(rng, mean.DType(), mean.Shape().Dimensions...)
	return p.addNoiseExec.Call(mean, n, coef)[0], nil
}
