// Package sampler implements the iterative integrators that advance a latent
// from pure noise (or a partially noised start) to a clean sample, driving a
// ddpm.Process.
//
// The variants (ancestral, DDIM, PLMS and the k-family Euler integrator)
// share the Run contract but differ in buffers and guidance logic, so they
// are a tagged variant over one Sampler struct rather than an inheritance
// chain. Switching variants is a reconstruction, not a mutation.
//
// Step-plan coefficients are cached keyed by the step count and replaced
// wholesale whenever the step count changes; they are never patched in
// place.
package sampler

import (
	"math"
	"math/rand"

	"github.com/gomlx/diffusion"
	"github.com/gomlx/diffusion/ddpm"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Kind of sampler variant.
type Kind string

const (
	// KindAncestral is the classic stochastic reverse process; it walks
	// the full schedule.
	KindAncestral Kind = "ancestral"
	// KindDDIM is the deterministic (or eta-stochastic) subsequence
	// sampler with classifier-free guidance.
	KindDDIM Kind = "ddim"
	// KindPLMS is the pseudo linear multistep integrator: DDIM-style
	// steps extrapolated from a short history of denoiser outputs.
	KindPLMS Kind = "plms"
	// KindEuler is the k-family Euler integrator over its own sigma
	// schedule.
	KindEuler Kind = "k_euler"
)

// State of the sampler's run machine.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateStepping
	StateDone
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateStepping:
		return "stepping"
	case StateDone:
		return "done"
	}
	return "invalid"
}

// Config for New.
type Config struct {
	// Steps is the total step count. Ancestral ignores it and always
	// walks the full schedule; for the other variants a non-positive
	// value leaves the sampler uninitialized until SetSteps.
	Steps int

	// GuidanceScale extrapolates between unconditional and conditional
	// denoiser outputs (1 = no extrapolation, no unconditional
	// evaluation). Only honored by DDIM/PLMS/Euler.
	GuidanceScale float64

	// Eta scales the DDIM stochastic term; 0 (default) is fully
	// deterministic.
	Eta float64

	// Temperature scales the ancestral noise term. Defaults to 1.
	Temperature float64
}

// RunOptions for one Run call.
type RunOptions struct {
	// Embedding is the condition embedding (from the process's condition
	// adapter); nil runs unconditioned.
	Embedding *tensors.Tensor

	// StartStep skips the first StartStep entries of the step plan, for
	// partial (image-conditioned) runs whose input was forward-noised to
	// the matching timestep.
	StartStep int

	// RNG is the caller-owned generator for every stochastic draw.
	// Required by the ancestral variant and by DDIM with eta > 0.
	RNG *rand.Rand

	// GuidanceScale, when set, overrides the configured classifier-free
	// guidance scale for this run only.
	GuidanceScale *float64

	// Callback is invoked after every step with the step index and the
	// current latent. A returned error aborts the run; no partial state
	// is preserved.
	Callback func(step int, z *tensors.Tensor) error

	// Verbose displays a progress bar over the steps.
	Verbose bool
}

// stepCache holds the precomputed step plan for one (kind, step count) pair.
// It is replaced atomically when the step count changes.
type stepCache struct {
	steps      int
	timesteps  []int     // descending
	alphas     []float64 // ᾱ at each timestep
	alphasPrev []float64 // ᾱ at the following (lower) timestep
	sigmas     []float64 // k-family only; len steps+1, ending at 0
}

// Sampler advances latents through a denoising process.
type Sampler struct {
	kind  Kind
	proc  *ddpm.Process
	cfg   Config
	steps int
	state State
	cache *stepCache

	// runScale is the guidance scale of the run in flight (the configured
	// one unless the RunOptions override it).
	runScale float64

	axpy2 *Exec // a·x + b·y
	axpy3 *Exec // a·x + b·y + c·z
	scale *Exec // a·x
	guide *Exec // u + s·(c - u)
}

// New constructs a sampler variant over proc. For the ancestral kind the
// step count is pinned to the schedule length; the other kinds start
// uninitialized when cfg.Steps is non-positive.
func New(kind Kind, proc *ddpm.Process, cfg Config) (*Sampler, error) {
	switch kind {
	case KindAncestral, KindDDIM, KindPLMS, KindEuler:
	default:
		return nil, errors.Wrapf(diffusion.ErrConfiguration, "unrecognized sampler kind %q", kind)
	}
	if proc == nil {
		return nil, errors.Wrap(diffusion.ErrConfiguration, "sampler.New requires a process")
	}
	if cfg.GuidanceScale == 0 {
		cfg.GuidanceScale = 1
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 1
	}
	s := &Sampler{
		kind:  kind,
		proc:  proc,
		cfg:   cfg,
		state: StateUninitialized,
	}
	if kind == KindAncestral {
		s.steps = proc.Schedule().T
		s.state = StateReady
	} else if cfg.Steps > 0 {
		if err := s.SetSteps(cfg.Steps); err != nil {
			return nil, err
		}
	}

	backend := proc.Backend()
	s.axpy2 = NewExec(backend, func(x, y, a, b *Node) *Node {
		a = ConvertDType(a, x.DType())
		b = ConvertDType(b, x.DType())
		return Add(Mul(x, a), Mul(y, b))
	})
	s.axpy3 = NewExec(backend, func(x, y, z, a, b, c *Node) *Node {
		a = ConvertDType(a, x.DType())
		b = ConvertDType(b, x.DType())
		c = ConvertDType(c, x.DType())
		return Add(Add(Mul(x, a), Mul(y, b)), Mul(z, c))
	})
	s.scale = NewExec(backend, func(x, a *Node) *Node {
		return Mul(x, ConvertDType(a, x.DType()))
	})
	s.guide = NewExec(backend, func(uncond, cond, scale *Node) *Node {
		scale = ConvertDType(scale, uncond.DType())
		return Add(uncond, Mul(scale, Sub(cond, uncond)))
	})
	return s, nil
}

// Kind of the sampler.
func (s *Sampler) Kind() Kind { return s.kind }

// State of the run machine.
func (s *Sampler) State() State { return s.state }

// Steps currently planned.
func (s *Sampler) Steps() int { return s.steps }

// GuidanceScale currently configured.
func (s *Sampler) GuidanceScale() float64 { return s.cfg.GuidanceScale }

// SetSteps resets the total step count, invalidating the cached step plan.
// It fails with diffusion.ErrSamplerState while a run is stepping, and with
// diffusion.ErrConfiguration for an out-of-range count (the ancestral
// variant only accepts the full schedule length).
func (s *Sampler) SetSteps(steps int) error {
	if s.state == StateStepping {
		return errors.Wrap(diffusion.ErrSamplerState,
			"cannot change the step count mid-run")
	}
	t := s.proc.Schedule().T
	if s.kind == KindAncestral {
		if steps != t {
			return errors.Wrapf(diffusion.ErrConfiguration,
				"ancestral sampling walks the full schedule (%d steps), got %d", t, steps)
		}
	} else if steps < 1 || steps > t {
		return errors.Wrapf(diffusion.ErrConfiguration,
			"step count %d outside [1, %d]", steps, t)
	}
	s.steps = steps
	s.cache = nil // stale; rebuilt on the next Run
	s.state = StateReady
	return nil
}

// ensureCache builds the step plan for the current step count if the cached
// one is missing or stale.
func (s *Sampler) ensureCache() {
	if s.cache != nil && s.cache.steps == s.steps && len(s.cache.timesteps) == s.steps {
		return
	}
	sched := s.proc.Schedule()
	c := &stepCache{
		steps:      s.steps,
		timesteps:  make([]int, s.steps),
		alphas:     make([]float64, s.steps),
		alphasPrev: make([]float64, s.steps),
	}
	// Evenly spaced descending subsequence of [0, T-1].
	for i := 0; i < s.steps; i++ {
		var t int
		if s.steps == 1 {
			t = sched.T - 1
		} else {
			t = int(math.Round(float64(sched.T-1) * float64(s.steps-1-i) / float64(s.steps-1)))
		}
		c.timesteps[i] = t
	}
	for i, t := range c.timesteps {
		c.alphas[i] = sched.AlphasCumprod[t]
		if i+1 < s.steps {
			c.alphasPrev[i] = sched.AlphasCumprod[c.timesteps[i+1]]
		} else {
			c.alphasPrev[i] = sched.AlphasCumprodPrev[0]
		}
	}
	if s.kind == KindEuler {
		c.sigmas = make([]float64, s.steps+1)
		for i, a := range c.alphas {
			c.sigmas[i] = math.Sqrt((1 - a) / a)
		}
		c.sigmas[s.steps] = 0
	}
	s.cache = c
}

// Plan returns a copy of the planned timesteps, descending. Partial runs
// forward-noise their input to Plan()[startStep] before calling Run.
func (s *Sampler) Plan() ([]int, error) {
	if s.state == StateUninitialized {
		return nil, errors.Wrapf(diffusion.ErrSamplerState,
			"%s sampler has no step count; call SetSteps first", s.kind)
	}
	s.ensureCache()
	out := make([]int, len(s.cache.timesteps))
	copy(out, s.cache.timesteps)
	return out, nil
}

// Run advances z through the step plan and returns the clean latent. The
// run is a strict sequential dependency chain; it either completes or fails
// atomically.
func (s *Sampler) Run(z *tensors.Tensor, opts RunOptions) (*tensors.Tensor, error) {
	switch s.state {
	case StateUninitialized:
		return nil, errors.Wrapf(diffusion.ErrSamplerState,
			"%s sampler has no step count; call SetSteps first", s.kind)
	case StateStepping:
		return nil, errors.Wrap(diffusion.ErrSamplerState, "sampler is already stepping")
	}
	if s.kind != KindAncestral && s.proc.Parameterization() != diffusion.ParamEps {
		return nil, errors.Wrapf(diffusion.ErrSamplerState,
			"%s sampling supports only the eps parameterization, process uses %q",
			s.kind, s.proc.Parameterization())
	}
	if s.kind == KindAncestral && opts.StartStep == 0 {
		// The process may cap how deep an unqualified ancestral run starts.
		opts.StartStep = s.steps - s.proc.DefaultStartStep()
	}
	if opts.StartStep < 0 || opts.StartStep > s.steps {
		return nil, errors.Wrapf(diffusion.ErrConfiguration,
			"start step %d outside [0, %d]", opts.StartStep, s.steps)
	}
	s.ensureCache()

	s.runScale = s.cfg.GuidanceScale
	if opts.GuidanceScale != nil {
		s.runScale = *opts.GuidanceScale
	}

	var out *tensors.Tensor
	var err error
	s.state = StateStepping
	defer func() {
		// A failed run leaves the sampler ready to be retried or
		// reconfigured, not done.
		if err != nil {
			s.state = StateReady
		} else {
			s.state = StateDone
		}
	}()

	numSteps := s.steps - opts.StartStep
	klog.V(1).Infof("sampler %s: %d steps (of %d), guidance=%.2f",
		s.kind, numSteps, s.steps, s.runScale)
	var bar *progressbar.ProgressBar
	if opts.Verbose {
		bar = progressbar.Default(int64(numSteps), "sampling")
	}
	afterStep := func(step int, cur *tensors.Tensor) error {
		if bar != nil {
			_ = bar.Add(1)
		}
		if opts.Callback == nil {
			return nil
		}
		if err := opts.Callback(step, cur); err != nil {
			return errors.WithMessagef(err, "aborted by callback at step %d", step)
		}
		return nil
	}

	switch s.kind {
	case KindAncestral:
		out, err = s.runAncestral(z, opts, afterStep)
	case KindDDIM:
		out, err = s.runDDIM(z, opts, afterStep)
	case KindPLMS:
		out, err = s.runPLMS(z, opts, afterStep)
	case KindEuler:
		out, err = s.runEuler(z, opts, afterStep)
	default:
		err = errors.Wrapf(diffusion.ErrConfiguration, "unrecognized sampler kind %q", s.kind)
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return out, err
}

// predictGuided evaluates the denoiser with classifier-free guidance: once
// with the real embedding and, when the guidance scale is not 1, once more
// with the cached unconditional embedding, extrapolating between the two.
func (s *Sampler) predictGuided(z *tensors.Tensor, t int, embedding *tensors.Tensor) (*tensors.Tensor, error) {
	condOut, err := s.proc.Predict(z, t, embedding)
	if err != nil {
		return nil, err
	}
	if s.runScale == 1 || embedding == nil {
		return condOut, nil
	}
	uncond, err := s.proc.Condition().Unconditional()
	if err != nil {
		return nil, err
	}
	uncondOut, err := s.proc.Predict(z, t, uncond)
	if err != nil {
		return nil, err
	}
	return s.guide.Call(uncondOut, condOut, s.runScale)[0], nil
}
