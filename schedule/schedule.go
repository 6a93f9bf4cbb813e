// Package schedule precomputes the per-timestep scalar tables a denoising
// diffusion process needs: betas, cumulative alpha products and the
// variance-preserving posterior coefficients derived from them.
//
// A Schedule is built once, from a schedule kind or from an explicit beta
// array, and is immutable afterwards.
package schedule

import (
	"math"

	"github.com/gomlx/diffusion"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Kind of beta schedule.
type Kind string

const (
	// Linear interpolates sqrt(beta) between sqrt(linear_start) and
	// sqrt(linear_end) and squares the result.
	Linear Kind = "linear"
	// Cosine derives betas from a cosine alpha-bar curve with a small
	// offset, clipped to [0, 0.999].
	Cosine Kind = "cosine"
	// SqrtLinear interpolates beta directly between the two bounds.
	SqrtLinear Kind = "sqrt_linear"
	// Sqrt takes the square root of the linear interpolation.
	Sqrt Kind = "sqrt"
)

// MaxBeta is the upper clip for betas: a beta of 1 would destroy all signal
// in a single step and make the posterior degenerate.
const MaxBeta = 0.999

// minPosteriorVariance floors the posterior variance before taking its log.
const minPosteriorVariance = 1e-20

// Config for Build. The zero value is not usable; see New for defaults.
type Config struct {
	Kind      Kind
	Timesteps int

	// LinearStart and LinearEnd bound the linear/sqrt_linear/sqrt kinds.
	LinearStart, LinearEnd float64

	// CosineS is the offset of the cosine alpha-bar curve.
	CosineS float64

	// VPosterior interpolates the posterior variance between the true
	// posterior term (0, the default) and a beta-only term (1).
	VPosterior float64

	// Parameterization selects the variational-bound weight formula.
	Parameterization diffusion.Parameterization
}

// New returns a Config with the defaults the original DDPM formulation uses:
// a linear schedule of 1000 steps from 1e-4 to 2e-2, eps parameterization.
func New() Config {
	return Config{
		Kind:             Linear,
		Timesteps:        1000,
		LinearStart:      1e-4,
		LinearEnd:        2e-2,
		CosineS:          8e-3,
		Parameterization: diffusion.ParamEps,
	}
}

// Schedule holds the precomputed tables, all of length T. It is immutable
// after Build/FromBetas and exclusively owned by one denoising process.
type Schedule struct {
	T int

	Betas             []float64
	AlphasCumprod     []float64
	AlphasCumprodPrev []float64

	// Coefficients of q(x_t | x_0).
	SqrtAlphasCumprod         []float64
	SqrtOneMinusAlphasCumprod []float64

	// Coefficients of q(x_{t-1} | x_t, x_0).
	PosteriorVariance           []float64
	PosteriorLogVarianceClipped []float64
	PosteriorCoef1              []float64
	PosteriorCoef2              []float64

	// Variational lower-bound weights, per the parameterization the
	// schedule was built for.
	LvlbWeights []float64
}

// Build computes the beta array for cfg.Kind and derives every table.
// It fails with diffusion.ErrConfiguration on an unrecognized kind or a
// non-positive step count.
func Build(cfg Config) (*Schedule, error) {
	if cfg.Timesteps <= 0 {
		return nil, errors.Wrapf(diffusion.ErrConfiguration,
			"schedule needs at least 1 timestep, got %d", cfg.Timesteps)
	}
	betas, err := makeBetas(cfg)
	if err != nil {
		return nil, err
	}
	return fromBetas(betas, cfg.VPosterior, cfg.Parameterization)
}

// FromBetas builds a Schedule from an explicitly supplied beta array, which
// determines T. The array is copied.
func FromBetas(betas []float64, vPosterior float64, param diffusion.Parameterization) (*Schedule, error) {
	if len(betas) == 0 {
		return nil, errors.Wrap(diffusion.ErrConfiguration, "empty beta array")
	}
	owned := make([]float64, len(betas))
	copy(owned, betas)
	return fromBetas(owned, vPosterior, param)
}

func makeBetas(cfg Config) ([]float64, error) {
	t := cfg.Timesteps
	betas := make([]float64, t)
	switch cfg.Kind {
	case Linear:
		if t == 1 {
			betas[0] = cfg.LinearStart
			return betas, nil
		}
		floats.Span(betas, math.Sqrt(cfg.LinearStart), math.Sqrt(cfg.LinearEnd))
		for i, b := range betas {
			betas[i] = b * b
		}
	case Cosine:
		// Alpha-bar follows cos²((t/T + s)/(1+s)·π/2), normalized to
		// start at 1; betas are the successive ratios.
		alphaBar := func(step int) float64 {
			x := (float64(step)/float64(t) + cfg.CosineS) / (1 + cfg.CosineS) * math.Pi / 2
			c := math.Cos(x)
			return c * c
		}
		a0 := alphaBar(0)
		prev := 1.0
		for i := 0; i < t; i++ {
			cur := alphaBar(i+1) / a0
			betas[i] = math.Min(math.Max(1-cur/prev, 0), MaxBeta)
			prev = cur
		}
	case SqrtLinear, Sqrt:
		if t == 1 {
			betas[0] = cfg.LinearStart
		} else {
			floats.Span(betas, cfg.LinearStart, cfg.LinearEnd)
		}
		if cfg.Kind == Sqrt {
			for i, b := range betas {
				betas[i] = math.Sqrt(b)
			}
		}
	default:
		return nil, errors.Wrapf(diffusion.ErrConfiguration,
			"unrecognized schedule kind %q", cfg.Kind)
	}
	return betas, nil
}

func fromBetas(betas []float64, vPosterior float64, param diffusion.Parameterization) (*Schedule, error) {
	if !param.Valid() {
		return nil, errors.Wrapf(diffusion.ErrConfiguration,
			"unrecognized parameterization %q", param)
	}
	t := len(betas)
	for i, b := range betas {
		if b < 0 || b > MaxBeta {
			return nil, errors.Wrapf(diffusion.ErrConfiguration,
				"beta[%d]=%g outside [0, %g]", i, b, MaxBeta)
		}
	}

	alphas := make([]float64, t)
	for i, b := range betas {
		alphas[i] = 1 - b
	}
	alphasCumprod := make([]float64, t)
	floats.CumProd(alphasCumprod, alphas)
	alphasCumprodPrev := make([]float64, t)
	alphasCumprodPrev[0] = 1.0
	copy(alphasCumprodPrev[1:], alphasCumprod[:t-1])

	s := &Schedule{
		T:                           t,
		Betas:                       betas,
		AlphasCumprod:               alphasCumprod,
		AlphasCumprodPrev:           alphasCumprodPrev,
		SqrtAlphasCumprod:           make([]float64, t),
		SqrtOneMinusAlphasCumprod:   make([]float64, t),
		PosteriorVariance:           make([]float64, t),
		PosteriorLogVarianceClipped: make([]float64, t),
		PosteriorCoef1:              make([]float64, t),
		PosteriorCoef2:              make([]float64, t),
		LvlbWeights:                 make([]float64, t),
	}
	for i := 0; i < t; i++ {
		ac := alphasCumprod[i]
		oneMinus := 1 - ac
		s.SqrtAlphasCumprod[i] = math.Sqrt(ac)
		s.SqrtOneMinusAlphasCumprod[i] = math.Sqrt(oneMinus)

		// Posterior variance blended by the v-posterior knob between
		// the true posterior term and a beta-only term.
		truePost := betas[i] * (1 - alphasCumprodPrev[i]) / oneMinus
		s.PosteriorVariance[i] = vPosterior*betas[i] + (1-vPosterior)*truePost
		s.PosteriorLogVarianceClipped[i] =
			math.Log(math.Max(s.PosteriorVariance[i], minPosteriorVariance))
		s.PosteriorCoef1[i] = 1 / math.Sqrt(alphas[i])
		s.PosteriorCoef2[i] = betas[i] / s.SqrtOneMinusAlphasCumprod[i]

		switch param {
		case diffusion.ParamEps:
			s.LvlbWeights[i] = 0.5 * betas[i] * betas[i] /
				(s.PosteriorVariance[i] * alphas[i] * oneMinus)
		case diffusion.ParamX0:
			s.LvlbWeights[i] = 0.25 * s.SqrtAlphasCumprod[i] / oneMinus
		}
	}
	// The t=0 weight is degenerate in the eps formulation (the posterior
	// variance vanishes there); the boundary fix-up copies t=1.
	if t > 1 {
		s.LvlbWeights[0] = s.LvlbWeights[1]
	}
	for i, w := range s.LvlbWeights {
		if math.IsNaN(w) || (i > 0 && math.IsInf(w, 0)) {
			return nil, errors.Wrapf(diffusion.ErrConfiguration,
				"degenerate lvlb weight at t=%d (beta=%g)", i, betas[i])
		}
	}
	return s, nil
}
