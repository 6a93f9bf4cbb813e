package ddpm

import (
	"math"

	"github.com/gomlx/diffusion"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// LossTerms is the decomposed training loss for one batch.
type LossTerms struct {
	// Total is the optimized scalar.
	Total float64
	// Simple is the unweighted mean of the per-sample reduced loss.
	Simple float64

	// Gamma and LogVarMean are reported only when the learned
	// log-variance is enabled.
	Gamma      float64
	LogVarMean float64
	HasGamma   bool

	// VLB is reported only when OriginalELBOWeight > 0.
	VLB    float64
	HasVLB bool
}

// Loss computes the training loss for a batch: x0 is the clean input, out
// the denoiser output, n the noise used to build the model input, and ts the
// per-sample timesteps.
//
// The target is n for eps parameterization and x0 for x0. The per-element
// loss (l1 or l2) is reduced over all non-batch axes, divided by
// exp(log_var[t]) plus log_var[t] (the gamma term), weighted by
// LSimpleWeight, and, only when OriginalELBOWeight > 0, augmented by the
// lvlb-weighted variational term.
func (p *Process) Loss(x0, out, n *tensors.Tensor, ts []int) (LossTerms, error) {
	var terms LossTerms
	batch := out.Shape().Dimensions[0]
	if len(ts) != batch {
		return terms, errors.Wrapf(diffusion.ErrShapeMismatch,
			"%d timesteps for a batch of %d", len(ts), batch)
	}
	for _, t := range ts {
		if t < 0 || t >= p.sched.T {
			return terms, errors.Wrapf(diffusion.ErrConfiguration,
				"timestep %d outside schedule [0, %d)", t, p.sched.T)
		}
	}
	var target *tensors.Tensor
	switch p.cfg.Parameterization {
	case diffusion.ParamEps:
		target = n
	case diffusion.ParamX0:
		target = x0
	default:
		return terms, errors.Wrapf(diffusion.ErrConfiguration,
			"unrecognized parameterization %q", p.cfg.Parameterization)
	}
	if target == nil {
		return terms, errors.Wrapf(diffusion.ErrConfiguration,
			"loss target for parameterization %q is missing", p.cfg.Parameterization)
	}

	perSample := tensors.CopyFlatData[float64](p.lossExec.Call(out, target)[0])
	terms.Simple = floats.Sum(perSample) / float64(batch)

	// Gamma term: per-sample division by the (possibly learned)
	// log-variance at its timestep.
	weighted := make([]float64, batch)
	for i, t := range ts {
		lv := p.logVar[t]
		weighted[i] = perSample[i]/math.Exp(lv) + lv
	}
	gamma := floats.Sum(weighted) / float64(batch)
	if p.cfg.LearnLogVar {
		terms.Gamma = gamma
		terms.LogVarMean = floats.Sum(p.logVar) / float64(len(p.logVar))
		terms.HasGamma = true
	}

	terms.Total = p.cfg.LSimpleWeight * gamma
	if p.cfg.OriginalELBOWeight <= 0 {
		return terms, nil
	}

	vlb := 0.0
	for i, t := range ts {
		vlb += p.sched.LvlbWeights[t] * perSample[i]
	}
	vlb /= float64(batch)
	terms.VLB = vlb
	terms.HasVLB = true
	terms.Total += p.cfg.OriginalELBOWeight * vlb
	return terms, nil
}

// LogVar exposes the per-timestep log-variance table (learned externally
// when LearnLogVar is set).
func (p *Process) LogVar() []float64 { return p.logVar }

// SetLogVar replaces the log-variance table; the length must be T.
func (p *Process) SetLogVar(logVar []float64) error {
	if len(logVar) != p.sched.T {
		return errors.Wrapf(diffusion.ErrShapeMismatch,
			"log-variance table has %d entries, schedule has %d", len(logVar), p.sched.T)
	}
	copy(p.logVar, logVar)
	return nil
}
