package sampler

import (
	"math"

	"github.com/gomlx/diffusion"
	"github.com/gomlx/diffusion/noise"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// ddimCoefs are the three scalar weights of one DDIM update,
//
//	x_prev = a·x + b·eps + c·noise
//
// derived from ᾱ at the current and previous planned timesteps. With eta=0
// the noise weight vanishes and the step is deterministic.
func (s *Sampler) ddimCoefs(i int) (a, b, c float64) {
	at := s.cache.alphas[i]
	ap := s.cache.alphasPrev[i]
	sigma := s.cfg.Eta * math.Sqrt((1-ap)/(1-at)) * math.Sqrt(1-at/ap)
	a = math.Sqrt(ap / at)
	b = math.Sqrt(1-ap-sigma*sigma) - math.Sqrt(ap)*math.Sqrt(1-at)/math.Sqrt(at)
	c = sigma
	return
}

// runDDIM integrates the planned timestep subsequence with single-step DDIM
// updates under classifier-free guidance.
func (s *Sampler) runDDIM(z *tensors.Tensor, opts RunOptions,
	afterStep func(int, *tensors.Tensor) error) (*tensors.Tensor, error) {
	if s.cfg.Eta != 0 && opts.RNG == nil {
		return nil, errors.Wrap(diffusion.ErrConfiguration,
			"stochastic DDIM (eta > 0) requires a random generator")
	}
	x := z
	for i := opts.StartStep; i < s.steps; i++ {
		t := s.cache.timesteps[i]
		eps, err := s.predictGuided(x, t, opts.Embedding)
		if err != nil {
			return nil, err
		}
		a, b, c := s.ddimCoefs(i)
		if c == 0 {
			x = s.axpy2.Call(x, eps, a, b)[0]
		} else {
			n := noise.Normal(opts.RNG, x.DType(), x.Shape().Dimensions...)
			x = s.axpy3.Call(x, eps, n, a, b, c)[0]
		}
		if err := afterStep(i, x); err != nil {
			return nil, err
		}
	}
	return x, nil
}
