package sampler

import (
	"math"

	"github.com/gomlx/gomlx/types/tensors"
)

// runEuler integrates over the k-family sigma schedule, sigma_t =
// sqrt((1-ᾱ_t)/ᾱ_t). The latent lives in k-space (variance sigma²+1) for
// the duration of the run: a fresh gaussian input is scaled up by the first
// sigma, a forward-noised input by 1/sqrt(ᾱ) at its start timestep. The
// final sigma is 0, so the returned latent is already the clean estimate.
func (s *Sampler) runEuler(z *tensors.Tensor, opts RunOptions,
	afterStep func(int, *tensors.Tensor) error) (*tensors.Tensor, error) {
	var x *tensors.Tensor
	if opts.StartStep == 0 {
		x = s.scale.Call(z, s.cache.sigmas[0])[0]
	} else {
		x = s.scale.Call(z, 1/math.Sqrt(s.cache.alphas[opts.StartStep]))[0]
	}
	for i := opts.StartStep; i < s.steps; i++ {
		t := s.cache.timesteps[i]
		sigma := s.cache.sigmas[i]
		cIn := 1 / math.Sqrt(sigma*sigma+1)
		xIn := s.scale.Call(x, cIn)[0]
		eps, err := s.predictGuided(xIn, t, opts.Embedding)
		if err != nil {
			return nil, err
		}
		// d = eps is the denoising direction; one explicit Euler step
		// towards the next (smaller) sigma.
		x = s.axpy2.Call(x, eps, 1.0, s.cache.sigmas[i+1]-sigma)[0]
		if err := afterStep(i, x); err != nil {
			return nil, err
		}
	}
	return x, nil
}
