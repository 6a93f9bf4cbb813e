package sampler

import (
	"github.com/gomlx/diffusion"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// runAncestral walks the full reverse process, one stochastic posterior step
// per schedule timestep.
func (s *Sampler) runAncestral(z *tensors.Tensor, opts RunOptions,
	afterStep func(int, *tensors.Tensor) error) (*tensors.Tensor, error) {
	if opts.RNG == nil && s.cfg.Temperature != 0 {
		return nil, errors.Wrap(diffusion.ErrConfiguration,
			"ancestral sampling requires a random generator")
	}
	x := z
	for i := opts.StartStep; i < s.steps; i++ {
		t := s.cache.timesteps[i]
		var err error
		x, err = s.proc.Step(x, t, opts.Embedding, s.cfg.Temperature, opts.RNG)
		if err != nil {
			return nil, err
		}
		if err := afterStep(i, x); err != nil {
			return nil, err
		}
	}
	return x, nil
}
