package sampler

import (
	"github.com/gomlx/gomlx/types/tensors"
)

// plmsWeights are the Adams-Bashforth coefficients for the linear multistep
// extrapolation, indexed by how many previous denoiser outputs are held.
// With an empty history the step degrades to first order.
var plmsWeights = [4][4]float64{
	{1, 0, 0, 0},
	{3.0 / 2, -1.0 / 2, 0, 0},
	{23.0 / 12, -16.0 / 12, 5.0 / 12, 0},
	{55.0 / 24, -59.0 / 24, 37.0 / 24, -9.0 / 24},
}

// runPLMS integrates with pseudo linear multistep updates: each step is a
// deterministic DDIM update applied to an extrapolated eps built from the
// current and up to three previous denoiser outputs. The history lives only
// for the duration of the run.
func (s *Sampler) runPLMS(z *tensors.Tensor, opts RunOptions,
	afterStep func(int, *tensors.Tensor) error) (*tensors.Tensor, error) {
	x := z
	var history []*tensors.Tensor // most recent first, at most 3
	for i := opts.StartStep; i < s.steps; i++ {
		t := s.cache.timesteps[i]
		eps, err := s.predictGuided(x, t, opts.Embedding)
		if err != nil {
			return nil, err
		}

		order := len(history)
		w := plmsWeights[order]
		combined := s.scale.Call(eps, w[0])[0]
		for j, prev := range history {
			combined = s.axpy2.Call(combined, prev, 1.0, w[j+1])[0]
		}

		a, b, _ := s.ddimCoefs(i) // eta is ignored: PLMS is deterministic
		x = s.axpy2.Call(x, combined, a, b)[0]

		history = append([]*tensors.Tensor{eps}, history...)
		if len(history) > 3 {
			history = history[:3]
		}
		if err := afterStep(i, x); err != nil {
			return nil, err
		}
	}
	return x, nil
}
