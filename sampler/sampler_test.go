package sampler

import (
	"math/rand"
	"testing"

	"github.com/gomlx/diffusion"
	"github.com/gomlx/diffusion/condition"
	"github.com/gomlx/diffusion/ddpm"
	"github.com/gomlx/diffusion/noise"
	"github.com/gomlx/diffusion/schedule"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// halfDenoiser predicts half the latent as eps; enough structure to make
// trajectories distinguishable while staying exactly reproducible.
type halfDenoiser struct {
	calls int
}

func (d *halfDenoiser) Predict(latent, timesteps *tensors.Tensor, cond diffusion.Conditioning) (*tensors.Tensor, error) {
	d.calls++
	flat := tensors.CopyFlatData[float32](latent)
	out := make([]float32, len(flat))
	for i, v := range flat {
		out[i] = v / 2
	}
	return tensors.FromFlatDataAndDimensions(out, latent.Shape().Dimensions...), nil
}

// constEncoder embeds any condition as the same fixed vector and counts
// calls, to observe guidance behavior.
type constEncoder struct {
	calls int
}

func (e *constEncoder) Embed(raw any) (*tensors.Tensor, error) {
	e.calls++
	return tensors.FromValue([]float32{1, 2, 3}), nil
}

func newTestProcess(t *testing.T, timesteps int, param diffusion.Parameterization,
	encoder diffusion.ConditionEncoder) (*ddpm.Process, *halfDenoiser) {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	schedCfg := schedule.New()
	schedCfg.Timesteps = timesteps
	sched, err := schedule.Build(schedCfg)
	require.NoError(t, err)
	capability := condition.CapabilityNone
	if encoder != nil {
		capability = condition.CapabilityFrozen
	}
	cond, err := condition.New(backend, capability, condition.ModeCrossAttention, encoder, "")
	require.NoError(t, err)
	denoiser := &halfDenoiser{}
	cfg := ddpm.NewConfig()
	cfg.Parameterization = param
	p, err := ddpm.New(backend, sched, cond, denoiser, cfg)
	require.NoError(t, err)
	return p, denoiser
}

func testLatent(seed int64) *tensors.Tensor {
	return noise.Normal(rand.New(rand.NewSource(seed)), dtypes.Float32, 1, 2, 4, 4)
}

func TestNewValidation(t *testing.T) {
	proc, _ := newTestProcess(t, 20, diffusion.ParamEps, nil)

	_, err := New("leapfrog", proc, Config{})
	assert.ErrorIs(t, err, diffusion.ErrConfiguration)

	_, err = New(KindDDIM, nil, Config{})
	assert.ErrorIs(t, err, diffusion.ErrConfiguration)

	_, err = New(KindDDIM, proc, Config{Steps: 21})
	assert.ErrorIs(t, err, diffusion.ErrConfiguration)

	s, err := New(KindAncestral, proc, Config{})
	require.NoError(t, err)
	assert.Equal(t, 20, s.Steps())
	assert.Equal(t, StateReady, s.State())
}

func TestUninitializedRun(t *testing.T) {
	proc, _ := newTestProcess(t, 20, diffusion.ParamEps, nil)
	s, err := New(KindDDIM, proc, Config{})
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, s.State())

	_, err = s.Run(testLatent(1), RunOptions{})
	assert.ErrorIs(t, err, diffusion.ErrSamplerState)

	require.NoError(t, s.SetSteps(5))
	assert.Equal(t, StateReady, s.State())
	_, err = s.Run(testLatent(1), RunOptions{})
	assert.NoError(t, err)
	assert.Equal(t, StateDone, s.State())
}

func TestParameterizationCompatibility(t *testing.T) {
	proc, _ := newTestProcess(t, 20, diffusion.ParamX0, nil)
	for _, kind := range []Kind{KindDDIM, KindPLMS, KindEuler} {
		s, err := New(kind, proc, Config{Steps: 5})
		require.NoError(t, err)
		_, err = s.Run(testLatent(1), RunOptions{})
		assert.ErrorIs(t, err, diffusion.ErrSamplerState, "kind %s", kind)
	}
	// Ancestral supports x0 directly.
	s, err := New(KindAncestral, proc, Config{})
	require.NoError(t, err)
	_, err = s.Run(testLatent(1), RunOptions{RNG: rand.New(rand.NewSource(0))})
	assert.NoError(t, err)
}

func TestPlan(t *testing.T) {
	proc, _ := newTestProcess(t, 20, diffusion.ParamEps, nil)
	s, err := New(KindDDIM, proc, Config{Steps: 5})
	require.NoError(t, err)
	plan, err := s.Plan()
	require.NoError(t, err)
	require.Len(t, plan, 5)
	assert.Equal(t, 19, plan[0])
	assert.Equal(t, 0, plan[4])
	for i := 1; i < len(plan); i++ {
		assert.Less(t, plan[i], plan[i-1])
	}
}

func TestSetStepsInvalidatesPlan(t *testing.T) {
	proc, _ := newTestProcess(t, 20, diffusion.ParamEps, nil)
	s, err := New(KindDDIM, proc, Config{Steps: 5})
	require.NoError(t, err)
	plan5, err := s.Plan()
	require.NoError(t, err)

	require.NoError(t, s.SetSteps(10))
	plan10, err := s.Plan()
	require.NoError(t, err)
	assert.Len(t, plan10, 10)
	assert.NotEqual(t, plan5, plan10)
}

func TestSetStepsMidRun(t *testing.T) {
	proc, _ := newTestProcess(t, 20, diffusion.ParamEps, nil)
	s, err := New(KindDDIM, proc, Config{Steps: 4})
	require.NoError(t, err)

	var midErr error
	_, err = s.Run(testLatent(1), RunOptions{
		Callback: func(step int, z *tensors.Tensor) error {
			midErr = s.SetSteps(8)
			return nil
		},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, midErr, diffusion.ErrSamplerState)
}

func TestCallbackAborts(t *testing.T) {
	proc, denoiser := newTestProcess(t, 20, diffusion.ParamEps, nil)
	s, err := New(KindDDIM, proc, Config{Steps: 10})
	require.NoError(t, err)

	boom := errors.New("enough")
	_, err = s.Run(testLatent(1), RunOptions{
		Callback: func(step int, z *tensors.Tensor) error {
			if step == 2 {
				return boom
			}
			return nil
		},
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, denoiser.calls, "steps 0..2 ran, then the abort")
	assert.Equal(t, StateReady, s.State(), "a failed run is not done")

	// The sampler stays reconfigurable and runnable after the abort.
	require.NoError(t, s.SetSteps(4))
	_, err = s.Run(testLatent(1), RunOptions{})
	assert.NoError(t, err)
	assert.Equal(t, StateDone, s.State())
}

func TestDDIMDeterministic(t *testing.T) {
	proc, _ := newTestProcess(t, 20, diffusion.ParamEps, nil)
	s, err := New(KindDDIM, proc, Config{Steps: 5})
	require.NoError(t, err)

	a, err := s.Run(testLatent(42), RunOptions{})
	require.NoError(t, err)
	b, err := s.Run(testLatent(42), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t,
		tensors.CopyFlatData[float32](a),
		tensors.CopyFlatData[float32](b),
		"eta=0 runs are bit-identical")
}

func TestDDIMEtaRequiresRNG(t *testing.T) {
	proc, _ := newTestProcess(t, 20, diffusion.ParamEps, nil)
	s, err := New(KindDDIM, proc, Config{Steps: 5, Eta: 0.5})
	require.NoError(t, err)
	_, err = s.Run(testLatent(1), RunOptions{})
	assert.ErrorIs(t, err, diffusion.ErrConfiguration)

	_, err = s.Run(testLatent(1), RunOptions{RNG: rand.New(rand.NewSource(0))})
	assert.NoError(t, err)
}

func TestAncestralRequiresRNG(t *testing.T) {
	proc, _ := newTestProcess(t, 10, diffusion.ParamEps, nil)
	s, err := New(KindAncestral, proc, Config{})
	require.NoError(t, err)
	_, err = s.Run(testLatent(1), RunOptions{})
	assert.ErrorIs(t, err, diffusion.ErrConfiguration)
}

func TestAncestralReproducible(t *testing.T) {
	proc, _ := newTestProcess(t, 10, diffusion.ParamEps, nil)
	s, err := New(KindAncestral, proc, Config{})
	require.NoError(t, err)

	a, err := s.Run(testLatent(3), RunOptions{RNG: rand.New(rand.NewSource(7))})
	require.NoError(t, err)
	b, err := s.Run(testLatent(3), RunOptions{RNG: rand.New(rand.NewSource(7))})
	require.NoError(t, err)
	assert.Equal(t,
		tensors.CopyFlatData[float32](a),
		tensors.CopyFlatData[float32](b))
}

func TestGuidanceScaleOneSkipsUnconditional(t *testing.T) {
	encoder := &constEncoder{}
	proc, denoiser := newTestProcess(t, 20, diffusion.ParamEps, encoder)
	embedding, err := proc.Condition().Embed("prompt")
	require.NoError(t, err)

	s, err := New(KindDDIM, proc, Config{Steps: 5, GuidanceScale: 1})
	require.NoError(t, err)
	_, err = s.Run(testLatent(1), RunOptions{Embedding: embedding})
	require.NoError(t, err)
	assert.Equal(t, 5, denoiser.calls, "one denoiser call per step at scale 1")
	assert.Equal(t, 1, encoder.calls, "the null condition is never embedded at scale 1")
}

func TestGuidanceEvaluatesBothBranches(t *testing.T) {
	encoder := &constEncoder{}
	proc, denoiser := newTestProcess(t, 20, diffusion.ParamEps, encoder)
	embedding, err := proc.Condition().Embed("prompt")
	require.NoError(t, err)

	s, err := New(KindDDIM, proc, Config{Steps: 5, GuidanceScale: 7.5})
	require.NoError(t, err)
	_, err = s.Run(testLatent(1), RunOptions{Embedding: embedding})
	require.NoError(t, err)
	assert.Equal(t, 10, denoiser.calls, "two denoiser calls per step under guidance")
	assert.Equal(t, 2, encoder.calls, "prompt once plus the cached null embedding once")
}

func TestGuidanceScalePerRunOverride(t *testing.T) {
	encoder := &constEncoder{}
	proc, denoiser := newTestProcess(t, 20, diffusion.ParamEps, encoder)
	embedding, err := proc.Condition().Embed("prompt")
	require.NoError(t, err)

	s, err := New(KindDDIM, proc, Config{Steps: 5, GuidanceScale: 7.5})
	require.NoError(t, err)

	one := 1.0
	_, err = s.Run(testLatent(1), RunOptions{Embedding: embedding, GuidanceScale: &one})
	require.NoError(t, err)
	assert.Equal(t, 5, denoiser.calls, "the override disables guidance for this run")
	assert.EqualValues(t, 7.5, s.GuidanceScale(), "the configured scale is untouched")

	denoiser.calls = 0
	_, err = s.Run(testLatent(1), RunOptions{Embedding: embedding})
	require.NoError(t, err)
	assert.Equal(t, 10, denoiser.calls, "the next run is guided again")
}

func TestGuidedMatchesUnguidedWithIdenticalBranches(t *testing.T) {
	// The encoder maps every condition (the prompt and the null one) to
	// the same embedding, so both guidance branches coincide and any
	// scale must reproduce the unguided trajectory.
	encoder := &constEncoder{}
	proc, _ := newTestProcess(t, 20, diffusion.ParamEps, encoder)
	embedding, err := proc.Condition().Embed("prompt")
	require.NoError(t, err)

	plain, err := New(KindDDIM, proc, Config{Steps: 5, GuidanceScale: 1})
	require.NoError(t, err)
	guided, err := New(KindDDIM, proc, Config{Steps: 5, GuidanceScale: 4})
	require.NoError(t, err)

	a, err := plain.Run(testLatent(9), RunOptions{Embedding: embedding})
	require.NoError(t, err)
	b, err := guided.Run(testLatent(9), RunOptions{Embedding: embedding})
	require.NoError(t, err)
	assert.InDeltaSlice(t,
		tensors.CopyFlatData[float32](a),
		tensors.CopyFlatData[float32](b), 1e-4)
}

func TestPLMSRuns(t *testing.T) {
	proc, denoiser := newTestProcess(t, 20, diffusion.ParamEps, nil)
	s, err := New(KindPLMS, proc, Config{Steps: 6})
	require.NoError(t, err)
	out, err := s.Run(testLatent(5), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 4, 4}, out.Shape().Dimensions)
	assert.Equal(t, 6, denoiser.calls)

	// Deterministic.
	s2, err := New(KindPLMS, proc, Config{Steps: 6})
	require.NoError(t, err)
	out2, err := s2.Run(testLatent(5), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t,
		tensors.CopyFlatData[float32](out),
		tensors.CopyFlatData[float32](out2))
}

func TestEulerRuns(t *testing.T) {
	proc, denoiser := newTestProcess(t, 20, diffusion.ParamEps, nil)
	s, err := New(KindEuler, proc, Config{Steps: 6})
	require.NoError(t, err)
	out, err := s.Run(testLatent(5), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 4, 4}, out.Shape().Dimensions)
	assert.Equal(t, 6, denoiser.calls)
}

func TestStartStepShortensRun(t *testing.T) {
	proc, denoiser := newTestProcess(t, 20, diffusion.ParamEps, nil)
	s, err := New(KindDDIM, proc, Config{Steps: 8})
	require.NoError(t, err)
	_, err = s.Run(testLatent(2), RunOptions{StartStep: 5})
	require.NoError(t, err)
	assert.Equal(t, 3, denoiser.calls)

	_, err = s.Run(testLatent(2), RunOptions{StartStep: 9})
	assert.ErrorIs(t, err, diffusion.ErrConfiguration)
}
