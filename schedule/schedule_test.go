package schedule

import (
	"math"
	"testing"

	"github.com/gomlx/diffusion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildLinearDefaults(t *testing.T) {
	s, err := Build(New())
	require.NoError(t, err)
	require.Equal(t, 1000, s.T)

	assert.InDelta(t, 1e-4, s.Betas[0], 1e-12)
	assert.InDelta(t, 2e-2, s.Betas[s.T-1], 1e-12)
	for i, b := range s.Betas {
		assert.GreaterOrEqual(t, b, 0.0, "beta[%d]", i)
		assert.LessOrEqual(t, b, MaxBeta, "beta[%d]", i)
	}
	for i := 1; i < s.T; i++ {
		assert.Less(t, s.AlphasCumprod[i], s.AlphasCumprod[i-1],
			"cumulative alpha product must strictly decrease")
	}
	for i := 0; i < s.T; i++ {
		assert.InDelta(t, math.Sqrt(s.AlphasCumprod[i]), s.SqrtAlphasCumprod[i], 1e-12)
		assert.InDelta(t, math.Sqrt(1-s.AlphasCumprod[i]), s.SqrtOneMinusAlphasCumprod[i], 1e-12)
	}
	assert.Equal(t, 1.0, s.AlphasCumprodPrev[0])
	assert.Equal(t, s.AlphasCumprod[s.T-2], s.AlphasCumprodPrev[s.T-1])
}

func TestBuildAllKinds(t *testing.T) {
	for _, kind := range []Kind{Linear, Cosine, SqrtLinear, Sqrt} {
		cfg := New()
		cfg.Kind = kind
		cfg.Timesteps = 100
		s, err := Build(cfg)
		require.NoError(t, err, "kind %s", kind)
		require.Equal(t, 100, s.T)
		for i, b := range s.Betas {
			assert.GreaterOrEqual(t, b, 0.0, "%s beta[%d]", kind, i)
			assert.LessOrEqual(t, b, MaxBeta, "%s beta[%d]", kind, i)
		}
	}
}

func TestBuildCosineClipped(t *testing.T) {
	cfg := New()
	cfg.Kind = Cosine
	cfg.Timesteps = 50
	s, err := Build(cfg)
	require.NoError(t, err)
	// The tail of the cosine curve produces the largest betas; they must
	// stay clipped.
	assert.LessOrEqual(t, s.Betas[s.T-1], MaxBeta)
	assert.Greater(t, s.Betas[s.T-1], s.Betas[0])
}

func TestPosteriorTables(t *testing.T) {
	betas := []float64{0.1, 0.2, 0.3}
	s, err := FromBetas(betas, 0, diffusion.ParamEps)
	require.NoError(t, err)

	ac := []float64{0.9, 0.9 * 0.8, 0.9 * 0.8 * 0.7}
	for i := range ac {
		assert.InDelta(t, ac[i], s.AlphasCumprod[i], 1e-12)
		assert.InDelta(t, 1/math.Sqrt(1-betas[i]), s.PosteriorCoef1[i], 1e-12)
		assert.InDelta(t, betas[i]/math.Sqrt(1-ac[i]), s.PosteriorCoef2[i], 1e-12)
	}
	// True posterior variance at t=1: beta·(1-ᾱ_0)/(1-ᾱ_1).
	want := 0.2 * (1 - 0.9) / (1 - 0.72)
	assert.InDelta(t, want, s.PosteriorVariance[1], 1e-12)
	// t=0 has no previous step: the variance vanishes and the clipped log
	// hits the floor.
	assert.InDelta(t, 0, s.PosteriorVariance[0], 1e-12)
	assert.InDelta(t, math.Log(1e-20), s.PosteriorLogVarianceClipped[0], 1e-9)
}

func TestVPosteriorBlend(t *testing.T) {
	betas := []float64{0.1, 0.2}
	s, err := FromBetas(betas, 1, diffusion.ParamEps)
	require.NoError(t, err)
	// Full v-posterior: the variance is beta itself.
	assert.InDelta(t, 0.1, s.PosteriorVariance[0], 1e-12)
	assert.InDelta(t, 0.2, s.PosteriorVariance[1], 1e-12)
}

func TestLvlbBoundaryFixup(t *testing.T) {
	s, err := Build(New())
	require.NoError(t, err)
	assert.Equal(t, s.LvlbWeights[1], s.LvlbWeights[0])
	for i, w := range s.LvlbWeights {
		assert.False(t, math.IsNaN(w), "lvlb[%d]", i)
		assert.False(t, math.IsInf(w, 0), "lvlb[%d]", i)
	}
}

func TestFromBetasCopies(t *testing.T) {
	betas := []float64{0.1, 0.2}
	s, err := FromBetas(betas, 0, diffusion.ParamEps)
	require.NoError(t, err)
	betas[0] = 0.5
	assert.Equal(t, 0.1, s.Betas[0])
}

func TestBuildErrors(t *testing.T) {
	cfg := New()
	cfg.Kind = "quadratic"
	_, err := Build(cfg)
	assert.ErrorIs(t, err, diffusion.ErrConfiguration)

	cfg = New()
	cfg.Timesteps = 0
	_, err = Build(cfg)
	assert.ErrorIs(t, err, diffusion.ErrConfiguration)

	_, err = FromBetas(nil, 0, diffusion.ParamEps)
	assert.ErrorIs(t, err, diffusion.ErrConfiguration)

	_, err = FromBetas([]float64{1.5}, 0, diffusion.ParamEps)
	assert.ErrorIs(t, err, diffusion.ErrConfiguration)
}

func TestSingleStepSchedule(t *testing.T) {
	cfg := New()
	cfg.Timesteps = 1
	s, err := Build(cfg)
	require.NoError(t, err)
	require.Equal(t, 1, s.T)
	assert.InDelta(t, 1e-4, s.Betas[0], 1e-12)
	assert.Equal(t, 1.0, s.AlphasCumprodPrev[0])
}
