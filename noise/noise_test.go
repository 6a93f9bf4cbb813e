package noise

import (
	"math"
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func TestNormalDeterminism(t *testing.T) {
	a := Normal(rand.New(rand.NewSource(42)), dtypes.Float32, 2, 3, 4, 4)
	b := Normal(rand.New(rand.NewSource(42)), dtypes.Float32, 2, 3, 4, 4)
	assert.Equal(t, tensors.CopyFlatData[float32](a), tensors.CopyFlatData[float32](b))

	c := Normal(rand.New(rand.NewSource(43)), dtypes.Float32, 2, 3, 4, 4)
	assert.NotEqual(t, tensors.CopyFlatData[float32](a), tensors.CopyFlatData[float32](c))
}

func TestNormalShapeAndStats(t *testing.T) {
	n := Normal(rand.New(rand.NewSource(0)), dtypes.Float64, 8, 1, 16, 16)
	assert.Equal(t, []int{8, 1, 16, 16}, n.Shape().Dimensions)
	flat := tensors.CopyFlatData[float64](n)
	mean := floats.Sum(flat) / float64(len(flat))
	assert.InDelta(t, 0, mean, 0.1)
}

func TestNormalFloat16(t *testing.T) {
	n := Normal(rand.New(rand.NewSource(7)), dtypes.Float16, 1, 2, 2, 2)
	assert.Equal(t, dtypes.Float16, n.DType())
	assert.Equal(t, []int{1, 2, 2, 2}, n.Shape().Dimensions)
}

func TestSlerpEndpoints(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a := Normal(rng, dtypes.Float64, 1, 2, 4, 4)
	b := Normal(rng, dtypes.Float64, 1, 2, 4, 4)

	at0 := Slerp(a, b, 0)
	at1 := Slerp(a, b, 1)
	af := tensors.CopyFlatData[float64](a)
	bf := tensors.CopyFlatData[float64](b)
	require.InDeltaSlice(t, af, tensors.CopyFlatData[float64](at0), 1e-9)
	require.InDeltaSlice(t, bf, tensors.CopyFlatData[float64](at1), 1e-9)
}

func TestSlerpIdentical(t *testing.T) {
	a := Normal(rand.New(rand.NewSource(2)), dtypes.Float32, 1, 3, 4, 4)
	for _, w := range []float64{0, 0.25, 0.5, 1} {
		out := Slerp(a, a, w)
		assert.Equal(t, tensors.CopyFlatData[float32](a), tensors.CopyFlatData[float32](out),
			"w=%v", w)
	}
}

func TestSlerpPreservesNorm(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	a := Normal(rng, dtypes.Float64, 1, 4, 8, 8)
	b := Normal(rng, dtypes.Float64, 1, 4, 8, 8)
	na := floats.Norm(tensors.CopyFlatData[float64](a), 2)
	nb := floats.Norm(tensors.CopyFlatData[float64](b), 2)
	mid := Slerp(a, b, 0.5)
	nm := floats.Norm(tensors.CopyFlatData[float64](mid), 2)
	lo, hi := math.Min(na, nb), math.Max(na, nb)
	assert.Greater(t, nm, 0.8*lo)
	assert.Less(t, nm, 1.2*hi)
}

func TestSlerpShapeMismatchPanics(t *testing.T) {
	a := Normal(rand.New(rand.NewSource(4)), dtypes.Float32, 1, 1, 2, 2)
	b := Normal(rand.New(rand.NewSource(4)), dtypes.Float32, 1, 1, 4, 4)
	assert.Panics(t, func() { Slerp(a, b, 0.5) })
}
