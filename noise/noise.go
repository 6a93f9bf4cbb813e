// Package noise draws reproducible gaussian noise tensors from explicitly
// owned generators and blends latents with spherical interpolation.
//
// Draws happen host-side, from a *rand.Rand the caller owns: the bit stream
// then depends only on the seed, not on the compute backend, which is what
// makes sampling results reproducible across devices.
package noise

import (
	"math"
	"math/rand"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"
)

// Normal returns a tensor of the given dtype and dimensions filled with
// standard-normal samples from rng. Supported dtypes: Float32, Float64 and
// Float16 (reduced-precision mode).
func Normal(rng *rand.Rand, dtype dtypes.DType, dimensions ...int) *tensors.Tensor {
	size := 1
	for _, d := range dimensions {
		size *= d
	}
	switch dtype {
	case dtypes.Float64:
		flat := make([]float64, size)
		for i := range flat {
			flat[i] = rng.NormFloat64()
		}
		return tensors.FromFlatDataAndDimensions(flat, dimensions...)
	case dtypes.Float32:
		flat := make([]float32, size)
		for i := range flat {
			flat[i] = float32(rng.NormFloat64())
		}
		return tensors.FromFlatDataAndDimensions(flat, dimensions...)
	case dtypes.Float16:
		flat := make([]float16.Float16, size)
		for i := range flat {
			flat[i] = float16.Fromfloat32(float32(rng.NormFloat64()))
		}
		return tensors.FromFlatDataAndDimensions(flat, dimensions...)
	}
	exceptions.Panicf("noise.Normal: unsupported dtype %s", dtype)
	return nil
}

// Slerp spherically interpolates from a to b with weight w (w=0 returns a,
// w=1 returns b), preserving the norm structure of gaussian latents better
// than a linear blend. When the two directions are (nearly) parallel it
// degenerates to linear interpolation, so Slerp(a, a, w) == a for any w.
//
// Both tensors must have the same shape and a float dtype; the result has
// a's dtype.
func Slerp(a, b *tensors.Tensor, w float64) *tensors.Tensor {
	if !a.Shape().Equal(b.Shape()) {
		exceptions.Panicf("noise.Slerp: shapes differ, %s vs %s", a.Shape(), b.Shape())
	}
	av := flat64(a)
	bv := flat64(b)
	na := floats.Norm(av, 2)
	nb := floats.Norm(bv, 2)
	out := make([]float64, len(av))
	if na == 0 || nb == 0 {
		// Degenerate input: fall back to linear interpolation.
		for i := range out {
			out[i] = (1-w)*av[i] + w*bv[i]
		}
		return fromFlat64(out, a)
	}
	cos := floats.Dot(av, bv) / (na * nb)
	if cos > 0.9995 || cos < -0.9995 {
		for i := range out {
			out[i] = (1-w)*av[i] + w*bv[i]
		}
		return fromFlat64(out, a)
	}
	omega := math.Acos(cos)
	sinOmega := math.Sin(omega)
	ca := math.Sin((1-w)*omega) / sinOmega
	cb := math.Sin(w*omega) / sinOmega
	for i := range out {
		out[i] = ca*av[i] + cb*bv[i]
	}
	return fromFlat64(out, a)
}

func flat64(t *tensors.Tensor) []float64 {
	switch t.DType() {
	case dtypes.Float64:
		return tensors.CopyFlatData[float64](t)
	case dtypes.Float32:
		f32 := tensors.CopyFlatData[float32](t)
		out := make([]float64, len(f32))
		for i, v := range f32 {
			out[i] = float64(v)
		}
		return out
	case dtypes.Float16:
		f16 := tensors.CopyFlatData[float16.Float16](t)
		out := make([]float64, len(f16))
		for i, v := range f16 {
			out[i] = float64(v.Float32())
		}
		return out
	}
	exceptions.Panicf("noise: unsupported dtype %s", t.DType())
	return nil
}

func fromFlat64(flat []float64, like *tensors.Tensor) *tensors.Tensor {
	dims := like.Shape().Dimensions
	switch like.DType() {
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(flat, dims...)
	case dtypes.Float32:
		f32 := make([]float32, len(flat))
		for i, v := range flat {
			f32[i] = float32(v)
		}
		return tensors.FromFlatDataAndDimensions(f32, dims...)
	case dtypes.Float16:
		f16 := make([]float16.Float16, len(flat))
		for i, v := range flat {
			f16[i] = float16.Fromfloat32(float32(v))
		}
		return tensors.FromFlatDataAndDimensions(f16, dims...)
	}
	exceptions.Panicf("noise: unsupported dtype %s", like.DType())
	return nil
}
