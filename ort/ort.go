// Package ort adapts ONNX Runtime inference sessions to the denoiser, codec
// and condition-encoder contracts, so exported model graphs can drive the
// sampling loop without the pipeline knowing anything about them.
//
// The runtime environment is process-global: call Init once before building
// any session and Shutdown when done.
package ort

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	onnx "github.com/yalue/onnxruntime_go"
)

// Init points the runtime at the onnxruntime shared library (empty keeps
// the platform default lookup) and initializes the global environment.
func Init(sharedLibraryPath string) error {
	if sharedLibraryPath != "" {
		onnx.SetSharedLibraryPath(sharedLibraryPath)
	}
	if err := onnx.InitializeEnvironment(); err != nil {
		return errors.WithMessage(err, "initializing onnxruntime")
	}
	return nil
}

// Shutdown tears the global environment down.
func Shutdown() error {
	return onnx.DestroyEnvironment()
}

// toOrt converts a Float32 tensor to an onnxruntime tensor. The caller
// destroys it.
func toOrt(t *tensors.Tensor) (*onnx.Tensor[float32], error) {
	if t.DType() != dtypes.Float32 {
		return nil, errors.Errorf("onnx sessions run in float32, got %s", t.DType())
	}
	dims := t.Shape().Dimensions
	shape := make([]int64, len(dims))
	for i, d := range dims {
		shape[i] = int64(d)
	}
	return onnx.NewTensor(onnx.NewShape(shape...), tensors.CopyFlatData[float32](t))
}

// toOrtInt64 converts an Int32 timestep tensor to the int64 layout ONNX
// exports expect.
func toOrtInt64(t *tensors.Tensor) (*onnx.Tensor[int64], error) {
	if t.DType() != dtypes.Int32 {
		return nil, errors.Errorf("timesteps must be int32, got %s", t.DType())
	}
	dims := t.Shape().Dimensions
	shape := make([]int64, len(dims))
	for i, d := range dims {
		shape[i] = int64(d)
	}
	flat := tensors.CopyFlatData[int32](t)
	flat64 := make([]int64, len(flat))
	for i, v := range flat {
		flat64[i] = int64(v)
	}
	return onnx.NewTensor(onnx.NewShape(shape...), flat64)
}

// fromOrt copies an onnxruntime tensor back into a Float32 tensor.
func fromOrt(t *onnx.Tensor[float32]) *tensors.Tensor {
	shape := t.GetShape()
	dims := make([]int, len(shape))
	for i, d := range shape {
		dims[i] = int(d)
	}
	data := make([]float32, len(t.GetData()))
	copy(data, t.GetData())
	return tensors.FromFlatDataAndDimensions(data, dims...)
}
