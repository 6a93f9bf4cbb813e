package ort

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	onnx "github.com/yalue/onnxruntime_go"
)

// Codec runs exported encoder and decoder graphs (the two halves of an
// autoencoder) as ONNX sessions. It satisfies the diffusion.Codec contract.
type Codec struct {
	encoder *onnx.DynamicAdvancedSession
	decoder *onnx.DynamicAdvancedSession
}

// NewCodec opens the encoder and decoder models. Both graphs take one
// "input" and produce one "output". Init must have been called.
func NewCodec(encoderPath, decoderPath string) (*Codec, error) {
	encoder, err := onnx.NewDynamicAdvancedSession(encoderPath,
		[]string{"input"}, []string{"output"}, nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "opening encoder model %s", encoderPath)
	}
	decoder, err := onnx.NewDynamicAdvancedSession(decoderPath,
		[]string{"input"}, []string{"output"}, nil)
	if err != nil {
		encoder.Destroy()
		return nil, errors.WithMessagef(err, "opening decoder model %s", decoderPath)
	}
	return &Codec{encoder: encoder, decoder: decoder}, nil
}

func run1(session *onnx.DynamicAdvancedSession, in *tensors.Tensor, what string) (*tensors.Tensor, error) {
	input, err := toOrt(in)
	if err != nil {
		return nil, err
	}
	defer input.Destroy()
	outputs := make([]onnx.Value, 1)
	if err := session.Run([]onnx.Value{input}, outputs); err != nil {
		return nil, errors.WithMessagef(err, "running %s", what)
	}
	out, ok := outputs[0].(*onnx.Tensor[float32])
	if !ok {
		return nil, errors.Errorf("%s output is not a float32 tensor", what)
	}
	defer out.Destroy()
	return fromOrt(out), nil
}

// Encode maps pixels to the latent space.
func (c *Codec) Encode(pixels *tensors.Tensor) (*tensors.Tensor, error) {
	return run1(c.encoder, pixels, "encoder")
}

// Decode maps latents back to pixel space.
func (c *Codec) Decode(z *tensors.Tensor) (*tensors.Tensor, error) {
	return run1(c.decoder, z, "decoder")
}

// Close releases both sessions.
func (c *Codec) Close() error {
	err1 := c.encoder.Destroy()
	err2 := c.decoder.Destroy()
	if err1 != nil {
		return err1
	}
	return err2
}
