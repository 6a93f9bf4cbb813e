package ort

import (
	"github.com/gomlx/diffusion"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	onnx "github.com/yalue/onnxruntime_go"
)

// DenoiserConfig names the graph's inputs and outputs. Zero values get the
// conventional names of exported diffusion backbones.
type DenoiserConfig struct {
	SampleInput   string // default "sample"
	TimestepInput string // default "timestep"
	ContextInput  string // cross-attention context; empty if the graph has none
	LabelsInput   string // class labels; empty if the graph has none
	Output        string // default "out"
}

// Denoiser runs an exported denoiser backbone as an ONNX session. It
// satisfies the diffusion.Denoiser contract.
type Denoiser struct {
	session *onnx.DynamicAdvancedSession
	cfg     DenoiserConfig
}

// NewDenoiser opens the model at path. Init must have been called.
func NewDenoiser(path string, cfg DenoiserConfig) (*Denoiser, error) {
	if cfg.SampleInput == "" {
		cfg.SampleInput = "sample"
	}
	if cfg.TimestepInput == "" {
		cfg.TimestepInput = "timestep"
	}
	if cfg.Output == "" {
		cfg.Output = "out"
	}
	inputs := []string{cfg.SampleInput, cfg.TimestepInput}
	if cfg.ContextInput != "" {
		inputs = append(inputs, cfg.ContextInput)
	}
	if cfg.LabelsInput != "" {
		inputs = append(inputs, cfg.LabelsInput)
	}
	session, err := onnx.NewDynamicAdvancedSession(path, inputs, []string{cfg.Output}, nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "opening denoiser model %s", path)
	}
	return &Denoiser{session: session, cfg: cfg}, nil
}

// Predict runs one denoiser invocation.
func (d *Denoiser) Predict(latent, timesteps *tensors.Tensor, cond diffusion.Conditioning) (*tensors.Tensor, error) {
	sample, err := toOrt(latent)
	if err != nil {
		return nil, err
	}
	defer sample.Destroy()
	steps, err := toOrtInt64(timesteps)
	if err != nil {
		return nil, err
	}
	defer steps.Destroy()

	inputs := []onnx.Value{sample, steps}
	if d.cfg.ContextInput != "" {
		if cond.Context == nil {
			return nil, errors.Wrap(diffusion.ErrConditionUnavailable,
				"denoiser expects a cross-attention context")
		}
		ctx, err := toOrt(cond.Context)
		if err != nil {
			return nil, err
		}
		defer ctx.Destroy()
		inputs = append(inputs, ctx)
	}
	if d.cfg.LabelsInput != "" {
		if cond.Labels == nil {
			return nil, errors.Wrap(diffusion.ErrConditionUnavailable,
				"denoiser expects class labels")
		}
		labels, err := toOrt(cond.Labels)
		if err != nil {
			return nil, err
		}
		defer labels.Destroy()
		inputs = append(inputs, labels)
	}

	outputs := make([]onnx.Value, 1)
	if err := d.session.Run(inputs, outputs); err != nil {
		return nil, errors.WithMessage(err, "running denoiser")
	}
	out, ok := outputs[0].(*onnx.Tensor[float32])
	if !ok {
		return nil, errors.Errorf("denoiser output is not a float32 tensor")
	}
	defer out.Destroy()
	return fromOrt(out), nil
}

// Close releases the session.
func (d *Denoiser) Close() error {
	return d.session.Destroy()
}
