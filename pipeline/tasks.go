package pipeline

import (
	"image"
	"math"

	"github.com/gomlx/diffusion"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Txt2Img generates one image per prompt. The condition encoder decides
// what a prompt means; the pipeline only routes the batch, after checking
// that the prompt count matches the sample count.
func (p *Pipeline) Txt2Img(texts []string, numSamples int, opts SampleOptions) (*tensors.Tensor, error) {
	if len(texts) != numSamples {
		return nil, errors.Wrapf(diffusion.ErrShapeMismatch,
			"%d prompts for %d requested samples", len(texts), numSamples)
	}
	opts.Cond = texts
	return p.Sample(numSamples, opts)
}

// Img2Img regenerates an input image with the given fidelity in [0, 1]:
// fidelity 1 returns the input unperturbed, fidelity 0 ignores it and runs
// the full process. In between, the encoded input is forward-noised to the
// timestep matching round((1-fidelity)·steps) remaining steps and the
// sampler finishes from there. An opts.Alpha mask, which must match the
// source image's size, is composited onto the output as a fourth channel.
func (p *Pipeline) Img2Img(img image.Image, fidelity float64, numSamples int, opts SampleOptions) (*tensors.Tensor, error) {
	if fidelity < 0 || fidelity > 1 {
		return nil, errors.Wrapf(diffusion.ErrConfiguration,
			"fidelity %.3f outside [0, 1]", fidelity)
	}
	if numSamples <= 0 {
		return nil, errors.Wrapf(diffusion.ErrShapeMismatch,
			"sample count must be positive, got %d", numSamples)
	}
	if err := p.applyNumSteps(&opts); err != nil {
		return nil, err
	}
	if opts.Alpha != nil {
		ab, ib := opts.Alpha.Bounds(), img.Bounds()
		if ab.Dx() != ib.Dx() || ab.Dy() != ib.Dy() {
			return nil, errors.Wrapf(diffusion.ErrShapeMismatch,
				"alpha mask %dx%d does not match the %dx%d source image",
				ab.Dx(), ab.Dy(), ib.Dx(), ib.Dy())
		}
	}
	p.defaultSizeFrom(img, &opts)
	reqW, reqH := opts.Width, opts.Height
	w, h, err := p.suitableSize(&opts)
	if err != nil {
		return nil, err
	}

	pix := ImageToTensor(img, w, h, p.proc.DType())
	pix = repeatBatch(pix, numSamples)
	remaining := int(math.Round((1 - fidelity) * float64(p.smp.Steps())))
	alpha := opts.Alpha
	exportDir := opts.ExportDir
	opts.ExportDir = "" // composited below, then exported

	var out *tensors.Tensor
	if remaining == 0 {
		out = pix
		if p.cfg.Clip {
			out = p.clipExec.Call(out)[0]
		}
		if w != reqW || h != reqH {
			if out, err = resizePixels(out, reqW, reqH); err != nil {
				return nil, err
			}
		}
	} else {
		z0, err := p.lat.ToLatent(pix)
		if err != nil {
			return nil, err
		}
		if err := p.noiseToPlanStep(z0, remaining, numSamples, &opts); err != nil {
			return nil, err
		}
		if out, err = p.Sample(numSamples, opts); err != nil {
			return nil, err
		}
	}
	if alpha != nil {
		out = p.compositeAlpha(out, alpha, numSamples)
	}
	if exportDir != "" {
		if err := p.export(out, exportDir); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// compositeAlpha appends an alpha mask, resized to the output's pixel size,
// as the output's fourth channel.
func (p *Pipeline) compositeAlpha(out *tensors.Tensor, alpha image.Image, numSamples int) *tensors.Tensor {
	dims := out.Shape().Dimensions
	at := AlphaToTensor(alpha, dims[3], dims[2], out.DType())
	return p.concat1Exec.Call(out, repeatBatch(at, numSamples))[0]
}

// noiseToPlanStep forward-noises z0 to the plan timestep that leaves
// `remaining` sampler steps and records the partial-run start in opts.
func (p *Pipeline) noiseToPlanStep(z0 *tensors.Tensor, remaining, numSamples int, opts *SampleOptions) error {
	startStep := p.smp.Steps() - remaining
	plan, err := p.smp.Plan()
	if err != nil {
		return err
	}
	dims := z0.Shape().Dimensions
	n, _, err := p.resolveLatent(numSamples, dims[3], dims[2], opts)
	if err != nil {
		return err
	}
	xt, err := p.proc.ForwardNoise(z0, plan[startStep], n)
	if err != nil {
		return err
	}
	opts.StartLatent = xt
	opts.StartStep = startStep
	return nil
}

// Inpaint regenerates the region a mask marks (bright pixels) while
// preserving the rest. The denoiser is conditioned on the preserved content
// plus the keep-mask, concatenated channel-wise in latent space; the
// preserved pixels are composited back over the output, so the kept region
// is bit-exact.
//
// refineFidelity in (0, 1] starts the run from the partially noised input
// instead of pure noise (the img2img treatment under the inpainting
// condition), which keeps the regenerated region closer to the original; 0
// generates it from scratch.
func (p *Pipeline) Inpaint(img, mask image.Image, refineFidelity float64, numSamples int, opts SampleOptions) (*tensors.Tensor, error) {
	if numSamples <= 0 {
		return nil, errors.Wrapf(diffusion.ErrShapeMismatch,
			"sample count must be positive, got %d", numSamples)
	}
	if refineFidelity < 0 || refineFidelity > 1 {
		return nil, errors.Wrapf(diffusion.ErrConfiguration,
			"refine fidelity %.3f outside [0, 1]", refineFidelity)
	}
	if err := p.applyNumSteps(&opts); err != nil {
		return nil, err
	}
	p.defaultSizeFrom(img, &opts)
	reqW, reqH := opts.Width, opts.Height
	w, h, err := p.suitableSize(&opts)
	if err != nil {
		return nil, err
	}
	// The recombination runs at the rounded size; the composite is resized
	// back to the request at the end.
	opts.Width, opts.Height = w, h
	dtype := p.proc.DType()
	factor := p.lat.DownsampleFactor()

	pix := ImageToTensor(img, w, h, dtype)
	keep := MaskToTensor(mask, 3, w, h, dtype)
	remained01 := p.keepExec.Call(pix, keep)[0]

	condPix := p.pmExec.Call(remained01)[0]
	condLatent, err := p.lat.ToLatent(condPix)
	if err != nil {
		return nil, err
	}
	keepLatent := MaskToTensor(mask, 1, w/factor, h/factor, dtype)
	embedding := p.concat1Exec.Call(condLatent, keepLatent)[0]
	opts.Embedding = repeatBatch(embedding, numSamples)

	var generated *tensors.Tensor
	remaining := p.smp.Steps()
	if refineFidelity > 0 {
		remaining = int(math.Round((1 - refineFidelity) * float64(p.smp.Steps())))
		if remaining > 0 {
			z0, err := p.lat.ToLatent(repeatBatch(pix, numSamples))
			if err != nil {
				return nil, err
			}
			if err := p.noiseToPlanStep(z0, remaining, numSamples, &opts); err != nil {
				return nil, err
			}
		}
	}
	exportDir := opts.ExportDir
	opts.ExportDir = "" // composited below, then exported
	if remaining == 0 {
		// Full refine fidelity: nothing left to sample, the input fills
		// the regenerated region too.
		generated = repeatBatch(pix, numSamples)
	} else {
		generated, err = p.Sample(numSamples, opts)
		if err != nil {
			return nil, err
		}
	}

	remained01 = repeatBatch(remained01, numSamples)
	keep = repeatBatch(keep, numSamples)
	final := p.recombExec.Call(remained01, generated, keep)[0]
	if p.cfg.Clip {
		final = p.clipExec.Call(final)[0]
	}
	if w != reqW || h != reqH {
		if final, err = resizePixels(final, reqW, reqH); err != nil {
			return nil, err
		}
	}
	if exportDir != "" {
		if err := p.export(final, exportDir); err != nil {
			return nil, err
		}
	}
	return final, nil
}

// SuperResolution upscales an image by 2^(SRDepth-1), conditioning the
// denoiser on the low-resolution input resized to the latent spatial size.
// Requires a compressing latent transform.
func (p *Pipeline) SuperResolution(img image.Image, numSamples int, opts SampleOptions) (*tensors.Tensor, error) {
	if p.cfg.SRDepth <= 0 {
		return nil, errors.Wrap(diffusion.ErrConfiguration,
			"super-resolution is not configured (SRDepth is unset)")
	}
	if p.lat.IsIdentity() {
		return nil, errors.Wrap(diffusion.ErrConfiguration,
			"super-resolution requires a compressing latent transform")
	}
	factor := 1 << (p.cfg.SRDepth - 1)
	bounds := img.Bounds()
	opts.Width = bounds.Dx() * factor
	opts.Height = bounds.Dy() * factor
	w, h, err := p.suitableSize(&opts)
	if err != nil {
		return nil, err
	}
	opts.Width, opts.Height = w, h
	down := p.lat.DownsampleFactor()
	lowRes := ImageToTensor(img, w/down, h/down, p.proc.DType())
	opts.Embedding = repeatBatch(lowRes, numSamples)
	return p.Sample(numSamples, opts)
}

// Semantic2Img generates images from a semantic label map, one-hot encoded
// over the configured class vocabulary and resampled to the latent spatial
// size with nearest-neighbor.
func (p *Pipeline) Semantic2Img(labels image.Image, numSamples int, opts SampleOptions) (*tensors.Tensor, error) {
	if p.cfg.NumClasses <= 0 {
		return nil, errors.Wrap(diffusion.ErrConfiguration,
			"semantic-to-image is not configured (NumClasses is unset)")
	}
	p.defaultSizeFrom(labels, &opts)
	w, h, err := p.suitableSize(&opts)
	if err != nil {
		return nil, err
	}
	opts.Width, opts.Height = w, h
	factor := p.lat.DownsampleFactor()
	oneHot, err := LabelsToTensor(labels, p.cfg.NumClasses, w/factor, h/factor, p.proc.DType())
	if err != nil {
		return nil, err
	}
	opts.Embedding = repeatBatch(oneHot, numSamples)
	return p.Sample(numSamples, opts)
}

// defaultSizeFrom fills an unset requested size from an input image's
// bounds.
func (p *Pipeline) defaultSizeFrom(img image.Image, opts *SampleOptions) {
	if opts.Width <= 0 {
		opts.Width = img.Bounds().Dx()
	}
	if opts.Height <= 0 {
		opts.Height = img.Bounds().Dy()
	}
}
