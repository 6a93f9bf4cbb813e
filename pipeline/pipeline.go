// Package pipeline is the user-facing orchestrator: it owns a denoising
// process, a sampler and a latent transform, and exposes the generation
// tasks (text-to-image, image-to-image, inpainting, super-resolution and
// semantic-to-image) on top of one shared sampling core.
//
// Every stochastic draw flows from explicit seeds; the seeds actually used
// are recorded so any run can be replayed bit for bit.
package pipeline

import (
	"image"
	"math/rand"
	"time"

	"github.com/gomlx/diffusion"
	"github.com/gomlx/diffusion/ddpm"
	"github.com/gomlx/diffusion/latent"
	"github.com/gomlx/diffusion/noise"
	"github.com/gomlx/diffusion/sampler"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config for a Pipeline. NewConfig supplies the defaults.
type Config struct {
	// Channels of the latent tensors the denoiser consumes.
	Channels int

	// DefaultWidth and DefaultHeight are the pixel size used when a task
	// doesn't request one.
	DefaultWidth  int
	DefaultHeight int

	// Anchor is the spatial granularity the denoiser requires; requested
	// sizes are rounded down to a multiple of Anchor times the latent
	// downsample factor.
	Anchor int

	// BatchSize caps how many samples share one sampler run; non-positive
	// runs everything in a single batch.
	BatchSize int

	// Clip clamps decoded pixels to [-1, 1]. On by default.
	Clip bool

	// NumClasses is the label vocabulary for semantic-to-image; 0
	// disables the task.
	NumClasses int

	// SRDepth sets the super-resolution upscale factor to 2^(SRDepth-1);
	// 0 disables the task.
	SRDepth int
}

// NewConfig returns the defaults: 3 channels, 512x512, anchor 64, clipping
// on.
func NewConfig() Config {
	return Config{
		Channels:      3,
		DefaultWidth:  512,
		DefaultHeight: 512,
		Anchor:        64,
		Clip:          true,
	}
}

// Variation blends extra seeded noise into the start latent by spherical
// interpolation, in declaration order. Weight leans toward the accumulated
// latent: 1 keeps it untouched, 0 replaces it with the variation draw.
type Variation struct {
	Seed   int64
	Weight float64
}

// SampleOptions for one generation call.
type SampleOptions struct {
	// Width and Height in pixels; 0 uses the pipeline defaults. Both are
	// rounded down to the suitable grid.
	Width  int
	Height int

	// Seed for the start latent; nil draws a fresh seed, retrievable
	// afterwards from LatestSeed.
	Seed *int64

	// Variations applied to the start latent, in order.
	Variations []Variation

	// VariationStrength, when positive, blends one more noise draw on top
	// of Variations, leaning toward the variation as it grows. The draw
	// is seeded from VariationSeed when set, fresh entropy otherwise; the
	// seed used is retrievable from LatestVariationSeed.
	VariationStrength float64
	VariationSeed     *int64

	// Cond is the raw condition (text, labels) fed to the condition
	// encoder; nil runs unconditioned. Embedding, when set, bypasses the
	// encoder.
	Cond      any
	Embedding *tensors.Tensor

	// NumSteps, when positive, resets the sampler's step count for this
	// call (and subsequent ones, like the sampler's own SetSteps).
	NumSteps int

	// GuidanceScale, when set, overrides the sampler's configured
	// classifier-free guidance scale for this call only.
	GuidanceScale *float64

	// Alpha is an optional alpha mask composited onto the output as a
	// fourth channel by the image-conditioned tasks; its bounds must
	// match the source image.
	Alpha image.Image

	// StartLatent overrides the noise-resolved start latent; its batch
	// size must match the requested sample count.
	StartLatent *tensors.Tensor

	// StartStep skips the first steps of the sampler plan; the start
	// latent must already be noised to the matching timestep.
	StartStep int

	// Callback is forwarded to the sampler; an error aborts.
	Callback func(step int, z *tensors.Tensor) error

	// ExportDir, when set, writes each decoded sample as a PNG with a
	// fresh UUID name.
	ExportDir string

	Verbose bool

	// rng carries the call's single generator across the orchestration
	// phases (forward noising, then sampling), so every stochastic draw
	// of one run flows from one recorded seed.
	rng *rand.Rand
}

// Pipeline glues the process, sampler and latent transform together.
type Pipeline struct {
	backend backends.Backend
	proc    *ddpm.Process
	smp     *sampler.Sampler
	lat     *latent.Transform
	cfg     Config

	latestSeed          int64
	latestVariationSeed int64

	clipExec    *Exec // clamp to [-1, 1]
	concat0Exec *Exec // pairwise batch concat
	concat1Exec *Exec // pairwise channel concat
	keepExec    *Exec // 0.5·(1+x)·mask
	recombExec  *Exec // 2·(remained + 0.5·(1+g)·(1-mask)) - 1
	pmExec      *Exec // 2·x - 1
}

// New builds a Pipeline. The sampler must drive the same process.
func New(backend backends.Backend, proc *ddpm.Process, smp *sampler.Sampler,
	lat *latent.Transform, cfg Config) (*Pipeline, error) {
	if proc == nil || smp == nil {
		return nil, errors.Wrap(diffusion.ErrConfiguration,
			"pipeline.New requires a process and a sampler")
	}
	if lat == nil {
		lat = latent.NewIdentity()
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 3
	}
	if cfg.Anchor <= 0 {
		cfg.Anchor = 64
	}
	if cfg.DefaultWidth <= 0 {
		cfg.DefaultWidth = 512
	}
	if cfg.DefaultHeight <= 0 {
		cfg.DefaultHeight = 512
	}
	p := &Pipeline{
		backend: backend,
		proc:    proc,
		smp:     smp,
		lat:     lat,
		cfg:     cfg,
	}
	p.clipExec = NewExec(backend, func(x *Node) *Node {
		return ClipScalar(x, -1, 1)
	})
	p.concat0Exec = NewExec(backend, func(a, b *Node) *Node {
		return Concatenate([]*Node{a, b}, 0)
	})
	p.concat1Exec = NewExec(backend, func(a, b *Node) *Node {
		return Concatenate([]*Node{a, b}, 1)
	})
	p.keepExec = NewExec(backend, func(x, mask *Node) *Node {
		return Mul(MulScalar(AddScalar(x, 1), 0.5), mask)
	})
	p.recombExec = NewExec(backend, func(remained, g, mask *Node) *Node {
		fill := Mul(MulScalar(AddScalar(g, 1), 0.5), Sub(OnesLike(mask), mask))
		return AddScalar(MulScalar(Add(remained, fill), 2), -1)
	})
	p.pmExec = NewExec(backend, func(x *Node) *Node {
		return AddScalar(MulScalar(x, 2), -1)
	})
	return p, nil
}

// Sampler in use.
func (p *Pipeline) Sampler() *sampler.Sampler { return p.smp }

// Process in use.
func (p *Pipeline) Process() *ddpm.Process { return p.proc }

// Latent transform in use.
func (p *Pipeline) Latent() *latent.Transform { return p.lat }

// LatestSeed is the seed the most recent call's generator was built from,
// whether supplied or freshly drawn; it covers the start latent and every
// later stochastic sampler draw. Replaying with this seed reproduces the
// run.
func (p *Pipeline) LatestSeed() int64 { return p.latestSeed }

// LatestVariationSeed is the seed of the most recent VariationStrength
// draw.
func (p *Pipeline) LatestVariationSeed() int64 { return p.latestVariationSeed }

// suitableSize resolves and validates the pixel size for a call.
func (p *Pipeline) suitableSize(opts *SampleOptions) (w, h int, err error) {
	w, h = opts.Width, opts.Height
	if w <= 0 {
		w = p.cfg.DefaultWidth
	}
	if h <= 0 {
		h = p.cfg.DefaultHeight
	}
	return p.lat.SuitableSize(w, h, p.cfg.Anchor)
}

// resolveLatent builds the start latent for n samples at the given latent
// spatial size (seeded base noise, then the slerp chain of variations) and
// the generator the sampler continues drawing from. The generator is built
// once per call and stashed in opts, so a task that forward-noises its
// input before sampling keeps drawing from the same recorded stream.
func (p *Pipeline) resolveLatent(n, latentW, latentH int, opts *SampleOptions) (*tensors.Tensor, *rand.Rand, error) {
	rng := opts.rng
	if rng == nil {
		seed := time.Now().UnixNano()
		if opts.Seed != nil {
			seed = *opts.Seed
		}
		rng = rand.New(rand.NewSource(seed))
		opts.rng = rng
		p.latestSeed = seed
	}
	if opts.StartLatent != nil {
		dims := opts.StartLatent.Shape().Dimensions
		if len(dims) != 4 || dims[0] != n {
			return nil, nil, errors.Wrapf(diffusion.ErrShapeMismatch,
				"start latent %s does not hold %d samples", opts.StartLatent.Shape(), n)
		}
		return opts.StartLatent, rng, nil
	}
	dtype := p.proc.DType()
	z := noise.Normal(rng, dtype, n, p.cfg.Channels, latentH, latentW)
	for _, v := range opts.Variations {
		vrng := rand.New(rand.NewSource(v.Seed))
		vz := noise.Normal(vrng, dtype, n, p.cfg.Channels, latentH, latentW)
		z = noise.Slerp(vz, z, v.Weight)
	}
	if opts.VariationStrength > 0 {
		vseed := time.Now().UnixNano()
		if opts.VariationSeed != nil {
			vseed = *opts.VariationSeed
		}
		p.latestVariationSeed = vseed
		vrng := rand.New(rand.NewSource(vseed))
		vz := noise.Normal(vrng, dtype, n, p.cfg.Channels, latentH, latentW)
		z = noise.Slerp(z, vz, opts.VariationStrength)
	}
	return z, rng, nil
}

// resolveEmbedding runs the condition encoder unless a precomputed
// embedding was supplied.
func (p *Pipeline) resolveEmbedding(opts *SampleOptions) (*tensors.Tensor, error) {
	if opts.Embedding != nil {
		return opts.Embedding, nil
	}
	if opts.Cond == nil {
		return nil, nil
	}
	return p.proc.Condition().Embed(opts.Cond)
}

// Sample draws numSamples images and returns them as a pixel tensor of
// shape [numSamples, channels, height, width] in [-1, 1]. All validation
// happens before any numeric work.
func (p *Pipeline) Sample(numSamples int, opts SampleOptions) (*tensors.Tensor, error) {
	if numSamples <= 0 {
		return nil, errors.Wrapf(diffusion.ErrShapeMismatch,
			"sample count must be positive, got %d", numSamples)
	}
	if err := p.applyNumSteps(&opts); err != nil {
		return nil, err
	}
	reqW, reqH := opts.Width, opts.Height
	if reqW <= 0 {
		reqW = p.cfg.DefaultWidth
	}
	if reqH <= 0 {
		reqH = p.cfg.DefaultHeight
	}
	w, h, err := p.suitableSize(&opts)
	if err != nil {
		return nil, err
	}
	factor := p.lat.DownsampleFactor()
	latentW, latentH := w/factor, h/factor

	embedding, err := p.resolveEmbedding(&opts)
	if err != nil {
		return nil, err
	}
	if embedding != nil {
		if b := embedding.Shape().Dimensions[0]; b != 1 && b != numSamples {
			return nil, errors.Wrapf(diffusion.ErrShapeMismatch,
				"condition batch %d does not match the %d requested samples", b, numSamples)
		}
	}
	z, rng, err := p.resolveLatent(numSamples, latentW, latentH, &opts)
	if err != nil {
		return nil, err
	}

	batch := p.cfg.BatchSize
	if batch <= 0 || batch > numSamples {
		batch = numSamples
	}
	klog.V(1).Infof("pipeline: %d samples at %dx%d (latent %dx%d), batches of %d",
		numSamples, w, h, latentW, latentH, batch)

	var out *tensors.Tensor
	for start := 0; start < numSamples; start += batch {
		end := start + batch
		if end > numSamples {
			end = numSamples
		}
		zb := z
		eb := embedding
		if end-start < numSamples {
			zb = batchSlice(z, start, end)
			if eb != nil && eb.Shape().Dimensions[0] == numSamples {
				eb = batchSlice(eb, start, end)
			}
		}
		clean, err := p.smp.Run(zb, sampler.RunOptions{
			Embedding:     eb,
			StartStep:     opts.StartStep,
			RNG:           rng,
			GuidanceScale: opts.GuidanceScale,
			Callback:      opts.Callback,
			Verbose:       opts.Verbose,
		})
		if err != nil {
			return nil, err
		}
		pixels, err := p.lat.ToPixels(clean)
		if err != nil {
			return nil, err
		}
		if p.cfg.Clip {
			pixels = p.clipExec.Call(pixels)[0]
		}
		if out == nil {
			out = pixels
		} else {
			out = p.concat0Exec.Call(out, pixels)[0]
		}
	}

	if w != reqW || h != reqH {
		out, err = resizePixels(out, reqW, reqH)
		if err != nil {
			return nil, err
		}
	}
	if opts.ExportDir != "" {
		if err := p.export(out, opts.ExportDir); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// applyNumSteps forwards a per-call step count to the sampler.
func (p *Pipeline) applyNumSteps(opts *SampleOptions) error {
	if opts.NumSteps <= 0 || opts.NumSteps == p.smp.Steps() {
		return nil
	}
	return p.smp.SetSteps(opts.NumSteps)
}
