// diffusion-sample generates images from exported ONNX diffusion models:
// plain (optionally text-conditioned) sampling, image-to-image and
// inpainting.
package main

import (
	"flag"
	"image"
	"os"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/diffusion"
	"github.com/gomlx/diffusion/condition"
	"github.com/gomlx/diffusion/ddpm"
	"github.com/gomlx/diffusion/latent"
	"github.com/gomlx/diffusion/ort"
	"github.com/gomlx/diffusion/pipeline"
	"github.com/gomlx/diffusion/sampler"
	"github.com/gomlx/diffusion/schedule"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var flags = struct {
	ortLib      string
	denoiser    string
	textEncoder string
	encoder     string
	decoder     string
	latentDown  int

	scheduleKind string
	timesteps    int
	samplerKind  string
	steps        int
	guidance     float64
	eta          float64

	prompt    string
	numImages int
	batchSize int
	width     int
	height    int
	seed      int64
	outputDir string
	verbose   bool
}{}

func main() {
	root := &cobra.Command{
		Use:   "diffusion-sample",
		Short: "Sample images from exported ONNX diffusion models",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := buildPipeline()
			_, err := p.Sample(flags.numImages, sampleOptions(promptIDs()))
			return err
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.ortLib, "ort-lib", "", "Path to the onnxruntime shared library (empty uses the platform default).")
	pf.StringVar(&flags.denoiser, "denoiser", "", "Path to the exported denoiser model (required).")
	pf.StringVar(&flags.textEncoder, "text-encoder", "", "Path to the exported text encoder model.")
	pf.StringVar(&flags.encoder, "encoder", "", "Path to the exported latent encoder model.")
	pf.StringVar(&flags.decoder, "decoder", "", "Path to the exported latent decoder model.")
	pf.IntVar(&flags.latentDown, "latent-down", 8, "Spatial downsampling factor of the latent codec.")
	pf.StringVar(&flags.scheduleKind, "schedule", string(schedule.Linear), "Noise schedule: linear, cosine, sqrt_linear or sqrt.")
	pf.IntVar(&flags.timesteps, "timesteps", 1000, "Length of the noise schedule.")
	pf.StringVar(&flags.samplerKind, "sampler", string(sampler.KindDDIM), "Sampler: ancestral, ddim, plms or k_euler.")
	pf.IntVar(&flags.steps, "steps", 50, "Sampling steps (ancestral always walks the full schedule).")
	pf.Float64Var(&flags.guidance, "guidance", 7.5, "Classifier-free guidance scale (1 disables guidance).")
	pf.Float64Var(&flags.eta, "eta", 0, "DDIM stochasticity (0 is deterministic).")
	pf.StringVar(&flags.prompt, "prompt", "", "Comma-separated token ids of the prompt (tokenize upstream).")
	pf.IntVar(&flags.numImages, "n", 1, "Number of images to generate.")
	pf.IntVar(&flags.batchSize, "batch", 0, "Samples per sampler run (0 runs everything at once).")
	pf.IntVar(&flags.width, "width", 512, "Output width in pixels.")
	pf.IntVar(&flags.height, "height", 512, "Output height in pixels.")
	pf.Int64Var(&flags.seed, "seed", -1, "Random seed (-1 draws a fresh one).")
	pf.StringVar(&flags.outputDir, "output", ".", "Directory for the generated PNGs.")
	pf.BoolVar(&flags.verbose, "verbose", false, "Show a progress bar.")
	_ = root.MarkPersistentFlagRequired("denoiser")

	var fidelity float64
	var inputPath, maskPath string
	img2img := &cobra.Command{
		Use:   "img2img",
		Short: "Regenerate an input image at the given fidelity",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := buildPipeline()
			img := must.M1(imaging.Open(inputPath))
			_, err := p.Img2Img(img, fidelity, flags.numImages, sampleOptions(promptIDs()))
			return err
		},
	}
	img2img.Flags().StringVar(&inputPath, "input", "", "Input image (required).")
	img2img.Flags().Float64Var(&fidelity, "fidelity", 0.2, "How much of the input survives: 1 keeps it, 0 ignores it.")
	_ = img2img.MarkFlagRequired("input")

	var refineFidelity float64
	inpaint := &cobra.Command{
		Use:   "inpaint",
		Short: "Regenerate the masked (bright) region of an input image",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := buildPipeline()
			img := must.M1(imaging.Open(inputPath))
			var mask image.Image = must.M1(imaging.Open(maskPath))
			_, err := p.Inpaint(img, mask, refineFidelity, flags.numImages, sampleOptions(nil))
			return err
		},
	}
	inpaint.Flags().StringVar(&inputPath, "input", "", "Input image (required).")
	inpaint.Flags().StringVar(&maskPath, "mask", "", "Mask image, bright where content is regenerated (required).")
	inpaint.Flags().Float64Var(&refineFidelity, "refine-fidelity", 0,
		"Start from the partially noised input instead of pure noise (0 disables).")
	_ = inpaint.MarkFlagRequired("input")
	_ = inpaint.MarkFlagRequired("mask")

	root.AddCommand(img2img, inpaint)
	klog.InitFlags(nil)
	pf.AddGoFlagSet(flag.CommandLine)
	if err := root.Execute(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

// promptIDs parses the --prompt flag into token ids, nil when empty.
func promptIDs() []int64 {
	if flags.prompt == "" {
		return nil
	}
	parts := strings.Split(flags.prompt, ",")
	ids := make([]int64, len(parts))
	for i, p := range parts {
		ids[i] = must.M1(strconv.ParseInt(strings.TrimSpace(p), 10, 64))
	}
	return ids
}

func sampleOptions(promptIDs []int64) pipeline.SampleOptions {
	opts := pipeline.SampleOptions{
		Width:     flags.width,
		Height:    flags.height,
		ExportDir: flags.outputDir,
		Verbose:   flags.verbose,
	}
	if flags.seed >= 0 {
		seed := flags.seed
		opts.Seed = &seed
	}
	if promptIDs != nil {
		opts.Cond = promptIDs
	}
	return opts
}

// buildPipeline wires the ONNX sessions into the sampling stack.
func buildPipeline() *pipeline.Pipeline {
	must.M(ort.Init(flags.ortLib))
	backend := backends.MustNew()

	denoiser := must.M1(ort.NewDenoiser(flags.denoiser, ort.DenoiserConfig{
		ContextInput: contextInputName(),
	}))

	capability := condition.CapabilityNone
	mode := condition.ModeCrossAttention
	var encoder diffusion.ConditionEncoder
	if flags.textEncoder != "" {
		capability = condition.CapabilityFrozen
		encoder = must.M1(ort.NewTextEncoder(flags.textEncoder))
	}
	cond := must.M1(condition.New(backend, capability, mode, encoder, []int64{0}))

	schedCfg := schedule.New()
	schedCfg.Kind = schedule.Kind(flags.scheduleKind)
	schedCfg.Timesteps = flags.timesteps
	sched := must.M1(schedule.Build(schedCfg))

	proc := must.M1(ddpm.New(backend, sched, cond, denoiser, ddpm.NewConfig()))

	steps := flags.steps
	if sampler.Kind(flags.samplerKind) == sampler.KindAncestral {
		steps = flags.timesteps
	}
	smp := must.M1(sampler.New(sampler.Kind(flags.samplerKind), proc, sampler.Config{
		Steps:         steps,
		GuidanceScale: flags.guidance,
		Eta:           flags.eta,
	}))

	lat := latent.NewIdentity()
	channels := 3
	if flags.encoder != "" && flags.decoder != "" {
		codec := must.M1(ort.NewCodec(flags.encoder, flags.decoder))
		lat = must.M1(latent.NewTransform(codec, flags.latentDown))
		channels = 4
	}

	cfg := pipeline.NewConfig()
	cfg.Channels = channels
	cfg.DefaultWidth = flags.width
	cfg.DefaultHeight = flags.height
	cfg.BatchSize = flags.batchSize
	return must.M1(pipeline.New(backend, proc, smp, lat, cfg))
}

func contextInputName() string {
	if flags.textEncoder == "" {
		return ""
	}
	return "context"
}
