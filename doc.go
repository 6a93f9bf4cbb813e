// Package diffusion holds the contracts shared by the denoising-diffusion
// generative core: the opaque trained sub-models it consumes (denoising
// network, latent codec, condition encoder), the conditioning side-channels
// handed to the denoiser, and the error taxonomy surfaced by every
// sub-package.
//
// The numeric machinery lives in the sub-packages:
//
//   - schedule: precomputed per-timestep noise-schedule tables.
//   - noise: reproducible gaussian draws and spherical interpolation.
//   - condition: wraps a condition encoder and its injection mode.
//   - ddpm: the denoising process (forward noising, reverse step, loss).
//   - sampler: the iterative integrators (ancestral, DDIM, PLMS, k-family).
//   - latent: pixel↔latent translation and size anchoring.
//   - pipeline: txt2img, img2img, inpainting, super-resolution and
//     semantic-to-image orchestration, with seed/variation reproducibility.
//   - ort: adapters that implement the contracts below over ONNX Runtime
//     sessions, for models exported from a training framework.
//
// All tensors are batched channels-first: images and latents are shaped
// [batch, channels, height, width], values in [-1, 1]. Computation is built
// with GoMLX graphs compiled per input shape; concrete tensors flow between
// steps, so the opaque sub-models can be arbitrary Go code (an ONNX session,
// a GoMLX context exec, a test stub).
package diffusion
