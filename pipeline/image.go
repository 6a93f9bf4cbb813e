package pipeline

import (
	"image"
	"image/color"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gomlx/diffusion"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Pixel tensors are [batch, channels, height, width] in [-1, 1].

func flat64(t *tensors.Tensor) ([]float64, error) {
	switch t.DType() {
	case dtypes.Float64:
		return tensors.CopyFlatData[float64](t), nil
	case dtypes.Float32:
		f32 := tensors.CopyFlatData[float32](t)
		out := make([]float64, len(f32))
		for i, v := range f32 {
			out[i] = float64(v)
		}
		return out, nil
	case dtypes.Float16:
		f16 := tensors.CopyFlatData[float16.Float16](t)
		out := make([]float64, len(f16))
		for i, v := range f16 {
			out[i] = float64(v.Float32())
		}
		return out, nil
	}
	return nil, errors.Wrapf(diffusion.ErrConfiguration,
		"unsupported pixel dtype %s", t.DType())
}

func fromFlat64(flat []float64, dtype dtypes.DType, dims ...int) *tensors.Tensor {
	switch dtype {
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(flat, dims...)
	case dtypes.Float16:
		f16 := make([]float16.Float16, len(flat))
		for i, v := range flat {
			f16[i] = float16.Fromfloat32(float32(v))
		}
		return tensors.FromFlatDataAndDimensions(f16, dims...)
	default:
		f32 := make([]float32, len(flat))
		for i, v := range flat {
			f32[i] = float32(v)
		}
		return tensors.FromFlatDataAndDimensions(f32, dims...)
	}
}

// batchSlice copies rows [start, end) of the batch axis into a new tensor.
func batchSlice(t *tensors.Tensor, start, end int) *tensors.Tensor {
	dims := t.Shape().Dimensions
	perSample := 1
	for _, d := range dims[1:] {
		perSample *= d
	}
	flat, err := flat64(t)
	if err != nil {
		panic(err)
	}
	outDims := append([]int{end - start}, dims[1:]...)
	return fromFlat64(flat[start*perSample:end*perSample], t.DType(), outDims...)
}

// ImageToTensor converts an image, resized to width x height, to a
// [1, 3, height, width] tensor in [-1, 1].
func ImageToTensor(img image.Image, width, height int, dtype dtypes.DType) *tensors.Tensor {
	resized := imaging.Resize(img, width, height, imaging.Lanczos)
	flat := make([]float64, 3*height*width)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			flat[0*height*width+y*width+x] = float64(r)/32767.5 - 1
			flat[1*height*width+y*width+x] = float64(g)/32767.5 - 1
			flat[2*height*width+y*width+x] = float64(b)/32767.5 - 1
		}
	}
	return fromFlat64(flat, dtype, 1, 3, height, width)
}

// MaskToTensor converts a mask image, resized with nearest-neighbor to
// width x height, to a [1, channels, height, width] keep-mask (the plane
// repeated across channels): 1 where the mask is dark (below half
// intensity, the region to preserve), 0 where it is to be regenerated.
func MaskToTensor(mask image.Image, channels, width, height int, dtype dtypes.DType) *tensors.Tensor {
	resized := imaging.Resize(mask, width, height, imaging.NearestNeighbor)
	plane := make([]float64, height*width)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			gray := color.GrayModel.Convert(resized.At(x, y)).(color.Gray)
			if float64(gray.Y)/255 < 0.5 {
				plane[y*width+x] = 1
			}
		}
	}
	flat := make([]float64, 0, channels*height*width)
	for c := 0; c < channels; c++ {
		flat = append(flat, plane...)
	}
	return fromFlat64(flat, dtype, 1, channels, height, width)
}

// AlphaToTensor converts an alpha mask image, resized to width x height, to
// a [1, 1, height, width] tensor in [-1, 1] (opaque is 1).
func AlphaToTensor(alpha image.Image, width, height int, dtype dtypes.DType) *tensors.Tensor {
	resized := imaging.Resize(alpha, width, height, imaging.Lanczos)
	flat := make([]float64, height*width)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			_, _, _, a := resized.At(x, y).RGBA()
			flat[y*width+x] = float64(a)/32767.5 - 1
		}
	}
	return fromFlat64(flat, dtype, 1, 1, height, width)
}

// repeatBatch tiles a batch-1 tensor to n rows.
func repeatBatch(t *tensors.Tensor, n int) *tensors.Tensor {
	dims := t.Shape().Dimensions
	if n <= 1 || dims[0] != 1 {
		return t
	}
	flat, err := flat64(t)
	if err != nil {
		panic(err)
	}
	tiled := make([]float64, 0, n*len(flat))
	for i := 0; i < n; i++ {
		tiled = append(tiled, flat...)
	}
	outDims := append([]int{n}, dims[1:]...)
	return fromFlat64(tiled, t.DType(), outDims...)
}

// LabelsToTensor one-hot encodes a label map, resized with nearest-neighbor
// to width x height, into a [1, numClasses, height, width] tensor. Labels
// are read from the red channel.
func LabelsToTensor(labels image.Image, numClasses, width, height int, dtype dtypes.DType) (*tensors.Tensor, error) {
	resized := imaging.Resize(labels, width, height, imaging.NearestNeighbor)
	flat := make([]float64, numClasses*height*width)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, _, _, _ := resized.At(x, y).RGBA()
			class := int(r >> 8)
			if class >= numClasses {
				return nil, errors.Wrapf(diffusion.ErrShapeMismatch,
					"label %d at (%d, %d) outside the %d-class vocabulary", class, x, y, numClasses)
			}
			flat[class*height*width+y*width+x] = 1
		}
	}
	return fromFlat64(flat, dtype, 1, numClasses, height, width), nil
}

// TensorToImages converts a [batch, 3|4, height, width] tensor in [-1, 1]
// to one image per batch row, clamping out-of-range values. A fourth
// channel becomes the alpha plane; three-channel tensors are opaque.
func TensorToImages(t *tensors.Tensor) ([]*image.NRGBA, error) {
	dims := t.Shape().Dimensions
	if len(dims) != 4 || (dims[1] != 3 && dims[1] != 4) {
		return nil, errors.Wrapf(diffusion.ErrShapeMismatch,
			"expected a [batch, 3|4, height, width] pixel tensor, got %s", t.Shape())
	}
	batch, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	flat, err := flat64(t)
	if err != nil {
		return nil, err
	}
	plane := height * width
	toByte := func(v float64) uint8 {
		v = (v + 1) * 127.5
		if v < 0 {
			v = 0
		} else if v > 255 {
			v = 255
		}
		return uint8(v + 0.5)
	}
	out := make([]*image.NRGBA, batch)
	for b := 0; b < batch; b++ {
		img := image.NewNRGBA(image.Rect(0, 0, width, height))
		base := b * channels * plane
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				a := uint8(255)
				if channels == 4 {
					a = toByte(flat[base+3*plane+y*width+x])
				}
				img.SetNRGBA(x, y, color.NRGBA{
					R: toByte(flat[base+0*plane+y*width+x]),
					G: toByte(flat[base+1*plane+y*width+x]),
					B: toByte(flat[base+2*plane+y*width+x]),
					A: a,
				})
			}
		}
		out[b] = img
	}
	return out, nil
}

// resizePixels rescales a pixel tensor to width x height with the bicubic
// Catmull-Rom filter, going through 8-bit images and back.
func resizePixels(t *tensors.Tensor, width, height int) (*tensors.Tensor, error) {
	images, err := TensorToImages(t)
	if err != nil {
		return nil, err
	}
	channels := t.Shape().Dimensions[1]
	plane := height * width
	flat := make([]float64, 0, len(images)*channels*plane)
	for _, img := range images {
		resized := imaging.Resize(img, width, height, imaging.CatmullRom)
		sample := make([]float64, channels*plane)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				c := resized.NRGBAAt(x, y)
				sample[0*plane+y*width+x] = float64(c.R)/127.5 - 1
				sample[1*plane+y*width+x] = float64(c.G)/127.5 - 1
				sample[2*plane+y*width+x] = float64(c.B)/127.5 - 1
				if channels == 4 {
					sample[3*plane+y*width+x] = float64(c.A)/127.5 - 1
				}
			}
		}
		flat = append(flat, sample...)
	}
	return fromFlat64(flat, t.DType(), len(images), channels, height, width), nil
}

// export writes every sample of the pixel tensor as a PNG with a fresh
// UUID name under dir.
func (p *Pipeline) export(pixels *tensors.Tensor, dir string) error {
	images, err := TensorToImages(pixels)
	if err != nil {
		return err
	}
	for _, img := range images {
		path := filepath.Join(dir, uuid.NewString()+".png")
		if err := imaging.Save(img, path); err != nil {
			return errors.WithMessagef(err, "exporting sample to %s", path)
		}
	}
	return nil
}
