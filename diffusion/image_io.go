package diffusion

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// ImageToTensor converts an RGB image into a planar float32 NCHW tensor of
// shape [1,3,size,size], bilinearly resized to size and normalized to lo/hi
// (spec.md §4.3: [-1,1] for the VAE encoder, [0,1] for ControlNet
// conditioning). The alpha channel is dropped.
func ImageToTensor(img image.Image, size int, lo, hi float32) *Tensor {
	resized := resizeBilinear(img, size, size)
	t := NewTensor([]int64{1, 3, int64(size), int64(size)})
	plane := size * size
	scale := hi - lo
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			idx := y*size + x
			t.Data[0*plane+idx] = lo + scale*(float32(r)/65535.0)
			t.Data[1*plane+idx] = lo + scale*(float32(g)/65535.0)
			t.Data[2*plane+idx] = lo + scale*(float32(b)/65535.0)
		}
	}
	return t
}

// AlphaTensor extracts a [1,1,size,size] mask in [0,1] from img's alpha
// channel (spec.md §4.3), used when an inpaint mask is embedded as the
// transparency of an RGBA image rather than supplied as its own grayscale
// image.
func AlphaTensor(img image.Image, size int) *Tensor {
	resized := resizeBilinear(img, size, size)
	t := NewTensor([]int64{1, 1, int64(size), int64(size)})
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			_, _, _, a := resized.At(x, y).RGBA()
			t.Data[y*size+x] = float32(a) / 65535.0
		}
	}
	return t
}

// maskTensor picks AlphaTensor or GrayscaleImageToTensor depending on
// whether the mask image carries its own alpha channel, so callers can
// supply an inpaint mask either way.
func maskTensor(img image.Image, size int) *Tensor {
	switch img.(type) {
	case *image.NRGBA, *image.RGBA, *image.NRGBA64, *image.RGBA64:
		return AlphaTensor(img, size)
	default:
		return GrayscaleImageToTensor(img, size)
	}
}

// GrayscaleImageToTensor treats img as a single-channel mask image in
// [0,1], used for an inpaint mask supplied as its own grayscale image
// rather than an alpha channel.
func GrayscaleImageToTensor(img image.Image, size int) *Tensor {
	resized := resizeBilinear(img, size, size)
	t := NewTensor([]int64{1, 1, int64(size), int64(size)})
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			gray := color.GrayModel.Convert(resized.At(x, y)).(color.Gray)
			t.Data[y*size+x] = float32(gray.Y) / 255.0
		}
	}
	return t
}

// TensorToImage converts a [1,3,H,W] tensor normalized in [-1,1] back to an
// RGB image, the inverse of ImageToTensor at the VAE decoder boundary.
func TensorToImage(t *Tensor) image.Image {
	h := int(t.Shape[2])
	w := int(t.Shape[3])
	plane := h * w
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			r := denormalizeTo8Bit(t.Data[0*plane+idx])
			g := denormalizeTo8Bit(t.Data[1*plane+idx])
			b := denormalizeTo8Bit(t.Data[2*plane+idx])
			out.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
		}
	}
	return out
}

func denormalizeTo8Bit(v float32) uint8 {
	f := (v + 1.0) / 2.0
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	return uint8(f*255.0 + 0.5)
}

// ResizeMask bilinearly resizes a [1,1,H,W] mask tensor to the latent
// resolution, used after inpaint preprocessing produces an image-space
// mask.
func ResizeMask(t *Tensor, newH, newW int) *Tensor {
	h := int(t.Shape[2])
	w := int(t.Shape[3])
	srcImg := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			srcImg.SetGray(x, y, color.Gray{Y: uint8(clamp01(t.Data[y*w+x]) * 255.0)})
		}
	}
	resized := resizeBilinear(srcImg, newW, newH)
	out := NewTensor([]int64{1, 1, int64(newH), int64(newW)})
	for y := 0; y < newH; y++ {
		for x := 0; x < newW; x++ {
			gray := color.GrayModel.Convert(resized.At(x, y)).(color.Gray)
			out.Data[y*newW+x] = float32(gray.Y) / 255.0
		}
	}
	return out
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// resizeBilinear wraps golang.org/x/image/draw's bilinear scaler, the
// library the wider retrieval pack uses for resize (image manipulation in
// an on-device Go runtime has no business hand-rolling a resampler).
func resizeBilinear(src image.Image, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}
