package diffusion

import (
	"fmt"

	"github.com/x448/float16"
)

// Tensor is a dense rank-4 float32 buffer in NCHW order. Shapes are fixed
// at model-load time; three canonical shapes dominate (image-space,
// latent-space, embedding-space reshaped for the U-Net) but Tensor itself
// is shape-agnostic.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// NewTensor allocates a zeroed tensor for shape.
func NewTensor(shape []int64) *Tensor {
	n := elementCount(shape)
	return &Tensor{
		Shape: append([]int64(nil), shape...),
		Data:  make([]float32, n),
	}
}

func elementCount(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// Clone deep-copies the tensor. Components pass tensors by logical value;
// a clone is used whenever a caller needs to retain a snapshot across a
// mutation (e.g. the PLMS bootstrap's currentSample).
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		Shape: append([]int64(nil), t.Shape...),
		Data:  make([]float32, len(t.Data)),
	}
	copy(out.Data, t.Data)
	return out
}

// ChannelCount returns shape[1], the NCHW channel dimension.
func (t *Tensor) ChannelCount() int64 {
	if len(t.Shape) < 2 {
		return 0
	}
	return t.Shape[1]
}

// SameShape reports whether two tensors share an identical shape.
func (t *Tensor) SameShape(other *Tensor) bool {
	if len(t.Shape) != len(other.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != other.Shape[i] {
			return false
		}
	}
	return true
}

// weightedSum computes an elementwise linear combination of tensors sharing
// an identical shape. Precondition (per spec): equal shapes; violating it
// is a packaging bug, reported as ErrShapeMismatch rather than panicking.
func weightedSum(weights []float32, tensors []*Tensor) (*Tensor, error) {
	if len(weights) != len(tensors) || len(tensors) == 0 {
		return nil, fmt.Errorf("%w: weightedSum: %d weights for %d tensors", ErrShapeMismatch, len(weights), len(tensors))
	}
	out := NewTensor(tensors[0].Shape)
	for i, t := range tensors {
		if !t.SameShape(tensors[0]) {
			return nil, fmt.Errorf("%w: weightedSum: tensor %d shape %v != %v", ErrShapeMismatch, i, t.Shape, tensors[0].Shape)
		}
		w := weights[i]
		for j, v := range t.Data {
			out.Data[j] += w * v
		}
	}
	return out, nil
}

// concatChannels concatenates tensors along the NCHW channel axis (axis 1).
// Batch, height and width must match; used to assemble inpainting latents
// (noise, mask, masked-image-latent) and ControlNet-ready U-Net inputs.
func concatChannels(tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("%w: concatChannels: no tensors", ErrShapeMismatch)
	}
	first := tensors[0]
	if len(first.Shape) != 4 {
		return nil, fmt.Errorf("%w: concatChannels: expected rank-4 tensor", ErrShapeMismatch)
	}
	b, h, w := first.Shape[0], first.Shape[2], first.Shape[3]
	totalC := int64(0)
	for _, t := range tensors {
		if len(t.Shape) != 4 || t.Shape[0] != b || t.Shape[2] != h || t.Shape[3] != w {
			return nil, fmt.Errorf("%w: concatChannels: incompatible shape %v", ErrShapeMismatch, t.Shape)
		}
		totalC += t.Shape[1]
	}

	out := NewTensor([]int64{b, totalC, h, w})
	hw := h * w
	for bi := int64(0); bi < b; bi++ {
		outCOffset := int64(0)
		for _, t := range tensors {
			c := t.Shape[1]
			srcBase := bi * c * hw
			dstBase := (bi*totalC + outCOffset) * hw
			copy(out.Data[dstBase:dstBase+c*hw], t.Data[srcBase:srcBase+c*hw])
			outCOffset += c
		}
	}
	return out, nil
}

// concatBatch concatenates tensors along the batch axis (axis 0), used to
// build classifier-free-guidance and instruct-pix2pix batched inputs.
func concatBatch(tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("%w: concatBatch: no tensors", ErrShapeMismatch)
	}
	first := tensors[0]
	rest := first.Shape[1:]
	totalB := int64(0)
	for _, t := range tensors {
		if len(t.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("%w: concatBatch: rank mismatch", ErrShapeMismatch)
		}
		for i, d := range rest {
			if t.Shape[i+1] != d {
				return nil, fmt.Errorf("%w: concatBatch: shape %v != %v", ErrShapeMismatch, t.Shape, first.Shape)
			}
		}
		totalB += t.Shape[0]
	}
	outShape := append([]int64{totalB}, rest...)
	out := NewTensor(outShape)
	offset := 0
	for _, t := range tensors {
		copy(out.Data[offset:], t.Data)
		offset += len(t.Data)
	}
	return out, nil
}

// sliceBatch returns the [lo,hi) sub-range of the batch axis as a new
// tensor, the inverse of concatBatch; used to split guidance batches back
// apart after a single U-Net call.
func sliceBatch(t *Tensor, lo, hi int64) *Tensor {
	rest := elementCount(t.Shape[1:])
	out := &Tensor{
		Shape: append([]int64{hi - lo}, t.Shape[1:]...),
		Data:  append([]float32(nil), t.Data[lo*rest:hi*rest]...),
	}
	return out
}

// toFloat16 packs tensor data into IEEE-754 half precision, used for model
// variants declaring a float16 input/output (SPLIT_EINSUM / ANE-style
// attention implementations commonly run in fp16).
func toFloat16(t *Tensor) []uint16 {
	out := make([]uint16, len(t.Data))
	for i, v := range t.Data {
		out[i] = uint16(float16.Fromfloat32(v))
	}
	return out
}

// fromFloat16 unpacks half-precision backend output back into a Tensor.
func fromFloat16(shape []int64, data []uint16) *Tensor {
	t := NewTensor(shape)
	for i, v := range data {
		t.Data[i] = float16.Frombits(v).Float32()
	}
	return t
}
