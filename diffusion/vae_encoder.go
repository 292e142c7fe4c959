package diffusion

import (
	"context"
	"fmt"
	"image"
	"math"

	onnx "github.com/yalue/onnxruntime_go"
)

// GaussianSource is the callable a VAEEncoder consumes to reparameterize
// its diagonal Gaussian. The encoder must not own an RNG (spec.md §9): the
// pipeline injects the same RNG it uses for initial latents so every noise
// source draws from one seeded stream in a fixed order.
type GaussianSource interface {
	NormalElementwise(mean, std *Tensor) (*Tensor, error)
}

const defaultScaleFactor = 0.18215

// VAEEncoder converts an image into a latent via diagonal-Gaussian
// reparameterization (spec.md §4.3).
type VAEEncoder struct {
	model    *ManagedModel
	inputRes int
}

// NewVAEEncoder wires a ManagedModel around VAEEncoder.<ext>. inputRes is
// the model's declared square input resolution (guernika.json width/height).
func NewVAEEncoder(backend *Backend, dir *ResourceDirectory, artifactName string, inputRes int) (*VAEEncoder, error) {
	artifactPath, err := dir.ArtifactPath(artifactName)
	if err != nil {
		return nil, err
	}
	v := &VAEEncoder{inputRes: inputRes}
	v.model = newManagedModel("VAEEncoder", backend, func(b *Backend) (onnxSession, error) {
		inInfos, outInfos, err := onnx.GetInputOutputInfo(artifactPath)
		if err != nil {
			return nil, err
		}
		return b.newSession(artifactPath, namesOf(inInfos), namesOf(outInfos))
	})
	return v, nil
}

// Unload releases the underlying session (spec.md §8 invariant 8).
func (v *VAEEncoder) Unload() { v.model.Unload() }

// Encode runs the full spec.md §4.3 pipeline: resize, normalize to [-1,1],
// run the model, split (mean,logvar), clamp, reparameterize via rng, and
// scale by scaleFactor (default 0.18215 when 0 is passed).
func (v *VAEEncoder) Encode(ctx context.Context, img image.Image, scaleFactor float64, rng GaussianSource) (*Tensor, error) {
	if scaleFactor == 0 {
		scaleFactor = defaultScaleFactor
	}
	input := ImageToTensor(img, v.inputRes, -1.0, 1.0)

	onnxIn, err := onnx.NewTensor(onnx.NewShape(input.Shape...), input.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: VAEEncoder input: %w", ErrShapeMismatch, err)
	}
	defer onnxIn.Destroy()

	var raw *Tensor
	err = v.model.Perform(ctx, func(sess onnxSession) error {
		outputs := make([]onnx.Value, 1)
		if err := sess.Run([]onnx.Value{onnxIn}, outputs); err != nil {
			return err
		}
		defer outputs[0].Destroy()
		t, ok := outputs[0].(*onnx.Tensor[float32])
		if !ok {
			return fmt.Errorf("%w: VAEEncoder output is not float32", ErrShapeMismatch)
		}
		raw = &Tensor{Shape: t.GetShape(), Data: append([]float32(nil), t.GetData()...)}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(raw.Shape) != 4 || raw.Shape[1] != 8 {
		return nil, fmt.Errorf("%w: VAEEncoder output shape %v, want [*,8,*,*]", ErrShapeMismatch, raw.Shape)
	}

	h, w := raw.Shape[2], raw.Shape[3]
	plane := h * w
	mean := NewTensor([]int64{1, 4, h, w})
	std := NewTensor([]int64{1, 4, h, w})
	copy(mean.Data, raw.Data[:4*plane])
	for i, lv := range raw.Data[4*plane : 8*plane] {
		if lv < -30 {
			lv = -30
		} else if lv > 20 {
			lv = 20
		}
		std.Data[i] = float32(math.Exp(0.5 * float64(lv)))
	}

	latent, err := rng.NormalElementwise(mean, std)
	if err != nil {
		return nil, err
	}
	for i := range latent.Data {
		latent.Data[i] *= float32(scaleFactor)
	}
	return latent, nil
}
