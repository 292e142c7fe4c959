package diffusion

import (
	"context"
	"fmt"
	"image"

	onnx "github.com/yalue/onnxruntime_go"
)

// VAEDecoder converts a final latent back into an RGB image.
type VAEDecoder struct {
	model *ManagedModel
}

// NewVAEDecoder wires a ManagedModel around VAEDecoder.<ext>.
func NewVAEDecoder(backend *Backend, dir *ResourceDirectory, artifactName string) (*VAEDecoder, error) {
	artifactPath, err := dir.ArtifactPath(artifactName)
	if err != nil {
		return nil, err
	}
	d := &VAEDecoder{}
	d.model = newManagedModel("VAEDecoder", backend, func(b *Backend) (onnxSession, error) {
		inInfos, outInfos, err := onnx.GetInputOutputInfo(artifactPath)
		if err != nil {
			return nil, err
		}
		return b.newSession(artifactPath, namesOf(inInfos), namesOf(outInfos))
	})
	return d, nil
}

// Unload releases the underlying session (spec.md §8 invariant 8).
func (d *VAEDecoder) Unload() { d.model.Unload() }

// Decode runs the VAE decoder over one latent and returns the RGB image.
func (d *VAEDecoder) Decode(ctx context.Context, latent *Tensor) (image.Image, error) {
	onnxIn, err := onnx.NewTensor(onnx.NewShape(latent.Shape...), latent.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: VAEDecoder input: %w", ErrShapeMismatch, err)
	}
	defer onnxIn.Destroy()

	var out *Tensor
	err = d.model.Perform(ctx, func(sess onnxSession) error {
		outputs := make([]onnx.Value, 1)
		if err := sess.Run([]onnx.Value{onnxIn}, outputs); err != nil {
			return err
		}
		defer outputs[0].Destroy()
		t, ok := outputs[0].(*onnx.Tensor[float32])
		if !ok {
			return fmt.Errorf("%w: VAEDecoder output is not float32", ErrShapeMismatch)
		}
		out = &Tensor{Shape: t.GetShape(), Data: append([]float32(nil), t.GetData()...)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out.Shape) != 4 || out.Shape[1] != 3 {
		return nil, fmt.Errorf("%w: VAEDecoder output shape %v, want [*,3,*,*]", ErrShapeMismatch, out.Shape)
	}
	return TensorToImage(out), nil
}
