package diffusion

import (
	"context"
	"fmt"
	"image"

	onnx "github.com/yalue/onnxruntime_go"
)

// SafetyChecker is the opaque safety classifier collaborator (spec.md §1):
// the core only needs to know it takes an image and reports whether the
// image is safe; its internal classification logic is out of scope and
// untouched.
type SafetyChecker struct {
	model    *ManagedModel
	inputRes int
}

// NewSafetyChecker wires a ManagedModel around SafetyChecker.<ext>, an
// optional artifact; callers should only construct one when the resource
// directory reports it present.
func NewSafetyChecker(backend *Backend, dir *ResourceDirectory, artifactName string, inputRes int) (*SafetyChecker, error) {
	artifactPath, err := dir.ArtifactPath(artifactName)
	if err != nil {
		return nil, err
	}
	s := &SafetyChecker{inputRes: inputRes}
	s.model = newManagedModel("SafetyChecker", backend, func(b *Backend) (onnxSession, error) {
		inInfos, outInfos, err := onnx.GetInputOutputInfo(artifactPath)
		if err != nil {
			return nil, err
		}
		return b.newSession(artifactPath, namesOf(inInfos), namesOf(outInfos))
	})
	return s, nil
}

// Unload releases the underlying session (spec.md §8 invariant 8).
func (s *SafetyChecker) Unload() { s.model.Unload() }

// IsSafe reports whether img passes the safety classifier. The output
// contract is a single scalar where a value above 0.5 flags unsafe
// content, matching the CLIP-based safety checkers shipped with the
// Stable Diffusion family.
func (s *SafetyChecker) IsSafe(ctx context.Context, img image.Image) (bool, error) {
	input := ImageToTensor(img, s.inputRes, 0.0, 1.0)
	onnxIn, err := onnx.NewTensor(onnx.NewShape(input.Shape...), input.Data)
	if err != nil {
		return false, fmt.Errorf("%w: SafetyChecker input: %w", ErrShapeMismatch, err)
	}
	defer onnxIn.Destroy()

	safe := true
	err = s.model.Perform(ctx, func(sess onnxSession) error {
		outputs := make([]onnx.Value, 1)
		if err := sess.Run([]onnx.Value{onnxIn}, outputs); err != nil {
			return err
		}
		defer outputs[0].Destroy()
		t, ok := outputs[0].(*onnx.Tensor[float32])
		if !ok || len(t.GetData()) == 0 {
			return fmt.Errorf("%w: SafetyChecker output is not a non-empty float32 tensor", ErrShapeMismatch)
		}
		safe = t.GetData()[0] <= 0.5
		return nil
	})
	if err != nil {
		return false, err
	}
	return safe, nil
}
