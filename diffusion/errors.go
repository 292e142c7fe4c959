package diffusion

import (
	"errors"
	"fmt"
)

// Error taxonomy. Sentinel values are wrapped with context via fmt.Errorf
// and %w, the way the teacher wraps onnxruntime errors throughout model.go.
var (
	// ErrResourceMissing means a required artifact or tokenizer file is
	// absent from the resource directory; pipeline construction fails.
	ErrResourceMissing = errors.New("diffusion: required resource missing")

	// ErrLoadFailed means the backend refused to load a model. Fatal to the
	// current request, non-fatal to subsequent ones.
	ErrLoadFailed = errors.New("diffusion: model load failed")

	// ErrInferenceFailed is a per-call backend error.
	ErrInferenceFailed = errors.New("diffusion: inference failed")

	// ErrShapeMismatch indicates mis-packaged models; always fatal.
	ErrShapeMismatch = errors.New("diffusion: shape mismatch")

	// ErrTokenizationFailed covers empty vocabulary or an id out of range.
	ErrTokenizationFailed = errors.New("diffusion: tokenization failed")

	// ErrInvalidInput flags a SampleInput invariant violation.
	ErrInvalidInput = errors.New("diffusion: invalid sample input")
)

func wrapLoad(modelName string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrLoadFailed, modelName, err)
}

func wrapInference(modelName string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInferenceFailed, modelName, err)
}
