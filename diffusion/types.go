package diffusion

import (
	"fmt"
	"image"
)

// SampleInput is an immutable generation request (spec.md §3).
type SampleInput struct {
	Prompt             string
	NegativePrompt     string
	InitImage          image.Image
	Strength           *float64
	InpaintMask        image.Image
	Seed               uint32
	StepCount          int
	GuidanceScale      float64
	ImageGuidanceScale *float64
	Scheduler          SchedulerKind
}

// Validate enforces spec.md §3's SampleInput invariants.
func (in *SampleInput) Validate() error {
	if in.Strength != nil && (*in.Strength < 0 || *in.Strength > 1) {
		return fmt.Errorf("%w: strength %v out of [0,1]", ErrInvalidInput, *in.Strength)
	}
	if in.InpaintMask != nil {
		if in.InitImage == nil {
			return fmt.Errorf("%w: inpaintMask requires initImage", ErrInvalidInput)
		}
		if in.Strength != nil {
			return fmt.Errorf("%w: inpaintMask and strength are mutually exclusive", ErrInvalidInput)
		}
	}
	if in.ImageGuidanceScale != nil && in.InitImage == nil {
		return fmt.Errorf("%w: imageGuidanceScale requires initImage", ErrInvalidInput)
	}
	return nil
}

// Image is one generated result; Safe is false with a nil Picture when the
// safety checker rejected it (spec.md §7: SafetyRejected is not an error).
type Image struct {
	Picture image.Image
	Safe    bool
}
