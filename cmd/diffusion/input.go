package main

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/scriptmaster/diffusion_pipeline_go/diffusion"
)

// buildSampleInput assembles a diffusion.SampleInput from the parsed flags,
// loading --init-image/--inpaint-mask from disk when set, and validates it
// before handing it to the pipeline.
func buildSampleInput(prompt string) (*diffusion.SampleInput, error) {
	input := &diffusion.SampleInput{
		Prompt:         prompt,
		NegativePrompt: negativePrompt,
		Seed:           uint32(seed),
		StepCount:      stepCount,
		GuidanceScale:  guidanceScale,
		Scheduler:      diffusion.SchedulerKind(schedulerName),
	}

	if initImagePath != "" {
		img, err := loadImage(initImagePath)
		if err != nil {
			return nil, fmt.Errorf("reading init image: %w", err)
		}
		input.InitImage = img
	}
	if inpaintMaskPath != "" {
		mask, err := loadImage(inpaintMaskPath)
		if err != nil {
			return nil, fmt.Errorf("reading inpaint mask: %w", err)
		}
		input.InpaintMask = mask
	}
	if hasStrength {
		s := strength
		input.Strength = &s
	}
	if hasImageGuidance {
		g := imageGuidanceScale
		input.ImageGuidanceScale = &g
	}

	if err := input.Validate(); err != nil {
		return nil, err
	}
	return input, nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}
