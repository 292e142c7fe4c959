package diffusion

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
)

func ptr(f float64) *float64 { return &f }

func TestSampleInput_Validate(t *testing.T) {
	blank := image.NewRGBA(image.Rect(0, 0, 1, 1))

	tests := []struct {
		name    string
		input   SampleInput
		wantErr bool
	}{
		{name: "bare prompt is valid", input: SampleInput{Prompt: "a cat"}},
		{name: "strength in range", input: SampleInput{Strength: ptr(0.5)}},
		{name: "strength below zero", input: SampleInput{Strength: ptr(-0.1)}, wantErr: true},
		{name: "strength above one", input: SampleInput{Strength: ptr(1.1)}, wantErr: true},
		{
			name:  "inpaint mask without init image",
			input: SampleInput{InpaintMask: blank},
			wantErr: true,
		},
		{
			name:  "inpaint mask with init image and strength",
			input: SampleInput{InitImage: blank, InpaintMask: blank, Strength: ptr(0.5)},
			wantErr: true,
		},
		{
			name:  "inpaint mask with init image, no strength",
			input: SampleInput{InitImage: blank, InpaintMask: blank},
		},
		{
			name:    "image guidance scale without init image",
			input:   SampleInput{ImageGuidanceScale: ptr(1.5)},
			wantErr: true,
		},
		{
			name:  "image guidance scale with init image",
			input: SampleInput{InitImage: blank, ImageGuidanceScale: ptr(1.5)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.input.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInput)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
