package diffusion

import (
	"context"
	"image"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func batchTensor(values ...float32) *Tensor {
	return &Tensor{Shape: []int64{int64(len(values)), 1, 1, 1}, Data: values}
}

func TestApplyGuidance_StandardCFG_ScaleZeroIsNegativeOnly(t *testing.T) {
	batched := batchTensor(1 /* negative */, 9 /* text */)
	out, err := applyGuidance(batched, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, out.Data)
}

func TestApplyGuidance_StandardCFG_ScaleOneIsTextOnly(t *testing.T) {
	batched := batchTensor(1, 9)
	out, err := applyGuidance(batched, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{9}, out.Data)
}

func TestApplyGuidance_StandardCFG_Interpolates(t *testing.T) {
	batched := batchTensor(0, 10)
	out, err := applyGuidance(batched, 0.3, nil)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, out.Data[0], 1e-5)
}

func TestApplyGuidance_Instruct_ReducesToStandardWhenImageEqualsNegative(t *testing.T) {
	// text=9, image=negative=1: the instruct formula's (gI-g)*(image-negative)
	// term vanishes regardless of gI, so the result must match plain CFG.
	gI := 2.5
	instructBatched := batchTensor(9 /* text */, 1 /* image */, 1 /* negative */)
	instructOut, err := applyGuidance(instructBatched, 0.4, &gI)
	require.NoError(t, err)

	standardBatched := batchTensor(1 /* negative */, 9 /* text */)
	standardOut, err := applyGuidance(standardBatched, 0.4, nil)
	require.NoError(t, err)

	assert.InDelta(t, standardOut.Data[0], instructOut.Data[0], 1e-5)
}

func TestApplyGuidance_Instruct_ImageGuidanceZeroGuidesTextAgainstImage(t *testing.T) {
	gI := 0.0
	batched := batchTensor(9 /* text */, 1000 /* image, still enters via -g */, 1 /* negative */)
	out, err := applyGuidance(batched, 1.0, &gI)
	require.NoError(t, err)
	// guidanceScale=1, imageGuidanceScale=0: weights are (1-0, 1, 0-1) =
	// (1, 1, -1) on (negative, text, image) => negative + text - image.
	assert.InDelta(t, 1+9-1000, out.Data[0], 1e-3)
}

func TestAssembleBranches_PlainReplicationWithoutMaskOrInstruct(t *testing.T) {
	current := flatTensor(3)
	branches, err := assembleBranches(current, nil, nil, nil, 2)
	require.NoError(t, err)
	require.Len(t, branches, 2)
	assert.Same(t, current, branches[0])
	assert.Same(t, current, branches[1])
}

func TestAssembleBranches_InstructConcatenatesChannels(t *testing.T) {
	current := &Tensor{Shape: []int64{1, 4, 1, 1}, Data: []float32{1, 2, 3, 4}}
	instructLatent := &Tensor{Shape: []int64{3, 4, 1, 1}, Data: []float32{
		10, 11, 12, 13,
		20, 21, 22, 23,
		30, 31, 32, 33,
	}}
	branches, err := assembleBranches(current, nil, nil, instructLatent, 3)
	require.NoError(t, err)
	require.Len(t, branches, 3)
	assert.Equal(t, []int64{1, 8, 1, 1}, branches[0].Shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 10, 11, 12, 13}, branches[0].Data)
	assert.Equal(t, []float32{1, 2, 3, 4, 30, 31, 32, 33}, branches[2].Data)
}

// Fakes for promptEncoder, denoiser and imageDecoder below let
// TestGenerateImages_TextToImage_EndToEnd exercise the full
// Pipeline.GenerateImages loop without a real onnxruntime shared library or
// tokenizer, per spec.md §8's mock-backend end-to-end scenarios.

type fakePromptEncoder struct{ calls int }

func (f *fakePromptEncoder) Encode(ctx context.Context, text string) (*Tensor, error) {
	f.calls++
	return &Tensor{Shape: []int64{1, 2, 4}, Data: []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8}}, nil
}
func (f *fakePromptEncoder) Unload() {}

type fakeDenoiser struct{ calls int }

func (f *fakeDenoiser) PredictNoise(ctx context.Context, branchLatents []*Tensor, timestep int64, hiddenStates *Tensor, residuals *ControlNetResiduals) (*Tensor, error) {
	f.calls++
	return concatBatch(branchLatents...)
}
func (f *fakeDenoiser) Unload() {}

type fakeImageDecoder struct{ calls int }

func (f *fakeImageDecoder) Decode(ctx context.Context, latent *Tensor) (image.Image, error) {
	f.calls++
	return image.NewRGBA(image.Rect(0, 0, 8, 8)), nil
}
func (f *fakeImageDecoder) Unload() {}

func TestGenerateImages_TextToImage_EndToEnd(t *testing.T) {
	prompt := &fakePromptEncoder{}
	unet := &fakeDenoiser{}
	decoder := &fakeImageDecoder{}

	p := &Pipeline{
		textEncoder:    prompt,
		vaeDecoder:     decoder,
		unet:           unet,
		betaSchedule:   BetaScheduleScaledLinear,
		betaStart:      0.00085,
		betaEnd:        0.012,
		trainStepCount: 1000,
		imageSize:      64,
		latentSize:     8,
		log:            logrus.NewEntry(logrus.New()),
	}

	input := &SampleInput{
		Prompt:        "a cat wearing a hat",
		Seed:          1,
		StepCount:     3,
		GuidanceScale: 7.5,
		Scheduler:     SchedulerPLMS,
	}

	images, err := p.GenerateImages(context.Background(), input, 2, true, func(step int) bool { return true })
	require.NoError(t, err)
	require.Len(t, images, 2)
	for _, img := range images {
		assert.NotNil(t, img.Picture)
		assert.True(t, img.Safe)
	}
	assert.Equal(t, 2, prompt.calls, "one Encode per prompt and per negative prompt on a cache miss")
	assert.Equal(t, 6, unet.calls, "3 steps x 2 images")
	assert.Equal(t, 2, decoder.calls)

	_, err = p.GenerateImages(context.Background(), input, 1, true, func(step int) bool { return true })
	require.NoError(t, err)
	assert.Equal(t, 2, prompt.calls, "hidden-state cache must not re-encode an unchanged prompt pair")
}

func TestGenerateImages_CancelledByProgressCallback_YieldsEmptyResultNotError(t *testing.T) {
	p := &Pipeline{
		textEncoder:    &fakePromptEncoder{},
		vaeDecoder:     &fakeImageDecoder{},
		unet:           &fakeDenoiser{},
		betaSchedule:   BetaScheduleScaledLinear,
		betaStart:      0.00085,
		betaEnd:        0.012,
		trainStepCount: 1000,
		imageSize:      64,
		latentSize:     8,
		log:            logrus.NewEntry(logrus.New()),
	}
	input := &SampleInput{
		Prompt:        "a dog",
		Seed:          2,
		StepCount:     3,
		GuidanceScale: 7.5,
		Scheduler:     SchedulerPLMS,
	}

	images, err := p.GenerateImages(context.Background(), input, 1, true, func(step int) bool { return false })
	require.NoError(t, err)
	assert.Nil(t, images)
}

func TestTransposeBLEtoBE1L(t *testing.T) {
	// B=1, L=2, E=3, row-major: [[1,2,3],[4,5,6]]
	in := &Tensor{Shape: []int64{1, 2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}}
	out := transposeBLEtoBE1L(in)
	require.Equal(t, []int64{1, 3, 1, 2}, out.Shape)
	// out[b,e,0,l] = in[b,l,e]; e=0 -> [1,4], e=1 -> [2,5], e=2 -> [3,6]
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, out.Data)
}
