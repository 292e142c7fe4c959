package diffusion

import (
	"context"
	"fmt"
	"image"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

const (
	defaultImageSize    = 512
	defaultTrainStepCount = 1000
	controlNetDownName  = "down_block_res_samples"
	controlNetMidName   = "mid_block_res_sample"
)

// promptEncoder, imageEncoder, imageDecoder, denoiser, safetyGate and
// residualPredictor narrow Pipeline's model dependencies to the methods
// GenerateImages actually calls. TextEncoder, VAEEncoder, VAEDecoder, UNet,
// SafetyChecker and ControlNet satisfy these implicitly; tests substitute
// fakes that skip the ONNX runtime and tokenizer entirely.
type promptEncoder interface {
	Encode(ctx context.Context, text string) (*Tensor, error)
	Unload()
}

type imageEncoder interface {
	Encode(ctx context.Context, img image.Image, scaleFactor float64, rng GaussianSource) (*Tensor, error)
	Unload()
}

type imageDecoder interface {
	Decode(ctx context.Context, latent *Tensor) (image.Image, error)
	Unload()
}

type denoiser interface {
	PredictNoise(ctx context.Context, branchLatents []*Tensor, timestep int64, hiddenStates *Tensor, residuals *ControlNetResiduals) (*Tensor, error)
	Unload()
}

type safetyGate interface {
	IsSafe(ctx context.Context, img image.Image) (bool, error)
	Unload()
}

type residualPredictor interface {
	Active() bool
	SetConditioningImage(img image.Image, size int, cfgBatch int)
	PredictResiduals(ctx context.Context, latents *Tensor, timestep int64, hiddenStates *Tensor) (*ControlNetResiduals, error)
	Unload()
}

// PipelineConfig wires a Pipeline to one resource directory and backend.
type PipelineConfig struct {
	ResourcePath   string
	ArtifactExt    string // default "onnx"
	ReduceMemory   bool
	Backend        BackendOptions
	ControlNetPath string // optional, absolute path to a ControlNet artifact

	BetaSchedule   BetaSchedule
	BetaStart      float64
	BetaEnd        float64
	TrainStepCount int
}

// Pipeline orchestrates encode -> denoise loop -> decode -> safety (spec.md
// §4.7), owning every ManagedModel and the single-slot hidden-state cache.
// It is not safe for concurrent GenerateImages calls on the same instance
// (spec.md §5) — callers serialize externally.
type Pipeline struct {
	dir     *ResourceDirectory
	backend *Backend

	textEncoder promptEncoder
	vaeEncoder  imageEncoder // nil when the artifact is absent
	vaeDecoder  imageDecoder
	unet        denoiser
	safety      safetyGate        // nil when the artifact is absent
	controlNet  residualPredictor // nil when not configured

	reduceMemory bool
	cache        hiddenStateCache

	betaSchedule   BetaSchedule
	betaStart      float64
	betaEnd        float64
	trainStepCount int

	imageSize  int
	latentSize int

	log *logrus.Entry
}

// NewPipeline validates the resource directory, loads metadata enough to
// size tensors, and wires every component's ManagedModel (spec.md §6).
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	dir, err := NewResourceDirectory(cfg.ResourcePath)
	if err != nil {
		return nil, err
	}
	backend, err := NewBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	ext := cfg.ArtifactExt
	if ext == "" {
		ext = "onnx"
	}

	p := &Pipeline{
		dir:            dir,
		backend:        backend,
		reduceMemory:   cfg.ReduceMemory,
		betaSchedule:   cfg.BetaSchedule,
		betaStart:      cfg.BetaStart,
		betaEnd:        cfg.BetaEnd,
		trainStepCount: cfg.TrainStepCount,
		imageSize:      defaultImageSize,
		log:            logrus.WithField("component", "Pipeline"),
	}
	if p.betaSchedule == "" {
		p.betaSchedule = BetaScheduleScaledLinear
	}
	if p.betaStart == 0 {
		p.betaStart = 0.00085
	}
	if p.betaEnd == 0 {
		p.betaEnd = 0.012
	}
	if p.trainStepCount == 0 {
		p.trainStepCount = defaultTrainStepCount
	}

	if meta, _ := dir.Metadata("VAEDecoder"); meta != nil && meta.Width > 0 {
		p.imageSize = meta.Width
	}
	p.latentSize = p.imageSize / 8

	if p.textEncoder, err = NewTextEncoder(backend, dir, "TextEncoder."+ext, 0); err != nil {
		return nil, err
	}
	if p.vaeDecoder, err = NewVAEDecoder(backend, dir, "VAEDecoder."+ext); err != nil {
		return nil, err
	}
	if p.unet, err = NewUNet(backend, dir, ext); err != nil {
		return nil, err
	}
	if dir.HasArtifact("VAEEncoder." + ext) {
		if p.vaeEncoder, err = NewVAEEncoder(backend, dir, "VAEEncoder."+ext, p.imageSize); err != nil {
			return nil, err
		}
	}
	if dir.HasArtifact("SafetyChecker." + ext) {
		if p.safety, err = NewSafetyChecker(backend, dir, "SafetyChecker."+ext, p.imageSize); err != nil {
			return nil, err
		}
	}
	if cfg.ControlNetPath != "" {
		var downNames [controlNetDownBlockCount]string
		for i := range downNames {
			downNames[i] = fmt.Sprintf("%s_%d", controlNetDownName, i)
		}
		if p.controlNet, err = NewControlNet(backend, cfg.ControlNetPath, downNames, controlNetMidName); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// newScheduler instantiates the requested sampler, sharing nothing mutable
// with the other `count` instances the caller will build for a batch.
func (p *Pipeline) newScheduler(input *SampleInput) Scheduler {
	if input.Scheduler == SchedulerDPMpp {
		return NewDPMSolverMultistepScheduler(input.StepCount, p.trainStepCount, p.betaSchedule, p.betaStart, p.betaEnd, input.Strength)
	}
	return NewPLMSScheduler(input.StepCount, p.trainStepCount, p.betaSchedule, p.betaStart, p.betaEnd, input.Strength)
}

// GenerateImages runs the full algorithm in spec.md §4.7 for `count`
// independent images sharing one prompt pair and seed-derived RNG stream.
// Cancellation via progress returning false yields (nil, nil) — an empty
// result, not an error (spec.md §7).
func (p *Pipeline) GenerateImages(ctx context.Context, input *SampleInput, count int, disableSafety bool, progress func(step int) bool) ([]Image, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	if count < 1 {
		return nil, fmt.Errorf("%w: count must be >= 1", ErrInvalidInput)
	}

	runID := uuid.New()
	log := p.log.WithField("run", runID.String())
	log.WithFields(logrus.Fields{
		"count":     count,
		"stepCount": input.StepCount,
		"scheduler": input.Scheduler,
	}).Info("generateImages start")

	instruct := input.ImageGuidanceScale != nil
	branchCount := 2
	if instruct {
		branchCount = 3
	}

	hiddenStates, err := p.assembledHiddenStates(ctx, input, instruct)
	if err != nil {
		return nil, err
	}
	if p.reduceMemory {
		p.textEncoder.Unload()
	}

	rng := NewRNG(input.Seed)
	schedulers := make([]Scheduler, count)
	for i := range schedulers {
		schedulers[i] = p.newScheduler(input)
	}

	latents, err := p.initialLatents(ctx, input, count, schedulers[0], rng)
	if err != nil {
		return nil, err
	}

	var maskLatent, maskedImageLatent *Tensor
	if input.InpaintMask != nil {
		maskLatent, maskedImageLatent, err = p.inpaintPreprocess(ctx, input, rng)
		if err != nil {
			return nil, err
		}
	}

	var instructLatent *Tensor
	if instruct {
		instructLatent, err = p.instructPreprocess(ctx, input, rng)
		if err != nil {
			return nil, err
		}
	}

	if p.reduceMemory && p.vaeEncoder != nil {
		p.vaeEncoder.Unload()
	}

	if p.controlNet != nil && input.InitImage != nil {
		p.controlNet.SetConditioningImage(input.InitImage, p.imageSize, branchCount)
	}

	timeSteps := schedulers[0].TimeSteps()
	for step, t := range timeSteps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		for i := 0; i < count; i++ {
			branches, err := assembleBranches(latents[i], maskLatent, maskedImageLatent, instructLatent, branchCount)
			if err != nil {
				return nil, err
			}

			var residuals *ControlNetResiduals
			if p.controlNet != nil && p.controlNet.Active() {
				batched, err := concatBatch(branches...)
				if err != nil {
					return nil, err
				}
				residuals, err = p.controlNet.PredictResiduals(ctx, batched, int64(t), hiddenStates)
				if err != nil {
					return nil, err
				}
			}

			noiseBatched, err := p.unet.PredictNoise(ctx, branches, int64(t), hiddenStates, residuals)
			if err != nil {
				return nil, err
			}
			guided, err := applyGuidance(noiseBatched, float32(input.GuidanceScale), input.ImageGuidanceScale)
			if err != nil {
				return nil, err
			}

			latents[i], err = schedulers[i].Step(guided, t, latents[i])
			if err != nil {
				return nil, err
			}
		}

		if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
			mean, std := stat.MeanStdDev(float64SliceOf(latents[0].Data), nil)
			log.WithFields(logrus.Fields{"step": step, "latentMean": mean, "latentStd": std}).Debug("step complete")
		}

		if !progress(step) {
			log.WithField("step", step).Info("generation cancelled by progress callback")
			return nil, nil
		}
	}

	if p.reduceMemory {
		p.unet.Unload()
		if p.controlNet != nil {
			p.controlNet.Unload()
		}
	}

	images := make([]Image, count)
	for i, latent := range latents {
		pic, err := p.vaeDecoder.Decode(ctx, latent)
		if err != nil {
			return nil, err
		}
		images[i] = Image{Picture: pic, Safe: true}
	}
	if p.reduceMemory {
		p.vaeDecoder.Unload()
	}

	if !disableSafety && p.safety != nil {
		for i := range images {
			safe, err := p.safety.IsSafe(ctx, images[i].Picture)
			if err != nil {
				return nil, err
			}
			images[i].Safe = safe
			if !safe {
				images[i].Picture = nil
			}
		}
		if p.reduceMemory {
			p.safety.Unload()
		}
	}

	return images, nil
}

// assembledHiddenStates computes or reuses the cached (text, negative)
// embeddings and assembles the batch order + [B,L,E]->[B,E,1,L] transpose
// spec.md §4.7 step 1 describes. The cache lookup/store happens on the raw
// per-prompt embeddings, independent of instruct/default batch ordering, so
// cache coherence (spec.md §8 invariant 7) holds across mode changes too.
func (p *Pipeline) assembledHiddenStates(ctx context.Context, input *SampleInput, instruct bool) (*Tensor, error) {
	text, negative, ok := p.cache.lookup(input.Prompt, input.NegativePrompt)
	if !ok {
		var err error
		text, err = p.textEncoder.Encode(ctx, input.Prompt)
		if err != nil {
			return nil, err
		}
		negative, err = p.textEncoder.Encode(ctx, input.NegativePrompt)
		if err != nil {
			return nil, err
		}
		p.cache.store(input.Prompt, input.NegativePrompt, text, negative)
	}

	var batched *Tensor
	var err error
	if instruct {
		batched, err = concatBatch(text, negative, negative)
	} else {
		batched, err = concatBatch(negative, text)
	}
	if err != nil {
		return nil, err
	}
	return transposeBLEtoBE1L(batched), nil
}

// transposeBLEtoBE1L reshapes a [B,L,E] embedding tensor into [B,E,1,L], the
// layout the U-Net's "encoder_hidden_states" input expects.
func transposeBLEtoBE1L(t *Tensor) *Tensor {
	b, l, e := t.Shape[0], t.Shape[1], t.Shape[2]
	out := NewTensor([]int64{b, e, 1, l})
	for bi := int64(0); bi < b; bi++ {
		for li := int64(0); li < l; li++ {
			for ei := int64(0); ei < e; ei++ {
				src := (bi*l+li)*e + ei
				dst := (bi*e+ei)*l + li
				out.Data[dst] = t.Data[src]
			}
		}
	}
	return out
}

// initialLatents draws one N(0, initNoiseSigma²) tensor per image, then
// mixes each with the VAE-encoded init image via addNoise when strength is
// set (spec.md §4.7 step 3). The RNG draws happen in image order before any
// VAE-encoder reparameterization consumes further samples from the same
// stream, keeping the overall draw order deterministic for a given seed.
func (p *Pipeline) initialLatents(ctx context.Context, input *SampleInput, count int, sched Scheduler, rng *RNG) ([]*Tensor, error) {
	shape := []int64{1, 4, int64(p.latentSize), int64(p.latentSize)}
	sigma := sched.InitNoiseSigma()
	noises := make([]*Tensor, count)
	for i := range noises {
		noises[i] = rng.NormalTensor(shape, 0, sigma)
	}

	if input.InitImage == nil || input.Strength == nil {
		return noises, nil
	}
	if p.vaeEncoder == nil {
		return nil, fmt.Errorf("%w: image-to-image requires a VAE encoder", ErrResourceMissing)
	}

	encoded, err := p.vaeEncoder.Encode(ctx, input.InitImage, 0, rng)
	if err != nil {
		return nil, err
	}
	latents := make([]*Tensor, count)
	for i, noise := range noises {
		latents[i], err = sched.AddNoise(encoded, noise)
		if err != nil {
			return nil, err
		}
	}
	return latents, nil
}

// inpaintPreprocess masks the init image with (1-mask), encodes it, resizes
// the mask to latent resolution, and duplicates both along the batch axis
// for the 2-way CFG path (spec.md §4.7 step 4).
func (p *Pipeline) inpaintPreprocess(ctx context.Context, input *SampleInput, rng *RNG) (maskLatent, maskedImageLatent *Tensor, err error) {
	if p.vaeEncoder == nil {
		return nil, nil, fmt.Errorf("%w: inpainting requires a VAE encoder", ErrResourceMissing)
	}

	maskImageSpace := maskTensor(input.InpaintMask, p.imageSize)
	initTensor := ImageToTensor(input.InitImage, p.imageSize, -1.0, 1.0)
	maskedTensor := NewTensor(initTensor.Shape)
	plane := int64(p.imageSize) * int64(p.imageSize)
	for c := int64(0); c < 3; c++ {
		for idx := int64(0); idx < plane; idx++ {
			keep := 1 - maskImageSpace.Data[idx]
			maskedTensor.Data[c*plane+idx] = initTensor.Data[c*plane+idx] * keep
		}
	}

	maskedImg := TensorToImage(maskedTensor)
	maskedSingle, err := p.vaeEncoder.Encode(ctx, maskedImg, 0, rng)
	if err != nil {
		return nil, nil, err
	}
	maskSingle := ResizeMask(maskImageSpace, p.latentSize, p.latentSize)

	if maskLatent, err = concatBatch(maskSingle, maskSingle); err != nil {
		return nil, nil, err
	}
	if maskedImageLatent, err = concatBatch(maskedSingle, maskedSingle); err != nil {
		return nil, nil, err
	}
	return maskLatent, maskedImageLatent, nil
}

// instructPreprocess encodes the init image with scaleFactor=1 and stacks
// [latent, latent, zeros] along the batch axis (spec.md §4.7 step 5),
// matching the instruct hidden-states order [positive, negative, negative]:
// the text and image branches both see the conditioning latent, and the
// unconditioned branch sees zeros.
func (p *Pipeline) instructPreprocess(ctx context.Context, input *SampleInput, rng *RNG) (*Tensor, error) {
	if p.vaeEncoder == nil {
		return nil, fmt.Errorf("%w: instruct guidance requires a VAE encoder", ErrResourceMissing)
	}
	latent, err := p.vaeEncoder.Encode(ctx, input.InitImage, 1.0, rng)
	if err != nil {
		return nil, err
	}
	zero := NewTensor(latent.Shape)
	return concatBatch(latent, latent, zero)
}

// assembleBranches builds the per-branch U-Net sample input for one image's
// current latent: plain replication for standard CFG, channel-concatenated
// with the inpaint mask/masked-image pair or the instruct conditioning
// latent when those are present (spec.md §4.7 step 6a).
func assembleBranches(current, maskLatent, maskedImageLatent, instructLatent *Tensor, branchCount int) ([]*Tensor, error) {
	branches := make([]*Tensor, branchCount)
	for i := 0; i < branchCount; i++ {
		switch {
		case maskLatent != nil:
			m := sliceBatch(maskLatent, int64(i), int64(i+1))
			mi := sliceBatch(maskedImageLatent, int64(i), int64(i+1))
			b, err := concatChannels(current, m, mi)
			if err != nil {
				return nil, err
			}
			branches[i] = b
		case instructLatent != nil:
			ic := sliceBatch(instructLatent, int64(i), int64(i+1))
			b, err := concatChannels(current, ic)
			if err != nil {
				return nil, err
			}
			branches[i] = b
		default:
			branches[i] = current
		}
	}
	return branches, nil
}

// applyGuidance implements spec.md §4.7's guidance formulas: standard CFG
// over a batch of 2 (negative, text), or the instruct 3-way formula over a
// batch of (text, image, negative) when imageGuidanceScale is set.
func applyGuidance(noiseBatched *Tensor, guidanceScale float32, imageGuidanceScale *float64) (*Tensor, error) {
	if imageGuidanceScale == nil {
		negative := sliceBatch(noiseBatched, 0, 1)
		text := sliceBatch(noiseBatched, 1, 2)
		return weightedSum([]float32{1 - guidanceScale, guidanceScale}, []*Tensor{negative, text})
	}
	gI := float32(*imageGuidanceScale)
	text := sliceBatch(noiseBatched, 0, 1)
	imageBranch := sliceBatch(noiseBatched, 1, 2)
	negative := sliceBatch(noiseBatched, 2, 3)
	return weightedSum(
		[]float32{1 - gI, guidanceScale, gI - guidanceScale},
		[]*Tensor{negative, text, imageBranch},
	)
}

func float64SliceOf(data []float32) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(v)
	}
	return out
}
