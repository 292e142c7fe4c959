package diffusion

import (
	"fmt"
	"math"
)

// BetaSchedule selects how betas are interpolated across training steps
// (spec.md §4.4).
type BetaSchedule string

const (
	BetaScheduleLinear       BetaSchedule = "linear"
	BetaScheduleScaledLinear BetaSchedule = "scaledLinear"
)

// SchedulerKind selects which sampler a SampleInput requests.
type SchedulerKind string

const (
	SchedulerPLMS  SchedulerKind = "PLMS"
	SchedulerDPMpp SchedulerKind = "DPMpp"
)

// schedulerConstants holds the read-only values both scheduler kinds share,
// precomputed once from (stepCount, trainStepCount, betaSchedule,
// betaStart, betaEnd, strength) and then shared by every per-image
// scheduler instance in a batch (spec.md §4.7 step 2).
type schedulerConstants struct {
	trainStepCount int
	betas          []float64
	alphas         []float64
	alphasCumProd  []float64
	timeSteps      []int
}

func computeBetas(schedule BetaSchedule, start, end float64, trainStepCount int) []float64 {
	betas := make([]float64, trainStepCount)
	switch schedule {
	case BetaScheduleScaledLinear:
		sStart, sEnd := math.Sqrt(start), math.Sqrt(end)
		for i := 0; i < trainStepCount; i++ {
			v := linspaceAt(sStart, sEnd, trainStepCount, i)
			betas[i] = v * v
		}
	default: // linear
		for i := 0; i < trainStepCount; i++ {
			betas[i] = linspaceAt(start, end, trainStepCount, i)
		}
	}
	return betas
}

func linspaceAt(start, end float64, n, i int) float64 {
	if n <= 1 {
		return start
	}
	return start + (end-start)*float64(i)/float64(n-1)
}

func computeAlphasCumProd(betas []float64) ([]float64, []float64) {
	alphas := make([]float64, len(betas))
	cumProd := make([]float64, len(betas))
	running := 1.0
	for i, b := range betas {
		alphas[i] = 1 - b
		running *= alphas[i]
		cumProd[i] = running
	}
	return alphas, cumProd
}

// buildTimeSteps computes the forward step selection {round(i*T/N)+1} for
// i in [0,N), then, when strength s is present (image-to-image partial
// denoising), keeps only the floor(N*s) smallest entries (at least one),
// which are the last steps of the inference order, and finally reverses to
// the strictly-decreasing inference order spec.md §4.4 and §8 invariant 2
// require.
func buildTimeSteps(stepCount, trainStepCount int, strength *float64) []int {
	n := stepCount
	full := make([]int, n)
	for i := 0; i < n; i++ {
		full[i] = int(math.Round(float64(i)*float64(trainStepCount)/float64(n))) + 1
	}
	if strength != nil {
		s := *strength
		keep := int(math.Floor(float64(n) * s))
		if keep < 1 {
			keep = 1
		}
		if keep < n {
			full = full[:keep]
		}
	}
	// full is ascending; inference consumes it in decreasing order.
	out := make([]int, len(full))
	for i, v := range full {
		out[len(full)-1-i] = v
	}
	return out
}

func newSchedulerConstants(stepCount, trainStepCount int, schedule BetaSchedule, betaStart, betaEnd float64, strength *float64) *schedulerConstants {
	if trainStepCount <= 0 {
		trainStepCount = 1000
	}
	betas := computeBetas(schedule, betaStart, betaEnd, trainStepCount)
	alphas, cumProd := computeAlphasCumProd(betas)
	return &schedulerConstants{
		trainStepCount: trainStepCount,
		betas:          betas,
		alphas:         alphas,
		alphasCumProd:  cumProd,
		timeSteps:      buildTimeSteps(stepCount, trainStepCount, strength),
	}
}

func sqrt64(v float64) float64 { return math.Sqrt(v) }

func (c *schedulerConstants) alphaCumProdAt(t int) float64 {
	if t < 0 {
		return 1.0
	}
	if t >= len(c.alphasCumProd) {
		t = len(c.alphasCumProd) - 1
	}
	return c.alphasCumProd[t]
}

// Scheduler is the common operation every sampler (PLMS, DPM-Solver++)
// implements; spec.md §9 represents the family as a closed sum type
// dispatched at the sampling loop rather than an open interface hierarchy,
// but Go's sampling loop still benefits from dispatching through one small
// interface so Pipeline doesn't need a type switch per step.
type Scheduler interface {
	Step(output *Tensor, t int, sample *Tensor) (*Tensor, error)
	TimeSteps() []int
	InitNoiseSigma() float64
	AddNoise(originalSample, noise *Tensor) (*Tensor, error)
}

// addNoise implements spec.md §4.4's common helper for image-to-image
// initialization: noisySample = sqrt(alphaCumProd_t)*sample +
// sqrt(1-alphaCumProd_t)*noise, evaluated at the first (latest) timestep of
// the (possibly strength-truncated) schedule. It is the identity when
// alphaCumProd at that timestep is 1 (spec.md §8 invariant 4).
func addNoise(constants *schedulerConstants, originalSample, noise *Tensor) (*Tensor, error) {
	if len(constants.timeSteps) == 0 {
		return nil, fmt.Errorf("%w: addNoise: empty schedule", ErrShapeMismatch)
	}
	t := constants.timeSteps[0]
	alphaT := constants.alphaCumProdAt(t)
	sqrtAlpha := float32(math.Sqrt(alphaT))
	sqrtOneMinusAlpha := float32(math.Sqrt(1 - alphaT))
	return weightedSum([]float32{sqrtAlpha, sqrtOneMinusAlpha}, []*Tensor{originalSample, noise})
}
