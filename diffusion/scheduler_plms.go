package diffusion

import (
	"fmt"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
)

// PLMSScheduler implements the history-only PLMS/PNDM multistep update
// (spec.md §4.4): no Runge-Kutta warmup, just a deque of up to four recent
// model outputs and a two-call bootstrap that replays the starting sample.
type PLMSScheduler struct {
	c *schedulerConstants

	stepRatio int
	timeSteps []int // bootstrap-duplicated; see TimeSteps()

	// ets holds raw model outputs, oldest at the front, newest at the
	// back (index Size()-1) — a deque capped at 4 entries, pruned from
	// the front. doublylinkedlist gives O(1) push-back/remove-front,
	// which is all this state machine ever does.
	ets *doublylinkedlist.List

	counter       int
	currentSample *Tensor
}

// NewPLMSScheduler precomputes the fixed timestep list and beta/alpha
// constants for one (stepCount, trainStepCount, betaSchedule, betaStart,
// betaEnd, strength) configuration. Multiple images in a batch each get
// their own *PLMSScheduler sharing no mutable state.
func NewPLMSScheduler(stepCount, trainStepCount int, schedule BetaSchedule, betaStart, betaEnd float64, strength *float64) *PLMSScheduler {
	c := newSchedulerConstants(stepCount, trainStepCount, schedule, betaStart, betaEnd, strength)
	stepRatio := c.trainStepCount / len(c.timeSteps)
	if stepRatio < 1 {
		stepRatio = 1
	}
	return &PLMSScheduler{
		c:         c,
		stepRatio: stepRatio,
		timeSteps: bootstrapDuplicate(c.timeSteps),
		ets:       doublylinkedlist.New(),
	}
}

// bootstrapDuplicate duplicates the first (largest) timestep into the
// second slot and drops the last (smallest) one, keeping the list length
// unchanged while introducing exactly one duplicate at the bootstrap index
// — spec.md §8 invariant 2.
func bootstrapDuplicate(base []int) []int {
	if len(base) == 0 {
		return base
	}
	out := make([]int, len(base))
	out[0] = base[0]
	if len(out) > 1 {
		out[1] = base[0]
	}
	for i := 2; i < len(out); i++ {
		out[i] = base[i-1]
	}
	return out
}

func (s *PLMSScheduler) TimeSteps() []int { return s.timeSteps }

// AddNoise mixes an image-derived latent with sampled noise at the first
// (latest) scheduled timestep, for image-to-image initialization.
func (s *PLMSScheduler) AddNoise(originalSample, noise *Tensor) (*Tensor, error) {
	return addNoise(s.c, originalSample, noise)
}

// InitNoiseSigma is 1.0 for PLMS/PNDM's epsilon-prediction parameterization.
func (s *PLMSScheduler) InitNoiseSigma() float64 { return 1.0 }

// Step consumes one predicted noise tensor and returns the next latent,
// per the coefficient table in spec.md §4.4.
func (s *PLMSScheduler) Step(output *Tensor, t int, sample *Tensor) (*Tensor, error) {
	prevTimestep := t - s.stepRatio

	if s.counter != 1 {
		for s.ets.Size() > 3 {
			s.ets.Remove(0)
		}
		s.ets.Add(output)
	} else {
		prevTimestep = t
		t = t + s.stepRatio
	}

	var modelOutput *Tensor
	var err error
	switch sz := s.ets.Size(); {
	case sz == 1 && s.counter == 0:
		modelOutput = output
		s.currentSample = sample.Clone()
	case sz == 1 && s.counter == 1:
		prev := s.etsAt(0)
		modelOutput, err = weightedSum([]float32{0.5, 0.5}, []*Tensor{output, prev})
		if s.currentSample != nil {
			sample = s.currentSample
		}
		s.currentSample = nil
	case sz == 2:
		modelOutput, err = weightedSum([]float32{1.5, -0.5}, []*Tensor{s.etsAt(0), s.etsAt(1)})
	case sz == 3:
		modelOutput, err = weightedSum(
			[]float32{23.0 / 12, -16.0 / 12, 5.0 / 12},
			[]*Tensor{s.etsAt(0), s.etsAt(1), s.etsAt(2)},
		)
	default:
		modelOutput, err = weightedSum(
			[]float32{55.0 / 24, -59.0 / 24, 37.0 / 24, -9.0 / 24},
			[]*Tensor{s.etsAt(0), s.etsAt(1), s.etsAt(2), s.etsAt(3)},
		)
	}
	if err != nil {
		return nil, err
	}

	prevSample, err := s.getPrevSample(sample, t, prevTimestep, modelOutput)
	if err != nil {
		return nil, err
	}
	s.counter++
	return prevSample, nil
}

// etsAt(0) is the most recently appended (newest) entry, ets[-1] in the
// spec's notation; etsAt(1) is the one before it, and so on.
func (s *PLMSScheduler) etsAt(fromNewest int) *Tensor {
	idx := s.ets.Size() - 1 - fromNewest
	v, _ := s.ets.Get(idx)
	return v.(*Tensor)
}

func (s *PLMSScheduler) getPrevSample(sample *Tensor, t, prevTimestep int, modelOutput *Tensor) (*Tensor, error) {
	alphaT := s.c.alphaCumProdAt(t)
	alphaTPrev := s.c.alphaCumProdAt(prevTimestep)
	betaT := 1 - alphaT
	betaTPrev := 1 - alphaTPrev

	sqrtRatio := sqrt64(alphaTPrev / alphaT)
	denom := alphaT*sqrt64(betaTPrev) + sqrt64(alphaT*betaT*alphaTPrev)
	if denom == 0 {
		return nil, fmt.Errorf("%w: PLMS: zero denominator at t=%d", ErrShapeMismatch, t)
	}
	modelCoeff := -(alphaTPrev - alphaT) / denom

	return weightedSum([]float32{float32(sqrtRatio), float32(modelCoeff)}, []*Tensor{sample, modelOutput})
}
