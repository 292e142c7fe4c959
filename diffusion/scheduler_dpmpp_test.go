package diffusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDPMSolverMultistepScheduler_OrderSaturatesAtTwo(t *testing.T) {
	sched := NewDPMSolverMultistepScheduler(6, 1000, BetaScheduleScaledLinear, 0.00085, 0.012, nil)
	timeSteps := sched.TimeSteps()
	require.Len(t, timeSteps, 6)

	sample := flatTensor(1.0)
	for i, ts := range timeSteps {
		out, err := sched.Step(flatTensor(0.05), ts, sample)
		require.NoErrorf(t, err, "step %d", i)
		sample = out
	}
	assert.Equal(t, 2, sched.lowerOrderNums)
	assert.True(t, sched.havePrevious)
}

func TestDPMSolverMultistepScheduler_FirstStepUsesFirstOrder(t *testing.T) {
	sched := NewDPMSolverMultistepScheduler(4, 1000, BetaScheduleLinear, 0.00085, 0.012, nil)
	timeSteps := sched.TimeSteps()

	_, err := sched.Step(flatTensor(0.1), timeSteps[0], flatTensor(1.0))
	require.NoError(t, err)
	assert.Equal(t, 1, sched.lowerOrderNums)
	assert.NotNil(t, sched.previousX0)
}

func TestDPMSolverMultistepScheduler_TimeStepsDecreasing(t *testing.T) {
	sched := NewDPMSolverMultistepScheduler(10, 1000, BetaScheduleScaledLinear, 0.00085, 0.012, nil)
	timeSteps := sched.TimeSteps()
	for i := 1; i < len(timeSteps); i++ {
		assert.Less(t, timeSteps[i], timeSteps[i-1], "timesteps must strictly decrease during inference")
	}
}

func TestDPMSolverMultistepScheduler_IndexOfUnknownFallsBackToZero(t *testing.T) {
	sched := NewDPMSolverMultistepScheduler(4, 1000, BetaScheduleLinear, 0.00085, 0.012, nil)
	assert.Equal(t, 0, sched.indexOf(-999))
}
