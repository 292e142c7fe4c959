package diffusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrapDuplicate(t *testing.T) {
	got := bootstrapDuplicate([]int{900, 700, 500, 300, 100})
	want := []int{900, 900, 700, 500, 300}
	assert.Equal(t, want, got)
	assert.Len(t, got, 5, "length must be preserved")
}

func TestBootstrapDuplicate_Empty(t *testing.T) {
	assert.Empty(t, bootstrapDuplicate(nil))
}

func flatTensor(v float32) *Tensor {
	return &Tensor{Shape: []int64{1, 1, 1, 1}, Data: []float32{v}}
}

func TestPLMSScheduler_BootstrapConsistency(t *testing.T) {
	sched := NewPLMSScheduler(5, 1000, BetaScheduleScaledLinear, 0.00085, 0.012, nil)
	timeSteps := sched.TimeSteps()
	require.Len(t, timeSteps, 5)

	sample := flatTensor(1.0)
	for i, ts := range timeSteps {
		out, err := sched.Step(flatTensor(0.1), ts, sample)
		require.NoErrorf(t, err, "step %d", i)
		require.NotNil(t, out)
		sample = out
	}
	assert.Equal(t, 5, sched.counter)
}

func TestPLMSScheduler_CounterOneReplaysSnapshot(t *testing.T) {
	sched := NewPLMSScheduler(5, 1000, BetaScheduleLinear, 0.00085, 0.012, nil)
	timeSteps := sched.TimeSteps()

	initialSample := flatTensor(2.0)
	_, err := sched.Step(flatTensor(0.1), timeSteps[0], initialSample)
	require.NoError(t, err)
	require.NotNil(t, sched.currentSample)
	snapshot := sched.currentSample.Data[0]

	// counter==1 must consume the snapshot, not whatever sample the caller
	// happens to pass in.
	_, err = sched.Step(flatTensor(0.2), timeSteps[1], flatTensor(999))
	require.NoError(t, err)
	assert.Nil(t, sched.currentSample)
	assert.Equal(t, float32(2.0), snapshot)
}

// TestPLMSScheduler_TwoTermBranchPairsWeightsWithCorrectHistoryEntries drives
// the scheduler into the sz==2 Adams-Bashforth branch with two
// distinguishable history entries and checks the exact numeric result,
// which only comes out right if weights[0]=1.5 multiplies the newest entry
// (etsAt(0)) and weights[1]=-0.5 multiplies the older one (etsAt(1)), per
// spec.md §4.4's coefficient table.
func TestPLMSScheduler_TwoTermBranchPairsWeightsWithCorrectHistoryEntries(t *testing.T) {
	sched := NewPLMSScheduler(5, 10, BetaScheduleLinear, 0.1, 0.1, nil)
	sched.counter = 2
	sched.ets.Add(flatTensor(2.0)) // older entry

	out, err := sched.Step(flatTensor(5.0), 5, flatTensor(1.0)) // newest entry
	require.NoError(t, err)
	require.Len(t, out.Data, 1)
	assert.InDelta(t, -0.0208047, out.Data[0], 1e-4)
}

func TestPLMSScheduler_EtsCapsAtFour(t *testing.T) {
	sched := NewPLMSScheduler(8, 1000, BetaScheduleLinear, 0.00085, 0.012, nil)
	timeSteps := sched.TimeSteps()
	sample := flatTensor(1.0)
	for i, ts := range timeSteps {
		out, err := sched.Step(flatTensor(float32(i)*0.01), ts, sample)
		require.NoError(t, err)
		sample = out
	}
	assert.LessOrEqual(t, sched.ets.Size(), 4)
}
