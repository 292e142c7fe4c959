package diffusion

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeightedSum(t *testing.T) {
	a := &Tensor{Shape: []int64{1, 1, 1, 2}, Data: []float32{1, 2}}
	b := &Tensor{Shape: []int64{1, 1, 1, 2}, Data: []float32{10, 20}}
	out, err := weightedSum([]float32{0.5, 0.5}, []*Tensor{a, b})
	require.NoError(t, err)
	assert.Equal(t, []float32{5.5, 11}, out.Data)
}

func TestWeightedSum_ShapeMismatch(t *testing.T) {
	a := &Tensor{Shape: []int64{1, 1, 1, 2}, Data: []float32{1, 2}}
	b := &Tensor{Shape: []int64{1, 1, 1, 3}, Data: []float32{1, 2, 3}}
	_, err := weightedSum([]float32{1, 1}, []*Tensor{a, b})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestConcatChannels(t *testing.T) {
	a := &Tensor{Shape: []int64{1, 1, 1, 2}, Data: []float32{1, 2}}
	b := &Tensor{Shape: []int64{1, 2, 1, 2}, Data: []float32{3, 4, 5, 6}}
	out, err := concatChannels(a, b)
	require.NoError(t, err)
	if diff := cmp.Diff([]int64{1, 3, 1, 2}, out.Shape); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, out.Data)
}

func TestConcatBatch_AndSliceBatch_RoundTrip(t *testing.T) {
	a := &Tensor{Shape: []int64{1, 1, 1, 2}, Data: []float32{1, 2}}
	b := &Tensor{Shape: []int64{1, 1, 1, 2}, Data: []float32{3, 4}}
	batched, err := concatBatch(a, b)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1, 1, 2}, batched.Shape)

	first := sliceBatch(batched, 0, 1)
	second := sliceBatch(batched, 1, 2)
	assert.Equal(t, a.Data, first.Data)
	assert.Equal(t, b.Data, second.Data)
}

func TestFloat16_RoundTrip(t *testing.T) {
	src := &Tensor{Shape: []int64{1, 1, 1, 3}, Data: []float32{1.5, -2.25, 0}}
	packed := toFloat16(src)
	back := fromFloat16(src.Shape, packed)
	for i := range src.Data {
		assert.InDelta(t, src.Data[i], back.Data[i], 1e-3)
	}
}

func TestTensor_Clone_Independent(t *testing.T) {
	orig := &Tensor{Shape: []int64{1, 1, 1, 1}, Data: []float32{5}}
	clone := orig.Clone()
	clone.Data[0] = 9
	assert.Equal(t, float32(5), orig.Data[0])
	assert.Equal(t, float32(9), clone.Data[0])
}
