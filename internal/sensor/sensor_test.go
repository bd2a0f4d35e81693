package sensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/inference/internal/tensor"
)

func TestObservationSpec(t *testing.T) {
	assert.Equal(t, 1, VectorSpec(4).Rank())
	assert.Equal(t, 4, VectorSpec(4).Size())
	assert.Equal(t, 3, VisualSpec(2, 3, 1).Rank())
	assert.Equal(t, 6, VisualSpec(2, 3, 1).Size())
}

func TestWriterVectorRowAndOffset(t *testing.T) {
	tn := tensor.New("vector_observation", tensor.Float, []int64{2, 5})
	s := NewVectorSensor("a", 2)
	s.Observe(1, 2)

	var w ObservationWriter
	require.NoError(t, w.SetTarget(tn, 1, 3))
	assert.Equal(t, 2, s.Write(&w))

	vals, _ := tn.Floats()
	assert.Equal(t, []float32{0, 0, 0, 0, 0, 0, 0, 0, 1, 2}, vals)
}

func TestWriterVisual(t *testing.T) {
	tn := tensor.New("obs_0", tensor.Float, []int64{1, 2, 2, 2})
	var w ObservationWriter
	require.NoError(t, w.SetTarget(tn, 0, 1))
	w.Set3(1, 1, 0, 9)

	vals, _ := tn.Floats()
	// (1*2+1)*2 + 0 + channel offset 1
	assert.Equal(t, float32(9), vals[7])
}

func TestWriterRejectsIntTensorAndBadRow(t *testing.T) {
	var w ObservationWriter
	assert.Error(t, w.SetTarget(tensor.New("x", tensor.Int, []int64{1, 2}), 0, 0))
	assert.Error(t, w.SetTarget(tensor.New("x", tensor.Float, []int64{1, 2}), 1, 0))
}

func TestWriterPanicsPastRow(t *testing.T) {
	tn := tensor.New("x", tensor.Float, []int64{2, 2})
	var w ObservationWriter
	require.NoError(t, w.SetTarget(tn, 0, 1))
	assert.Panics(t, func() { w.AddList([]float32{1, 2}, 0) })
}

func TestVectorSensorObservePadsAndTruncates(t *testing.T) {
	s := NewVectorSensor("v", 3)
	s.Observe(1, 2, 3, 4)
	s.Observe(5)

	tn := tensor.New("x", tensor.Float, []int64{1, 3})
	var w ObservationWriter
	require.NoError(t, w.SetTarget(tn, 0, 0))
	s.Write(&w)
	vals, _ := tn.Floats()
	assert.Equal(t, []float32{5, 0, 0}, vals)
	assert.Equal(t, "v", s.Name())
}
