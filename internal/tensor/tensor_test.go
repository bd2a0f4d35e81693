package tensor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcretizeDynamicDimensions(t *testing.T) {
	shape := []int64{-1, 3, -1, 2}
	got := Concretize(shape)

	assert.Equal(t, []int64{1, 3, 1, 2}, got)
	assert.Equal(t, []int64{-1, 3, -1, 2}, shape, "input must not be mutated")
}

func TestNewAllocatesConcreteBuffer(t *testing.T) {
	tn := New("obs_0", Float, []int64{-1, 4})

	assert.Equal(t, []int64{1, 4}, tn.Shape)
	assert.Equal(t, 4, tn.Data.Len())
	assert.Equal(t, Float, tn.DType())
	require.NoError(t, tn.Validate())
}

func TestResizeUsesBatchAsLeadingDimension(t *testing.T) {
	tn := New("prev_action", Int, []int64{-1, 2})
	ints, err := tn.Ints()
	require.NoError(t, err)
	ints[0] = 7

	tn.Resize(5)

	assert.Equal(t, []int64{5, 2}, tn.Shape)
	assert.Equal(t, Int, tn.DType())
	require.NoError(t, tn.Validate())
	ints, err = tn.Ints()
	require.NoError(t, err)
	assert.Equal(t, int32(0), ints[0], "resize must reallocate a zeroed buffer")
	assert.Equal(t, 5, tn.BatchSize())
	assert.Equal(t, 2, tn.RowWidth())
}

func TestResizeScalarShape(t *testing.T) {
	tn := &Tensor{Name: "x", Data: FloatBuffer{1}}
	tn.Resize(3)
	assert.Equal(t, []int64{3}, tn.Shape)
	assert.Equal(t, 3, tn.Data.Len())
}

func TestCheckedBufferAccess(t *testing.T) {
	f := FromFloats("continuous_actions", []int64{1, 2}, []float32{1, 2})
	_, err := f.Ints()
	assert.True(t, errors.Is(err, ErrDTypeMismatch))

	i := FromInts("discrete_actions", []int64{1, 1}, []int32{3})
	_, err = i.Floats()
	assert.True(t, errors.Is(err, ErrDTypeMismatch))
}

func TestValidateDetectsShapeMismatch(t *testing.T) {
	tn := FromFloats("bad", []int64{2, 3}, []float32{1, 2, 3})
	assert.True(t, errors.Is(tn.Validate(), ErrShapeMismatch))
}

func TestZeroRow(t *testing.T) {
	tn := FromFloats("m", []int64{2, 2}, []float32{1, 2, 3, 4})
	tn.ZeroRow(1)
	vals, err := tn.Floats()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 0, 0}, vals)
}

func TestScalarAndClone(t *testing.T) {
	tn := FromInts("memory_size", []int64{1}, []int32{16})
	v, ok := tn.Scalar()
	require.True(t, ok)
	assert.Equal(t, 16.0, v)

	c := tn.Clone()
	c.Data.(IntBuffer)[0] = 1
	v, _ = tn.Scalar()
	assert.Equal(t, 16.0, v)

	var missing *Tensor
	_, ok = missing.Scalar()
	assert.False(t, ok)
}

func TestSetAtConvertsElementType(t *testing.T) {
	i := New("batch_size", Int, []int64{1})
	i.Set(0, 3.7)
	assert.Equal(t, 3.0, i.At(0))

	f := New("mask", Float, []int64{1})
	f.Set(0, 0.5)
	assert.Equal(t, 0.5, f.At(0))
}

func TestDTypeText(t *testing.T) {
	var d DType
	require.NoError(t, d.UnmarshalText([]byte("int32")))
	assert.Equal(t, Int, d)
	text, err := Float.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "float32", string(text))
	assert.Error(t, d.UnmarshalText([]byte("bool")))
}
