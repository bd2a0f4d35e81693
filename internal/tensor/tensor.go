// Package tensor provides the named, shaped, typed buffers exchanged with a model executor.
package tensor

import (
	"errors"
	"fmt"
)

var (
	// ErrDTypeMismatch indicates a buffer was accessed as the wrong element type.
	ErrDTypeMismatch = errors.New("tensor dtype mismatch")
	// ErrShapeMismatch indicates the buffer length disagrees with the declared shape.
	ErrShapeMismatch = errors.New("tensor shape mismatch")
)

// DType enumerates the element types a tensor buffer can hold.
type DType int

const (
	Float DType = iota
	Int
)

func (d DType) String() string {
	switch d {
	case Float:
		return "float32"
	case Int:
		return "int32"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Buffer is the element storage behind a Tensor. It is implemented only by
// FloatBuffer and IntBuffer.
type Buffer interface {
	DType() DType
	Len() int
	isBuffer()
}

// FloatBuffer holds float32 elements.
type FloatBuffer []float32

func (FloatBuffer) DType() DType { return Float }
func (b FloatBuffer) Len() int { return len(b) }
func (FloatBuffer) isBuffer() {}

// IntBuffer holds int32 elements.
type IntBuffer []int32

func (IntBuffer) DType() DType { return Int }
func (b IntBuffer) Len() int { return len(b) }
func (IntBuffer) isBuffer() {}

func allocate(dtype DType, n int) Buffer {
	if dtype == Int {
		return make(IntBuffer, n)
	}
	return make(FloatBuffer, n)
}

// Tensor is a named buffer with a concrete shape. Row-major, leading dimension is the batch.
type Tensor struct {
	Name  string
	Shape []int64
	Data  Buffer
}

// New allocates a zeroed tensor. Dynamic dimensions in shape are concretized to 1.
func New(name string, dtype DType, shape []int64) *Tensor {
	concrete := Concretize(shape)
	return &Tensor{
		Name:  name,
		Shape: concrete,
		Data:  allocate(dtype, NumElements(concrete)),
	}
}

// FromFloats wraps values as a float tensor without copying.
func FromFloats(name string, shape []int64, values []float32) *Tensor {
	return &Tensor{Name: name, Shape: Concretize(shape), Data: FloatBuffer(values)}
}

// FromInts wraps values as an int tensor without copying.
func FromInts(name string, shape []int64, values []int32) *Tensor {
	return &Tensor{Name: name, Shape: Concretize(shape), Data: IntBuffer(values)}
}

// Concretize returns a copy of shape with every unresolved (negative) dimension set to 1.
func Concretize(shape []int64) []int64 {
	out := make([]int64, len(shape))
	for i, d := range shape {
		if d < 0 {
			d = 1
		}
		out[i] = d
	}
	return out
}

// NumElements is the product of the dimensions of shape. A scalar shape holds one element.
func NumElements(shape []int64) int {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}

// DType reports the element type of the tensor buffer.
func (t *Tensor) DType() DType {
	if t.Data == nil {
		return Float
	}
	return t.Data.DType()
}

// Floats returns the float buffer, or ErrDTypeMismatch for integer tensors.
func (t *Tensor) Floats() ([]float32, error) {
	b, ok := t.Data.(FloatBuffer)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %s, want %s", ErrDTypeMismatch, t.Name, t.DType(), Float)
	}
	return b, nil
}

// Ints returns the integer buffer, or ErrDTypeMismatch for float tensors.
func (t *Tensor) Ints() ([]int32, error) {
	b, ok := t.Data.(IntBuffer)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %s, want %s", ErrDTypeMismatch, t.Name, t.DType(), Int)
	}
	return b, nil
}

// Resize sets the leading dimension to batch and reallocates a zeroed buffer of the
// same element type. Remaining dimensions are kept, with dynamic ones concretized.
func (t *Tensor) Resize(batch int) {
	shape := Concretize(t.Shape)
	if len(shape) == 0 {
		shape = []int64{int64(batch)}
	} else {
		shape[0] = int64(batch)
	}
	t.Shape = shape
	t.Data = allocate(t.DType(), NumElements(shape))
}

// BatchSize is the leading dimension, or 1 for scalars.
func (t *Tensor) BatchSize() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return int(t.Shape[0])
}

// RowWidth is the number of elements per batch row.
func (t *Tensor) RowWidth() int {
	if len(t.Shape) <= 1 {
		return 1
	}
	return NumElements(t.Shape[1:])
}

// Validate checks that the buffer length agrees with the shape.
func (t *Tensor) Validate() error {
	if t.Data == nil {
		return fmt.Errorf("%w: %s has no buffer", ErrShapeMismatch, t.Name)
	}
	if want := NumElements(t.Shape); t.Data.Len() != want {
		return fmt.Errorf("%w: %s has %d elements, shape %v needs %d",
			ErrShapeMismatch, t.Name, t.Data.Len(), t.Shape, want)
	}
	return nil
}

// ZeroRow clears row i regardless of element type.
func (t *Tensor) ZeroRow(i int) {
	width := t.RowWidth()
	start := i * width
	switch b := t.Data.(type) {
	case FloatBuffer:
		clear(b[start : start+width])
	case IntBuffer:
		clear(b[start : start+width])
	}
}

// Float64s returns every element widened to float64. It is used to read marker
// tensors whose dtype differs between exporters.
func (t *Tensor) Float64s() []float64 {
	out := make([]float64, 0, t.Data.Len())
	switch b := t.Data.(type) {
	case FloatBuffer:
		for _, v := range b {
			out = append(out, float64(v))
		}
	case IntBuffer:
		for _, v := range b {
			out = append(out, float64(v))
		}
	}
	return out
}

// Scalar returns the first element widened to float64, or false when the buffer is empty.
func (t *Tensor) Scalar() (float64, bool) {
	if t == nil || t.Data == nil || t.Data.Len() == 0 {
		return 0, false
	}
	return t.Float64s()[0], true
}

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{Name: t.Name, Shape: append([]int64(nil), t.Shape...)}
	switch b := t.Data.(type) {
	case FloatBuffer:
		c.Data = append(FloatBuffer(nil), b...)
	case IntBuffer:
		c.Data = append(IntBuffer(nil), b...)
	}
	return c
}

// Set stores v at flat index i, converting to the buffer's element type.
func (t *Tensor) Set(i int, v float64) {
	switch b := t.Data.(type) {
	case FloatBuffer:
		b[i] = float32(v)
	case IntBuffer:
		b[i] = int32(v)
	}
}

// At returns the element at flat index i widened to float64.
func (t *Tensor) At(i int) float64 {
	switch b := t.Data.(type) {
	case FloatBuffer:
		return float64(b[i])
	case IntBuffer:
		return float64(b[i])
	}
	return 0
}

// MarshalText renders the dtype by name.
func (d DType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses a dtype name as produced by MarshalText.
func (d *DType) UnmarshalText(text []byte) error {
	switch string(text) {
	case "float32", "float":
		*d = Float
	case "int32", "int":
		*d = Int
	default:
		return fmt.Errorf("unknown dtype %q", text)
	}
	return nil
}
