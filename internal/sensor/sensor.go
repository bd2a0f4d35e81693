// Package sensor defines the observation producers an agent exposes to a policy and the
// writer they serialize into.
package sensor

import (
	"fmt"

	"github.com/cartridge/inference/internal/tensor"
)

// ObservationSpec describes the shape of a sensor's observation. Rank 1 is a vector,
// rank 3 is a visual observation laid out height x width x channels.
type ObservationSpec struct {
	Shape []int `json:"shape"`
}

// Rank is the number of dimensions of the observation.
func (s ObservationSpec) Rank() int {
	return len(s.Shape)
}

// Size is the number of floats the observation occupies.
func (s ObservationSpec) Size() int {
	n := 1
	for _, d := range s.Shape {
		n *= d
	}
	return n
}

// VectorSpec is shorthand for a rank-1 spec of the given length.
func VectorSpec(length int) ObservationSpec {
	return ObservationSpec{Shape: []int{length}}
}

// VisualSpec is shorthand for a rank-3 spec.
func VisualSpec(height, width, channels int) ObservationSpec {
	return ObservationSpec{Shape: []int{height, width, channels}}
}

// Sensor produces one observation per decision step.
type Sensor interface {
	Name() string
	ObservationSpec() ObservationSpec
	// Write serializes the current observation and returns the number of floats written.
	Write(w *ObservationWriter) int
}

// ObservationWriter writes a sensor's observation into one batch row of a float tensor,
// starting at an offset within the row.
type ObservationWriter struct {
	data   []float32
	start  int
	limit  int
	height int
	width  int
	chans  int
}

// SetTarget points the writer at row batchIndex of t, offset elements into the row.
func (w *ObservationWriter) SetTarget(t *tensor.Tensor, batchIndex, offset int) error {
	data, err := t.Floats()
	if err != nil {
		return err
	}
	width := t.RowWidth()
	if batchIndex < 0 || batchIndex >= t.BatchSize() {
		return fmt.Errorf("batch index %d out of range for %s with batch %d", batchIndex, t.Name, t.BatchSize())
	}
	w.data = data
	w.start = batchIndex*width + offset
	w.limit = (batchIndex + 1) * width
	w.height, w.width, w.chans = 0, 0, 0
	if len(t.Shape) == 4 {
		w.height, w.width, w.chans = int(t.Shape[1]), int(t.Shape[2]), int(t.Shape[3])
	}
	return nil
}

// Set writes v at flat index i relative to the writer's offset.
func (w *ObservationWriter) Set(i int, v float32) {
	idx := w.start + i
	if idx >= w.limit {
		panic(fmt.Sprintf("observation index %d exceeds row bound %d", idx, w.limit))
	}
	w.data[idx] = v
}

// AddList writes values contiguously starting at writeOffset.
func (w *ObservationWriter) AddList(values []float32, writeOffset int) {
	for i, v := range values {
		w.Set(writeOffset+i, v)
	}
}

// Set3 writes v at (h, x, ch) of a visual target. The offset shifts the channel index,
// which lets several visual sensors stack along the channel axis.
func (w *ObservationWriter) Set3(h, x, ch int, v float32) {
	if w.chans == 0 {
		panic("Set3 called on a non-visual observation target")
	}
	w.Set((h*w.width+x)*w.chans+ch, v)
}
