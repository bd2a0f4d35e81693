package inference

import (
	"slices"

	"github.com/cartridge/inference/internal/model"
	"github.com/cartridge/inference/internal/sensor"
	"github.com/cartridge/inference/internal/tensor"
)

// stubModel runs compute on every Schedule and serves its results as outputs.
type stubModel struct {
	inputs  []model.TensorSpec
	outputs []string
	compute func(inputs map[string]*tensor.Tensor) map[string]*tensor.Tensor
	exec    *stubExecutor
}

func (m *stubModel) Name() string { return "stub" }
func (m *stubModel) Inputs() []model.TensorSpec { return m.inputs }
func (m *stubModel) Outputs() []string { return m.outputs }

func (m *stubModel) NewExecutor(model.Device) (model.Executor, error) {
	m.exec = &stubExecutor{model: m, inputs: map[string]*tensor.Tensor{}}
	return m.exec, nil
}

type stubExecutor struct {
	model     *stubModel
	inputs    map[string]*tensor.Tensor
	outputs   map[string]*tensor.Tensor
	schedules int
	closed    bool
}

func (e *stubExecutor) SetInput(name string, t *tensor.Tensor) error {
	e.inputs[name] = t
	return nil
}

func (e *stubExecutor) Schedule() error {
	e.schedules++
	if e.model.compute != nil {
		e.outputs = e.model.compute(e.inputs)
	}
	return nil
}

func (e *stubExecutor) PeekOutput(name string) (*tensor.Tensor, bool) {
	t, ok := e.outputs[name]
	return t, ok
}

func (e *stubExecutor) Close() error {
	e.closed = true
	return nil
}

// metaFor builds metadata the way Inspect would for a model with these declarations.
func metaFor(m *stubModel, version, memorySize int) *model.Metadata {
	meta := &model.Metadata{
		ModelName:   m.Name(),
		Inputs:      map[string]model.TensorSpec{},
		OutputNames: m.outputs,
		Version:     version,
		MemorySize:  memorySize,
	}
	for _, spec := range m.inputs {
		meta.Inputs[spec.Name] = spec
		meta.InputNames = append(meta.InputNames, spec.Name)
	}
	slices.Sort(meta.InputNames)
	return meta
}

// countingSensor records how often it was asked to write.
type countingSensor struct {
	*sensor.VectorSensor
	writes int
}

func newCountingSensor(name string, values ...float32) *countingSensor {
	s := &countingSensor{VectorSensor: sensor.NewVectorSensor(name, len(values))}
	s.Observe(values...)
	return s
}

func (s *countingSensor) Write(w *sensor.ObservationWriter) int {
	s.writes++
	return s.VectorSensor.Write(w)
}

// visualSensor writes a constant value into every cell of an h x w x c observation.
type visualSensor struct {
	name    string
	h, w, c int
	value   float32
}

func (s *visualSensor) Name() string { return s.name }

func (s *visualSensor) ObservationSpec() sensor.ObservationSpec {
	return sensor.VisualSpec(s.h, s.w, s.c)
}

func (s *visualSensor) Write(w *sensor.ObservationWriter) int {
	for y := 0; y < s.h; y++ {
		for x := 0; x < s.w; x++ {
			for ch := 0; ch < s.c; ch++ {
				w.Set3(y, x, ch, s.value)
			}
		}
	}
	return s.h * s.w * s.c
}

// rankTwoSensor has an observation shape no legacy model can consume.
type rankTwoSensor struct{}

func (rankTwoSensor) Name() string { return "grid" }
func (rankTwoSensor) ObservationSpec() sensor.ObservationSpec {
	return sensor.ObservationSpec{Shape: []int{2, 2}}
}
func (rankTwoSensor) Write(w *sensor.ObservationWriter) int {
	w.AddList([]float32{1, 2, 3, 4}, 0)
	return 4
}

func sensors(s ...sensor.Sensor) []sensor.Sensor { return s }
