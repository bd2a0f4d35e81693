package sensor

// VectorSensor exposes a fixed-length float observation set by the host each step.
type VectorSensor struct {
	name   string
	values []float32
}

// NewVectorSensor creates a sensor observing size floats.
func NewVectorSensor(name string, size int) *VectorSensor {
	return &VectorSensor{name: name, values: make([]float32, size)}
}

// Observe replaces the current observation. Extra values are dropped, missing ones are zero.
func (s *VectorSensor) Observe(values ...float32) {
	n := copy(s.values, values)
	clear(s.values[n:])
}

func (s *VectorSensor) Name() string { return s.name }

func (s *VectorSensor) ObservationSpec() ObservationSpec {
	return VectorSpec(len(s.values))
}

func (s *VectorSensor) Write(w *ObservationWriter) int {
	w.AddList(s.values, 0)
	return len(s.values)
}
