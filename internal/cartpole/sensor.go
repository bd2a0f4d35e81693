package cartpole

import "github.com/cartridge/inference/internal/sensor"

// ObservationSize is the width of the cartpole observation.
const ObservationSize = 4

// Sensor observes the live state of an Env.
type Sensor struct {
	env *Env
}

// NewSensor creates a sensor reading env.
func NewSensor(env *Env) *Sensor {
	return &Sensor{env: env}
}

func (s *Sensor) Name() string { return "cartpole" }

func (s *Sensor) ObservationSpec() sensor.ObservationSpec {
	return sensor.VectorSpec(ObservationSize)
}

func (s *Sensor) Write(w *sensor.ObservationWriter) int {
	w.AddList(s.env.State.Observation(), 0)
	return ObservationSize
}
