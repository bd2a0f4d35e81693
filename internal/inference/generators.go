package inference

import (
	"fmt"
	"math/rand"

	"github.com/cartridge/inference/internal/model"
	"github.com/cartridge/inference/internal/sensor"
	"github.com/cartridge/inference/internal/tensor"
)

// stepState is the mutable state a strategy may touch during one step.
type stepState struct {
	memories *MemoryStore
	actions  *DecisionCache
}

// TensorGenerator fills the model's input tensors from a batch of agent requests.
type TensorGenerator struct {
	meta        *model.Metadata
	table       map[string]Binding
	rng         *rand.Rand
	initialized bool
	writer      sensor.ObservationWriter
}

// NewTensorGenerator builds the fixed input table for meta. Observation bindings are
// added later by InitializeObservations. seed drives the random normal input.
func NewTensorGenerator(meta *model.Metadata, seed int64) *TensorGenerator {
	return &TensorGenerator{
		meta:  meta,
		table: inputBindings(meta),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// Initialized reports whether observation bindings exist.
func (g *TensorGenerator) Initialized() bool { return g.initialized }

// Binding returns the strategy bound to an input name.
func (g *TensorGenerator) Binding(name string) (Binding, bool) {
	b, ok := g.table[name]
	return b, ok
}

// InitializeObservations derives observation bindings from a representative agent's
// sensors. It runs once; later calls are no-ops.
func (g *TensorGenerator) InitializeObservations(sensors []sensor.Sensor) error {
	if g.initialized {
		return nil
	}
	bindings := make(map[string]Binding)
	if g.meta.PerSensorObservations() {
		for i, s := range sensors {
			if rank := s.ObservationSpec().Rank(); rank < 1 || rank > 3 {
				return &ConfigError{Tensor: model.ObservationName(i), Sensor: s.Name(),
					Err: fmt.Errorf("%w: %d", ErrUnsupportedRank, rank)}
			}
			bindings[model.ObservationName(i)] = Binding{Role: RoleObservation, Sensors: []int{i}}
		}
	} else {
		var vector []int
		visual := 0
		for i, s := range sensors {
			switch rank := s.ObservationSpec().Rank(); rank {
			case 1:
				vector = append(vector, i)
			case 3:
				bindings[model.VisualObservationName(visual)] = Binding{Role: RoleObservation, Sensors: []int{i}}
				visual++
			default:
				return &ConfigError{Sensor: s.Name(), Err: fmt.Errorf("%w: %d", ErrUnsupportedRank, rank)}
			}
		}
		if len(vector) > 0 {
			bindings[model.VectorObservationPlaceholder] = Binding{Role: RoleVectorObservation, Sensors: vector}
		}
	}
	for name, b := range bindings {
		g.table[name] = b
	}
	g.initialized = true
	return nil
}

// Generate resizes and fills every input tensor for the batch, in slice order.
func (g *TensorGenerator) Generate(inputs []*tensor.Tensor, infos []AgentInfo, state stepState) error {
	batch := len(infos)
	for _, t := range inputs {
		b, ok := g.table[t.Name]
		if !ok {
			return &ConfigError{Tensor: t.Name, Err: ErrUnknownTensor}
		}
		if err := g.generate(t, b, batch, infos, state); err != nil {
			return err
		}
	}
	return nil
}

func (g *TensorGenerator) generate(t *tensor.Tensor, b Binding, batch int, infos []AgentInfo, state stepState) error {
	switch b.Role {
	case RoleBatchSize:
		t.Resize(1)
		t.Set(0, float64(batch))
	case RoleSequenceLength:
		// recurrent policies consume one timestep per decision
		t.Resize(1)
		t.Set(0, 1)
	case RoleRecurrentInput:
		return g.generateRecurrentInput(t, batch, infos, state.memories)
	case RolePreviousAction:
		g.generatePreviousAction(t, batch, infos)
	case RoleActionMask:
		return g.generateActionMask(t, batch, infos)
	case RoleRandomNormal:
		return g.generateRandomNormal(t, batch)
	case RoleVectorObservation, RoleObservation:
		return g.generateObservation(t, b, batch, infos)
	default:
		return &ConfigError{Tensor: t.Name, Err: fmt.Errorf("%w: role %s is not an input", ErrUnknownTensor, b.Role)}
	}
	return nil
}

func (g *TensorGenerator) generateRecurrentInput(t *tensor.Tensor, batch int, infos []AgentInfo, memories *MemoryStore) error {
	t.Resize(batch)
	data, err := t.Floats()
	if err != nil {
		return err
	}
	width := t.RowWidth()
	for i, info := range infos {
		if info.Done {
			memories.Delete(info.EpisodeID)
			continue
		}
		mem := memories.Ensure(info.EpisodeID)
		copy(data[i*width:(i+1)*width], mem)
	}
	return nil
}

func (g *TensorGenerator) generatePreviousAction(t *tensor.Tensor, batch int, infos []AgentInfo) {
	t.Resize(batch)
	width := t.RowWidth()
	for i, info := range infos {
		for j, v := range info.StoredActions.Discrete {
			if j >= width {
				break
			}
			t.Set(i*width+j, float64(v))
		}
	}
}

func (g *TensorGenerator) generateActionMask(t *tensor.Tensor, batch int, infos []AgentInfo) error {
	t.Resize(batch)
	data, err := t.Floats()
	if err != nil {
		return err
	}
	width := t.RowWidth()
	for i, info := range infos {
		for j := 0; j < width; j++ {
			masked := j < len(info.DiscreteActionMasks) && info.DiscreteActionMasks[j]
			if !masked {
				data[i*width+j] = 1
			}
		}
	}
	return nil
}

func (g *TensorGenerator) generateRandomNormal(t *tensor.Tensor, batch int) error {
	t.Resize(batch)
	data, err := t.Floats()
	if err != nil {
		return err
	}
	for i := range data {
		data[i] = float32(g.rng.NormFloat64())
	}
	return nil
}

func (g *TensorGenerator) generateObservation(t *tensor.Tensor, b Binding, batch int, infos []AgentInfo) error {
	t.Resize(batch)
	for i, info := range infos {
		if info.Done {
			// a finished episode's sensors may already be torn down
			t.ZeroRow(i)
			continue
		}
		offset := 0
		for _, idx := range b.Sensors {
			if idx >= len(info.Sensors) {
				return &ConfigError{Tensor: t.Name, Err: fmt.Errorf("%w: episode %d has %d sensors, need index %d",
					ErrSensorLayout, info.EpisodeID, len(info.Sensors), idx)}
			}
			s := info.Sensors[idx]
			if err := checkSlot(t, s.ObservationSpec(), offset); err != nil {
				return &ConfigError{Tensor: t.Name, Sensor: s.Name(), Err: fmt.Errorf("%w: episode %d: %v",
					ErrSensorLayout, info.EpisodeID, err)}
			}
			if err := g.writer.SetTarget(t, i, offset); err != nil {
				return &ConfigError{Tensor: t.Name, Sensor: s.Name(), Err: err}
			}
			offset += s.Write(&g.writer)
		}
	}
	return nil
}

// checkSlot reports whether an observation of spec fits in a row of t at offset.
func checkSlot(t *tensor.Tensor, spec sensor.ObservationSpec, offset int) error {
	if spec.Rank() == 3 {
		if len(t.Shape) != 4 {
			return fmt.Errorf("visual observation %v on a rank %d input", spec.Shape, len(t.Shape))
		}
		for d, size := range spec.Shape {
			if int64(size) != t.Shape[d+1] {
				return fmt.Errorf("visual observation %v does not match input shape %v", spec.Shape, t.Shape[1:])
			}
		}
	}
	if width := t.RowWidth(); offset+spec.Size() > width {
		return fmt.Errorf("observation %v at offset %d overflows row width %d", spec.Shape, offset, width)
	}
	return nil
}
