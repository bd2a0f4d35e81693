package engine

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/cartridge/inference/internal/model"
	"github.com/cartridge/inference/internal/tensor"
)

var (
	// ErrUnsupportedDevice is returned for a device the engine cannot run on.
	ErrUnsupportedDevice = errors.New("unsupported device")
	// ErrExecutorClosed is returned by an executor used after Close.
	ErrExecutorClosed = errors.New("executor closed")
	// ErrUndeclaredInput is returned when an input name is not part of the model.
	ErrUndeclaredInput = errors.New("undeclared input")
	// ErrMissingInput is returned by Schedule when a required input was never set.
	ErrMissingInput = errors.New("missing input")
)

// Model is a loaded linear policy. It implements model.Model.
type Model struct {
	spec    Spec
	inputs  []model.TensorSpec
	outputs []string
}

// New validates spec and derives the declared tensors.
func New(spec Spec) (*Model, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Name == "" {
		spec.Name = "linear"
	}
	m := &Model{spec: spec}
	m.inputs = m.declareInputs()
	m.outputs = m.declareOutputs()
	return m, nil
}

// Spec returns the policy description.
func (m *Model) Spec() Spec { return m.spec }

func (m *Model) Name() string { return m.spec.Name }

func (m *Model) Inputs() []model.TensorSpec { return m.inputs }

func (m *Model) Outputs() []string { return m.outputs }

// NewExecutor creates an executor with its own sampling state. Both devices run on the CPU.
func (m *Model) NewExecutor(device model.Device) (model.Executor, error) {
	if device != model.DeviceCPU && device != model.DeviceGPU {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDevice, device)
	}
	return &executor{
		model:   m,
		inputs:  make(map[string]*tensor.Tensor),
		outputs: make(map[string]*tensor.Tensor),
		rng:     rand.New(rand.NewSource(m.spec.Seed)),
	}, nil
}

func (m *Model) legacy() bool { return m.spec.Version == model.VersionLegacy }

func (m *Model) stochasticContinuous() bool {
	return m.spec.Continuous != nil && m.spec.NoiseScale != 0
}

func (m *Model) declareInputs() []model.TensorSpec {
	s := m.spec
	var inputs []model.TensorSpec
	if m.legacy() {
		inputs = append(inputs, model.TensorSpec{
			Name: model.VectorObservationPlaceholder, Shape: []int64{-1, int64(s.ObservationSize())}, DType: tensor.Float,
		})
	} else {
		for i, size := range s.Observations {
			inputs = append(inputs, model.TensorSpec{
				Name: model.ObservationName(i), Shape: []int64{-1, int64(size)}, DType: tensor.Float,
			})
		}
	}
	if s.Discrete != nil {
		inputs = append(inputs, model.TensorSpec{
			Name: model.ActionMaskPlaceholder, Shape: []int64{-1, int64(len(s.Discrete.W))}, DType: tensor.Float,
		})
	}
	if m.stochasticContinuous() {
		inputs = append(inputs, model.TensorSpec{
			Name: model.RandomNormalEpsilonPlaceholder, Shape: []int64{-1, int64(len(s.Continuous.W))}, DType: tensor.Float,
		})
	}
	if s.MemorySize > 0 {
		inputs = append(inputs,
			model.TensorSpec{Name: model.RecurrentInPlaceholder, Shape: []int64{-1, int64(s.MemorySize)}, DType: tensor.Float},
			model.TensorSpec{Name: model.SequenceLengthPlaceholder, Shape: []int64{1}, DType: tensor.Int},
		)
	}
	return inputs
}

func (m *Model) declareOutputs() []string {
	s := m.spec
	outputs := []string{model.VersionNumber, model.MemorySize}
	if m.legacy() {
		outputs = append(outputs, model.IsContinuousControlDeprecated, model.ActionOutputShapeDeprecated, model.ActionOutputDeprecated)
	} else {
		if s.Continuous != nil {
			outputs = append(outputs, model.ContinuousActionOutputShape, model.ContinuousActionOutput)
			if s.Deterministic {
				outputs = append(outputs, model.DeterministicContinuousActionOutput)
			}
		}
		if s.Discrete != nil {
			outputs = append(outputs, model.DiscreteActionOutputShape, model.DiscreteActionOutput)
			if s.Deterministic {
				outputs = append(outputs, model.DeterministicDiscreteActionOutput)
			}
		}
	}
	if s.MemorySize > 0 {
		outputs = append(outputs, model.RecurrentOutput)
	}
	if s.Value != nil {
		outputs = append(outputs, model.ValueEstimateOutput)
	}
	return outputs
}

type executor struct {
	model   *Model
	inputs  map[string]*tensor.Tensor
	outputs map[string]*tensor.Tensor
	rng     *rand.Rand
	closed  bool
}

func (e *executor) SetInput(name string, t *tensor.Tensor) error {
	if e.closed {
		return ErrExecutorClosed
	}
	declared, ok := e.declared(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUndeclaredInput, name)
	}
	if t.DType() != declared.DType {
		return fmt.Errorf("%w: %s is %s, declared %s", tensor.ErrDTypeMismatch, name, t.DType(), declared.DType)
	}
	if err := t.Validate(); err != nil {
		return err
	}
	e.inputs[name] = t
	return nil
}

func (e *executor) declared(name string) (model.TensorSpec, bool) {
	for _, spec := range e.model.inputs {
		if spec.Name == name {
			return spec, true
		}
	}
	return model.TensorSpec{}, false
}

func (e *executor) PeekOutput(name string) (*tensor.Tensor, bool) {
	t, ok := e.outputs[name]
	return t, ok
}

func (e *executor) Close() error {
	e.closed = true
	e.inputs = nil
	e.outputs = nil
	return nil
}

func (e *executor) input(name string) (*tensor.Tensor, error) {
	t, ok := e.inputs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingInput, name)
	}
	return t, nil
}

// Schedule runs the policy on every row of the observation inputs.
func (e *executor) Schedule() error {
	if e.closed {
		return ErrExecutorClosed
	}
	s := e.model.spec

	var observations []*tensor.Tensor
	if e.model.legacy() {
		t, err := e.input(model.VectorObservationPlaceholder)
		if err != nil {
			return err
		}
		observations = append(observations, t)
	} else {
		for i := range s.Observations {
			t, err := e.input(model.ObservationName(i))
			if err != nil {
				return err
			}
			observations = append(observations, t)
		}
	}
	batch := observations[0].BatchSize()
	for _, t := range observations[1:] {
		if t.BatchSize() != batch {
			return fmt.Errorf("%w: %s has batch %d, want %d", tensor.ErrShapeMismatch, t.Name, t.BatchSize(), batch)
		}
	}

	var memory, masks, epsilon []float32
	var err error
	if s.MemorySize > 0 {
		if memory, err = e.rows(model.RecurrentInPlaceholder, batch, s.MemorySize); err != nil {
			return err
		}
	}
	if s.Discrete != nil {
		if masks, err = e.rows(model.ActionMaskPlaceholder, batch, len(s.Discrete.W)); err != nil {
			return err
		}
	}
	if e.model.stochasticContinuous() {
		if epsilon, err = e.rows(model.RandomNormalEpsilonPlaceholder, batch, len(s.Continuous.W)); err != nil {
			return err
		}
	}

	out := newOutputs(e.model, batch)
	features := make([]float32, s.FeatureSize())
	for row := 0; row < batch; row++ {
		offset := 0
		for _, t := range observations {
			data, err := t.Floats()
			if err != nil {
				return err
			}
			width := t.RowWidth()
			offset += copy(features[offset:], data[row*width:(row+1)*width])
		}
		var mem []float32
		if s.MemorySize > 0 {
			mem = memory[row*s.MemorySize : (row+1)*s.MemorySize]
			copy(features[offset:], mem)
		}
		var mask, eps []float32
		if masks != nil {
			mask = masks[row*len(s.Discrete.W) : (row+1)*len(s.Discrete.W)]
		}
		if epsilon != nil {
			eps = epsilon[row*len(s.Continuous.W) : (row+1)*len(s.Continuous.W)]
		}
		e.forwardRow(out, row, features, mem, mask, eps)
	}

	e.outputs = out.tensors()
	return nil
}

// rows returns the float buffer of an input after checking it covers batch rows of width.
func (e *executor) rows(name string, batch, width int) ([]float32, error) {
	t, err := e.input(name)
	if err != nil {
		return nil, err
	}
	data, err := t.Floats()
	if err != nil {
		return nil, err
	}
	if len(data) < batch*width {
		return nil, fmt.Errorf("%w: %s has %d elements, want %d", tensor.ErrShapeMismatch, name, len(data), batch*width)
	}
	return data, nil
}

func (e *executor) forwardRow(out *outputs, row int, features, mem, mask, eps []float32) {
	s := e.model.spec
	if s.Continuous != nil {
		n := len(s.Continuous.W)
		mean := out.continuousDeterministic[row*n : (row+1)*n]
		s.Continuous.forward(features, mean)
		sampled := out.continuous[row*n : (row+1)*n]
		for i, v := range mean {
			if eps != nil {
				v += s.NoiseScale * eps[i]
			}
			sampled[i] = v
		}
	}
	if s.Discrete != nil {
		n := len(s.Discrete.W)
		logits := make([]float32, n)
		s.Discrete.forward(features, logits)
		offset := 0
		for branch, size := range s.Discrete.Branches {
			probs := maskedSoftmax(logits[offset:offset+int(size)], mask[offset:offset+int(size)])
			if e.model.legacy() {
				copy(out.legacyProbs[row*n+offset:], probs)
			} else {
				nb := len(s.Discrete.Branches)
				out.discrete[row*nb+branch] = int32(sampleCategorical(probs, e.rng))
				out.discreteDeterministic[row*nb+branch] = int32(argmax(probs))
			}
			offset += int(size)
		}
	}
	if s.MemorySize > 0 {
		next := out.memory[row*s.MemorySize : (row+1)*s.MemorySize]
		observed := features[:s.ObservationSize()]
		for j := range next {
			x := observed[j%len(observed)]
			next[j] = s.MemoryDecay*mem[j] + (1-s.MemoryDecay)*float32(math.Tanh(float64(x)))
		}
	}
	if s.Value != nil {
		s.Value.forward(features, out.value[row:row+1])
	}
}

// maskedSoftmax returns choice probabilities with disallowed choices (mask 0) at zero.
// A fully masked branch falls back to the unmasked distribution.
func maskedSoftmax(logits, mask []float32) []float32 {
	allowed := func(i int) bool { return mask == nil || mask[i] != 0 }
	maxLogit := float32(math.Inf(-1))
	for i, v := range logits {
		if allowed(i) && v > maxLogit {
			maxLogit = v
		}
	}
	if math.IsInf(float64(maxLogit), -1) {
		return maskedSoftmax(logits, nil)
	}
	probs := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		if !allowed(i) {
			continue
		}
		p := math.Exp(float64(v - maxLogit))
		probs[i] = float32(p)
		sum += p
	}
	for i := range probs {
		probs[i] = float32(float64(probs[i]) / sum)
	}
	return probs
}

func sampleCategorical(probs []float32, rng *rand.Rand) int {
	threshold := rng.Float32()
	var cumulative float32
	for i, p := range probs {
		cumulative += p
		if p > 0 && threshold <= cumulative {
			return i
		}
	}
	return argmax(probs)
}

func argmax(values []float32) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

// outputs holds the buffers of one Schedule.
type outputs struct {
	model *Model
	batch int

	continuous              []float32
	continuousDeterministic []float32
	discrete                []int32
	discreteDeterministic   []int32
	legacyProbs             []float32
	memory                  []float32
	value                   []float32
}

func newOutputs(m *Model, batch int) *outputs {
	s := m.spec
	o := &outputs{model: m, batch: batch}
	if s.Continuous != nil {
		o.continuous = make([]float32, batch*len(s.Continuous.W))
		o.continuousDeterministic = make([]float32, batch*len(s.Continuous.W))
	}
	if s.Discrete != nil {
		if m.legacy() {
			o.legacyProbs = make([]float32, batch*len(s.Discrete.W))
		} else {
			o.discrete = make([]int32, batch*len(s.Discrete.Branches))
			o.discreteDeterministic = make([]int32, batch*len(s.Discrete.Branches))
		}
	}
	if s.MemorySize > 0 {
		o.memory = make([]float32, batch*s.MemorySize)
	}
	if s.Value != nil {
		o.value = make([]float32, batch)
	}
	return o
}

func (o *outputs) tensors() map[string]*tensor.Tensor {
	s := o.model.spec
	b := int64(o.batch)
	out := make(map[string]*tensor.Tensor)
	put := func(t *tensor.Tensor) { out[t.Name] = t }

	put(constant(model.VersionNumber, float32(s.Version)))
	put(constant(model.MemorySize, float32(s.MemorySize)))

	if o.model.legacy() {
		if s.Continuous != nil {
			n := int64(len(s.Continuous.W))
			put(constant(model.IsContinuousControlDeprecated, 1))
			put(constant(model.ActionOutputShapeDeprecated, float32(n)))
			put(tensor.FromFloats(model.ActionOutputDeprecated, []int64{b, n}, o.continuous))
		} else {
			n := int64(len(s.Discrete.W))
			put(constant(model.IsContinuousControlDeprecated, 0))
			put(constant(model.ActionOutputShapeDeprecated, float32(n)))
			put(tensor.FromFloats(model.ActionOutputDeprecated, []int64{b, n}, o.legacyProbs))
		}
	} else {
		if s.Continuous != nil {
			n := int64(len(s.Continuous.W))
			put(constant(model.ContinuousActionOutputShape, float32(n)))
			put(tensor.FromFloats(model.ContinuousActionOutput, []int64{b, n}, o.continuous))
			if s.Deterministic {
				put(tensor.FromFloats(model.DeterministicContinuousActionOutput, []int64{b, n}, o.continuousDeterministic))
			}
		}
		if s.Discrete != nil {
			nb := int64(len(s.Discrete.Branches))
			branches := make([]float32, nb)
			for i, size := range s.Discrete.Branches {
				branches[i] = float32(size)
			}
			put(tensor.FromFloats(model.DiscreteActionOutputShape, []int64{nb}, branches))
			put(tensor.FromInts(model.DiscreteActionOutput, []int64{b, nb}, o.discrete))
			if s.Deterministic {
				put(tensor.FromInts(model.DeterministicDiscreteActionOutput, []int64{b, nb}, o.discreteDeterministic))
			}
		}
	}
	if s.MemorySize > 0 {
		put(tensor.FromFloats(model.RecurrentOutput, []int64{b, int64(s.MemorySize)}, o.memory))
	}
	if s.Value != nil {
		put(tensor.FromFloats(model.ValueEstimateOutput, []int64{b, 1}, o.value))
	}
	return out
}

func constant(name string, v float32) *tensor.Tensor {
	return tensor.FromFloats(name, []int64{1}, []float32{v})
}
