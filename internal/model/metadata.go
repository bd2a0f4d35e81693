package model

import (
	"fmt"
	"slices"

	"github.com/cartridge/inference/internal/tensor"
)

// Metadata is derived from a model once at load time and is immutable afterwards.
type Metadata struct {
	ModelName     string `json:"model_name"`
	Deterministic bool   `json:"deterministic"`

	// InputNames are sorted so that tensors are always generated in the same order.
	InputNames  []string              `json:"input_names"`
	Inputs      map[string]TensorSpec `json:"inputs"`
	OutputNames []string              `json:"output_names"`

	Version         int `json:"version"`
	MemorySize      int `json:"memory_size"`
	NumVisualInputs int `json:"num_visual_inputs"`

	// Legacy is set when the model exposes only the combined action output markers.
	Legacy                        bool `json:"legacy"`
	SupportsContinuousAndDiscrete bool `json:"supports_continuous_and_discrete"`

	HasContinuousOutputs bool    `json:"has_continuous_outputs"`
	HasDiscreteOutputs   bool    `json:"has_discrete_outputs"`
	ContinuousOutputName string  `json:"continuous_output_name,omitempty"`
	DiscreteOutputName   string  `json:"discrete_output_name,omitempty"`
	ContinuousOutputSize int     `json:"continuous_output_size"`
	DiscreteOutputSize   int     `json:"discrete_output_size"`
	DiscreteBranchSizes  []int32 `json:"discrete_branch_sizes,omitempty"`

	Markers Markers `json:"markers"`
}

// Markers records which constant and action tensors the model exposes. Checks use it to
// explain why an action kind was disabled.
type Markers struct {
	Version                  bool `json:"version"`
	MemorySize               bool `json:"memory_size"`
	ContinuousShape          bool `json:"continuous_shape"`
	DiscreteShape            bool `json:"discrete_shape"`
	LegacyActionShape        bool `json:"legacy_action_shape"`
	LegacyIsContinuous       bool `json:"legacy_is_continuous"`
	ContinuousActionTensor   bool `json:"continuous_action_tensor"`
	DiscreteActionTensor     bool `json:"discrete_action_tensor"`
	StochasticContinuousOnly bool `json:"stochastic_continuous_only"`
	StochasticDiscreteOnly   bool `json:"stochastic_discrete_only"`
}

// HasInput reports whether the model declares the named input.
func (m *Metadata) HasInput(name string) bool {
	_, ok := m.Inputs[name]
	return ok
}

// HasOutput reports whether the model declares the named output.
func (m *Metadata) HasOutput(name string) bool {
	return slices.Contains(m.OutputNames, name)
}

// PerSensorObservations reports whether each sensor gets its own observation tensor.
func (m *Metadata) PerSensorObservations() bool {
	return m.Version >= VersionCurrent
}

// HasRecurrentMemory reports whether the model carries recurrent state between steps.
func (m *Metadata) HasRecurrentMemory() bool {
	return m.MemorySize > 0
}

// Inspect runs the model once on zero inputs and decodes its marker tensors.
// The inspection executor is closed before returning.
func Inspect(m Model, device Device, deterministic bool) (*Metadata, error) {
	exec, err := m.NewExecutor(device)
	if err != nil {
		return nil, fmt.Errorf("failed to create inspection executor for %s: %w", m.Name(), err)
	}
	defer exec.Close()

	meta := &Metadata{
		ModelName:     m.Name(),
		Deterministic: deterministic,
		Inputs:        make(map[string]TensorSpec),
		OutputNames:   append([]string(nil), m.Outputs()...),
	}
	for _, spec := range m.Inputs() {
		meta.Inputs[spec.Name] = spec
		meta.InputNames = append(meta.InputNames, spec.Name)
		if len(spec.Shape) == 4 {
			meta.NumVisualInputs++
		}
		if err := exec.SetInput(spec.Name, tensor.New(spec.Name, spec.DType, spec.Shape)); err != nil {
			return nil, fmt.Errorf("failed to set placeholder input %s: %w", spec.Name, err)
		}
	}
	slices.Sort(meta.InputNames)

	if err := exec.Schedule(); err != nil {
		return nil, fmt.Errorf("failed to run inspection pass for %s: %w", m.Name(), err)
	}

	peek := func(name string) (*tensor.Tensor, bool) {
		if !meta.HasOutput(name) {
			return nil, false
		}
		return exec.PeekOutput(name)
	}

	if t, ok := peek(VersionNumber); ok {
		v, _ := t.Scalar()
		meta.Version = int(v)
		meta.Markers.Version = true
	}
	if t, ok := peek(MemorySize); ok {
		v, _ := t.Scalar()
		meta.MemorySize = int(v)
		meta.Markers.MemorySize = true
	}

	continuousShape, hasContinuousShape := peek(ContinuousActionOutputShape)
	discreteShape, hasDiscreteShape := peek(DiscreteActionOutputShape)
	legacyShape, hasLegacyShape := peek(ActionOutputShapeDeprecated)
	legacyIsContinuous, hasLegacyIsContinuous := peek(IsContinuousControlDeprecated)
	meta.Markers.ContinuousShape = hasContinuousShape
	meta.Markers.DiscreteShape = hasDiscreteShape
	meta.Markers.LegacyActionShape = hasLegacyShape
	meta.Markers.LegacyIsContinuous = hasLegacyIsContinuous
	meta.SupportsContinuousAndDiscrete = hasContinuousShape || hasDiscreteShape

	if hasLegacyShape && hasLegacyIsContinuous && !meta.SupportsContinuousAndDiscrete {
		meta.decodeLegacyActions(legacyShape, legacyIsContinuous)
		return meta, nil
	}
	meta.decodeSplitActions(continuousShape, discreteShape)
	return meta, nil
}

func (m *Metadata) decodeLegacyActions(shape, isContinuous *tensor.Tensor) {
	m.Legacy = true
	width, _ := shape.Scalar()
	flag, _ := isContinuous.Scalar()
	// The marker alone selects the active kind; a missing action output is reported by
	// CheckExpectedTensors.
	exposed := m.HasOutput(ActionOutputDeprecated)
	if flag > 0 {
		m.Markers.ContinuousActionTensor = exposed
		m.HasContinuousOutputs = true
		m.ContinuousOutputName = ActionOutputDeprecated
		m.ContinuousOutputSize = int(width)
		return
	}
	m.Markers.DiscreteActionTensor = exposed
	m.HasDiscreteOutputs = true
	m.DiscreteOutputName = ActionOutputDeprecated
	m.DiscreteOutputSize = int(width)
}

func (m *Metadata) decodeSplitActions(continuousShape, discreteShape *tensor.Tensor) {
	continuousName, discreteName := ContinuousActionOutput, DiscreteActionOutput
	if m.Deterministic {
		continuousName, discreteName = DeterministicContinuousActionOutput, DeterministicDiscreteActionOutput
		m.Markers.StochasticContinuousOnly = !m.HasOutput(continuousName) && m.HasOutput(ContinuousActionOutput)
		m.Markers.StochasticDiscreteOnly = !m.HasOutput(discreteName) && m.HasOutput(DiscreteActionOutput)
	}
	m.Markers.ContinuousActionTensor = m.HasOutput(continuousName)
	m.Markers.DiscreteActionTensor = m.HasOutput(discreteName)

	if m.Markers.ContinuousActionTensor && continuousShape != nil {
		if width, ok := continuousShape.Scalar(); ok && width > 0 {
			m.HasContinuousOutputs = true
			m.ContinuousOutputName = continuousName
			m.ContinuousOutputSize = int(width)
		}
	}
	if m.Markers.DiscreteActionTensor && discreteShape != nil {
		var sum int
		var branches []int32
		for _, b := range discreteShape.Float64s() {
			sum += int(b)
			branches = append(branches, int32(b))
		}
		if sum > 0 {
			m.HasDiscreteOutputs = true
			m.DiscreteOutputName = discreteName
			m.DiscreteOutputSize = sum
			m.DiscreteBranchSizes = branches
		}
	}
}
