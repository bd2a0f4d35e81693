package inference

import (
	"errors"
	"fmt"

	"github.com/cartridge/inference/internal/action"
	"github.com/cartridge/inference/internal/model"
	"github.com/cartridge/inference/internal/sensor"
)

var (
	// ErrUnknownTensor indicates a declared model input has no generator.
	ErrUnknownTensor = errors.New("no generator registered for tensor")
	// ErrUnsupportedRank indicates a sensor rank the model format cannot consume.
	ErrUnsupportedRank = errors.New("unsupported observation rank")
	// ErrSensorLayout indicates an agent's sensors disagree with the initialized layout.
	ErrSensorLayout = errors.New("sensor layout mismatch")
)

// ConfigError reports a mismatch between the model and the agent setup. It aborts the
// current step and is not retried.
type ConfigError struct {
	Tensor string
	Sensor string
	Err    error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Sensor != "" && e.Tensor != "":
		return fmt.Sprintf("tensor %s, sensor %s: %v", e.Tensor, e.Sensor, e.Err)
	case e.Sensor != "":
		return fmt.Sprintf("sensor %s: %v", e.Sensor, e.Err)
	default:
		return fmt.Sprintf("tensor %s: %v", e.Tensor, e.Err)
	}
}

func (e *ConfigError) Unwrap() error { return e.Err }

// AgentInfo is one agent's decision request for the current step.
type AgentInfo struct {
	EpisodeID     int
	Done          bool
	StoredActions action.Buffers
	// DiscreteActionMasks is flattened across branches; true marks a disallowed choice.
	DiscreteActionMasks []bool
	Sensors             []sensor.Sensor
}

// Role is the closed set of tensors the runner knows how to produce or consume.
type Role int

const (
	RoleBatchSize Role = iota
	RoleSequenceLength
	RoleRecurrentInput
	RolePreviousAction
	RoleActionMask
	RoleRandomNormal
	RoleVectorObservation
	RoleObservation
	RoleContinuousOutput
	RoleDiscreteOutput
	RoleLegacyDiscreteOutput
	RoleRecurrentOutput
	RoleValueEstimate
	// RoleAuxiliaryOutput is any other declared output; it is fetched but never decoded.
	RoleAuxiliaryOutput
)

var roleNames = [...]string{
	RoleBatchSize:            "batch_size",
	RoleSequenceLength:       "sequence_length",
	RoleRecurrentInput:       "recurrent_input",
	RolePreviousAction:       "previous_action",
	RoleActionMask:           "action_mask",
	RoleRandomNormal:         "random_normal",
	RoleVectorObservation:    "vector_observation",
	RoleObservation:          "observation",
	RoleContinuousOutput:     "continuous_output",
	RoleDiscreteOutput:       "discrete_output",
	RoleLegacyDiscreteOutput: "legacy_discrete_output",
	RoleRecurrentOutput:      "recurrent_output",
	RoleValueEstimate:        "value_estimate",
	RoleAuxiliaryOutput:      "auxiliary_output",
}

func (r Role) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Binding maps a tensor name to its role. Observation bindings carry the indices of the
// sensors, in the agent's sensor order, that are written into the tensor.
type Binding struct {
	Role    Role
	Sensors []int
}

// inputBindings returns the fixed, non-observation input table for meta.
func inputBindings(meta *model.Metadata) map[string]Binding {
	table := map[string]Binding{
		model.BatchSizePlaceholder:           {Role: RoleBatchSize},
		model.SequenceLengthPlaceholder:      {Role: RoleSequenceLength},
		model.RecurrentInPlaceholder:         {Role: RoleRecurrentInput},
		model.PreviousActionPlaceholder:      {Role: RolePreviousAction},
		model.ActionMaskPlaceholder:          {Role: RoleActionMask},
		model.RandomNormalEpsilonPlaceholder: {Role: RoleRandomNormal},
	}
	for name := range table {
		if !meta.HasInput(name) {
			delete(table, name)
		}
	}
	return table
}

// outputBindings returns the outputs fetched after each execution, keyed by name.
func outputBindings(meta *model.Metadata) map[string]Binding {
	table := make(map[string]Binding)
	if meta.HasContinuousOutputs {
		table[meta.ContinuousOutputName] = Binding{Role: RoleContinuousOutput}
	}
	if meta.HasDiscreteOutputs {
		role := RoleDiscreteOutput
		if meta.Legacy {
			role = RoleLegacyDiscreteOutput
		}
		table[meta.DiscreteOutputName] = Binding{Role: role}
	}
	if meta.HasRecurrentMemory() && meta.HasOutput(model.RecurrentOutput) {
		table[model.RecurrentOutput] = Binding{Role: RoleRecurrentOutput}
	}
	if meta.HasOutput(model.ValueEstimateOutput) {
		table[model.ValueEstimateOutput] = Binding{Role: RoleValueEstimate}
	}
	for _, name := range meta.OutputNames {
		if _, bound := table[name]; bound || reservedOutputs[name] {
			continue
		}
		table[name] = Binding{Role: RoleAuxiliaryOutput}
	}
	return table
}

// reservedOutputs are outputs with a fixed meaning that are never bound as auxiliary:
// marker constants, and action outputs not selected for this inference mode.
var reservedOutputs = map[string]bool{
	model.VersionNumber:                       true,
	model.MemorySize:                          true,
	model.ContinuousActionOutputShape:         true,
	model.DiscreteActionOutputShape:           true,
	model.IsContinuousControlDeprecated:       true,
	model.ActionOutputShapeDeprecated:         true,
	model.ActionOutputDeprecated:              true,
	model.ContinuousActionOutput:              true,
	model.DiscreteActionOutput:                true,
	model.DeterministicContinuousActionOutput: true,
	model.DeterministicDiscreteActionOutput:   true,
	model.RecurrentOutput:                     true,
}
