package model

import "fmt"

// Input tensor names.
const (
	BatchSizePlaceholder           = "batch_size"
	SequenceLengthPlaceholder      = "sequence_length"
	VectorObservationPlaceholder   = "vector_observation"
	RecurrentInPlaceholder         = "recurrent_in"
	VisualObservationPrefix        = "visual_observation_"
	ObservationPrefix              = "obs_"
	PreviousActionPlaceholder      = "prev_action"
	ActionMaskPlaceholder          = "action_masks"
	RandomNormalEpsilonPlaceholder = "epsilon"
)

// Output tensor names.
const (
	ValueEstimateOutput                 = "value_estimate"
	RecurrentOutput                     = "recurrent_out"
	ContinuousActionOutput              = "continuous_actions"
	DiscreteActionOutput                = "discrete_actions"
	DeterministicContinuousActionOutput = "deterministic_continuous_actions"
	DeterministicDiscreteActionOutput   = "deterministic_discrete_actions"

	// ActionOutputDeprecated is the combined action output of legacy models.
	ActionOutputDeprecated = "action"
)

// Constant marker tensors read once at load time.
const (
	VersionNumber               = "version_number"
	MemorySize                  = "memory_size"
	ContinuousActionOutputShape = "continuous_action_output_shape"
	DiscreteActionOutputShape   = "discrete_action_output_shape"

	IsContinuousControlDeprecated = "is_continuous_control"
	ActionOutputShapeDeprecated   = "action_output_shape"
)

// Model format versions.
const (
	// VersionLegacy models share one vector observation tensor and may expose a
	// single combined action output.
	VersionLegacy = 2
	// VersionCurrent models name one observation tensor per sensor and split
	// continuous and discrete outputs.
	VersionCurrent = 3

	MinSupportedVersion = VersionLegacy
	MaxSupportedVersion = VersionCurrent
)

// ObservationName is the per-sensor observation input of current-format models.
func ObservationName(index int) string {
	return fmt.Sprintf("%s%d", ObservationPrefix, index)
}

// VisualObservationName is the visual observation input of legacy models.
func VisualObservationName(index int) string {
	return fmt.Sprintf("%s%d", VisualObservationPrefix, index)
}
