package model

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/cartridge/inference/internal/action"
	"github.com/cartridge/inference/internal/sensor"
)

// Severity grades a failed load-time check.
type Severity int

const (
	// SeverityWarning allows inference with reduced capability.
	SeverityWarning Severity = iota
	// SeverityError forbids inference with the model.
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityError {
		return "error"
	}
	return "warning"
}

// MarshalText renders the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// FailedCheck is one problem found while validating a model.
type FailedCheck struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

func warnf(format string, args ...any) FailedCheck {
	return FailedCheck{Severity: SeverityWarning, Message: fmt.Sprintf(format, args...)}
}

func errorf(format string, args ...any) FailedCheck {
	return FailedCheck{Severity: SeverityError, Message: fmt.Sprintf(format, args...)}
}

// CheckExpectedTensors validates the model's marker tensors and, when supplied, its
// agreement with the agent's action spec and sensor layout. A zero spec or nil sensors
// skips the corresponding checks.
func CheckExpectedTensors(meta *Metadata, spec action.Spec, sensors []sensor.ObservationSpec) []FailedCheck {
	var checks []FailedCheck

	if !meta.Markers.Version {
		checks = append(checks, errorf("model does not expose a %s tensor; it was not exported by a supported trainer", VersionNumber))
	} else if meta.Version < MinSupportedVersion || meta.Version > MaxSupportedVersion {
		checks = append(checks, errorf("model version %d is not supported; supported versions are %d to %d",
			meta.Version, MinSupportedVersion, MaxSupportedVersion))
	}
	if !meta.Markers.MemorySize {
		checks = append(checks, errorf("model does not expose a %s tensor", MemorySize))
	}

	checks = append(checks, checkActionOutputs(meta)...)
	if HasErrors(checks) {
		return checks
	}

	if spec.NumContinuous > 0 || spec.NumDiscrete() > 0 {
		checks = append(checks, checkActionSpec(meta, spec)...)
	}
	if sensors != nil {
		checks = append(checks, checkObservations(meta, sensors)...)
	}
	if meta.HasRecurrentMemory() {
		if !meta.HasInput(RecurrentInPlaceholder) {
			checks = append(checks, warnf("model has memory size %d but no %s input", meta.MemorySize, RecurrentInPlaceholder))
		}
		if !meta.HasOutput(RecurrentOutput) {
			checks = append(checks, warnf("model has memory size %d but no %s output; memories will not persist", meta.MemorySize, RecurrentOutput))
		}
	}
	return checks
}

func checkActionOutputs(meta *Metadata) []FailedCheck {
	var checks []FailedCheck
	if meta.Markers.StochasticContinuousOnly || meta.Markers.StochasticDiscreteOnly {
		checks = append(checks, errorf("deterministic inference was requested but the model only exposes stochastic action outputs"))
	}
	if !meta.Legacy {
		if meta.Markers.ContinuousActionTensor && !meta.Markers.ContinuousShape {
			checks = append(checks, warnf("model exposes continuous actions but no %s tensor; continuous actions are disabled",
				ContinuousActionOutputShape))
		}
		if meta.Markers.DiscreteActionTensor && !meta.Markers.DiscreteShape {
			checks = append(checks, warnf("model exposes discrete actions but no %s tensor; discrete actions are disabled",
				DiscreteActionOutputShape))
		}
	}
	if meta.Legacy && !meta.HasOutput(ActionOutputDeprecated) {
		checks = append(checks, errorf("model does not expose the %s output named by its legacy markers", ActionOutputDeprecated))
	}
	if !meta.HasContinuousOutputs && !meta.HasDiscreteOutputs && !meta.Markers.StochasticContinuousOnly && !meta.Markers.StochasticDiscreteOnly {
		checks = append(checks, errorf("model does not contain any action output tensor"))
	}
	return checks
}

func checkActionSpec(meta *Metadata, spec action.Spec) []FailedCheck {
	var checks []FailedCheck
	switch {
	case spec.NumContinuous > 0 && !meta.HasContinuousOutputs:
		checks = append(checks, warnf("agent expects %d continuous actions but the model has no continuous output", spec.NumContinuous))
	case meta.HasContinuousOutputs && meta.ContinuousOutputSize != spec.NumContinuous:
		checks = append(checks, errorf("continuous action size of the model (%d) does not match the agent (%d)",
			meta.ContinuousOutputSize, spec.NumContinuous))
	}
	switch {
	case spec.NumDiscrete() > 0 && !meta.HasDiscreteOutputs:
		checks = append(checks, warnf("agent expects %d discrete branches but the model has no discrete output", spec.NumDiscrete()))
	case meta.HasDiscreteOutputs && meta.DiscreteOutputSize != spec.SumBranchSizes():
		checks = append(checks, errorf("discrete action size of the model (%d) does not match the agent branches %v",
			meta.DiscreteOutputSize, spec.BranchSizes))
	case meta.HasDiscreteOutputs && len(meta.DiscreteBranchSizes) > 0 && !slices.Equal(meta.DiscreteBranchSizes, spec.BranchSizes):
		checks = append(checks, errorf("discrete branch sizes of the model %v do not match the agent %v",
			meta.DiscreteBranchSizes, spec.BranchSizes))
	}
	return checks
}

func checkObservations(meta *Metadata, sensors []sensor.ObservationSpec) []FailedCheck {
	var checks []FailedCheck
	if meta.PerSensorObservations() {
		for i, s := range sensors {
			if s.Rank() < 1 || s.Rank() > 3 {
				checks = append(checks, errorf("sensor %d has unsupported rank %d", i, s.Rank()))
				continue
			}
			declared, ok := meta.Inputs[ObservationName(i)]
			if !ok {
				continue
			}
			if !shapeMatches(declared.Shape, s.Shape) {
				checks = append(checks, errorf("observation %s has shape %v but sensor %d provides %v",
					declared.Name, declared.Shape, i, s.Shape))
			}
		}
		for _, name := range meta.InputNames {
			if !strings.HasPrefix(name, ObservationPrefix) {
				continue
			}
			var idx int
			if _, err := fmt.Sscanf(name, ObservationPrefix+"%d", &idx); err == nil && idx >= len(sensors) {
				checks = append(checks, errorf("model expects observation %s but the agent has %d sensors", name, len(sensors)))
			}
		}
		return checks
	}

	vectorSize, visual := 0, 0
	for i, s := range sensors {
		switch s.Rank() {
		case 1:
			vectorSize += s.Size()
		case 3:
			declared, ok := meta.Inputs[VisualObservationName(visual)]
			if !ok {
				checks = append(checks, errorf("model has no %s input for visual sensor %d", VisualObservationName(visual), i))
			} else if !shapeMatches(declared.Shape, s.Shape) {
				checks = append(checks, errorf("visual observation %s has shape %v but sensor %d provides %v",
					declared.Name, declared.Shape, i, s.Shape))
			}
			visual++
		default:
			checks = append(checks, errorf("sensor %d has unsupported rank %d for a version %d model", i, s.Rank(), meta.Version))
		}
	}
	if declared, ok := meta.Inputs[VectorObservationPlaceholder]; ok {
		if len(declared.Shape) == 2 && declared.Shape[1] >= 0 && int(declared.Shape[1]) != vectorSize {
			checks = append(checks, errorf("vector observation size of the model (%d) does not match the sensors (%d)",
				declared.Shape[1], vectorSize))
		}
	}
	if visual < meta.NumVisualInputs {
		checks = append(checks, errorf("model expects %d visual observations but the agent has %d", meta.NumVisualInputs, visual))
	}
	return checks
}

// shapeMatches compares a declared batch-leading shape with a sensor shape, ignoring
// dynamic dimensions.
func shapeMatches(declared []int64, observed []int) bool {
	if len(declared) != len(observed)+1 {
		return false
	}
	for i, d := range declared[1:] {
		if d >= 0 && int(d) != observed[i] {
			return false
		}
	}
	return true
}

// HasErrors reports whether any check has error severity.
func HasErrors(checks []FailedCheck) bool {
	return slices.ContainsFunc(checks, func(c FailedCheck) bool { return c.Severity == SeverityError })
}

// Err joins error-severity checks into an ErrModelRejected, or returns nil.
func Err(checks []FailedCheck) error {
	var msgs []string
	for _, c := range checks {
		if c.Severity == SeverityError {
			msgs = append(msgs, c.Message)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrModelRejected, strings.Join(msgs, "; "))
}

// IsRejected reports whether err came from Err.
func IsRejected(err error) bool {
	return errors.Is(err, ErrModelRejected)
}
