package inference

import (
	"fmt"
	"slices"

	"github.com/cartridge/inference/internal/action"
	"github.com/cartridge/inference/internal/model"
	"github.com/cartridge/inference/internal/tensor"
)

// TensorApplier decodes output tensors into the decision cache and memory store.
type TensorApplier struct {
	spec  action.Spec
	table map[string]Binding
	names []string
}

// NewTensorApplier builds the output table for meta. spec sizes newly created action
// buffers and splits legacy discrete logits into branches.
func NewTensorApplier(meta *model.Metadata, spec action.Spec) *TensorApplier {
	table := outputBindings(meta)
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	slices.Sort(names)
	return &TensorApplier{spec: spec, table: table, names: names}
}

// OutputNames lists the outputs to fetch after each execution, sorted.
func (a *TensorApplier) OutputNames() []string { return a.names }

// Binding returns the strategy bound to an output name.
func (a *TensorApplier) Binding(name string) (Binding, bool) {
	b, ok := a.table[name]
	return b, ok
}

// Apply decodes t for the batch. Row i of t belongs to infos[i]. Finished episodes are
// never written.
func (a *TensorApplier) Apply(t *tensor.Tensor, infos []AgentInfo, state stepState) error {
	b, ok := a.table[t.Name]
	if !ok {
		return &ConfigError{Tensor: t.Name, Err: fmt.Errorf("%w: no applier", ErrUnknownTensor)}
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("output %s: %w", t.Name, err)
	}
	shapeOnly := b.Role == RoleValueEstimate || b.Role == RoleAuxiliaryOutput
	if t.BatchSize() < len(infos) && !shapeOnly {
		return fmt.Errorf("output %s has %d rows for a batch of %d", t.Name, t.BatchSize(), len(infos))
	}
	switch b.Role {
	case RoleContinuousOutput:
		return a.applyContinuous(t, infos, state.actions)
	case RoleDiscreteOutput:
		a.applyDiscrete(t, infos, state.actions)
	case RoleLegacyDiscreteOutput:
		return a.applyLegacyDiscrete(t, infos, state.actions)
	case RoleRecurrentOutput:
		return a.applyRecurrent(t, infos, state.memories)
	case RoleValueEstimate, RoleAuxiliaryOutput:
		// consumed outside of the decision path
	default:
		return &ConfigError{Tensor: t.Name, Err: fmt.Errorf("%w: role %s is not an output", ErrUnknownTensor, b.Role)}
	}
	return nil
}

// writable returns a fresh copy of the episode's buffers, or false when the episode is
// finished or was never requested.
func (a *TensorApplier) writable(info AgentInfo, actions *DecisionCache) (action.Buffers, bool) {
	if info.Done {
		return action.Buffers{}, false
	}
	current, ok := actions.Get(info.EpisodeID)
	if !ok {
		return action.Buffers{}, false
	}
	if current.IsEmpty() {
		return action.NewBuffers(a.spec), true
	}
	return current.Clone(), true
}

func (a *TensorApplier) applyContinuous(t *tensor.Tensor, infos []AgentInfo, actions *DecisionCache) error {
	data, err := t.Floats()
	if err != nil {
		return err
	}
	width := t.RowWidth()
	for i, info := range infos {
		buf, ok := a.writable(info, actions)
		if !ok {
			continue
		}
		row := data[i*width : (i+1)*width]
		if len(buf.Continuous) != width {
			buf.Continuous = make([]float32, width)
		}
		copy(buf.Continuous, row)
		actions.Set(info.EpisodeID, buf)
	}
	return nil
}

func (a *TensorApplier) applyDiscrete(t *tensor.Tensor, infos []AgentInfo, actions *DecisionCache) {
	width := t.RowWidth()
	for i, info := range infos {
		buf, ok := a.writable(info, actions)
		if !ok {
			continue
		}
		if len(buf.Discrete) != width {
			buf.Discrete = make([]int32, width)
		}
		for j := range buf.Discrete {
			buf.Discrete[j] = int32(t.At(i*width + j))
		}
		actions.Set(info.EpisodeID, buf)
	}
}

func (a *TensorApplier) applyLegacyDiscrete(t *tensor.Tensor, infos []AgentInfo, actions *DecisionCache) error {
	data, err := t.Floats()
	if err != nil {
		return err
	}
	width := t.RowWidth()
	branches := a.spec.BranchSizes
	if len(branches) == 0 {
		branches = []int32{int32(width)}
	}
	if sum := a.spec.SumBranchSizes(); len(a.spec.BranchSizes) > 0 && sum > width {
		return fmt.Errorf("output %s has %d logits per row, branches need %d", t.Name, width, sum)
	}
	for i, info := range infos {
		buf, ok := a.writable(info, actions)
		if !ok {
			continue
		}
		if len(buf.Discrete) != len(branches) {
			buf.Discrete = make([]int32, len(branches))
		}
		row := data[i*width : (i+1)*width]
		offset := 0
		for branch, size := range branches {
			logits := row[offset : offset+int(size)]
			var mask []bool
			if info.DiscreteActionMasks != nil {
				end := min(offset+int(size), len(info.DiscreteActionMasks))
				if offset < end {
					mask = info.DiscreteActionMasks[offset:end]
				}
			}
			buf.Discrete[branch] = int32(MaskedArgmax(logits, mask))
			offset += int(size)
		}
		actions.Set(info.EpisodeID, buf)
	}
	return nil
}

// MaskedArgmax returns the index of the largest logit after zeroing masked entries.
// Ties resolve to the first index, so a fully masked branch selects 0.
func MaskedArgmax(logits []float32, mask []bool) int {
	best := 0
	bestValue := float32(0)
	for i, v := range logits {
		if i < len(mask) && mask[i] {
			v = 0
		}
		if i == 0 || v > bestValue {
			best, bestValue = i, v
		}
	}
	return best
}

func (a *TensorApplier) applyRecurrent(t *tensor.Tensor, infos []AgentInfo, memories *MemoryStore) error {
	data, err := t.Floats()
	if err != nil {
		return err
	}
	width := t.RowWidth()
	for i, info := range infos {
		if info.Done {
			continue
		}
		memories.Set(info.EpisodeID, data[i*width:(i+1)*width])
	}
	return nil
}
