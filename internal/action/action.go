// Package action defines action spaces and the per-agent action values decoded from a policy.
package action

import "fmt"

// Spec describes an agent's action space: a continuous vector plus zero or more
// discrete branches, each with its own number of choices.
type Spec struct {
	NumContinuous int     `json:"num_continuous" yaml:"num_continuous"`
	BranchSizes   []int32 `json:"branch_sizes,omitempty" yaml:"branch_sizes"`
}

// NumDiscrete is the number of discrete branches.
func (s Spec) NumDiscrete() int {
	return len(s.BranchSizes)
}

// SumBranchSizes is the total number of discrete choices across all branches.
func (s Spec) SumBranchSizes() int {
	sum := 0
	for _, b := range s.BranchSizes {
		sum += int(b)
	}
	return sum
}

// Validate checks that s describes at least one action with positive branch sizes.
func (s Spec) Validate() error {
	if s.NumContinuous < 0 {
		return fmt.Errorf("num_continuous must be non-negative")
	}
	if s.NumContinuous == 0 && len(s.BranchSizes) == 0 {
		return fmt.Errorf("action spec has no actions")
	}
	for i, b := range s.BranchSizes {
		if b <= 0 {
			return fmt.Errorf("branch %d size must be positive, got %d", i, b)
		}
	}
	return nil
}

// Buffers holds one agent's continuous and discrete action values.
type Buffers struct {
	Continuous []float32 `json:"continuous,omitempty"`
	Discrete   []int32   `json:"discrete,omitempty"`
}

// Empty is the sentinel returned when no decision exists.
var Empty = Buffers{}

// NewBuffers allocates zeroed buffers sized for spec.
func NewBuffers(spec Spec) Buffers {
	return Buffers{
		Continuous: make([]float32, spec.NumContinuous),
		Discrete:   make([]int32, spec.NumDiscrete()),
	}
}

// IsEmpty reports whether b carries no action values.
func (b Buffers) IsEmpty() bool {
	return len(b.Continuous) == 0 && len(b.Discrete) == 0
}

// Clone returns a deep copy of b.
func (b Buffers) Clone() Buffers {
	return Buffers{
		Continuous: append([]float32(nil), b.Continuous...),
		Discrete:   append([]int32(nil), b.Discrete...),
	}
}
