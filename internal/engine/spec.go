// Package engine is an in-process executor for small linear policies described in YAML.
// It speaks the same tensor contract as exported policies: observation inputs, action
// masks, recurrent state and the constant marker outputs read at load time.
package engine

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cartridge/inference/internal/model"
)

// ErrInvalidSpec is returned for a policy file that cannot describe a runnable model.
var ErrInvalidSpec = errors.New("invalid linear policy")

// Head is a dense layer: one weight row per output plus a bias.
type Head struct {
	W [][]float32 `yaml:"w"`
	B []float32   `yaml:"b"`
}

// DiscreteHead produces logits for every choice of every branch, branch after branch.
type DiscreteHead struct {
	Head     `yaml:",inline"`
	Branches []int32 `yaml:"branches"`
}

// Spec describes a linear policy. Features are the concatenated observations followed by
// the recurrent state when MemorySize is positive.
type Spec struct {
	Name    string `yaml:"name"`
	Version int    `yaml:"version"`
	// Observations lists the vector size of each sensor, in sensor order.
	Observations []int `yaml:"observations"`
	MemorySize   int   `yaml:"memory_size"`
	// MemoryDecay weights the previous state against the new features.
	MemoryDecay float32 `yaml:"memory_decay"`
	// NoiseScale multiplies the epsilon input added to stochastic continuous actions.
	NoiseScale float32 `yaml:"noise_scale"`
	// Deterministic also exposes the deterministic_* outputs.
	Deterministic bool  `yaml:"deterministic"`
	Seed          int64 `yaml:"seed"`

	Continuous *Head         `yaml:"continuous"`
	Discrete   *DiscreteHead `yaml:"discrete"`
	Value      *Head         `yaml:"value"`
}

// Load reads and validates a policy file.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes a YAML policy.
func Parse(data []byte) (*Model, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return New(spec)
}

// FeatureSize is the width of the layer input.
func (s Spec) FeatureSize() int {
	n := s.MemorySize
	for _, size := range s.Observations {
		n += size
	}
	return n
}

// ObservationSize is the total width of every observation.
func (s Spec) ObservationSize() int {
	return s.FeatureSize() - s.MemorySize
}

// Validate checks that the layers fit the feature width and the format version.
func (s Spec) Validate() error {
	if s.Version < model.MinSupportedVersion || s.Version > model.MaxSupportedVersion {
		return fmt.Errorf("%w: version %d", ErrInvalidSpec, s.Version)
	}
	if len(s.Observations) == 0 {
		return fmt.Errorf("%w: no observations", ErrInvalidSpec)
	}
	for i, size := range s.Observations {
		if size <= 0 {
			return fmt.Errorf("%w: observation %d has size %d", ErrInvalidSpec, i, size)
		}
	}
	if s.MemorySize < 0 {
		return fmt.Errorf("%w: negative memory size", ErrInvalidSpec)
	}
	if s.MemoryDecay < 0 || s.MemoryDecay > 1 {
		return fmt.Errorf("%w: memory_decay must be within [0, 1]", ErrInvalidSpec)
	}
	if s.Continuous == nil && s.Discrete == nil {
		return fmt.Errorf("%w: no action head", ErrInvalidSpec)
	}
	if s.Version == model.VersionLegacy && s.Continuous != nil && s.Discrete != nil {
		return fmt.Errorf("%w: legacy policies have a single action head", ErrInvalidSpec)
	}

	features := s.FeatureSize()
	if s.Continuous != nil {
		if err := s.Continuous.validate("continuous", -1, features); err != nil {
			return err
		}
	}
	if s.Discrete != nil {
		if len(s.Discrete.Branches) == 0 {
			return fmt.Errorf("%w: discrete head has no branches", ErrInvalidSpec)
		}
		sum := 0
		for i, b := range s.Discrete.Branches {
			if b <= 0 {
				return fmt.Errorf("%w: branch %d has size %d", ErrInvalidSpec, i, b)
			}
			sum += int(b)
		}
		if err := s.Discrete.validate("discrete", sum, features); err != nil {
			return err
		}
	}
	if s.Value != nil {
		if err := s.Value.validate("value", 1, features); err != nil {
			return err
		}
	}
	return nil
}

func (h Head) validate(name string, rows, cols int) error {
	if len(h.W) == 0 {
		return fmt.Errorf("%w: %s head has no weights", ErrInvalidSpec, name)
	}
	if rows >= 0 && len(h.W) != rows {
		return fmt.Errorf("%w: %s head has %d rows, want %d", ErrInvalidSpec, name, len(h.W), rows)
	}
	if len(h.B) != len(h.W) {
		return fmt.Errorf("%w: %s head has %d biases for %d rows", ErrInvalidSpec, name, len(h.B), len(h.W))
	}
	for i, row := range h.W {
		if len(row) != cols {
			return fmt.Errorf("%w: %s row %d has %d weights, want %d", ErrInvalidSpec, name, i, len(row), cols)
		}
	}
	return nil
}

// forward writes W·x+b into out.
func (h Head) forward(x, out []float32) {
	for i, row := range h.W {
		v := h.B[i]
		for j, w := range row {
			v += w * x[j]
		}
		out[i] = v
	}
}
