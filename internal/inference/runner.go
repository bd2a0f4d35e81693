// Package inference batches agent decision requests into model inputs, runs the model
// once per step, and scatters its outputs back into per-agent actions.
package inference

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/cartridge/inference/internal/action"
	"github.com/cartridge/inference/internal/model"
	"github.com/cartridge/inference/internal/sensor"
	"github.com/cartridge/inference/internal/tensor"
)

// ErrClosed is returned by DecideBatch after Close.
var ErrClosed = errors.New("runner closed")

// Option configures a Runner.
type Option func(*Runner)

// WithSeed sets the seed of the random normal input. The default is 0.
func WithSeed(seed int64) Option {
	return func(r *Runner) { r.seed = seed }
}

// WithLogger sets the runner's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// BatchStats describes one executed batch.
type BatchStats struct {
	BatchSize int
	Finished  int
	Duration  time.Duration
}

// Runner accumulates decision requests for a step and decides them in one model pass.
// It is not safe for concurrent use; a single step driver owns it.
type Runner struct {
	model  model.Model
	device model.Device
	meta   *model.Metadata
	spec   action.Spec
	seed   int64
	logger zerolog.Logger

	exec      model.Executor
	generator *TensorGenerator
	applier   *TensorApplier
	inputs    []*tensor.Tensor

	pending  []AgentInfo
	memories *MemoryStore
	actions  *DecisionCache
	last     BatchStats
	closed   bool
}

// NewRunner creates a runner for a model whose metadata was already inspected and checked.
func NewRunner(m model.Model, meta *model.Metadata, spec action.Spec, device model.Device, opts ...Option) (*Runner, error) {
	r := &Runner{
		model:    m,
		device:   device,
		meta:     meta,
		spec:     spec,
		logger:   zerolog.New(io.Discard),
		memories: NewMemoryStore(meta.MemorySize),
		actions:  NewDecisionCache(),
	}
	for _, opt := range opts {
		opt(r)
	}

	exec, err := m.NewExecutor(device)
	if err != nil {
		return nil, fmt.Errorf("failed to create executor for %s on %s: %w", m.Name(), device, err)
	}
	r.exec = exec
	r.generator = NewTensorGenerator(meta, r.seed)
	r.applier = NewTensorApplier(meta, spec)

	for _, name := range meta.InputNames {
		spec := meta.Inputs[name]
		r.inputs = append(r.inputs, tensor.New(name, spec.DType, spec.Shape))
	}

	r.logger.Debug().
		Str("model", m.Name()).
		Str("device", string(device)).
		Int("version", meta.Version).
		Int("memory_size", meta.MemorySize).
		Strs("inputs", meta.InputNames).
		Strs("outputs", r.applier.OutputNames()).
		Msg("Runner initialized")
	return r, nil
}

// Metadata returns the model metadata the runner was built from.
func (r *Runner) Metadata() *model.Metadata { return r.meta }

// ActionSpec returns the agent action spec the runner decodes into.
func (r *Runner) ActionSpec() action.Spec { return r.spec }

// BatchSize is the number of requests queued for the current step.
func (r *Runner) BatchSize() int { return len(r.pending) }

// LastBatch describes the most recently executed batch.
func (r *Runner) LastBatch() BatchStats { return r.last }

// HasModel reports whether the runner already serves m on device. Models whose dynamic
// type is not comparable never match.
func (r *Runner) HasModel(m model.Model, device model.Device) bool {
	return r.device == device && sameModel(r.model, m)
}

func sameModel(a, b model.Model) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

// InitializeObservations binds observation inputs to the layout of sensors. DecideBatch
// calls it with the first request's sensors when it has not run yet.
func (r *Runner) InitializeObservations(sensors []sensor.Sensor) error {
	return r.generator.InitializeObservations(sensors)
}

// PutObservations queues a decision request for the current step. A finished episode
// loses its cached action and memory immediately.
func (r *Runner) PutObservations(info AgentInfo) {
	r.pending = append(r.pending, info)
	if info.Done {
		r.actions.Delete(info.EpisodeID)
		r.memories.Delete(info.EpisodeID)
		return
	}
	r.actions.Reserve(info.EpisodeID)
}

// DecideBatch runs the model on every queued request and caches the decoded actions.
// An empty step is a no-op. Pending requests are cleared whether or not it succeeds.
func (r *Runner) DecideBatch() error {
	if r.closed {
		return ErrClosed
	}
	if len(r.pending) == 0 {
		return nil
	}
	defer r.clearPending()

	start := time.Now()
	if !r.generator.Initialized() {
		if err := r.InitializeObservations(r.pending[0].Sensors); err != nil {
			return fmt.Errorf("failed to initialize observations: %w", err)
		}
	}

	state := stepState{memories: r.memories, actions: r.actions}
	if err := r.generator.Generate(r.inputs, r.pending, state); err != nil {
		return fmt.Errorf("failed to generate inputs: %w", err)
	}
	for _, t := range r.inputs {
		if err := r.exec.SetInput(t.Name, t); err != nil {
			return fmt.Errorf("failed to set input %s: %w", t.Name, err)
		}
	}
	if err := r.exec.Schedule(); err != nil {
		return fmt.Errorf("failed to execute %s: %w", r.model.Name(), err)
	}

	for _, name := range r.applier.OutputNames() {
		out, ok := r.exec.PeekOutput(name)
		if !ok {
			r.logger.Warn().Str("tensor", name).Msg("Model output missing, skipping")
			continue
		}
		if err := r.applier.Apply(out, r.pending, state); err != nil {
			return fmt.Errorf("failed to apply output %s: %w", name, err)
		}
	}

	finished := 0
	for _, info := range r.pending {
		if info.Done {
			finished++
		}
	}
	r.last = BatchStats{BatchSize: len(r.pending), Finished: finished, Duration: time.Since(start)}
	r.logger.Debug().
		Int("batch_size", r.last.BatchSize).
		Int("finished", finished).
		Dur("duration", r.last.Duration).
		Msg("Batch decided")
	return nil
}

// GetAction returns the latest decided actions for an episode, or action.Empty.
func (r *Runner) GetAction(episodeID int) action.Buffers {
	b, ok := r.actions.Get(episodeID)
	if !ok {
		return action.Empty
	}
	return b
}

// Memory returns the stored recurrent state of an episode.
func (r *Runner) Memory(episodeID int) ([]float32, bool) {
	return r.memories.Get(episodeID)
}

// Close releases the executor and input buffers. It is safe to call more than once.
func (r *Runner) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.inputs = nil
	r.pending = nil
	return r.exec.Close()
}

func (r *Runner) clearPending() {
	clear(r.pending)
	r.pending = r.pending[:0]
}
