package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/inference/internal/action"
	"github.com/cartridge/inference/internal/model"
	"github.com/cartridge/inference/internal/sensor"
	"github.com/cartridge/inference/internal/tensor"
)

const currentPolicy = `
name: mixed
version: 3
observations: [2, 1]
deterministic: true
noise_scale: 0.5
seed: 3
continuous:
  w: [[1, 0, 0], [0, 1, 1]]
  b: [0, 0.5]
discrete:
  branches: [2, 3]
  w: [[1, 0, 0], [-1, 0, 0], [0, 0, 1], [0, 0, 2], [0, 0, 3]]
  b: [0, 0, 0, 0, 0]
value:
  w: [[1, 1, 1]]
  b: [0]
`

const legacyDiscretePolicy = `
version: 2
observations: [2]
memory_size: 2
memory_decay: 0.5
discrete:
  branches: [3]
  w: [[1, 0, 0, 0], [0, 1, 0, 0], [0, 0, 0, 0]]
  b: [0, 0, 0]
`

func mustParse(t *testing.T, doc string) *Model {
	t.Helper()
	m, err := Parse([]byte(doc))
	require.NoError(t, err)
	return m
}

func setAll(t *testing.T, exec model.Executor, inputs ...*tensor.Tensor) {
	t.Helper()
	for _, in := range inputs {
		require.NoError(t, exec.SetInput(in.Name, in))
	}
}

func floats(t *testing.T, exec model.Executor, name string) []float32 {
	t.Helper()
	out, ok := exec.PeekOutput(name)
	require.True(t, ok, name)
	data, err := out.Floats()
	require.NoError(t, err)
	return data
}

func TestDeclaredTensorsCurrentFormat(t *testing.T) {
	m := mustParse(t, currentPolicy)

	var names []string
	for _, in := range m.Inputs() {
		names = append(names, in.Name)
	}
	assert.ElementsMatch(t, []string{
		model.ObservationName(0), model.ObservationName(1), model.ActionMaskPlaceholder, model.RandomNormalEpsilonPlaceholder,
	}, names)
	assert.ElementsMatch(t, []string{
		model.VersionNumber, model.MemorySize,
		model.ContinuousActionOutputShape, model.ContinuousActionOutput, model.DeterministicContinuousActionOutput,
		model.DiscreteActionOutputShape, model.DiscreteActionOutput, model.DeterministicDiscreteActionOutput,
		model.ValueEstimateOutput,
	}, m.Outputs())
}

func TestInspectCurrentFormat(t *testing.T) {
	m := mustParse(t, currentPolicy)

	meta, err := model.Inspect(m, model.DeviceCPU, true)
	require.NoError(t, err)
	assert.Equal(t, model.VersionCurrent, meta.Version)
	assert.True(t, meta.SupportsContinuousAndDiscrete)
	assert.Equal(t, model.DeterministicContinuousActionOutput, meta.ContinuousOutputName)
	assert.Equal(t, 2, meta.ContinuousOutputSize)
	assert.Equal(t, model.DeterministicDiscreteActionOutput, meta.DiscreteOutputName)
	assert.Equal(t, []int32{2, 3}, meta.DiscreteBranchSizes)

	checks := model.CheckExpectedTensors(meta,
		action.Spec{NumContinuous: 2, BranchSizes: []int32{2, 3}},
		[]sensor.ObservationSpec{sensor.VectorSpec(2), sensor.VectorSpec(1)})
	assert.Empty(t, checks)
}

func TestInspectLegacyFormat(t *testing.T) {
	m := mustParse(t, legacyDiscretePolicy)

	meta, err := model.Inspect(m, model.DeviceCPU, false)
	require.NoError(t, err)
	assert.True(t, meta.Legacy)
	assert.False(t, meta.SupportsContinuousAndDiscrete)
	assert.True(t, meta.HasDiscreteOutputs)
	assert.False(t, meta.HasContinuousOutputs)
	assert.Equal(t, 3, meta.DiscreteOutputSize)
	assert.Equal(t, 2, meta.MemorySize)

	checks := model.CheckExpectedTensors(meta, action.Spec{BranchSizes: []int32{3}}, []sensor.ObservationSpec{sensor.VectorSpec(2)})
	assert.Empty(t, checks)
}

func TestScheduleCurrentFormat(t *testing.T) {
	m := mustParse(t, currentPolicy)
	exec, err := m.NewExecutor(model.DeviceCPU)
	require.NoError(t, err)
	defer exec.Close()

	setAll(t, exec,
		tensor.FromFloats(model.ObservationName(0), []int64{2, 2}, []float32{1, 2, -1, 0}),
		tensor.FromFloats(model.ObservationName(1), []int64{2, 1}, []float32{3, 0}),
		// row 0 masks the last choice of branch 1
		tensor.FromFloats(model.ActionMaskPlaceholder, []int64{2, 5}, []float32{1, 1, 1, 1, 0, 1, 1, 1, 1, 1}),
		tensor.FromFloats(model.RandomNormalEpsilonPlaceholder, []int64{2, 2}, []float32{1, -1, 0, 0}),
	)
	require.NoError(t, exec.Schedule())

	assert.Equal(t, []float32{1, 5.5, -1, 0.5}, floats(t, exec, model.DeterministicContinuousActionOutput))
	assert.Equal(t, []float32{1.5, 5, -1, 0.5}, floats(t, exec, model.ContinuousActionOutput))
	assert.Equal(t, []float32{6, -1}, floats(t, exec, model.ValueEstimateOutput))

	out, ok := exec.PeekOutput(model.DeterministicDiscreteActionOutput)
	require.True(t, ok)
	discrete, err := out.Ints()
	require.NoError(t, err)
	// branch 0 follows the sign of x0, branch 1 logits are x2, 2*x2 and 3*x2
	assert.Equal(t, []int32{0, 1, 1, 0}, discrete)

	shape := floats(t, exec, model.DiscreteActionOutputShape)
	assert.Equal(t, []float32{2, 3}, shape)
}

func TestScheduleLegacyDiscreteEmitsMaskedProbabilities(t *testing.T) {
	m := mustParse(t, legacyDiscretePolicy)
	exec, err := m.NewExecutor(model.DeviceGPU)
	require.NoError(t, err)

	setAll(t, exec,
		tensor.FromFloats(model.VectorObservationPlaceholder, []int64{1, 2}, []float32{0, 5}),
		tensor.FromFloats(model.ActionMaskPlaceholder, []int64{1, 3}, []float32{1, 0, 1}),
		tensor.FromFloats(model.RecurrentInPlaceholder, []int64{1, 2}, []float32{1, 1}),
		tensor.FromInts(model.SequenceLengthPlaceholder, []int64{1}, []int32{1}),
	)
	require.NoError(t, exec.Schedule())

	probs := floats(t, exec, model.ActionOutputDeprecated)
	require.Len(t, probs, 3)
	assert.Zero(t, probs[1])
	assert.InDelta(t, 0.5, probs[0], 1e-6)
	assert.InDelta(t, 0.5, probs[2], 1e-6)

	memory := floats(t, exec, model.RecurrentOutput)
	require.Len(t, memory, 2)
	assert.InDelta(t, 0.5, memory[0], 1e-6)
	assert.Greater(t, memory[1], float32(0.99))
}

func TestSampledDiscreteRespectsMask(t *testing.T) {
	m := mustParse(t, currentPolicy)
	exec, err := m.NewExecutor(model.DeviceCPU)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		setAll(t, exec,
			tensor.FromFloats(model.ObservationName(0), []int64{1, 2}, []float32{0, 0}),
			tensor.FromFloats(model.ObservationName(1), []int64{1, 1}, []float32{0}),
			tensor.FromFloats(model.ActionMaskPlaceholder, []int64{1, 5}, []float32{0, 1, 0, 1, 0}),
			tensor.FromFloats(model.RandomNormalEpsilonPlaceholder, []int64{1, 2}, []float32{0, 0}),
		)
		require.NoError(t, exec.Schedule())
		out, _ := exec.PeekOutput(model.DiscreteActionOutput)
		got, err := out.Ints()
		require.NoError(t, err)
		assert.Equal(t, []int32{1, 1}, got)
	}
}

func TestExecutorErrors(t *testing.T) {
	m := mustParse(t, currentPolicy)

	_, err := m.NewExecutor(model.Device("tpu"))
	assert.ErrorIs(t, err, ErrUnsupportedDevice)

	exec, err := m.NewExecutor(model.DeviceCPU)
	require.NoError(t, err)

	err = exec.SetInput("mystery", tensor.New("mystery", tensor.Float, []int64{1}))
	assert.ErrorIs(t, err, ErrUndeclaredInput)

	err = exec.SetInput(model.ObservationName(0), tensor.New(model.ObservationName(0), tensor.Int, []int64{1, 2}))
	assert.ErrorIs(t, err, tensor.ErrDTypeMismatch)

	assert.ErrorIs(t, exec.Schedule(), ErrMissingInput)

	require.NoError(t, exec.Close())
	assert.ErrorIs(t, exec.Schedule(), ErrExecutorClosed)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "version", doc: "version: 4\nobservations: [1]\ncontinuous: {w: [[1]], b: [0]}"},
		{name: "no observations", doc: "version: 3\ncontinuous: {w: [[1]], b: [0]}"},
		{name: "no head", doc: "version: 3\nobservations: [1]"},
		{name: "legacy with two heads", doc: "version: 2\nobservations: [1]\ncontinuous: {w: [[1]], b: [0]}\ndiscrete: {branches: [1], w: [[1]], b: [0]}"},
		{name: "weight width", doc: "version: 3\nobservations: [2]\ncontinuous: {w: [[1]], b: [0]}"},
		{name: "bias count", doc: "version: 3\nobservations: [1]\ncontinuous: {w: [[1]], b: []}"},
		{name: "branch rows", doc: "version: 3\nobservations: [1]\ndiscrete: {branches: [2], w: [[1]], b: [0]}"},
		{name: "decay", doc: "version: 3\nobservations: [1]\nmemory_size: 1\nmemory_decay: 2\ncontinuous: {w: [[1, 1]], b: [0]}"},
		{name: "yaml", doc: "version: [3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidSpec)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(legacyDiscretePolicy), 0o600))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "linear", m.Name())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
