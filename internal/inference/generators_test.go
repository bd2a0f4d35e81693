package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/inference/internal/action"
	"github.com/cartridge/inference/internal/model"
	"github.com/cartridge/inference/internal/tensor"
)

func newState(memorySize int) stepState {
	return stepState{memories: NewMemoryStore(memorySize), actions: NewDecisionCache()}
}

func inputsFor(meta *model.Metadata) []*tensor.Tensor {
	var out []*tensor.Tensor
	for _, name := range meta.InputNames {
		spec := meta.Inputs[name]
		out = append(out, tensor.New(name, spec.DType, spec.Shape))
	}
	return out
}

func byName(inputs []*tensor.Tensor, name string) *tensor.Tensor {
	for _, t := range inputs {
		if t.Name == name {
			return t
		}
	}
	return nil
}

func TestGenerateFixedInputs(t *testing.T) {
	m := &stubModel{inputs: []model.TensorSpec{
		{Name: model.BatchSizePlaceholder, Shape: []int64{1}, DType: tensor.Int},
		{Name: model.SequenceLengthPlaceholder, Shape: []int64{1}, DType: tensor.Int},
		{Name: model.PreviousActionPlaceholder, Shape: []int64{-1, 2}, DType: tensor.Int},
		{Name: model.ActionMaskPlaceholder, Shape: []int64{-1, 3}},
		{Name: model.RandomNormalEpsilonPlaceholder, Shape: []int64{-1, 2}},
	}}
	meta := metaFor(m, model.VersionCurrent, 0)
	g := NewTensorGenerator(meta, 1)
	require.NoError(t, g.InitializeObservations(nil))

	infos := []AgentInfo{
		{EpisodeID: 1, StoredActions: action.Buffers{Discrete: []int32{2, 1}}, DiscreteActionMasks: []bool{false, true, false}},
		{EpisodeID: 2},
	}
	inputs := inputsFor(meta)
	require.NoError(t, g.Generate(inputs, infos, newState(0)))

	batch, err := byName(inputs, model.BatchSizePlaceholder).Ints()
	require.NoError(t, err)
	assert.Equal(t, []int32{2}, batch)

	seq, err := byName(inputs, model.SequenceLengthPlaceholder).Ints()
	require.NoError(t, err)
	assert.Equal(t, []int32{1}, seq)

	prev, err := byName(inputs, model.PreviousActionPlaceholder).Ints()
	require.NoError(t, err)
	assert.Equal(t, []int32{2, 1, 0, 0}, prev)

	masks, err := byName(inputs, model.ActionMaskPlaceholder).Floats()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 1, 1, 1, 1}, masks)

	eps := byName(inputs, model.RandomNormalEpsilonPlaceholder)
	assert.Equal(t, []int64{2, 2}, eps.Shape)
	assert.Equal(t, 4, eps.Data.Len())
}

func TestRandomNormalIsSeeded(t *testing.T) {
	m := &stubModel{inputs: []model.TensorSpec{{Name: model.RandomNormalEpsilonPlaceholder, Shape: []int64{-1, 3}}}}
	meta := metaFor(m, model.VersionCurrent, 0)
	infos := []AgentInfo{{EpisodeID: 1}}

	draw := func(seed int64) []float32 {
		g := NewTensorGenerator(meta, seed)
		inputs := inputsFor(meta)
		require.NoError(t, g.Generate(inputs, infos, newState(0)))
		data, err := inputs[0].Floats()
		require.NoError(t, err)
		return data
	}
	assert.Equal(t, draw(7), draw(7))
	assert.NotEqual(t, draw(7), draw(8))
}

func TestGenerateUnknownTensor(t *testing.T) {
	m := &stubModel{inputs: []model.TensorSpec{{Name: model.ObservationName(3), Shape: []int64{-1, 1}}}}
	meta := metaFor(m, model.VersionCurrent, 0)
	g := NewTensorGenerator(meta, 0)
	require.NoError(t, g.InitializeObservations(sensors(newCountingSensor("only", 1))))

	err := g.Generate(inputsFor(meta), []AgentInfo{{EpisodeID: 1}}, newState(0))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, model.ObservationName(3), cfgErr.Tensor)
	assert.ErrorIs(t, err, ErrUnknownTensor)
}

func TestCurrentFormatObservationPerSensor(t *testing.T) {
	m := &stubModel{inputs: []model.TensorSpec{
		{Name: model.ObservationName(0), Shape: []int64{-1, 2}},
		{Name: model.ObservationName(1), Shape: []int64{-1, 2, 2, 1}},
	}}
	meta := metaFor(m, model.VersionCurrent, 0)
	g := NewTensorGenerator(meta, 0)

	vec := newCountingSensor("vec", 3, 4)
	cam := &visualSensor{name: "cam", h: 2, w: 2, c: 1, value: 0.5}
	require.NoError(t, g.InitializeObservations(sensors(vec, cam)))

	inputs := inputsFor(meta)
	require.NoError(t, g.Generate(inputs, []AgentInfo{{EpisodeID: 1, Sensors: sensors(vec, cam)}}, newState(0)))

	obs0, err := byName(inputs, model.ObservationName(0)).Floats()
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, obs0)
	obs1, err := byName(inputs, model.ObservationName(1)).Floats()
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5}, obs1)
}

func TestLegacyFormatConcatenatesVectorSensors(t *testing.T) {
	m := &stubModel{inputs: []model.TensorSpec{
		{Name: model.VectorObservationPlaceholder, Shape: []int64{-1, 3}},
		{Name: model.VisualObservationName(0), Shape: []int64{-1, 1, 1, 2}},
	}}
	meta := metaFor(m, model.VersionLegacy, 0)
	g := NewTensorGenerator(meta, 0)

	a := newCountingSensor("a", 1)
	cam := &visualSensor{name: "cam", h: 1, w: 1, c: 2, value: 9}
	b := newCountingSensor("b", 2, 3)
	layout := sensors(a, cam, b)
	require.NoError(t, g.InitializeObservations(layout))

	vb, ok := g.Binding(model.VectorObservationPlaceholder)
	require.True(t, ok)
	assert.Equal(t, []int{0, 2}, vb.Sensors)

	inputs := inputsFor(meta)
	infos := []AgentInfo{{EpisodeID: 1, Sensors: layout}, {EpisodeID: 2, Done: true, Sensors: layout}}
	require.NoError(t, g.Generate(inputs, infos, newState(0)))

	vector, err := byName(inputs, model.VectorObservationPlaceholder).Floats()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 0, 0, 0}, vector)
	visual, err := byName(inputs, model.VisualObservationName(0)).Floats()
	require.NoError(t, err)
	assert.Equal(t, []float32{9, 9, 0, 0}, visual)
	assert.Equal(t, 1, a.writes)
	assert.Equal(t, 1, b.writes)
}

func TestLegacyFormatRejectsUnsupportedRank(t *testing.T) {
	m := &stubModel{inputs: []model.TensorSpec{{Name: model.VectorObservationPlaceholder, Shape: []int64{-1, 4}}}}
	g := NewTensorGenerator(metaFor(m, model.VersionLegacy, 0), 0)

	err := g.InitializeObservations(sensors(rankTwoSensor{}))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "grid", cfgErr.Sensor)
	assert.ErrorIs(t, err, ErrUnsupportedRank)
	assert.False(t, g.Initialized())
}

func TestGenerateSensorLayoutMismatch(t *testing.T) {
	m := &stubModel{inputs: []model.TensorSpec{{Name: model.ObservationName(1), Shape: []int64{-1, 1}}}}
	meta := metaFor(m, model.VersionCurrent, 0)
	g := NewTensorGenerator(meta, 0)
	require.NoError(t, g.InitializeObservations(sensors(newCountingSensor("a", 1), newCountingSensor("b", 1))))

	err := g.Generate(inputsFor(meta), []AgentInfo{{EpisodeID: 1, Sensors: sensors(newCountingSensor("a", 1))}}, newState(0))
	assert.ErrorIs(t, err, ErrSensorLayout)
}

func TestRecurrentInputZeroesDoneEpisodes(t *testing.T) {
	m := &stubModel{inputs: []model.TensorSpec{{Name: model.RecurrentInPlaceholder, Shape: []int64{-1, 2}}}}
	meta := metaFor(m, model.VersionCurrent, 2)
	g := NewTensorGenerator(meta, 0)
	require.NoError(t, g.InitializeObservations(nil))

	state := newState(2)
	state.memories.Set(1, []float32{1, 2})
	state.memories.Set(2, []float32{3, 4})

	inputs := inputsFor(meta)
	require.NoError(t, g.Generate(inputs, []AgentInfo{{EpisodeID: 1}, {EpisodeID: 2, Done: true}, {EpisodeID: 3}}, state))

	data, err := inputs[0].Floats()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 0, 0, 0, 0}, data)
	_, ok := state.memories.Get(2)
	assert.False(t, ok)
	fresh, ok := state.memories.Get(3)
	require.True(t, ok)
	assert.Equal(t, []float32{0, 0}, fresh)
}
