package dqn

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/adaptive-traffic-control/internal/jsonx"
)

// tinyWeights is a hand-solvable 3->2->2 network: the hidden layer passes
// the first two inputs through, the output layer sums them with opposite
// signs so Q(switch) > Q(hold) whenever x0+x1 > 0.
func tinyWeights() WeightsFile {
	return WeightsFile{
		InputDim: 3,
		Actions:  2,
		Layers: []LayerSpec{
			{
				Rows: 2, Cols: 3,
				Weights:    []float64{1, 0, 0, 0, 1, 0},
				Bias:       []float64{0, 0},
				Activation: "relu",
			},
			{
				Rows: 2, Cols: 2,
				Weights:    []float64{-1, -1, 1, 1},
				Bias:       []float64{0, 0},
				Activation: "linear",
			},
		},
	}
}

func writeWeights(t *testing.T, wf WeightsFile) string {
	t.Helper()
	data, err := jsonx.Marshal(wf)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoadAndPredictDeterministic(t *testing.T) {
	n := New(3, zaptest.NewLogger(t))
	require.False(t, n.Loaded())
	require.NoError(t, n.Load(writeWeights(t, tinyWeights())))
	require.True(t, n.Loaded())

	q, loaded, err := n.QValues([]float64{2, 3, 99})
	require.NoError(t, err)
	require.True(t, loaded)
	assert.InDelta(t, -5.0, q[ActionHold], 1e-9)
	assert.InDelta(t, 5.0, q[ActionSwitch], 1e-9)

	for i := 0; i < 10; i++ {
		a, err := n.Predict([]float64{2, 3, 99})
		require.NoError(t, err)
		assert.Equal(t, ActionSwitch, a)
	}
}

func TestReluClampsNegativeActivations(t *testing.T) {
	n := New(3, zaptest.NewLogger(t))
	require.NoError(t, n.Load(writeWeights(t, tinyWeights())))

	// Negative inputs are clamped by the hidden relu, so both logits are 0
	// and argmax breaks ties toward hold.
	q, _, err := n.QValues([]float64{-2, -3, 0})
	require.NoError(t, err)
	assert.Zero(t, q[ActionHold])
	assert.Zero(t, q[ActionSwitch])

	a, err := n.Predict([]float64{-2, -3, 0})
	require.NoError(t, err)
	assert.Equal(t, ActionHold, a)
}

func TestUnloadedFallsBackToRandom(t *testing.T) {
	n := New(3, zaptest.NewLogger(t))

	_, loaded, err := n.QValues([]float64{1, 2, 3})
	require.NoError(t, err)
	assert.False(t, loaded)

	seen := make(map[int]bool)
	for i := 0; i < 200; i++ {
		a, err := n.Predict([]float64{1, 2, 3})
		require.NoError(t, err)
		require.GreaterOrEqual(t, a, 0)
		require.Less(t, a, NumActions)
		seen[a] = true
	}
	assert.Len(t, seen, NumActions, "both actions should appear over 200 draws")
}

func TestLoadRejectsInputDimMismatch(t *testing.T) {
	n := New(5, zaptest.NewLogger(t))
	err := n.Load(writeWeights(t, tinyWeights()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input dim")
	assert.False(t, n.Loaded(), "a rejected file must not install")
}

func TestLoadRejectsBrokenDimensionChain(t *testing.T) {
	wf := tinyWeights()
	wf.Layers[1].Cols = 3
	n := New(3, zaptest.NewLogger(t))
	assert.Error(t, n.Load(writeWeights(t, wf)))

	wf = tinyWeights()
	wf.Layers[0].Weights = wf.Layers[0].Weights[:4]
	assert.Error(t, n.Load(writeWeights(t, wf)))

	wf = tinyWeights()
	wf.Actions = 3
	assert.Error(t, n.Load(writeWeights(t, wf)))

	wf = tinyWeights()
	wf.Layers[0].Activation = "tanh"
	assert.Error(t, n.Load(writeWeights(t, wf)))
}

func TestLoadMissingFile(t *testing.T) {
	n := New(3, zaptest.NewLogger(t))
	assert.Error(t, n.Load(filepath.Join(t.TempDir(), "absent.json")))
}

func TestQValuesRejectsWrongWidth(t *testing.T) {
	n := New(3, zaptest.NewLogger(t))
	require.NoError(t, n.Load(writeWeights(t, tinyWeights())))
	_, _, err := n.QValues([]float64{1, 2})
	assert.Error(t, err)
}
