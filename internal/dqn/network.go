// Package dqn runs inference over the trained Q-network that decides
// whether to hold the current signal phase or advance to the next one. The
// state vector is (per-detector halting counts…, current phase, pm25), so
// its width is pinned to numDetectors+2 at startup; a weight file trained
// for a different width is rejected at load time.
package dqn

import (
	"fmt"
	"math/rand"
	"os"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/adaptive-traffic-control/internal/jsonx"
)

// Actions of the policy.
const (
	ActionHold   = 0
	ActionSwitch = 1
	NumActions   = 2
)

// LayerSpec is one dense layer in the weight file, row-major weights with
// Rows outputs and Cols inputs.
type LayerSpec struct {
	Rows       int       `json:"rows"`
	Cols       int       `json:"cols"`
	Weights    []float64 `json:"weights"`
	Bias       []float64 `json:"bias"`
	Activation string    `json:"activation"` // "relu" or "linear"
}

// WeightsFile is the on-disk network: 128-128-64-A dense stack.
type WeightsFile struct {
	InputDim int         `json:"input_dim"`
	Actions  int         `json:"actions"`
	Layers   []LayerSpec `json:"layers"`
}

type layer struct {
	w    *mat.Dense
	b    []float64
	relu bool
}

// Network runs Q-value inference. Until a weight file is loaded it falls
// back to a uniform-random action.
type Network struct {
	inputDim int
	logger   *zap.Logger

	mu     sync.RWMutex
	layers []layer

	rngMu sync.Mutex
	rng   *rand.Rand

	fallbackOnce sync.Once
}

// New creates an unloaded network expecting state vectors of width
// inputDim (= numDetectors + 2).
func New(inputDim int, logger *zap.Logger) *Network {
	return &Network{
		inputDim: inputDim,
		logger:   logger.Named("dqn"),
		rng:      rand.New(rand.NewSource(rand.Int63())),
	}
}

// InputDim returns the expected state vector width.
func (n *Network) InputDim() int { return n.inputDim }

// Loaded reports whether weights are installed.
func (n *Network) Loaded() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.layers != nil
}

// Load reads and installs a weight file. It is idempotent; on any failure
// the network stays in (or reverts to nothing worse than) its previous
// mode and the error is returned for one-time logging by the caller.
func (n *Network) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("dqn: read weights %s: %w", path, err)
	}
	var wf WeightsFile
	if err := jsonx.Unmarshal(data, &wf); err != nil {
		return fmt.Errorf("dqn: parse weights %s: %w", path, err)
	}
	layers, err := buildLayers(&wf, n.inputDim)
	if err != nil {
		return fmt.Errorf("dqn: weights %s: %w", path, err)
	}

	n.mu.Lock()
	n.layers = layers
	n.mu.Unlock()
	n.logger.Info("weights loaded",
		zap.String("path", path),
		zap.Int("input_dim", wf.InputDim),
		zap.Int("layers", len(wf.Layers)))
	return nil
}

// buildLayers validates the dimension chain and materialises the matrices.
func buildLayers(wf *WeightsFile, wantInput int) ([]layer, error) {
	if wf.InputDim != wantInput {
		return nil, fmt.Errorf("trained for input dim %d, this deployment uses %d", wf.InputDim, wantInput)
	}
	if wf.Actions != NumActions {
		return nil, fmt.Errorf("trained for %d actions, expected %d", wf.Actions, NumActions)
	}
	if len(wf.Layers) == 0 {
		return nil, fmt.Errorf("no layers")
	}

	layers := make([]layer, 0, len(wf.Layers))
	in := wf.InputDim
	for i, ls := range wf.Layers {
		if ls.Cols != in {
			return nil, fmt.Errorf("layer %d expects %d inputs, previous layer yields %d", i, ls.Cols, in)
		}
		if len(ls.Weights) != ls.Rows*ls.Cols {
			return nil, fmt.Errorf("layer %d has %d weights, want %d", i, len(ls.Weights), ls.Rows*ls.Cols)
		}
		if len(ls.Bias) != ls.Rows {
			return nil, fmt.Errorf("layer %d has %d biases, want %d", i, len(ls.Bias), ls.Rows)
		}
		var relu bool
		switch ls.Activation {
		case "relu":
			relu = true
		case "linear", "":
		default:
			return nil, fmt.Errorf("layer %d has unknown activation %q", i, ls.Activation)
		}
		w := mat.NewDense(ls.Rows, ls.Cols, append([]float64(nil), ls.Weights...))
		layers = append(layers, layer{w: w, b: append([]float64(nil), ls.Bias...), relu: relu})
		in = ls.Rows
	}
	if in != wf.Actions {
		return nil, fmt.Errorf("final layer yields %d outputs, want %d actions", in, wf.Actions)
	}
	return layers, nil
}

// QValues computes Q(s,·). It returns false when no weights are loaded.
func (n *Network) QValues(state []float64) ([]float64, bool, error) {
	if len(state) != n.inputDim {
		return nil, false, fmt.Errorf("dqn: state has %d features, expected %d", len(state), n.inputDim)
	}
	n.mu.RLock()
	layers := n.layers
	n.mu.RUnlock()
	if layers == nil {
		return nil, false, nil
	}

	x := mat.NewVecDense(len(state), append([]float64(nil), state...))
	for _, l := range layers {
		rows, _ := l.w.Dims()
		y := mat.NewVecDense(rows, nil)
		y.MulVec(l.w, x)
		for i := 0; i < rows; i++ {
			v := y.AtVec(i) + l.b[i]
			if l.relu && v < 0 {
				v = 0
			}
			y.SetVec(i, v)
		}
		x = y
	}
	out := make([]float64, x.Len())
	for i := range out {
		out[i] = x.AtVec(i)
	}
	return out, true, nil
}

// Predict returns argmax Q(s,a) when loaded, and a uniform-random action
// otherwise. The fallback is logged once.
func (n *Network) Predict(state []float64) (int, error) {
	q, loaded, err := n.QValues(state)
	if err != nil {
		return 0, err
	}
	if !loaded {
		n.fallbackOnce.Do(func() {
			n.logger.Warn("no weights loaded, using uniform-random policy")
		})
		n.rngMu.Lock()
		a := n.rng.Intn(NumActions)
		n.rngMu.Unlock()
		return a, nil
	}
	best := 0
	for a := 1; a < len(q); a++ {
		if q[a] > q[best] {
			best = a
		}
	}
	return best, nil
}
