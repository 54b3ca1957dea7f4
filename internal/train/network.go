package train

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/adaptive-traffic-control/internal/dqn"
)

// qLayer is one trainable dense layer.
type qLayer struct {
	w       *mat.Dense
	b       []float64
	relu    bool
	dropout float64 // applied to this layer's output during training
}

// qNetwork is the trainable mirror of the inference network:
// Input(S) → Dense(128, ReLU, dropout 0.2) → Dense(128, ReLU, dropout 0.2)
// → Dense(64, ReLU) → Dense(A, linear).
type qNetwork struct {
	inputDim int
	layers   []qLayer
}

// forwardCache keeps per-layer pre-activations, activations and dropout
// masks for one sample, for the backward pass.
type forwardCache struct {
	input []float64
	z     [][]float64 // pre-activation per layer
	a     [][]float64 // post-activation (after dropout) per layer
	mask  [][]float64 // dropout keep mask, nil when no dropout
}

// newQNetwork builds a freshly initialised network. Weights use He
// initialisation, suited to the ReLU stack.
func newQNetwork(inputDim int, rng *rand.Rand) *qNetwork {
	dims := []int{inputDim, 128, 128, 64, dqn.NumActions}
	n := &qNetwork{inputDim: inputDim}
	for i := 1; i < len(dims); i++ {
		rows, cols := dims[i], dims[i-1]
		data := make([]float64, rows*cols)
		std := math.Sqrt(2 / float64(cols))
		for j := range data {
			data[j] = rng.NormFloat64() * std
		}
		l := qLayer{
			w:    mat.NewDense(rows, cols, data),
			b:    make([]float64, rows),
			relu: i < len(dims)-1,
		}
		if i <= 2 {
			l.dropout = 0.2
		}
		n.layers = append(n.layers, l)
	}
	return n
}

// forward runs one sample through the network. When train is true, dropout
// masks are sampled (inverted scaling) and the cache is filled for
// backprop.
func (n *qNetwork) forward(state []float64, train bool, rng *rand.Rand, cache *forwardCache) []float64 {
	x := state
	if cache != nil {
		cache.input = append(cache.input[:0], state...)
		cache.z = cache.z[:0]
		cache.a = cache.a[:0]
		cache.mask = cache.mask[:0]
	}
	for _, l := range n.layers {
		rows, cols := l.w.Dims()
		z := make([]float64, rows)
		for r := 0; r < rows; r++ {
			sum := l.b[r]
			row := l.w.RawRowView(r)
			for c := 0; c < cols; c++ {
				sum += row[c] * x[c]
			}
			z[r] = sum
		}
		a := make([]float64, rows)
		copy(a, z)
		if l.relu {
			for i := range a {
				if a[i] < 0 {
					a[i] = 0
				}
			}
		}
		var mask []float64
		if train && l.dropout > 0 {
			keep := 1 - l.dropout
			mask = make([]float64, rows)
			for i := range mask {
				if rng.Float64() < keep {
					mask[i] = 1 / keep
				}
			}
			for i := range a {
				a[i] *= mask[i]
			}
		}
		if cache != nil {
			cache.z = append(cache.z, z)
			cache.a = append(cache.a, a)
			cache.mask = append(cache.mask, mask)
		}
		x = a
	}
	return x
}

// grads accumulates parameter gradients shaped like the network.
type grads struct {
	dw []*mat.Dense
	db [][]float64
}

func newGrads(n *qNetwork) *grads {
	g := &grads{}
	for _, l := range n.layers {
		rows, cols := l.w.Dims()
		g.dw = append(g.dw, mat.NewDense(rows, cols, nil))
		g.db = append(g.db, make([]float64, rows))
	}
	return g
}

// backward propagates the output-layer error delta through the cached
// forward pass, accumulating gradients.
func (n *qNetwork) backward(cache *forwardCache, outDelta []float64, g *grads) {
	delta := outDelta
	for li := len(n.layers) - 1; li >= 0; li-- {
		l := n.layers[li]
		rows, cols := l.w.Dims()

		var prevA []float64
		if li == 0 {
			prevA = cache.input
		} else {
			prevA = cache.a[li-1]
		}

		// Parameter gradients for this layer.
		for r := 0; r < rows; r++ {
			if delta[r] == 0 {
				continue
			}
			g.db[li][r] += delta[r]
			dwRow := g.dw[li].RawRowView(r)
			for c := 0; c < cols; c++ {
				dwRow[c] += delta[r] * prevA[c]
			}
		}

		if li == 0 {
			break
		}

		// Error for the previous layer: (W^T delta) through its dropout
		// mask and ReLU derivative.
		prev := n.layers[li-1]
		prevRows := len(cache.z[li-1])
		next := make([]float64, prevRows)
		for c := 0; c < prevRows; c++ {
			var sum float64
			for r := 0; r < rows; r++ {
				if delta[r] != 0 {
					sum += l.w.At(r, c) * delta[r]
				}
			}
			if m := cache.mask[li-1]; m != nil {
				sum *= m[c]
			}
			if prev.relu && cache.z[li-1][c] <= 0 {
				sum = 0
			}
			next[c] = sum
		}
		delta = next
	}
}

// applySGD takes one gradient step with the given learning rate.
func (n *qNetwork) applySGD(g *grads, lr float64) {
	for li := range n.layers {
		l := &n.layers[li]
		rows, cols := l.w.Dims()
		for r := 0; r < rows; r++ {
			wRow := l.w.RawRowView(r)
			dwRow := g.dw[li].RawRowView(r)
			for c := 0; c < cols; c++ {
				wRow[c] -= lr * dwRow[c]
			}
			l.b[r] -= lr * g.db[li][r]
		}
	}
}

// copyFrom overwrites this network's parameters with src's, used for
// target-network syncs.
func (n *qNetwork) copyFrom(src *qNetwork) {
	for li := range n.layers {
		n.layers[li].w.Copy(src.layers[li].w)
		copy(n.layers[li].b, src.layers[li].b)
	}
}

// export converts the network to the inference weight-file schema.
func (n *qNetwork) export() *dqn.WeightsFile {
	wf := &dqn.WeightsFile{InputDim: n.inputDim, Actions: dqn.NumActions}
	for _, l := range n.layers {
		rows, cols := l.w.Dims()
		spec := dqn.LayerSpec{
			Rows:       rows,
			Cols:       cols,
			Weights:    append([]float64(nil), l.w.RawMatrix().Data...),
			Bias:       append([]float64(nil), l.b...),
			Activation: "linear",
		}
		if l.relu {
			spec.Activation = "relu"
		}
		wf.Layers = append(wf.Layers, spec)
	}
	return wf
}
