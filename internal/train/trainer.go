package train

import (
	"fmt"
	"math/rand"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/adaptive-traffic-control/internal/dqn"
	"github.com/adaptive-traffic-control/internal/jsonx"
)

// Config holds the training hyperparameters.
type Config struct {
	InputDim       int
	Gamma          float64
	LearningRate   float64
	BatchSize      int
	BufferCapacity int
	// TargetSyncEvery is the number of train steps between target-network
	// syncs.
	TargetSyncEvery int
	Epsilon         EpsilonSchedule
	Seed            int64
}

// DefaultConfig returns the standard hyperparameters for an inputDim-wide
// state.
func DefaultConfig(inputDim int) Config {
	return Config{
		InputDim:        inputDim,
		Gamma:           0.95,
		LearningRate:    0.001,
		BatchSize:       32,
		BufferCapacity:  5000,
		TargetSyncEvery: 100,
		Epsilon:         DefaultEpsilon(),
		Seed:            1,
	}
}

// Trainer owns the main and target networks and the replay buffer.
type Trainer struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	main    *qNetwork
	target  *qNetwork
	buffer  *ReplayBuffer
	rng     *rand.Rand
	steps   int // environment steps, drives epsilon
	updates int // gradient steps, drives target sync
}

// New creates a trainer with freshly initialised networks.
func New(cfg Config, logger *zap.Logger) *Trainer {
	rng := rand.New(rand.NewSource(cfg.Seed))
	main := newQNetwork(cfg.InputDim, rng)
	target := newQNetwork(cfg.InputDim, rng)
	target.copyFrom(main)
	return &Trainer{
		cfg:    cfg,
		logger: logger.Named("train"),
		main:   main,
		target: target,
		buffer: NewReplayBuffer(cfg.BufferCapacity),
		rng:    rng,
	}
}

// Epsilon returns the current exploration rate.
func (t *Trainer) Epsilon() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.Epsilon.Value(t.steps)
}

// SelectAction picks an action epsilon-greedily and advances the
// exploration schedule.
func (t *Trainer) SelectAction(state []float64) (int, error) {
	if len(state) != t.cfg.InputDim {
		return 0, fmt.Errorf("train: state has %d features, expected %d", len(state), t.cfg.InputDim)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	eps := t.cfg.Epsilon.Value(t.steps)
	t.steps++
	if t.rng.Float64() < eps {
		return t.rng.Intn(dqn.NumActions), nil
	}
	q := t.main.forward(state, false, t.rng, nil)
	best := 0
	for a := 1; a < len(q); a++ {
		if q[a] > q[best] {
			best = a
		}
	}
	return best, nil
}

// Observe records one transition in the replay buffer.
func (t *Trainer) Observe(tr Transition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buffer.Add(tr)
}

// BufferLen returns the number of buffered transitions.
func (t *Trainer) BufferLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buffer.Len()
}

// TrainStep samples a minibatch and takes one gradient step. Targets come
// from the target network (y = r + γ·max Q_target(s'), masked by done) and
// the MSE gradient flows only through the chosen action's logit. Returns
// the batch loss, or (0, false) when the buffer holds fewer transitions
// than a batch.
func (t *Trainer) TrainStep() (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.buffer.Len() < t.cfg.BatchSize {
		return 0, false
	}
	batch := t.buffer.Sample(t.cfg.BatchSize, t.rng)
	g := newGrads(t.main)
	var cache forwardCache
	var loss float64

	for _, tr := range batch {
		y := tr.Reward
		if !tr.Done {
			qNext := t.target.forward(tr.Next, false, t.rng, nil)
			best := qNext[0]
			for _, v := range qNext[1:] {
				if v > best {
					best = v
				}
			}
			y += t.cfg.Gamma * best
		}

		q := t.main.forward(tr.State, true, t.rng, &cache)
		diff := q[tr.Action] - y
		loss += diff * diff

		// Only the chosen action's logit carries error.
		delta := make([]float64, len(q))
		delta[tr.Action] = 2 * diff / float64(len(batch))
		t.main.backward(&cache, delta, g)
	}

	t.main.applySGD(g, t.cfg.LearningRate)
	t.updates++
	if t.updates%t.cfg.TargetSyncEvery == 0 {
		t.target.copyFrom(t.main)
		t.logger.Debug("target network synced", zap.Int("updates", t.updates))
	}
	return loss / float64(len(batch)), true
}

// QValues evaluates the main network without exploration, for tests and
// progress reporting.
func (t *Trainer) QValues(state []float64) []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.main.forward(state, false, t.rng, nil)
}

// Save writes the main network in the inference weight-file schema.
func (t *Trainer) Save(path string) error {
	t.mu.Lock()
	wf := t.main.export()
	t.mu.Unlock()

	data, err := jsonx.Marshal(wf)
	if err != nil {
		return fmt.Errorf("train: marshal weights: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("train: write weights %s: %w", path, err)
	}
	t.logger.Info("weights saved", zap.String("path", path))
	return nil
}
