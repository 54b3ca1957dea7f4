// Package train is the offline half of the DQN: a replay buffer,
// epsilon-greedy exploration, a target network synced from the main one,
// and the MSE update that only flows through the chosen action's logit.
// Its output is the weight file the online policy loads; nothing in here
// runs on the control path.
package train

import (
	"math/rand"
)

// Transition is one (s, a, r, s', done) experience tuple.
type Transition struct {
	State  []float64 `json:"state"`
	Action int       `json:"action"`
	Reward float64   `json:"reward"`
	Next   []float64 `json:"next"`
	Done   bool      `json:"done"`
}

// ReplayBuffer is a bounded FIFO of transitions. When full, the oldest
// entry is overwritten.
type ReplayBuffer struct {
	buf   []Transition
	next  int
	count int
}

// NewReplayBuffer creates a buffer with the given capacity.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 5000
	}
	return &ReplayBuffer{buf: make([]Transition, capacity)}
}

// Add appends a transition, evicting the oldest when full.
func (b *ReplayBuffer) Add(t Transition) {
	b.buf[b.next] = t
	b.next = (b.next + 1) % len(b.buf)
	if b.count < len(b.buf) {
		b.count++
	}
}

// Len returns the number of stored transitions.
func (b *ReplayBuffer) Len() int { return b.count }

// Cap returns the buffer capacity.
func (b *ReplayBuffer) Cap() int { return len(b.buf) }

// Sample draws n transitions uniformly with replacement.
func (b *ReplayBuffer) Sample(n int, rng *rand.Rand) []Transition {
	if b.count == 0 {
		return nil
	}
	out := make([]Transition, n)
	for i := range out {
		out[i] = b.buf[rng.Intn(b.count)]
	}
	return out
}

// EpsilonSchedule decays exploration linearly from Start to End over
// DecaySteps steps.
type EpsilonSchedule struct {
	Start      float64
	End        float64
	DecaySteps int
}

// DefaultEpsilon returns the standard 1.0 → 0.01 over 5000 steps schedule.
func DefaultEpsilon() EpsilonSchedule {
	return EpsilonSchedule{Start: 1.0, End: 0.01, DecaySteps: 5000}
}

// Value returns epsilon at the given step.
func (e EpsilonSchedule) Value(step int) float64 {
	if step >= e.DecaySteps {
		return e.End
	}
	frac := float64(step) / float64(e.DecaySteps)
	return e.Start + (e.End-e.Start)*frac
}
