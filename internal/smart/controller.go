// Package smart selects signal phases from live lane occupancy alone, with
// no trained model involved. Each green-bearing phase is scored from the
// metrics of the lanes it serves and the best phase wins, subject to min
// green and a hysteresis margin that suppresses flapping.
package smart

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adaptive-traffic-control/internal/sim"
)

// Sampler is the slice of the simulator client the controller reads from.
type Sampler interface {
	GetPhase(ctx context.Context, tlsID string) (int, error)
	GetPhaseLogic(ctx context.Context, tlsID string) (*sim.PhaseLogic, error)
	GetControlledLanes(ctx context.Context, tlsID string) ([]string, error)
	GetLaneMetrics(ctx context.Context, lanes []string) ([]sim.LaneMetrics, error)
}

// Config holds the scoring parameters.
type Config struct {
	MinGreen   time.Duration
	Hysteresis float64

	OccupancyWeight float64
	QueueWeight     float64
	WaitingWeight   float64

	// QueueNorm and WaitingNorm saturate the normalised queue and waiting
	// terms: a mean halting count of QueueNorm or a mean waiting time of
	// WaitingNorm seconds scores 1.0.
	QueueNorm   float64
	WaitingNorm float64
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		MinGreen:        10 * time.Second,
		Hysteresis:      0.15,
		OccupancyWeight: 0.30,
		QueueWeight:     0.40,
		WaitingWeight:   0.30,
		QueueNorm:       10,
		WaitingNorm:     60,
	}
}

// Decision is the outcome of one controller invocation.
type Decision struct {
	Action      string          `json:"action"` // "hold" or "switch"
	From        int             `json:"from"`
	To          int             `json:"to"`
	Priorities  map[int]float64 `json:"priorities,omitempty"`
	Explanation string          `json:"explanation"`
}

// Controller is the per-TLS heuristic phase selector.
type Controller struct {
	tlsID   string
	cfg     Config
	sampler Sampler
	logger  *zap.Logger
	now     func() time.Time

	mu         sync.Mutex
	phaseStart time.Time
	lastPhase  int
}

// New creates a controller for one TLS.
func New(tlsID string, cfg Config, sampler Sampler, logger *zap.Logger) *Controller {
	c := &Controller{
		tlsID:   tlsID,
		cfg:     cfg,
		sampler: sampler,
		logger:  logger.Named("smart").With(zap.String("tls", tlsID)),
		now:     time.Now,
	}
	c.phaseStart = c.now()
	c.lastPhase = -1
	return c
}

// PhaseStart returns when the currently tracked phase began.
func (c *Controller) PhaseStart() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phaseStart
}

// SelectBestPhase scores every green-bearing phase and decides whether to
// switch. It never issues simulator commands itself; the caller routes a
// switch decision through the FSM.
func (c *Controller) SelectBestPhase(ctx context.Context) (*Decision, error) {
	current, err := c.sampler.GetPhase(ctx, c.tlsID)
	if err != nil {
		return nil, fmt.Errorf("smart: read phase of %s: %w", c.tlsID, err)
	}

	c.mu.Lock()
	if c.lastPhase != current {
		// The phase changed under us (manual command or FSM); restart the
		// dwell clock.
		c.lastPhase = current
		c.phaseStart = c.now()
	}
	elapsed := c.now().Sub(c.phaseStart)
	c.mu.Unlock()

	if elapsed < c.cfg.MinGreen {
		return &Decision{
			Action:      "hold",
			From:        current,
			To:          current,
			Explanation: fmt.Sprintf("min green not reached: %v of %v", elapsed.Round(time.Second), c.cfg.MinGreen),
		}, nil
	}

	logic, err := c.sampler.GetPhaseLogic(ctx, c.tlsID)
	if err != nil {
		return nil, fmt.Errorf("smart: read phase logic of %s: %w", c.tlsID, err)
	}
	lanes, err := c.sampler.GetControlledLanes(ctx, c.tlsID)
	if err != nil {
		return nil, fmt.Errorf("smart: read lanes of %s: %w", c.tlsID, err)
	}
	metrics, err := c.sampler.GetLaneMetrics(ctx, lanes)
	if err != nil {
		return nil, fmt.Errorf("smart: read lane metrics of %s: %w", c.tlsID, err)
	}
	byLane := make(map[string]sim.LaneMetrics, len(metrics))
	for _, m := range metrics {
		byLane[m.Lane] = m
	}

	priorities := make(map[int]float64)
	best, bestScore := -1, math.Inf(-1)
	for i, phase := range logic.Phases {
		if !phase.HasGreen() {
			continue
		}
		score := c.score(phase, lanes, byLane)
		priorities[i] = score
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return &Decision{
			Action:      "hold",
			From:        current,
			To:          current,
			Explanation: "no green-bearing phase in program",
		}, nil
	}

	currentScore := priorities[current]
	if best == current || bestScore <= currentScore+c.cfg.Hysteresis {
		return &Decision{
			Action:     "hold",
			From:       current,
			To:         current,
			Priorities: priorities,
			Explanation: fmt.Sprintf("phase %d priority %.2f does not beat phase %d priority %.2f by more than %.2f",
				best, bestScore, current, currentScore, c.cfg.Hysteresis),
		}, nil
	}

	c.mu.Lock()
	c.phaseStart = c.now()
	c.lastPhase = best
	c.mu.Unlock()

	c.logger.Info("switch decided",
		zap.Int("from", current),
		zap.Int("to", best),
		zap.Float64("priority", bestScore),
		zap.Float64("current_priority", currentScore))
	return &Decision{
		Action:     "switch",
		From:       current,
		To:         best,
		Priorities: priorities,
		Explanation: fmt.Sprintf("phase %d priority %.2f beats phase %d priority %.2f by more than %.2f",
			best, bestScore, current, currentScore, c.cfg.Hysteresis),
	}, nil
}

// score computes the weighted priority of one phase over the distinct
// lanes it grants green to.
func (c *Controller) score(phase sim.Phase, lanes []string, byLane map[string]sim.LaneMetrics) float64 {
	var occ, queue, wait float64
	var n int
	seen := make(map[string]struct{})
	for _, idx := range phase.GreenLanes() {
		if idx >= len(lanes) {
			continue
		}
		lane := lanes[idx]
		if _, ok := seen[lane]; ok {
			continue
		}
		seen[lane] = struct{}{}
		m, ok := byLane[lane]
		if !ok {
			continue
		}
		occ += m.OccupancyPct / 100
		queue += float64(m.HaltingCount)
		wait += m.WaitingTime
		n++
	}
	if n == 0 {
		return 0
	}
	meanOcc := occ / float64(n)
	normQueue := math.Min(queue/float64(n)/c.cfg.QueueNorm, 1)
	normWait := math.Min(wait/float64(n)/c.cfg.WaitingNorm, 1)
	return c.cfg.OccupancyWeight*meanOcc + c.cfg.QueueWeight*normQueue + c.cfg.WaitingWeight*normWait
}
