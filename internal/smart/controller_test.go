package smart

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/adaptive-traffic-control/internal/sim"
)

type fakeSampler struct {
	phase   int
	logic   *sim.PhaseLogic
	lanes   []string
	metrics []sim.LaneMetrics
}

func (f *fakeSampler) GetPhase(context.Context, string) (int, error) { return f.phase, nil }
func (f *fakeSampler) GetPhaseLogic(context.Context, string) (*sim.PhaseLogic, error) {
	return f.logic, nil
}
func (f *fakeSampler) GetControlledLanes(context.Context, string) ([]string, error) {
	return f.lanes, nil
}
func (f *fakeSampler) GetLaneMetrics(context.Context, []string) ([]sim.LaneMetrics, error) {
	return f.metrics, nil
}

// crossing grants green to ns lanes in phase 0 and ew lanes in phase 2.
func crossing() *fakeSampler {
	return &fakeSampler{
		logic: &sim.PhaseLogic{
			ProgramID: "0",
			Phases: []sim.Phase{
				{State: "GGrr", Duration: 30},
				{State: "yyrr", Duration: 4},
				{State: "rrGG", Duration: 30},
				{State: "rryy", Duration: 4},
			},
		},
		lanes: []string{"ns_0", "ns_1", "ew_0", "ew_1"},
	}
}

func newTestController(t *testing.T, sampler *fakeSampler) (*Controller, *time.Time) {
	c := New("tls4", DefaultConfig(), sampler, zaptest.NewLogger(t))
	clock := time.Date(2024, 5, 14, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }
	c.phaseStart = clock
	c.lastPhase = 0
	return c, &clock
}

func TestHoldsDuringMinGreen(t *testing.T) {
	sampler := crossing()
	c, clock := newTestController(t, sampler)

	*clock = clock.Add(5 * time.Second)
	d, err := c.SelectBestPhase(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hold", d.Action)
	assert.Contains(t, d.Explanation, "min green")
}

func TestSwitchesToCongestedApproach(t *testing.T) {
	sampler := crossing()
	// EW heavily congested, NS empty.
	sampler.metrics = []sim.LaneMetrics{
		{Lane: "ns_0"}, {Lane: "ns_1"},
		{Lane: "ew_0", OccupancyPct: 80, HaltingCount: 12, WaitingTime: 90},
		{Lane: "ew_1", OccupancyPct: 70, HaltingCount: 9, WaitingTime: 70},
	}
	c, clock := newTestController(t, sampler)

	*clock = clock.Add(15 * time.Second)
	d, err := c.SelectBestPhase(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "switch", d.Action)
	assert.Equal(t, 0, d.From)
	assert.Equal(t, 2, d.To)
	assert.Greater(t, d.Priorities[2], d.Priorities[0]+c.cfg.Hysteresis)
	// Interphases carry no green and are never candidates.
	assert.NotContains(t, d.Priorities, 1)
	assert.NotContains(t, d.Priorities, 3)
}

func TestHysteresisSuppressesMarginalSwitch(t *testing.T) {
	sampler := crossing()
	// Both approaches nearly equal; the margin must keep the current phase.
	sampler.metrics = []sim.LaneMetrics{
		{Lane: "ns_0", OccupancyPct: 50, HaltingCount: 5, WaitingTime: 30},
		{Lane: "ns_1", OccupancyPct: 50, HaltingCount: 5, WaitingTime: 30},
		{Lane: "ew_0", OccupancyPct: 55, HaltingCount: 6, WaitingTime: 32},
		{Lane: "ew_1", OccupancyPct: 55, HaltingCount: 6, WaitingTime: 32},
	}
	c, clock := newTestController(t, sampler)

	*clock = clock.Add(15 * time.Second)
	d, err := c.SelectBestPhase(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hold", d.Action)
	assert.Greater(t, d.Priorities[2], d.Priorities[0], "ew really is busier")
}

func TestExternalPhaseChangeRestartsDwell(t *testing.T) {
	sampler := crossing()
	sampler.metrics = []sim.LaneMetrics{
		{Lane: "ns_0", OccupancyPct: 90, HaltingCount: 15, WaitingTime: 100},
		{Lane: "ns_1", OccupancyPct: 90, HaltingCount: 15, WaitingTime: 100},
		{Lane: "ew_0"}, {Lane: "ew_1"},
	}
	c, clock := newTestController(t, sampler)

	// Someone switched the light to EW outside this controller.
	sampler.phase = 2
	*clock = clock.Add(time.Hour)
	d, err := c.SelectBestPhase(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hold", d.Action, "dwell clock restarts on an externally observed change")
	assert.Contains(t, d.Explanation, "min green")
}

func TestScoreWeightsAndSaturation(t *testing.T) {
	sampler := crossing()
	c, _ := newTestController(t, sampler)

	byLane := map[string]sim.LaneMetrics{
		// Queue and waiting both beyond their norms saturate at 1.
		"ns_0": {Lane: "ns_0", OccupancyPct: 100, HaltingCount: 50, WaitingTime: 600},
		"ns_1": {Lane: "ns_1", OccupancyPct: 100, HaltingCount: 50, WaitingTime: 600},
	}
	score := c.score(sampler.logic.Phases[0], sampler.lanes, byLane)
	assert.InDelta(t, 0.30*1+0.40*1+0.30*1, score, 1e-9)
}

func TestScoreSkipsUnknownLanes(t *testing.T) {
	sampler := crossing()
	c, _ := newTestController(t, sampler)

	score := c.score(sampler.logic.Phases[0], sampler.lanes, map[string]sim.LaneMetrics{})
	assert.Zero(t, score)
}
