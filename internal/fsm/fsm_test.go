package fsm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/adaptive-traffic-control/internal/sim"
)

type phaseRecorder struct {
	calls []int
	err   error
}

func (r *phaseRecorder) SetPhase(_ context.Context, _ string, phase int) error {
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, phase)
	return nil
}

// fourPhaseLogic is a two-approach program: green NS / yellow NS / green EW /
// yellow EW.
func fourPhaseLogic() *sim.PhaseLogic {
	return &sim.PhaseLogic{
		ProgramID:    "0",
		CurrentPhase: 0,
		Phases: []sim.Phase{
			{State: "GGrr", Duration: 30},
			{State: "yyrr", Duration: 4},
			{State: "rrGG", Duration: 30},
			{State: "rryy", Duration: 4},
		},
	}
}

func newTestMachine(t *testing.T, rec *phaseRecorder) (*Machine, *time.Time) {
	m := New("tls4", fourPhaseLogic(), DefaultConfig(), rec, zaptest.NewLogger(t))
	clock := time.Date(2024, 5, 14, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	// Reset the Steady entry time to the fake clock.
	m.state = Steady{Phase: 0, Since: clock}
	return m, &clock
}

func TestRequestPhaseTooSoon(t *testing.T) {
	rec := &phaseRecorder{}
	m, clock := newTestMachine(t, rec)

	*clock = clock.Add(5 * time.Second)
	err := m.RequestPhase(context.Background(), 2)
	require.ErrorIs(t, err, ErrTooSoon)
	assert.Empty(t, rec.calls, "a refused request must not touch the simulator")
	assert.IsType(t, Steady{}, m.State())
}

func TestRequestPhaseSamePhaseNoOp(t *testing.T) {
	rec := &phaseRecorder{}
	m, clock := newTestMachine(t, rec)

	*clock = clock.Add(time.Second)
	require.NoError(t, m.RequestPhase(context.Background(), 0))
	assert.Empty(t, rec.calls)
}

func TestRequestPhaseOutOfRange(t *testing.T) {
	rec := &phaseRecorder{}
	m, _ := newTestMachine(t, rec)

	assert.Error(t, m.RequestPhase(context.Background(), 4))
	assert.Error(t, m.RequestPhase(context.Background(), -1))
}

func TestConflictingSwitchRunsYellowInterphase(t *testing.T) {
	rec := &phaseRecorder{}
	m, clock := newTestMachine(t, rec)

	*clock = clock.Add(15 * time.Second)
	require.NoError(t, m.RequestPhase(context.Background(), 2))

	clearing, ok := m.State().(Clearing)
	require.True(t, ok)
	assert.Equal(t, 0, clearing.From)
	assert.Equal(t, 2, clearing.To)
	assert.Equal(t, 1, clearing.YellowPhase, "yyrr matches the computed interphase for GGrr->rrGG")
	assert.Equal(t, 4*time.Second, clearing.Duration, "duration comes from the matched program phase")
	assert.Equal(t, []int{1}, rec.calls, "only the yellow has been installed so far")

	// Before the yellow has run its course nothing moves.
	*clock = clock.Add(2 * time.Second)
	require.NoError(t, m.Tick(context.Background()))
	assert.Equal(t, []int{1}, rec.calls)

	*clock = clock.Add(3 * time.Second)
	require.NoError(t, m.Tick(context.Background()))
	assert.Equal(t, []int{1, 2}, rec.calls)
	steady, ok := m.State().(Steady)
	require.True(t, ok)
	assert.Equal(t, 2, steady.Phase)
}

func TestNonConflictingSwitchInstallsDirectly(t *testing.T) {
	rec := &phaseRecorder{}
	logic := &sim.PhaseLogic{
		ProgramID:    "0",
		CurrentPhase: 0,
		Phases: []sim.Phase{
			{State: "rrGG", Duration: 30},
			{State: "GGGG", Duration: 30},
		},
	}
	m := New("tls4", logic, DefaultConfig(), rec, zaptest.NewLogger(t))
	clock := time.Date(2024, 5, 14, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	m.state = Steady{Phase: 0, Since: clock}

	clock = clock.Add(15 * time.Second)
	require.NoError(t, m.RequestPhase(context.Background(), 1))
	assert.Equal(t, []int{1}, rec.calls, "no green turns red, so no interphase")
	assert.IsType(t, Steady{}, m.State())
}

func TestQueuedRequestDuringClearingCoalesces(t *testing.T) {
	rec := &phaseRecorder{}
	m, clock := newTestMachine(t, rec)

	*clock = clock.Add(15 * time.Second)
	require.NoError(t, m.RequestPhase(context.Background(), 2))

	// Two requests land while clearing; the last one wins.
	require.NoError(t, m.RequestPhase(context.Background(), 0))
	require.NoError(t, m.RequestPhase(context.Background(), 2))

	*clock = clock.Add(5 * time.Second)
	require.NoError(t, m.Tick(context.Background()))

	// The queued request targets the phase just installed, so nothing more
	// happens.
	assert.Equal(t, []int{1, 2}, rec.calls)
	steady, ok := m.State().(Steady)
	require.True(t, ok)
	assert.Equal(t, 2, steady.Phase)
}

func TestQueuedRequestRefusedByFreshGreen(t *testing.T) {
	rec := &phaseRecorder{}
	m, clock := newTestMachine(t, rec)

	*clock = clock.Add(15 * time.Second)
	require.NoError(t, m.RequestPhase(context.Background(), 2))
	require.NoError(t, m.RequestPhase(context.Background(), 0))

	*clock = clock.Add(5 * time.Second)
	require.NoError(t, m.Tick(context.Background()), "the stale queued command is coalesced, not an error")

	// The target installed; the queued request back to 0 hit min green.
	assert.Equal(t, []int{1, 2}, rec.calls)
	steady, ok := m.State().(Steady)
	require.True(t, ok)
	assert.Equal(t, 2, steady.Phase)
}

func TestYellowString(t *testing.T) {
	assert.Equal(t, "yyrr", yellowString("GGrr", "rrGG"))
	assert.Equal(t, "", yellowString("rrGG", "GGGG"), "no green turns red")
	assert.Equal(t, "Gyrr", yellowString("Ggrr", "GrGG"), "only the conflicting lane turns yellow")
}

func TestCurrentPhaseDuringClearing(t *testing.T) {
	rec := &phaseRecorder{}
	m, clock := newTestMachine(t, rec)

	assert.Equal(t, 0, m.CurrentPhase())
	*clock = clock.Add(15 * time.Second)
	require.NoError(t, m.RequestPhase(context.Background(), 2))
	assert.Equal(t, 2, m.CurrentPhase(), "during clearing the target is reported")
}
