// Package fsm enforces the safety contract of phase changes: a minimum
// green dwell before any switch, and a yellow interphase whenever a lane
// that currently shows green would jump straight to red. Each TLS owns one
// Machine; the two states form a closed union so every transition is
// handled explicitly.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adaptive-traffic-control/internal/sim"
)

// ErrTooSoon reports a phase request refused because the current green has
// not dwelt for the minimum green time. No simulator command is issued.
var ErrTooSoon = errors.New("fsm: minimum green not elapsed")

// PhaseSetter installs a phase on the simulator. *sim.Client satisfies it.
type PhaseSetter interface {
	SetPhase(ctx context.Context, tlsID string, phase int) error
}

// State is the tagged union of the machine's two states.
type State interface {
	fsmState()
}

// Steady means phase Phase has been showing since Since.
type Steady struct {
	Phase int
	Since time.Time
}

func (Steady) fsmState() {}

// Clearing means a yellow interphase is running between From and To.
// YellowPhase is the program index of the interphase, or -1 when the
// program declares none (the transition then completes without one).
type Clearing struct {
	From        int
	To          int
	YellowPhase int
	Since       time.Time
	Duration    time.Duration
}

func (Clearing) fsmState() {}

// Config holds the safety parameters.
type Config struct {
	// MinGreen is the minimum dwell in a green-bearing phase.
	MinGreen time.Duration
	// DefaultYellow is the interphase duration used when the signal
	// program declares no duration for the matched yellow phase.
	DefaultYellow time.Duration
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		MinGreen:      10 * time.Second,
		DefaultYellow: 3 * time.Second,
	}
}

// Machine is the per-TLS safe transition state machine.
type Machine struct {
	tlsID  string
	logic  *sim.PhaseLogic
	cfg    Config
	setter PhaseSetter
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	state   State
	pending *int // queued request while Clearing; last writer wins
}

// New creates a machine for one TLS, starting Steady in the program's
// current phase.
func New(tlsID string, logic *sim.PhaseLogic, cfg Config, setter PhaseSetter, logger *zap.Logger) *Machine {
	m := &Machine{
		tlsID:  tlsID,
		logic:  logic,
		cfg:    cfg,
		setter: setter,
		logger: logger.Named("fsm").With(zap.String("tls", tlsID)),
		now:    time.Now,
	}
	m.state = Steady{Phase: logic.CurrentPhase, Since: m.now()}
	return m
}

// State returns the current state value.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentPhase returns the phase the machine believes is installed; during
// Clearing that is the interphase target.
func (m *Machine) CurrentPhase() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch s := m.state.(type) {
	case Steady:
		return s.Phase
	case Clearing:
		return s.To
	default:
		panic(fmt.Sprintf("fsm: unknown state %T", m.state))
	}
}

// PhaseStart returns when the current state was entered, so controllers can
// enforce min green.
func (m *Machine) PhaseStart() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch s := m.state.(type) {
	case Steady:
		return s.Since
	case Clearing:
		return s.Since
	default:
		panic(fmt.Sprintf("fsm: unknown state %T", m.state))
	}
}

// RequestPhase asks for a transition to target. Same-phase requests are
// no-ops, requests during a clearing are queued with last-writer-wins, and
// requests before min green has elapsed are refused with ErrTooSoon.
func (m *Machine) RequestPhase(ctx context.Context, target int) error {
	if target < 0 || target >= m.logic.NumPhases() {
		return fmt.Errorf("fsm: phase %d out of range for %s (%d phases)", target, m.tlsID, m.logic.NumPhases())
	}

	m.mu.Lock()
	switch s := m.state.(type) {
	case Clearing:
		t := target
		m.pending = &t
		m.mu.Unlock()
		m.logger.Debug("request queued during clearing", zap.Int("target", target))
		return nil
	case Steady:
		if target == s.Phase {
			m.mu.Unlock()
			return nil
		}
		if elapsed := m.now().Sub(s.Since); elapsed < m.cfg.MinGreen {
			m.mu.Unlock()
			return fmt.Errorf("%s held %v of %v: %w", m.tlsID, elapsed.Round(time.Millisecond), m.cfg.MinGreen, ErrTooSoon)
		}
		return m.beginTransition(ctx, s.Phase, target)
	default:
		m.mu.Unlock()
		panic(fmt.Sprintf("fsm: unknown state %T", m.state))
	}
}

// beginTransition is called with the mutex held and releases it.
func (m *Machine) beginTransition(ctx context.Context, from, target int) error {
	yellow := m.yellowBetween(from, target)
	if yellow < 0 && !needsYellow(m.logic.Phases[from].State, m.logic.Phases[target].State) {
		// No conflicting green, install directly.
		m.state = Steady{Phase: target, Since: m.now()}
		m.mu.Unlock()
		if err := m.setter.SetPhase(ctx, m.tlsID, target); err != nil {
			return fmt.Errorf("fsm: install phase %d: %w", target, err)
		}
		m.logger.Info("phase switched", zap.Int("from", from), zap.Int("to", target))
		return nil
	}

	dur := m.cfg.DefaultYellow
	if yellow >= 0 && m.logic.Phases[yellow].Duration > 0 {
		dur = time.Duration(m.logic.Phases[yellow].Duration * float64(time.Second))
	}
	m.state = Clearing{From: from, To: target, YellowPhase: yellow, Since: m.now(), Duration: dur}
	m.mu.Unlock()

	if yellow >= 0 {
		if err := m.setter.SetPhase(ctx, m.tlsID, yellow); err != nil {
			return fmt.Errorf("fsm: install yellow phase %d: %w", yellow, err)
		}
	}
	m.logger.Info("clearing started",
		zap.Int("from", from),
		zap.Int("to", target),
		zap.Int("yellow", yellow),
		zap.Duration("duration", dur))
	return nil
}

// Tick advances the machine. During a clearing whose duration has elapsed
// it installs the target phase; a queued request then becomes a fresh
// request subject to min green.
func (m *Machine) Tick(ctx context.Context) error {
	m.mu.Lock()
	s, ok := m.state.(Clearing)
	if !ok || m.now().Sub(s.Since) < s.Duration {
		m.mu.Unlock()
		return nil
	}

	m.state = Steady{Phase: s.To, Since: m.now()}
	var queued *int
	if m.pending != nil && *m.pending != s.To {
		queued = m.pending
	}
	m.pending = nil
	m.mu.Unlock()

	if err := m.setter.SetPhase(ctx, m.tlsID, s.To); err != nil {
		return fmt.Errorf("fsm: install phase %d after clearing: %w", s.To, err)
	}
	m.logger.Info("clearing complete", zap.Int("phase", s.To))

	if queued != nil {
		// The new green has only just started, so this normally refuses
		// with ErrTooSoon; coalescing stale commands is intended.
		if err := m.RequestPhase(ctx, *queued); err != nil && !errors.Is(err, ErrTooSoon) {
			return err
		}
	}
	return nil
}

// yellowBetween returns the program index of the interphase for from→to,
// or -1 when the program declares none.
func (m *Machine) yellowBetween(from, to int) int {
	want := yellowString(m.logic.Phases[from].State, m.logic.Phases[to].State)
	if want == "" {
		return -1
	}
	for i, p := range m.logic.Phases {
		if p.State == want {
			return i
		}
	}
	// Fall back to any phase showing yellow at every conflicting position.
	for i, p := range m.logic.Phases {
		if coversConflicts(m.logic.Phases[from].State, m.logic.Phases[to].State, p.State) {
			return i
		}
	}
	return -1
}

// needsYellow reports whether any lane green in from turns red in to.
func needsYellow(from, to string) bool {
	n := len(from)
	if len(to) < n {
		n = len(to)
	}
	for i := 0; i < n; i++ {
		if (from[i] == 'G' || from[i] == 'g') && to[i] == 'r' {
			return true
		}
	}
	return false
}

// yellowString builds the interphase signal string for from→to, or ""
// when no lane conflicts.
func yellowString(from, to string) string {
	if !needsYellow(from, to) {
		return ""
	}
	b := []byte(from)
	for i := 0; i < len(b) && i < len(to); i++ {
		if (b[i] == 'G' || b[i] == 'g') && to[i] == 'r' {
			b[i] = 'y'
		}
	}
	return string(b)
}

// coversConflicts reports whether candidate shows yellow at every position
// that conflicts between from and to.
func coversConflicts(from, to, candidate string) bool {
	n := len(from)
	if len(to) < n {
		n = len(to)
	}
	if len(candidate) < n {
		return false
	}
	covered := false
	for i := 0; i < n; i++ {
		if (from[i] == 'G' || from[i] == 'g') && to[i] == 'r' {
			if candidate[i] != 'y' {
				return false
			}
			covered = true
		}
	}
	return covered
}
