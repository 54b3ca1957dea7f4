package ctl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adaptive-traffic-control/internal/dqn"
	"github.com/adaptive-traffic-control/internal/fsm"
	"github.com/adaptive-traffic-control/internal/sim"
	"github.com/adaptive-traffic-control/internal/smart"
)

// Sim is the slice of the simulator client the orchestrator drives.
// *sim.Client satisfies it; tests substitute a fake.
type Sim interface {
	Connect(ctx context.Context, host string, port int) error
	Start(ctx context.Context, opts sim.LaunchOptions) error
	Close(ctx context.Context) error
	Step(ctx context.Context) (float64, error)
	Status() sim.Status
	SimTime() float64
	SetPhase(ctx context.Context, tlsID string, phase int) error
	GetPhase(ctx context.Context, tlsID string) (int, error)
	GetPhaseLogic(ctx context.Context, tlsID string) (*sim.PhaseLogic, error)
	GetControlledLanes(ctx context.Context, tlsID string) ([]string, error)
	GetLaneMetrics(ctx context.Context, lanes []string) ([]sim.LaneMetrics, error)
	GetTrafficState(ctx context.Context, tlsID string) (*sim.TrafficState, error)
	GetDetectorCount(ctx context.Context, detectorID string) (int, error)
	GetEdgeEmission(ctx context.Context, edgeID string) (float64, error)
}

// DecisionSource names who is allowed to drive phase changes on a TLS.
type DecisionSource string

const (
	// SourceManual leaves phase changes to explicit set-phase calls.
	SourceManual DecisionSource = "manual"
	// SourceSmart runs the heuristic controller on ai-step calls.
	SourceSmart DecisionSource = "smart"
	// SourceDQN runs the learned policy on ai-step calls.
	SourceDQN DecisionSource = "dqn"
	// SourceBroker lets the notification-driven AI agent act; ai-step is
	// rejected so the two paths never race on one TLS.
	SourceBroker DecisionSource = "broker"
)

// Config holds the orchestrator configuration.
type Config struct {
	TLSIDs      []string
	DetectorIDs []string
	EdgeIDs     []string

	MinGreen      time.Duration
	DefaultYellow time.Duration

	// LauncherURL is the host-side helper tried first by /sumo/start;
	// empty skips straight to local launch.
	LauncherURL string
	// FallbackBinary is the simulator binary used for the in-network
	// fallback launch.
	FallbackBinary string

	ScenariosPath  string
	StreamInterval time.Duration

	HeartbeatWindow time.Duration
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		MinGreen:        10 * time.Second,
		DefaultYellow:   3 * time.Second,
		ScenariosPath:   "scenarios.yaml",
		StreamInterval:  time.Second,
		HeartbeatWindow: 10 * time.Second,
	}
}

// Registry owns the per-process singletons: the simulator client, the
// per-TLS FSMs and controllers, and the active decision source. All
// mutation goes through its mutex; connection state is last-writer-wins.
type Registry struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	sim        Sim
	net        *dqn.Network
	fsms       map[string]*fsm.Machine
	smarts     map[string]*smart.Controller
	strategies map[string]Strategy
	source     DecisionSource
	scenario   string
	onReady    []func(context.Context)
}

// NewRegistry creates a registry around the given simulator client and
// policy network.
func NewRegistry(cfg Config, s Sim, net *dqn.Network, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:        cfg,
		logger:     logger.Named("ctl"),
		sim:        s,
		net:        net,
		fsms:       make(map[string]*fsm.Machine),
		smarts:     make(map[string]*smart.Controller),
		strategies: make(map[string]Strategy),
		source:     SourceManual,
	}
}

// Sim returns the simulator handle.
func (r *Registry) Sim() Sim {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sim
}

// Source returns the active decision source.
func (r *Registry) Source() DecisionSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.source
}

// Scenario returns the scenario recorded at connect time.
func (r *Registry) Scenario() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scenario
}

// SetScenario records the active scenario name.
func (r *Registry) SetScenario(name string) {
	r.mu.Lock()
	r.scenario = name
	r.mu.Unlock()
}

// FSM returns the machine for a TLS, if control has been initialised.
func (r *Registry) FSM(tlsID string) (*fsm.Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.fsms[tlsID]
	return m, ok
}

// OnControlReady registers a callback run after every successful
// InitControl. Used to (re)start the agent loops that need a live
// connection.
func (r *Registry) OnControlReady(fn func(context.Context)) {
	r.mu.Lock()
	r.onReady = append(r.onReady, fn)
	r.mu.Unlock()
}

// Gate returns a phase gate for one TLS that resolves the FSM lazily, so
// it can be handed out before control is initialised.
func (r *Registry) Gate(tlsID string) *Gate {
	return &Gate{registry: r, tlsID: tlsID}
}

// Gate routes phase requests to the TLS's machine once it exists.
type Gate struct {
	registry *Registry
	tlsID    string
}

func (g *Gate) RequestPhase(ctx context.Context, target int) error {
	m, ok := g.registry.FSM(g.tlsID)
	if !ok {
		return fmt.Errorf("ctl: phase control for %s not initialised", g.tlsID)
	}
	return m.RequestPhase(ctx, target)
}

func (g *Gate) Tick(ctx context.Context) error {
	m, ok := g.registry.FSM(g.tlsID)
	if !ok {
		return nil
	}
	return m.Tick(ctx)
}

// InitControl builds the FSM for every configured TLS from its live
// signal program. Called after a successful connect.
func (r *Registry) InitControl(ctx context.Context) error {
	r.mu.Lock()
	for _, tlsID := range r.cfg.TLSIDs {
		logic, err := r.sim.GetPhaseLogic(ctx, tlsID)
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("ctl: init control of %s: %w", tlsID, err)
		}
		phase, err := r.sim.GetPhase(ctx, tlsID)
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("ctl: init control of %s: %w", tlsID, err)
		}
		logic.CurrentPhase = phase
		r.fsms[tlsID] = fsm.New(tlsID, logic, fsm.Config{
			MinGreen:      r.cfg.MinGreen,
			DefaultYellow: r.cfg.DefaultYellow,
		}, r.sim, r.logger)
	}
	ready := make([]func(context.Context), len(r.onReady))
	copy(ready, r.onReady)
	r.logger.Info("phase control initialised", zap.Strings("tls", r.cfg.TLSIDs))
	r.mu.Unlock()

	// Callbacks run unlocked so they may call back into the registry.
	for _, fn := range ready {
		fn(ctx)
	}
	return nil
}

// EnableSource installs the controllers for the requested decision source
// and makes it the single active one for every configured TLS.
func (r *Registry) EnableSource(ctx context.Context, source DecisionSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch source {
	case SourceManual, SourceBroker:
		r.strategies = make(map[string]Strategy)
	case SourceSmart:
		r.strategies = make(map[string]Strategy, len(r.cfg.TLSIDs))
		for _, tlsID := range r.cfg.TLSIDs {
			ctrl, ok := r.smarts[tlsID]
			if !ok {
				smartCfg := smart.DefaultConfig()
				smartCfg.MinGreen = r.cfg.MinGreen
				ctrl = smart.New(tlsID, smartCfg, r.sim, r.logger)
				r.smarts[tlsID] = ctrl
			}
			r.strategies[tlsID] = &SmartStrategy{Controller: ctrl}
		}
	case SourceDQN:
		r.strategies = make(map[string]Strategy, len(r.cfg.TLSIDs))
		for _, tlsID := range r.cfg.TLSIDs {
			logic, err := r.sim.GetPhaseLogic(ctx, tlsID)
			if err != nil {
				return fmt.Errorf("ctl: enable dqn on %s: %w", tlsID, err)
			}
			r.strategies[tlsID] = &DQNStrategy{
				TLSID:       tlsID,
				DetectorIDs: r.cfg.DetectorIDs,
				EdgeIDs:     r.cfg.EdgeIDs,
				NumPhases:   logic.NumPhases(),
				Net:         r.net,
				Sim:         r.sim,
				Logger:      r.logger,
			}
		}
	default:
		return fmt.Errorf("ctl: unknown decision source %q", source)
	}

	r.source = source
	r.logger.Info("decision source changed", zap.String("source", string(source)))
	return nil
}

// StepResult is the per-TLS outcome of one ai-step.
type StepResult struct {
	Action      string `json:"action"`
	From        int    `json:"from"`
	To          int    `json:"to"`
	Explanation string `json:"explanation"`
}

// AIStep runs the active strategy for every TLS and routes switch
// decisions through the FSM. It refuses to run while the broker-driven
// agent owns the TLSs, so there is exactly one decision source per TLS
// per instant.
func (r *Registry) AIStep(ctx context.Context) (map[string]StepResult, error) {
	r.mu.Lock()
	source := r.source
	strategies := make(map[string]Strategy, len(r.strategies))
	for k, v := range r.strategies {
		strategies[k] = v
	}
	fsms := make(map[string]*fsm.Machine, len(r.fsms))
	for k, v := range r.fsms {
		fsms[k] = v
	}
	r.mu.Unlock()

	if source == SourceBroker {
		return nil, fmt.Errorf("ctl: ai-step rejected: notification-driven agent owns phase control")
	}
	if source == SourceManual || len(strategies) == 0 {
		return nil, fmt.Errorf("ctl: ai control not enabled")
	}

	results := make(map[string]StepResult, len(strategies))
	for tlsID, strategy := range strategies {
		machine, ok := fsms[tlsID]
		if !ok {
			return nil, fmt.Errorf("ctl: no phase control for %s", tlsID)
		}
		if err := machine.Tick(ctx); err != nil {
			r.logger.Warn("fsm tick failed", zap.String("tls", tlsID), zap.Error(err))
		}
		decision, err := strategy.SelectAction(ctx)
		if err != nil {
			r.logger.Warn("strategy failed, holding", zap.String("tls", tlsID), zap.Error(err))
			results[tlsID] = StepResult{Action: "hold", Explanation: "strategy error: " + err.Error()}
			continue
		}
		res := StepResult{
			Action:      decision.Action,
			From:        decision.From,
			To:          decision.To,
			Explanation: decision.Explanation,
		}
		if decision.Action == "switch" && decision.To != decision.From {
			if err := machine.RequestPhase(ctx, decision.To); err != nil {
				res.Action = "hold"
				res.Explanation = fmt.Sprintf("switch refused: %v", err)
			}
		}
		results[tlsID] = res
	}
	return results, nil
}

// Shutdown drains phase control and closes the simulator connection.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	s := r.sim
	r.source = SourceManual
	r.strategies = make(map[string]Strategy)
	r.mu.Unlock()

	if err := s.Close(ctx); err != nil {
		r.logger.Warn("simulator close failed", zap.Error(err))
	}
}
