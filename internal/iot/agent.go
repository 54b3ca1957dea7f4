// Package iot bridges the simulator and the broker. On every step it
// publishes the four observation entities, and on forcePhase notifications
// it routes the command through the safe-transition FSM down to the
// simulator. It is the only writer of TrafficLight.currentPhase and the
// component that re-establishes the quiescent forcePhase = −1 marker.
package iot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/adaptive-traffic-control/internal/emissions"
	"github.com/adaptive-traffic-control/internal/fsm"
	"github.com/adaptive-traffic-control/internal/jsonx"
	"github.com/adaptive-traffic-control/internal/model"
	"github.com/adaptive-traffic-control/internal/ngsi"
	"github.com/adaptive-traffic-control/internal/sim"
)

// Simulator is the slice of the sim client the agent reads from.
type Simulator interface {
	Step(ctx context.Context) (float64, error)
	GetDetectorCount(ctx context.Context, detectorID string) (int, error)
	GetEdgeEmission(ctx context.Context, edgeID string) (float64, error)
	GetPhase(ctx context.Context, tlsID string) (int, error)
	GetTrafficState(ctx context.Context, tlsID string) (*sim.TrafficState, error)
}

// Broker is the slice of the NGSI client the agent writes through.
type Broker interface {
	CreateEntity(ctx context.Context, entity interface{}) error
	PatchAttrs(ctx context.Context, id string, attrs interface{}) error
	CreateSubscription(ctx context.Context, sub *ngsi.Subscription) (string, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// PhaseGate guards phase installation. *fsm.Machine satisfies it.
type PhaseGate interface {
	RequestPhase(ctx context.Context, target int) error
	Tick(ctx context.Context) error
}

// Config holds the agent configuration for one TLS.
type Config struct {
	TLSID        string
	DetectorIDs  []string
	EdgeIDs      []string
	NumPhases    int
	NotifyURI    string
	// PhaseEveryK throttles TrafficLight.currentPhase to every K steps.
	PhaseEveryK int
	// RefRoadSegment links observations to their road segment.
	RefRoadSegment string
}

// DefaultConfig returns the deployment defaults for a TLS.
func DefaultConfig(tlsID string) Config {
	return Config{
		TLSID:       tlsID,
		PhaseEveryK: 5,
	}
}

// Agent is the per-TLS IoT bridge.
type Agent struct {
	cfg    Config
	sim    Simulator
	broker Broker
	gate   PhaseGate
	nc     *nats.Conn // nil disables the experience stream
	logger *zap.Logger

	// pendingReset is set by the notification goroutine and consumed by
	// the publisher loop.
	mu           sync.Mutex
	pendingReset bool

	stepCount int
	created   map[string]bool
	subID     string
}

// New creates an IoT agent. nc may be nil to disable the experience
// stream.
func New(cfg Config, simulator Simulator, broker Broker, gate PhaseGate, nc *nats.Conn, logger *zap.Logger) *Agent {
	return &Agent{
		cfg:     cfg,
		sim:     simulator,
		broker:  broker,
		gate:    gate,
		nc:      nc,
		logger:  logger.Named("iot").With(zap.String("tls", cfg.TLSID)),
		created: make(map[string]bool),
	}
}

// Subscribe registers for forcePhase changes on the owned TrafficLight.
func (a *Agent) Subscribe(ctx context.Context) error {
	sub := ngsi.NewSubscription(
		model.TypeTrafficLight,
		".*"+a.cfg.TLSID+"$",
		a.cfg.NotifyURI,
		[]string{"forcePhase"},
	)
	id, err := a.broker.CreateSubscription(ctx, sub)
	if err != nil && !errors.Is(err, ngsi.ErrConflict) {
		return fmt.Errorf("iot: subscribe to forcePhase: %w", err)
	}
	a.subID = id
	a.logger.Info("forcePhase subscription created", zap.String("id", id))
	return nil
}

// Unsubscribe deletes the subscription, best effort.
func (a *Agent) Unsubscribe(ctx context.Context) {
	if a.subID == "" {
		return
	}
	if err := a.broker.DeleteSubscription(ctx, a.subID); err != nil {
		a.logger.Warn("delete subscription failed", zap.Error(err))
	}
	a.subID = ""
}

// PublishStep reads the simulator and upserts the observation entities for
// one step. The caller is responsible for having stepped the simulator.
func (a *Agent) PublishStep(ctx context.Context) error {
	queues := make([]int, len(a.cfg.DetectorIDs))
	for i, det := range a.cfg.DetectorIDs {
		n, err := a.sim.GetDetectorCount(ctx, det)
		if err != nil {
			return fmt.Errorf("iot: read detector: %w", err)
		}
		queues[i] = n
	}
	phase, err := a.sim.GetPhase(ctx, a.cfg.TLSID)
	if err != nil {
		return fmt.Errorf("iot: read phase: %w", err)
	}
	// The TrafficLight entity must exist before the first observation
	// goes out: its notification triggers the AI agent, whose forcePhase
	// patch would otherwise land on a missing entity.
	if err := a.ensureTrafficLight(ctx, phase); err != nil {
		return err
	}
	state, err := a.sim.GetTrafficState(ctx, a.cfg.TLSID)
	if err != nil {
		return fmt.Errorf("iot: read traffic state: %w", err)
	}
	var pm25 float64
	for _, edge := range a.cfg.EdgeIDs {
		v, err := a.sim.GetEdgeEmission(ctx, edge)
		if err != nil {
			return fmt.Errorf("iot: read edge emission: %w", err)
		}
		pm25 += v
	}

	now := time.Now()
	derived := emissions.Derive(state.VehicleCount, state.AvgSpeed, pm25)

	flow := model.NewTrafficFlowObserved(a.cfg.TLSID, queues, phase, state.VehicleCount, state.AvgSpeed, now)
	if err := a.upsert(ctx, flow.ID, flow, map[string]interface{}{
		"queues":       flow.Queues,
		"phase":        flow.Phase,
		"vehicleCount": flow.VehicleCount,
		"averageSpeed": flow.AverageSpeed,
		"dateObserved": flow.DateObserved,
	}); err != nil {
		return err
	}

	air := model.NewAirQualityObserved(a.cfg.TLSID, pm25, now)
	if err := a.upsert(ctx, air.ID, air, map[string]interface{}{
		"pm25":         air.PM25,
		"dateObserved": air.DateObserved,
	}); err != nil {
		return err
	}

	impact := model.NewTrafficEnvironmentImpact(a.cfg.TLSID)
	impact.CO2 = model.NewProperty(derived.CO2Grams)
	impact.NOx = model.NewProperty(derived.NOxMilligrams)
	impact.PM10 = model.NewProperty(derived.PM10Milligrams)
	impact.PM25Emission = model.NewProperty(pm25)
	impact.VehicleCount = model.NewIntProperty(state.VehicleCount)
	impact.AverageSpeed = model.NewProperty(state.AvgSpeed)
	impact.DateObserved = model.NewDateTimeProperty(now)
	if a.cfg.RefRoadSegment != "" {
		impact.RefRoadSegment = model.NewRelationship(model.URN(model.TypeRoadSegment, a.cfg.RefRoadSegment))
	}
	if err := a.upsert(ctx, impact.ID, impact, map[string]interface{}{
		"co2":          impact.CO2,
		"nox":          impact.NOx,
		"pm10":         impact.PM10,
		"pm25Emission": impact.PM25Emission,
		"vehicleCount": impact.VehicleCount,
		"averageSpeed": impact.AverageSpeed,
		"dateObserved": impact.DateObserved,
	}); err != nil {
		return err
	}

	a.stepCount++
	if err := a.publishTrafficLight(ctx, phase); err != nil {
		return err
	}

	a.publishExperience(state.SimTime, queues, phase, pm25, state)
	return nil
}

// ensureTrafficLight creates the TrafficLight entity on first contact with
// the simulator, carrying the live phase and the quiescent forcePhase
// marker.
func (a *Agent) ensureTrafficLight(ctx context.Context, phase int) error {
	id := model.URN(model.TypeTrafficLight, a.cfg.TLSID)
	if a.created[id] {
		return nil
	}
	tl := model.NewTrafficLight(a.cfg.TLSID)
	tl.CurrentPhase = model.NewIntProperty(phase)
	tl.ForcePhase = model.NewIntProperty(model.ForcePhaseNone)
	if a.cfg.RefRoadSegment != "" {
		tl.RefRoadSegment = model.NewRelationship(model.URN(model.TypeRoadSegment, a.cfg.RefRoadSegment))
	}
	err := a.broker.CreateEntity(ctx, tl)
	switch {
	case err == nil:
		a.created[id] = true
		a.clearReset()
	case errors.Is(err, ngsi.ErrConflict):
		a.created[id] = true
	default:
		return fmt.Errorf("iot: create traffic light: %w", err)
	}
	return nil
}

// publishTrafficLight updates currentPhase every K steps and re-establishes
// the quiescent forcePhase marker after an applied command. The entity
// itself already exists; ensureTrafficLight ran earlier in the step.
func (a *Agent) publishTrafficLight(ctx context.Context, phase int) error {
	a.mu.Lock()
	reset := a.pendingReset
	a.mu.Unlock()

	attrs := map[string]interface{}{}
	if a.cfg.PhaseEveryK <= 1 || a.stepCount%a.cfg.PhaseEveryK == 0 {
		attrs["currentPhase"] = model.NewIntProperty(phase)
	}
	if reset {
		attrs["forcePhase"] = model.NewIntProperty(model.ForcePhaseNone)
	}
	if len(attrs) == 0 {
		return nil
	}

	id := model.URN(model.TypeTrafficLight, a.cfg.TLSID)
	if err := a.broker.PatchAttrs(ctx, id, attrs); err != nil {
		return fmt.Errorf("iot: patch traffic light: %w", err)
	}
	if reset {
		a.clearReset()
		a.logger.Debug("forcePhase reset to quiescent marker")
	}
	return nil
}

func (a *Agent) clearReset() {
	a.mu.Lock()
	a.pendingReset = false
	a.mu.Unlock()
}

// upsert tries create first and falls back to a patch on conflict. After
// the first success the create is skipped.
func (a *Agent) upsert(ctx context.Context, id string, entity interface{}, attrs map[string]interface{}) error {
	if !a.created[id] {
		err := a.broker.CreateEntity(ctx, entity)
		switch {
		case err == nil:
			a.created[id] = true
			return nil
		case errors.Is(err, ngsi.ErrConflict):
			a.created[id] = true
		default:
			return fmt.Errorf("iot: create %s: %w", id, err)
		}
	}
	if err := a.broker.PatchAttrs(ctx, id, attrs); err != nil {
		return fmt.Errorf("iot: patch %s: %w", id, err)
	}
	return nil
}

// publishExperience mirrors the step onto the experience stream for the
// offline trainer.
func (a *Agent) publishExperience(simTime float64, queues []int, phase int, pm25 float64, state *sim.TrafficState) {
	if a.nc == nil {
		return
	}
	obs := model.StepObservation{
		TLS:          a.cfg.TLSID,
		SimTime:      simTime,
		Queues:       queues,
		Phase:        phase,
		PM25:         pm25,
		VehicleCount: state.VehicleCount,
		AvgSpeed:     state.AvgSpeed,
	}
	data, err := jsonx.Marshal(obs)
	if err != nil {
		a.logger.Warn("marshal experience failed", zap.Error(err))
		return
	}
	if err := a.nc.Publish(model.ExperienceSubject(a.cfg.TLSID), data); err != nil {
		a.logger.Warn("publish experience failed", zap.Error(err))
	}
}

// HandleBatch routes forcePhase notifications through the FSM. Commands
// below zero are the quiescent marker and ignored.
func (a *Agent) HandleBatch(ctx context.Context, batch []ngsi.Envelope) {
	for _, env := range batch {
		if env.Type != model.TypeTrafficLight || model.LocalID(env.ID) != a.cfg.TLSID {
			continue
		}
		var tl model.TrafficLight
		if err := jsonx.Unmarshal(env.Raw, &tl); err != nil {
			a.logger.Warn("undecodable traffic light notification", zap.Error(err))
			continue
		}
		if tl.ForcePhase == nil || tl.ForcePhase.Value < 0 {
			continue
		}
		target := tl.ForcePhase.Value
		if target >= a.cfg.NumPhases {
			a.logger.Warn("dropping out-of-range forcePhase", zap.Int("target", target))
			continue
		}
		err := a.gate.RequestPhase(ctx, target)
		switch {
		case err == nil:
			a.mu.Lock()
			a.pendingReset = true
			a.mu.Unlock()
			a.logger.Info("forcePhase applied", zap.Int("target", target))
		case errors.Is(err, fsm.ErrTooSoon):
			a.logger.Info("forcePhase refused, min green not elapsed", zap.Int("target", target))
		default:
			a.logger.Error("forcePhase request failed", zap.Int("target", target), zap.Error(err))
		}
	}
}

// Runner drives a set of agents from one stepping loop. The simulation
// advances exactly once per interval no matter how many TLSs are
// configured; every agent then publishes its observations for that same
// step.
type Runner struct {
	sim      Simulator
	agents   []*Agent
	interval time.Duration
	logger   *zap.Logger
}

// NewRunner creates the shared publisher loop over the given agents.
func NewRunner(simulator Simulator, agents []*Agent, interval time.Duration, logger *zap.Logger) *Runner {
	return &Runner{
		sim:      simulator,
		agents:   agents,
		interval: interval,
		logger:   logger.Named("iot"),
	}
}

// Run steps the simulator, fans the step out to every agent and ticks
// their FSMs at the configured period until the context is cancelled.
// Transient failures are logged; the loop never terminates on a single
// one.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Info("publisher loop started",
		zap.Duration("interval", r.interval),
		zap.Int("agents", len(r.agents)))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("publisher loop stopped")
			return
		case <-ticker.C:
			if _, err := r.sim.Step(ctx); err != nil {
				if errors.Is(err, sim.ErrNotConnected) {
					r.logger.Error("simulator connection lost, stopping publisher")
					return
				}
				r.logger.Warn("step failed", zap.Error(err))
				continue
			}
			for _, a := range r.agents {
				if err := a.PublishStep(ctx); err != nil {
					a.logger.Warn("publish failed", zap.Error(err))
				}
				if err := a.gate.Tick(ctx); err != nil {
					a.logger.Warn("fsm tick failed", zap.Error(err))
				}
			}
		}
	}
}
