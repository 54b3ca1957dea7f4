// Package ai is the learned decision agent. It consumes
// TrafficFlowObserved and AirQualityObserved notifications from the
// broker, builds the DQN state vector and, when the policy says switch,
// patches forcePhase on the TrafficLight entity. It is the only writer of
// forcePhase and stateless across notifications.
package ai

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/adaptive-traffic-control/internal/dqn"
	"github.com/adaptive-traffic-control/internal/jsonx"
	"github.com/adaptive-traffic-control/internal/model"
	"github.com/adaptive-traffic-control/internal/ngsi"
)

// Broker is the slice of the NGSI client the agent needs.
type Broker interface {
	PatchAttrs(ctx context.Context, id string, attrs interface{}) error
	CreateSubscription(ctx context.Context, sub *ngsi.Subscription) (string, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// Policy maps a state vector to an action. *dqn.Network satisfies it.
type Policy interface {
	Predict(state []float64) (int, error)
}

// Config holds the agent configuration.
type Config struct {
	// TLSID is the simulator-local id of the TLS this agent owns.
	TLSID string
	// NumPhases bounds the forcePhase values the agent may emit.
	NumPhases int
	// NumDetectors pins the expected queue vector length.
	NumDetectors int
	// NotifyURI is the externally reachable notification endpoint.
	NotifyURI string
}

// Result reports what one notification batch led to.
type Result struct {
	Action string `json:"action"` // "skip", "hold" or "switch"
	Reason string `json:"reason,omitempty"`
	// Target is meaningful only for "switch". Phase 0 is a legitimate
	// wrap-around target, so it is always serialized.
	Target int `json:"target"`
}

// Agent is the per-TLS learned controller.
type Agent struct {
	cfg    Config
	broker Broker
	policy Policy
	logger *zap.Logger

	subIDs []string
}

// New creates an AI agent.
func New(cfg Config, broker Broker, policy Policy, logger *zap.Logger) *Agent {
	return &Agent{
		cfg:    cfg,
		broker: broker,
		policy: policy,
		logger: logger.Named("ai").With(zap.String("tls", cfg.TLSID)),
	}
}

// Subscribe registers the two subscriptions the agent lives on.
func (a *Agent) Subscribe(ctx context.Context) error {
	pattern := ".*" + a.cfg.TLSID + "$"
	for _, entityType := range []string{model.TypeTrafficFlowObserved, model.TypeAirQualityObserved} {
		sub := ngsi.NewSubscription(entityType, pattern, a.cfg.NotifyURI, nil)
		id, err := a.broker.CreateSubscription(ctx, sub)
		if err != nil && !errors.Is(err, ngsi.ErrConflict) {
			return fmt.Errorf("ai: subscribe to %s: %w", entityType, err)
		}
		a.subIDs = append(a.subIDs, id)
	}
	a.logger.Info("subscriptions created", zap.Strings("ids", a.subIDs))
	return nil
}

// Unsubscribe deletes the agent's subscriptions, best effort.
func (a *Agent) Unsubscribe(ctx context.Context) {
	for _, id := range a.subIDs {
		if err := a.broker.DeleteSubscription(ctx, id); err != nil {
			a.logger.Warn("delete subscription failed", zap.String("id", id), zap.Error(err))
		}
	}
	a.subIDs = nil
}

// HandleBatch processes one notification batch. When both the flow and
// air observations for the owned TLS are present, it runs the policy and
// patches forcePhase on a switch decision.
func (a *Agent) HandleBatch(ctx context.Context, batch []ngsi.Envelope) Result {
	var flow *model.TrafficFlowObserved
	var air *model.AirQualityObserved

	for _, env := range batch {
		if model.LocalID(env.ID) != a.cfg.TLSID {
			continue
		}
		switch env.Type {
		case model.TypeTrafficFlowObserved:
			var f model.TrafficFlowObserved
			if err := jsonx.Unmarshal(env.Raw, &f); err != nil {
				a.logger.Warn("undecodable flow entity", zap.String("id", env.ID), zap.Error(err))
				continue
			}
			flow = &f
		case model.TypeAirQualityObserved:
			var q model.AirQualityObserved
			if err := jsonx.Unmarshal(env.Raw, &q); err != nil {
				a.logger.Warn("undecodable air entity", zap.String("id", env.ID), zap.Error(err))
				continue
			}
			air = &q
		}
	}

	if flow == nil || air == nil {
		return Result{Action: "skip", Reason: "incomplete_data"}
	}
	if err := flow.Validate(a.cfg.NumDetectors); err != nil {
		a.logger.Warn("dropping invalid flow observation", zap.Error(err))
		return Result{Action: "skip", Reason: "schema_invalid"}
	}
	if err := air.Validate(); err != nil {
		a.logger.Warn("dropping invalid air observation", zap.Error(err))
		return Result{Action: "skip", Reason: "schema_invalid"}
	}

	state := make([]float64, 0, a.cfg.NumDetectors+2)
	for _, q := range flow.Queues.Value {
		state = append(state, float64(q))
	}
	state = append(state, float64(flow.Phase.Value), air.PM25.Value)

	action, err := a.policy.Predict(state)
	if err != nil {
		a.logger.Error("policy failed", zap.Error(err))
		return Result{Action: "skip", Reason: "policy_error"}
	}
	if action == dqn.ActionHold {
		return Result{Action: "hold"}
	}

	target := (flow.Phase.Value + 1) % a.cfg.NumPhases
	attrs := map[string]interface{}{
		"forcePhase": model.NewIntProperty(target),
	}
	tlID := model.URN(model.TypeTrafficLight, a.cfg.TLSID)
	if err := a.broker.PatchAttrs(ctx, tlID, attrs); err != nil {
		a.logger.Error("forcePhase patch failed", zap.Int("target", target), zap.Error(err))
		return Result{Action: "skip", Reason: "patch_failed"}
	}
	a.logger.Info("forcePhase patched", zap.Int("target", target))
	return Result{Action: "switch", Target: target}
}
