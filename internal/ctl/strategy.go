// Package ctl is the control orchestrator: the HTTP facade operators use,
// the registry of per-process singletons, and the glue that routes
// decisions from the smart heuristic, the DQN policy or broker
// notifications through the safe-transition FSMs to the simulator.
// Exactly one decision source is active per TLS at any instant.
package ctl

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/adaptive-traffic-control/internal/dqn"
	"github.com/adaptive-traffic-control/internal/smart"
)

// Strategy is the shared decision contract: both the smart heuristic and
// the DQN policy map a live TLS observation to a phase request. Swapping
// strategies is a pointer swap in the registry, not a restart.
type Strategy interface {
	SelectAction(ctx context.Context) (*smart.Decision, error)
}

// SmartStrategy adapts the heuristic controller.
type SmartStrategy struct {
	Controller *smart.Controller
}

// SelectAction scores the phases and returns the controller's decision.
func (s *SmartStrategy) SelectAction(ctx context.Context) (*smart.Decision, error) {
	return s.Controller.SelectBestPhase(ctx)
}

// DQNStrategy adapts the learned policy to the strategy contract by
// sampling the state vector straight from the simulator.
type DQNStrategy struct {
	TLSID       string
	DetectorIDs []string
	EdgeIDs     []string
	NumPhases   int
	Net         *dqn.Network
	Sim         Sim
	Logger      *zap.Logger
}

// SelectAction builds (queues…, phase, pm25) from the simulator and maps
// the policy's action onto a hold or switch decision.
func (s *DQNStrategy) SelectAction(ctx context.Context) (*smart.Decision, error) {
	state := make([]float64, 0, len(s.DetectorIDs)+2)
	for _, det := range s.DetectorIDs {
		n, err := s.Sim.GetDetectorCount(ctx, det)
		if err != nil {
			return nil, fmt.Errorf("ctl: sample detector: %w", err)
		}
		state = append(state, float64(n))
	}
	phase, err := s.Sim.GetPhase(ctx, s.TLSID)
	if err != nil {
		return nil, fmt.Errorf("ctl: sample phase: %w", err)
	}
	var pm25 float64
	for _, edge := range s.EdgeIDs {
		v, err := s.Sim.GetEdgeEmission(ctx, edge)
		if err != nil {
			return nil, fmt.Errorf("ctl: sample edge emission: %w", err)
		}
		pm25 += v
	}
	state = append(state, float64(phase), pm25)

	action, err := s.Net.Predict(state)
	if err != nil {
		return nil, fmt.Errorf("ctl: policy: %w", err)
	}
	if action == dqn.ActionHold {
		return &smart.Decision{
			Action:      "hold",
			From:        phase,
			To:          phase,
			Explanation: "policy chose hold",
		}, nil
	}
	target := (phase + 1) % s.NumPhases
	return &smart.Decision{
		Action:      "switch",
		From:        phase,
		To:          target,
		Explanation: "policy chose switch to next phase",
	}, nil
}
