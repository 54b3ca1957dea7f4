package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"
)

// Status is the connection health as seen by the heartbeat watchdog.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnected    Status = "connected"
	// StatusLost means a connection exists but no step has succeeded
	// within the heartbeat window.
	StatusLost Status = "lost"
)

// Config holds the simulator client configuration.
type Config struct {
	Host string
	Port int
	// ConnectTimeout bounds a single dial attempt.
	ConnectTimeout time.Duration
	// ConnectRetries is how many times Start polls the control port while
	// the simulator boots.
	ConnectRetries int
	// RetryInterval is the pause between connect attempts.
	RetryInterval time.Duration
	// HeartbeatWindow declares the connection Lost when no step has
	// succeeded for this long.
	HeartbeatWindow time.Duration
	// CommandTimeout bounds one request/reply round trip. A simulator
	// stalled with the connection open is detected within this window
	// and the connection dropped.
	CommandTimeout time.Duration
	// LogicTTL bounds how long a signal program stays cached.
	LogicTTL time.Duration
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            8813,
		ConnectTimeout:  5 * time.Second,
		ConnectRetries:  10,
		RetryInterval:   time.Second,
		HeartbeatWindow: 10 * time.Second,
		CommandTimeout:  10 * time.Second,
		LogicTTL:        time.Minute,
	}
}

// ownerState is the connection state owned exclusively by the run loop.
type ownerState struct {
	s *session
}

type opResult struct {
	value interface{}
	err   error
}

type clientOp struct {
	fn   func(st *ownerState) (interface{}, error)
	resp chan opResult
}

// Client wraps the simulator control connection. All commands funnel
// through one owner goroutine so the synchronous protocol never sees
// interleaved frames.
type Client struct {
	cfg    Config
	logger *zap.Logger

	ops  chan *clientOp
	quit chan struct{}

	// Signal programs rarely change within a run; cache them briefly so
	// the smart controller does not re-fetch the program every decision.
	logic *ristretto.Cache[string, *PhaseLogic]

	lastStepNano atomic.Int64
	lastSimTime  atomic.Uint64 // math.Float64bits
	stepped      atomic.Bool
	// connected mirrors session existence so Status never has to wait
	// on the owner goroutine.
	connected atomic.Bool
}

// NewClient creates a simulator client and starts its owner goroutine.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *PhaseLogic]{
		NumCounters: 64,
		MaxCost:     32,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("sim: create logic cache: %w", err)
	}
	c := &Client{
		cfg:    cfg,
		logger: logger.Named("sim"),
		ops:    make(chan *clientOp),
		quit:   make(chan struct{}),
		logic:  cache,
	}
	go c.run()
	return c, nil
}

// run is the owner loop: the only code that touches the session.
func (c *Client) run() {
	st := &ownerState{}
	for {
		select {
		case op := <-c.ops:
			v, err := op.fn(st)
			op.resp <- opResult{value: v, err: err}
		case <-c.quit:
			if st.s != nil {
				st.s.close()
				st.s = nil
				c.connected.Store(false)
			}
			return
		}
	}
}

// exec schedules fn on the owner goroutine and waits for its result.
func (c *Client) exec(ctx context.Context, fn func(st *ownerState) (interface{}, error)) (interface{}, error) {
	op := &clientOp{fn: fn, resp: make(chan opResult, 1)}
	select {
	case c.ops <- op:
	case <-c.quit:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-op.resp:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// command runs one round trip on the owner goroutine's session. Any
// failure the simulator itself did not report leaves the reply stream in
// an unknown position, so the connection is dropped and operations return
// ErrNotConnected until the next Connect or Start.
func (c *Client) command(st *ownerState, cmd string, args map[string]interface{}, out interface{}) error {
	if st.s == nil {
		return ErrNotConnected
	}
	err := st.s.roundTrip(cmd, args, out)
	var cmdErr *CommandError
	if err != nil && !errors.As(err, &cmdErr) {
		c.logger.Warn("control connection broken, dropping it",
			zap.String("cmd", cmd), zap.Error(err))
		_ = st.s.conn.Close()
		st.s = nil
		c.connected.Store(false)
		c.stepped.Store(false)
	}
	return err
}

// Shutdown stops the owner goroutine and closes any live connection.
func (c *Client) Shutdown() {
	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
}

// Connect attaches to a running simulator and performs one step, since
// some simulators block on the first step until a client is attached.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	_, err := c.exec(ctx, func(st *ownerState) (interface{}, error) {
		if st.s != nil {
			st.s.close()
			st.s = nil
			c.connected.Store(false)
		}
		s, err := dial(host, port, c.cfg.ConnectTimeout, c.cfg.CommandTimeout)
		if err != nil {
			return nil, err
		}
		var out struct {
			Time float64 `json:"time"`
		}
		if err := s.roundTrip(cmdStep, nil, &out); err != nil {
			s.conn.Close()
			return nil, fmt.Errorf("sim: initial step: %w", err)
		}
		st.s = s
		c.connected.Store(true)
		c.recordStep(out.Time)
		return nil, nil
	})
	if err != nil {
		return err
	}
	c.logger.Info("simulator connected",
		zap.String("host", host),
		zap.Int("port", port))
	return nil
}

// Close tears down the control connection. Operations return
// ErrNotConnected until the next Connect or Start.
func (c *Client) Close(ctx context.Context) error {
	_, err := c.exec(ctx, func(st *ownerState) (interface{}, error) {
		if st.s != nil {
			st.s.close()
			st.s = nil
		}
		c.connected.Store(false)
		c.stepped.Store(false)
		return nil, nil
	})
	return err
}

func (c *Client) recordStep(simTime float64) {
	c.lastStepNano.Store(time.Now().UnixNano())
	c.lastSimTime.Store(math.Float64bits(simTime))
	c.stepped.Store(true)
}

// Connected reports whether a control connection currently exists. It
// reads an atomic, never the owner goroutine, so it stays responsive
// while a command is mid-flight.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Status reports the heartbeat view of the connection.
func (c *Client) Status() Status {
	if !c.Connected() {
		return StatusDisconnected
	}
	if c.stepped.Load() {
		last := time.Unix(0, c.lastStepNano.Load())
		if time.Since(last) > c.cfg.HeartbeatWindow {
			return StatusLost
		}
	}
	return StatusConnected
}

// SimTime returns the simulator time of the last successful step.
func (c *Client) SimTime() float64 {
	return math.Float64frombits(c.lastSimTime.Load())
}

// Step advances the simulation one step and returns the new sim time.
func (c *Client) Step(ctx context.Context) (float64, error) {
	v, err := c.exec(ctx, func(st *ownerState) (interface{}, error) {
		var out struct {
			Time float64 `json:"time"`
		}
		if err := c.command(st, cmdStep, nil, &out); err != nil {
			return nil, err
		}
		c.recordStep(out.Time)
		return out.Time, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// GetDetectorCount returns the halting-vehicle count of one lane-area
// detector.
func (c *Client) GetDetectorCount(ctx context.Context, detectorID string) (int, error) {
	v, err := c.intCommand(ctx, cmdDetectorHalting, map[string]interface{}{"id": detectorID})
	if err != nil {
		return 0, fmt.Errorf("detector %s: %w", detectorID, err)
	}
	return v, nil
}

// GetEdgeEmission returns the PMx emission of one edge over the last step
// interval, in mg.
func (c *Client) GetEdgeEmission(ctx context.Context, edgeID string) (float64, error) {
	v, err := c.exec(ctx, func(st *ownerState) (interface{}, error) {
		var out struct {
			Value float64 `json:"value"`
		}
		err := c.command(st, cmdEdgeEmission, map[string]interface{}{"id": edgeID, "pollutant": "PMx"}, &out)
		return out.Value, err
	})
	if err != nil {
		return 0, fmt.Errorf("edge %s: %w", edgeID, err)
	}
	return v.(float64), nil
}

// GetVehicleCount returns the number of vehicles currently in the network.
func (c *Client) GetVehicleCount(ctx context.Context) (int, error) {
	return c.intCommand(ctx, cmdVehicleCount, nil)
}

// GetPhase returns the current phase index of a TLS.
func (c *Client) GetPhase(ctx context.Context, tlsID string) (int, error) {
	v, err := c.intCommand(ctx, cmdTLSPhase, map[string]interface{}{"id": tlsID})
	if err != nil {
		return 0, fmt.Errorf("tls %s: %w", tlsID, err)
	}
	return v, nil
}

// SetPhase installs a phase immediately. Safety (min green, yellow
// interphases) is the FSM's responsibility, not this client's.
func (c *Client) SetPhase(ctx context.Context, tlsID string, phase int) error {
	_, err := c.exec(ctx, func(st *ownerState) (interface{}, error) {
		return nil, c.command(st, cmdTLSSetPhase, map[string]interface{}{"id": tlsID, "phase": phase}, nil)
	})
	if err != nil {
		return fmt.Errorf("set phase %d on %s: %w", phase, tlsID, err)
	}
	c.logger.Debug("phase installed", zap.String("tls", tlsID), zap.Int("phase", phase))
	return nil
}

// GetPhaseLogic returns the signal program of a TLS. Programs are cached
// with a short TTL; the CurrentPhase field may therefore lag, use GetPhase
// for the live index.
func (c *Client) GetPhaseLogic(ctx context.Context, tlsID string) (*PhaseLogic, error) {
	if cached, ok := c.logic.Get(tlsID); ok {
		return cached, nil
	}
	v, err := c.exec(ctx, func(st *ownerState) (interface{}, error) {
		var out PhaseLogic
		if err := c.command(st, cmdTLSLogic, map[string]interface{}{"id": tlsID}, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("tls %s: %w", tlsID, err)
	}
	logic := v.(*PhaseLogic)
	c.logic.SetWithTTL(tlsID, logic, 1, c.cfg.LogicTTL)
	return logic, nil
}

// GetControlledLanes returns the distinct lanes controlled by a TLS, in
// signal-link order.
func (c *Client) GetControlledLanes(ctx context.Context, tlsID string) ([]string, error) {
	v, err := c.exec(ctx, func(st *ownerState) (interface{}, error) {
		var out struct {
			Lanes []string `json:"lanes"`
		}
		if err := c.command(st, cmdTLSLanes, map[string]interface{}{"id": tlsID}, &out); err != nil {
			return nil, err
		}
		return distinctLanes(out.Lanes), nil
	})
	if err != nil {
		return nil, fmt.Errorf("tls %s: %w", tlsID, err)
	}
	return v.([]string), nil
}

// GetLaneMetrics returns per-lane measurements for the given lanes.
func (c *Client) GetLaneMetrics(ctx context.Context, lanes []string) ([]LaneMetrics, error) {
	v, err := c.exec(ctx, func(st *ownerState) (interface{}, error) {
		var out struct {
			Metrics []LaneMetrics `json:"metrics"`
		}
		if err := c.command(st, cmdLaneMetrics, map[string]interface{}{"lanes": lanes}, &out); err != nil {
			return nil, err
		}
		return out.Metrics, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]LaneMetrics), nil
}

// GetTrafficState aggregates the live view of one TLS over its distinct
// controlled lanes, as one serialized command sequence.
func (c *Client) GetTrafficState(ctx context.Context, tlsID string) (*TrafficState, error) {
	v, err := c.exec(ctx, func(st *ownerState) (interface{}, error) {
		var phase struct {
			Value int `json:"value"`
		}
		if err := c.command(st, cmdTLSPhase, map[string]interface{}{"id": tlsID}, &phase); err != nil {
			return nil, err
		}
		var logic PhaseLogic
		if err := c.command(st, cmdTLSLogic, map[string]interface{}{"id": tlsID}, &logic); err != nil {
			return nil, err
		}
		var lanesOut struct {
			Lanes []string `json:"lanes"`
		}
		if err := c.command(st, cmdTLSLanes, map[string]interface{}{"id": tlsID}, &lanesOut); err != nil {
			return nil, err
		}
		lanes := distinctLanes(lanesOut.Lanes)
		var metricsOut struct {
			Metrics []LaneMetrics `json:"metrics"`
		}
		if err := c.command(st, cmdLaneMetrics, map[string]interface{}{"lanes": lanes}, &metricsOut); err != nil {
			return nil, err
		}
		var vehicles struct {
			Value int `json:"value"`
		}
		if err := c.command(st, cmdVehicleCount, nil, &vehicles); err != nil {
			return nil, err
		}

		state := &TrafficState{
			SimTime:         c.SimTime(),
			CurrentPhase:    phase.Value,
			VehicleCount:    vehicles.Value,
			ControlledLanes: lanes,
			MinSpeed:        math.Inf(1),
		}
		if phase.Value >= 0 && phase.Value < len(logic.Phases) {
			state.PhaseDuration = logic.Phases[phase.Value].Duration
		}
		var speedSum, occSum float64
		for _, m := range metricsOut.Metrics {
			state.QueueLength += m.HaltingCount
			state.WaitingTime += m.WaitingTime
			occSum += m.OccupancyPct
			speedSum += m.MeanSpeed
			if m.MaxSpeed > state.MaxSpeed {
				state.MaxSpeed = m.MaxSpeed
			}
			if m.MeanSpeed < state.MinSpeed {
				state.MinSpeed = m.MeanSpeed
			}
		}
		if n := len(metricsOut.Metrics); n > 0 {
			state.AvgSpeed = speedSum / float64(n)
			state.AvgOccupancyPct = occSum / float64(n)
		}
		if math.IsInf(state.MinSpeed, 1) {
			state.MinSpeed = 0
		}
		return state, nil
	})
	if err != nil {
		return nil, fmt.Errorf("traffic state of %s: %w", tlsID, err)
	}
	return v.(*TrafficState), nil
}

func (c *Client) intCommand(ctx context.Context, cmd string, args map[string]interface{}) (int, error) {
	v, err := c.exec(ctx, func(st *ownerState) (interface{}, error) {
		var out struct {
			Value int `json:"value"`
		}
		err := c.command(st, cmd, args, &out)
		return out.Value, err
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}
