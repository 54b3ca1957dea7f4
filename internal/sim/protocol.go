// Package sim is the bridge to the microscopic traffic simulator. It speaks
// a newline-delimited JSON command protocol to the simulator's remote
// control port and funnels every command through a single owner goroutine,
// so the synchronous command channel can never be reordered.
package sim

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/adaptive-traffic-control/internal/jsonx"
)

// ErrNotConnected is returned by every operation after the control
// connection has been torn down. There is no automatic reconnection; the
// orchestrator decides when to call Connect or Start again.
var ErrNotConnected = errors.New("sim: not connected")

// Wire command names understood by the simulator bridge.
const (
	cmdStep            = "simulation_step"
	cmdClose           = "close"
	cmdDetectorHalting = "detector_halting_count"
	cmdEdgeEmission    = "edge_emission"
	cmdVehicleCount    = "vehicle_count"
	cmdTLSPhase        = "tls_phase"
	cmdTLSSetPhase     = "tls_set_phase"
	cmdTLSLogic        = "tls_logic"
	cmdTLSLanes        = "tls_controlled_lanes"
	cmdLaneMetrics     = "lane_metrics"
)

// wireRequest is one framed command.
type wireRequest struct {
	Seq  uint64                 `json:"id"`
	Cmd  string                 `json:"cmd"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// wireResponse is the simulator's reply frame.
type wireResponse struct {
	Seq    uint64           `json:"id"`
	OK     bool             `json:"ok"`
	Result jsonx.RawMessage `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// CommandError is a failure the simulator itself reported. The reply
// stream stays in sync, so the connection remains usable; transport
// failures never produce it.
type CommandError struct {
	Cmd    string
	Reason string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("sim: %s failed: %s", e.Cmd, e.Reason)
}

// session owns one live control connection. Only the client's owner
// goroutine touches it.
type session struct {
	conn      net.Conn
	br        *bufio.Reader
	seq       uint64
	ioTimeout time.Duration
}

func newSession(conn net.Conn, ioTimeout time.Duration) *session {
	return &session{conn: conn, br: bufio.NewReader(conn), ioTimeout: ioTimeout}
}

// roundTrip sends one command and decodes the matching reply into out.
// The protocol is strictly request/reply, so frames cannot interleave.
// Each half of the exchange carries a deadline; a simulator that stalls
// with the connection open surfaces as a timeout error instead of
// wedging the caller forever.
func (s *session) roundTrip(cmd string, args map[string]interface{}, out interface{}) error {
	s.seq++
	req := wireRequest{Seq: s.seq, Cmd: cmd, Args: args}
	if s.ioTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.ioTimeout))
	}
	if err := jsonx.Encode(s.conn, req); err != nil {
		return fmt.Errorf("sim: send %s: %w", cmd, err)
	}

	if s.ioTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.ioTimeout))
	}
	line, err := s.br.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("sim: read reply for %s: %w", cmd, err)
	}
	var resp wireResponse
	if err := jsonx.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("sim: decode reply for %s: %w", cmd, err)
	}
	if resp.Seq != req.Seq {
		return fmt.Errorf("sim: reply sequence mismatch for %s: sent %d got %d", cmd, req.Seq, resp.Seq)
	}
	if !resp.OK {
		return &CommandError{Cmd: cmd, Reason: resp.Error}
	}
	if out != nil && len(resp.Result) > 0 {
		if err := jsonx.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("sim: decode result of %s: %w", cmd, err)
		}
	}
	return nil
}

func (s *session) close() {
	// Best effort; the simulator drops the connection on close anyway.
	_ = s.roundTrip(cmdClose, nil, nil)
	_ = s.conn.Close()
}

// dial opens the control connection with a bounded connect timeout.
func dial(host string, port int, connectTimeout, ioTimeout time.Duration) (*session, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("sim: dial %s: %w", addr, err)
	}
	return newSession(conn, ioTimeout), nil
}
