package sim

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/adaptive-traffic-control/internal/jsonx"
)

// fakeSimulator speaks the newline-delimited JSON control protocol on a
// real TCP listener.
type fakeSimulator struct {
	ln net.Listener

	mu        sync.Mutex
	simTime   float64
	phase     int
	setPhase  []int
	failCmds  map[string]string
	stallCmds map[string]bool
}

func (f *fakeSimulator) failCmd(cmd, msg string) {
	f.mu.Lock()
	f.failCmds[cmd] = msg
	f.mu.Unlock()
}

// stall makes the fake swallow a command without replying, keeping the
// connection open, like a wedged simulator process.
func (f *fakeSimulator) stall(cmd string, on bool) {
	f.mu.Lock()
	f.stallCmds[cmd] = on
	f.mu.Unlock()
}

func (f *fakeSimulator) setPhases() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.setPhase...)
}

func newFakeSimulator(t *testing.T) *fakeSimulator {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeSimulator{ln: ln, failCmds: map[string]string{}, stallCmds: map[string]bool{}}
	t.Cleanup(func() { ln.Close() })
	go f.serve()
	return f
}

func (f *fakeSimulator) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeSimulator) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeSimulator) handle(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			return
		}
		var req wireRequest
		if err := jsonx.Unmarshal(line, &req); err != nil {
			return
		}
		resp := wireResponse{Seq: req.Seq, OK: true}
		f.mu.Lock()
		if f.stallCmds[req.Cmd] {
			f.mu.Unlock()
			continue
		}
		if msg, ok := f.failCmds[req.Cmd]; ok {
			resp.OK = false
			resp.Error = msg
		} else {
			switch req.Cmd {
			case cmdStep:
				f.simTime++
				resp.Result = jsonx.RawMessage(`{"time":` + strconv.FormatFloat(f.simTime, 'f', -1, 64) + `}`)
			case cmdClose:
			case cmdDetectorHalting:
				resp.Result = jsonx.RawMessage(`{"value":7}`)
			case cmdEdgeEmission:
				resp.Result = jsonx.RawMessage(`{"value":1.5}`)
			case cmdVehicleCount:
				resp.Result = jsonx.RawMessage(`{"value":42}`)
			case cmdTLSPhase:
				resp.Result = jsonx.RawMessage(`{"value":` + strconv.Itoa(f.phase) + `}`)
			case cmdTLSSetPhase:
				phase := int(req.Args["phase"].(float64))
				f.setPhase = append(f.setPhase, phase)
				f.phase = phase
			case cmdTLSLogic:
				resp.Result = jsonx.RawMessage(
					`{"program_id":"0","current_phase":0,"phases":[` +
						`{"state":"GGrr","duration":30},{"state":"yyrr","duration":4},` +
						`{"state":"rrGG","duration":30},{"state":"rryy","duration":4}]}`)
			case cmdTLSLanes:
				resp.Result = jsonx.RawMessage(`{"lanes":["ns_0","ns_0","ew_0"]}`)
			case cmdLaneMetrics:
				resp.Result = jsonx.RawMessage(`{"metrics":[` +
					`{"lane":"ns_0","occupancy_pct":40,"halting_count":3,"waiting_time":12,"mean_speed":4,"max_speed":13.9},` +
					`{"lane":"ew_0","occupancy_pct":10,"halting_count":1,"waiting_time":2,"mean_speed":9,"max_speed":13.9}]}`)
			default:
				resp.OK = false
				resp.Error = "unknown command " + req.Cmd
			}
		}
		f.mu.Unlock()
		if err := jsonx.Encode(conn, resp); err != nil {
			return
		}
	}
}

func newConnectedClient(t *testing.T, f *fakeSimulator) *Client {
	t.Helper()
	c, err := NewClient(DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	require.NoError(t, c.Connect(context.Background(), "127.0.0.1", f.port()))
	return c
}

func TestConnectPerformsInitialStep(t *testing.T) {
	f := newFakeSimulator(t)
	c := newConnectedClient(t, f)

	assert.Equal(t, 1.0, c.SimTime(), "connect runs one step")
	assert.Equal(t, StatusConnected, c.Status())
}

func TestOperationsWithoutConnection(t *testing.T) {
	c, err := NewClient(DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)

	_, err = c.Step(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.GetPhase(context.Background(), "tls4")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestStepAdvancesSimTime(t *testing.T) {
	f := newFakeSimulator(t)
	c := newConnectedClient(t, f)

	tm, err := c.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2.0, tm)
	tm, err = c.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3.0, tm)
	assert.Equal(t, 3.0, c.SimTime())
}

func TestReadCommands(t *testing.T) {
	f := newFakeSimulator(t)
	c := newConnectedClient(t, f)
	ctx := context.Background()

	n, err := c.GetDetectorCount(ctx, "det0")
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	e, err := c.GetEdgeEmission(ctx, "edge0")
	require.NoError(t, err)
	assert.Equal(t, 1.5, e)

	v, err := c.GetVehicleCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	p, err := c.GetPhase(ctx, "tls4")
	require.NoError(t, err)
	assert.Equal(t, 0, p)
}

func TestSetPhaseReachesSimulator(t *testing.T) {
	f := newFakeSimulator(t)
	c := newConnectedClient(t, f)

	require.NoError(t, c.SetPhase(context.Background(), "tls4", 2))
	p, err := c.GetPhase(context.Background(), "tls4")
	require.NoError(t, err)
	assert.Equal(t, 2, p)
	assert.Equal(t, []int{2}, f.setPhases())
}

func TestGetControlledLanesDeduplicates(t *testing.T) {
	f := newFakeSimulator(t)
	c := newConnectedClient(t, f)

	lanes, err := c.GetControlledLanes(context.Background(), "tls4")
	require.NoError(t, err)
	assert.Equal(t, []string{"ns_0", "ew_0"}, lanes)
}

func TestGetPhaseLogic(t *testing.T) {
	f := newFakeSimulator(t)
	c := newConnectedClient(t, f)

	logic, err := c.GetPhaseLogic(context.Background(), "tls4")
	require.NoError(t, err)
	assert.Equal(t, 4, logic.NumPhases())
	assert.Equal(t, "GGrr", logic.Phases[0].State)
	assert.True(t, logic.Phases[0].HasGreen())
	assert.False(t, logic.Phases[1].HasGreen(), "pure yellow carries no green")
	assert.Equal(t, []int{2, 3}, logic.Phases[2].GreenLanes())
}

func TestGetTrafficStateAggregates(t *testing.T) {
	f := newFakeSimulator(t)
	c := newConnectedClient(t, f)

	state, err := c.GetTrafficState(context.Background(), "tls4")
	require.NoError(t, err)
	assert.Equal(t, 0, state.CurrentPhase)
	assert.Equal(t, 30.0, state.PhaseDuration)
	assert.Equal(t, 42, state.VehicleCount)
	assert.Equal(t, 4, state.QueueLength)
	assert.Equal(t, 14.0, state.WaitingTime)
	assert.InDelta(t, 25.0, state.AvgOccupancyPct, 1e-9)
	assert.InDelta(t, 6.5, state.AvgSpeed, 1e-9)
	assert.Equal(t, 13.9, state.MaxSpeed)
	assert.Equal(t, 4.0, state.MinSpeed)
	assert.Equal(t, []string{"ns_0", "ew_0"}, state.ControlledLanes)
}

func TestSimulatorErrorSurfaces(t *testing.T) {
	f := newFakeSimulator(t)
	f.failCmd(cmdDetectorHalting, "no such detector")
	c := newConnectedClient(t, f)

	_, err := c.GetDetectorCount(context.Background(), "absent")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no such detector"))
}

func TestCloseDropsConnection(t *testing.T) {
	f := newFakeSimulator(t)
	c := newConnectedClient(t, f)

	require.NoError(t, c.Close(context.Background()))
	_, err := c.Step(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestStalledSimulatorDoesNotWedgeClient(t *testing.T) {
	f := newFakeSimulator(t)
	cfg := DefaultConfig()
	cfg.CommandTimeout = 100 * time.Millisecond
	c, err := NewClient(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	require.NoError(t, c.Connect(context.Background(), "127.0.0.1", f.port()))

	f.stall(cmdStep, true)
	stepDone := make(chan error, 1)
	go func() {
		_, err := c.Step(context.Background())
		stepDone <- err
	}()

	// Status answers from atomics while the owner goroutine is still
	// waiting on the swallowed reply.
	statusDone := make(chan Status, 1)
	go func() { statusDone <- c.Status() }()
	select {
	case s := <-statusDone:
		assert.NotEqual(t, StatusDisconnected, s)
	case <-time.After(time.Second):
		t.Fatal("Status blocked behind a stalled command")
	}

	// The read deadline unblocks the owner and drops the connection.
	select {
	case err := <-stepDone:
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotConnected)
	case <-time.After(time.Second):
		t.Fatal("Step never returned after the command timeout")
	}
	assert.Equal(t, StatusDisconnected, c.Status())
	_, err = c.Step(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	// A fresh Connect recovers the client on the same process.
	f.stall(cmdStep, false)
	require.NoError(t, c.Connect(context.Background(), "127.0.0.1", f.port()))
	_, err = c.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, c.Status())
}

func TestTransportErrorsKeepCommandErrorsApart(t *testing.T) {
	f := newFakeSimulator(t)
	f.failCmd(cmdDetectorHalting, "no such detector")
	c := newConnectedClient(t, f)

	// A simulator-reported failure leaves the connection usable.
	_, err := c.GetDetectorCount(context.Background(), "absent")
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, StatusConnected, c.Status())
	_, err = c.Step(context.Background())
	require.NoError(t, err)
}

func TestStatusLostAfterHeartbeatWindow(t *testing.T) {
	f := newFakeSimulator(t)
	cfg := DefaultConfig()
	cfg.HeartbeatWindow = 10 * time.Millisecond
	c, err := NewClient(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	require.NoError(t, c.Connect(context.Background(), "127.0.0.1", f.port()))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StatusLost, c.Status())
}
