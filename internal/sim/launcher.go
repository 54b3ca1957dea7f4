package sim

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// LaunchOptions describes a simulator to spawn as a child process.
type LaunchOptions struct {
	// Binary is the simulator executable. Empty selects "sumo", or
	// "sumo-gui" when GUI is set.
	Binary string
	// ConfigPath is the scenario configuration file.
	ConfigPath string
	// Port is the remote control port the simulator will listen on.
	Port int
	// StepLength is the simulation step length in seconds.
	StepLength float64
	// GUI launches the graphical frontend.
	GUI bool
}

func (o LaunchOptions) binary() string {
	if o.Binary != "" {
		return o.Binary
	}
	if o.GUI {
		return "sumo-gui"
	}
	return "sumo"
}

// Start spawns a simulator with the given scenario, waits for its control
// port to accept connections (bounded retries) and attaches to it. On
// success one step has already been performed, so the simulator is past
// t=0.
func (c *Client) Start(ctx context.Context, opts LaunchOptions) error {
	args := []string{
		"-c", opts.ConfigPath,
		"--remote-port", strconv.Itoa(opts.Port),
		"--start",
	}
	if opts.StepLength > 0 {
		args = append(args, "--step-length", strconv.FormatFloat(opts.StepLength, 'f', -1, 64))
	}

	cmd := exec.Command(opts.binary(), args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("sim: launch %s: %w", opts.binary(), err)
	}
	c.logger.Info("simulator launched",
		zap.String("binary", opts.binary()),
		zap.String("scenario", opts.ConfigPath),
		zap.Int("port", opts.Port),
		zap.Int("pid", cmd.Process.Pid))

	// The process is released; the simulator outlives a lost control
	// connection and is shut down through the protocol's close command.
	go func() { _ = cmd.Wait() }()

	if err := c.awaitPort(ctx, opts.Port); err != nil {
		return err
	}
	return c.Connect(ctx, "localhost", opts.Port)
}

// awaitPort polls the control port until it accepts or the attempt limit is
// spent.
func (c *Client) awaitPort(ctx context.Context, port int) error {
	addr := net.JoinHostPort("localhost", strconv.Itoa(port))
	var lastErr error
	for i := 0; i < c.cfg.ConnectRetries; i++ {
		conn, err := net.DialTimeout("tcp", addr, c.cfg.ConnectTimeout)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
		select {
		case <-time.After(c.cfg.RetryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("sim: control port %d never became ready: %w", port, lastErr)
}
