// Package supervisor owns the lifecycle of the embedded HTTP server
// process: port allocation, launch, readiness probing, graceful stop and
// crash detection.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// State of the supervised process.
type State string

const (
	StateNotStarted State = "not_started"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateCrashed    State = "crashed"
)

// Port range the controller allocates from when the caller does not pin one.
const (
	PortRangeStart = 5000
	PortRangeEnd   = 9999
)

var (
	// ErrPortInUse indicates the requested (or every probed) port is
	// already bound by another process.
	ErrPortInUse = errors.New("supervisor: port already in use")
	// ErrLifecycle indicates an operation that is invalid in the current
	// state, e.g. starting an already running process.
	ErrLifecycle = errors.New("supervisor: invalid lifecycle transition")
	// ErrNotReady indicates the process launched but never answered its
	// readiness probe within the startup window.
	ErrNotReady = errors.New("supervisor: process never became ready")
)

// Process is a launched child. *execProcess wraps os/exec; tests use fakes.
type Process interface {
	PID() int
	Signal(sig os.Signal) error
	Kill() error
	// Wait blocks until the process exits. Called exactly once, by the
	// controller's watcher goroutine.
	Wait() error
}

// Launcher spawns the server process bound to port.
type Launcher func(ctx context.Context, port int) (Process, error)

// Status is the externally visible snapshot of the supervised process.
type Status struct {
	State State  `json:"state"`
	PID   int    `json:"pid,omitempty"`
	Port  int    `json:"port,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Options tunes one controller.
type Options struct {
	// Port pins the listen port; zero picks a random free port from the
	// controller's range.
	Port int
	// StopGrace is how long a SIGTERM'd process gets before SIGKILL.
	StopGrace time.Duration
	// StartTimeout bounds the readiness wait after launch.
	StartTimeout time.Duration
}

func (o *Options) withDefaults() {
	if o.StopGrace <= 0 {
		o.StopGrace = 5 * time.Second
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 15 * time.Second
	}
}

// Controller supervises at most one server process at a time.
type Controller struct {
	launch Launcher
	opts   Options
	log    zerolog.Logger

	// test seams
	probe    func(ctx context.Context, port int) bool
	portFree func(port int) bool
	host     func() string

	mu     sync.Mutex
	state  State
	proc   Process
	port   int
	gen    int
	exited chan struct{}
}

// New creates a controller around launch. The process is not started.
func New(launch Launcher, opts Options, log zerolog.Logger) *Controller {
	opts.withDefaults()
	return &Controller{
		launch:   launch,
		opts:     opts,
		log:      log,
		probe:    probeHealth,
		portFree: portFree,
		host:     OutboundIP,
		state:    StateNotStarted,
	}
}

// Start launches the server process and blocks until it answers its
// readiness probe. Only valid from the not-started, stopped or crashed
// states.
func (c *Controller) Start(ctx context.Context) (Status, error) {
	return c.startOn(ctx, c.opts.Port)
}

func (c *Controller) startOn(ctx context.Context, pinned int) (Status, error) {
	c.mu.Lock()
	switch c.state {
	case StateNotStarted, StateStopped, StateCrashed:
	default:
		st := c.statusLocked()
		c.mu.Unlock()
		return st, fmt.Errorf("%w: start from %s", ErrLifecycle, st.State)
	}

	port, err := c.pickPort(pinned)
	if err != nil {
		c.mu.Unlock()
		return Status{State: c.state}, err
	}
	c.state = StateStarting
	c.port = port
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.log.Info().Int("port", port).Msg("starting server process")

	proc, err := c.launch(ctx, port)
	if err != nil {
		c.mu.Lock()
		c.state = StateStopped
		st := c.statusLocked()
		c.mu.Unlock()
		return st, fmt.Errorf("supervisor: launch: %w", err)
	}

	exited := make(chan struct{})
	c.mu.Lock()
	c.proc = proc
	c.exited = exited
	c.mu.Unlock()
	go c.watch(proc, gen, exited)

	if err := c.awaitReady(ctx, port, exited); err != nil {
		c.log.Warn().Err(err).Int("port", port).Msg("server process failed to become ready")

		// A process that died on its own during startup is a crash; only
		// a still-live one that missed the readiness window gets torn
		// down to Stopped.
		select {
		case <-exited:
			c.mu.Lock()
			st := c.statusLocked()
			c.mu.Unlock()
			return st, err
		default:
		}

		_ = proc.Signal(syscall.SIGTERM)
		select {
		case <-exited:
		case <-time.After(c.opts.StopGrace):
			_ = proc.Kill()
			<-exited
		}
		c.mu.Lock()
		if c.gen == gen {
			c.state = StateStopped
		}
		st := c.statusLocked()
		c.mu.Unlock()
		return st, err
	}

	c.mu.Lock()
	if c.gen == gen && c.state == StateStarting {
		c.state = StateRunning
	}
	st := c.statusLocked()
	c.mu.Unlock()

	c.log.Info().Int("port", port).Int("pid", proc.PID()).Str("url", st.URL).Msg("server process running")
	return st, nil
}

// Stop terminates the process gracefully: SIGTERM, then SIGKILL after the
// grace window. Stopping an already stopped (or never started, or
// crashed) controller is an idempotent no-op.
func (c *Controller) Stop(ctx context.Context) (Status, error) {
	c.mu.Lock()
	switch c.state {
	case StateStopped, StateNotStarted:
		c.state = StateStopped
		st := c.statusLocked()
		c.mu.Unlock()
		return st, nil
	case StateCrashed:
		// the process is already gone; acknowledge the stop
		c.state = StateStopped
		c.proc = nil
		st := c.statusLocked()
		c.mu.Unlock()
		return st, nil
	case StateStopping:
		st := c.statusLocked()
		c.mu.Unlock()
		return st, fmt.Errorf("%w: stop already in progress", ErrLifecycle)
	}
	c.state = StateStopping
	c.gen++ // the watcher must not flip this shutdown to a crash
	proc := c.proc
	exited := c.exited
	c.mu.Unlock()

	c.log.Info().Int("pid", proc.PID()).Msg("stopping server process")
	_ = proc.Signal(syscall.SIGTERM)

	grace := time.NewTimer(c.opts.StopGrace)
	defer grace.Stop()
	select {
	case <-exited:
	case <-grace.C:
		c.log.Warn().Int("pid", proc.PID()).Msg("grace period expired, killing server process")
		_ = proc.Kill()
		select {
		case <-exited:
		case <-ctx.Done():
			return c.Status(), ctx.Err()
		}
	case <-ctx.Done():
		return c.Status(), ctx.Err()
	}

	c.mu.Lock()
	c.state = StateStopped
	c.proc = nil
	st := c.statusLocked()
	c.mu.Unlock()
	return st, nil
}

// Restart stops the process if it is up, then starts it again on the
// same port. Stop waits for the old process to fully exit, so the new
// one never races it for the bind.
func (c *Controller) Restart(ctx context.Context) (Status, error) {
	c.mu.Lock()
	port := c.port
	running := c.state == StateRunning || c.state == StateStarting
	c.mu.Unlock()
	if running {
		if _, err := c.Stop(ctx); err != nil {
			return c.Status(), err
		}
	}
	if port == 0 {
		port = c.opts.Port
	}
	return c.startOn(ctx, port)
}

// Status returns the current snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	st := Status{State: c.state}
	if c.state == StateRunning || c.state == StateStarting || c.state == StateStopping {
		if c.proc != nil {
			st.PID = c.proc.PID()
		}
		st.Port = c.port
		st.URL = fmt.Sprintf("http://%s:%d", c.host(), c.port)
	}
	return st
}

// pickPort resolves the listen port under c.mu.
func (c *Controller) pickPort(pinned int) (int, error) {
	if pinned != 0 {
		if !c.portFree(pinned) {
			return 0, fmt.Errorf("%w: %d", ErrPortInUse, pinned)
		}
		return pinned, nil
	}
	span := PortRangeEnd - PortRangeStart + 1
	for i := 0; i < 50; i++ {
		port := PortRangeStart + rand.Intn(span)
		if c.portFree(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: no free port in [%d, %d]", ErrPortInUse, PortRangeStart, PortRangeEnd)
}

// watch consumes the process exit exactly once. An exit that was not
// requested through Stop marks the controller crashed. The state flips
// before exited closes, so anyone woken by the close observes Crashed.
func (c *Controller) watch(proc Process, gen int, exited chan struct{}) {
	err := proc.Wait()

	c.mu.Lock()
	unexpected := c.gen == gen && (c.state == StateRunning || c.state == StateStarting)
	if unexpected {
		c.state = StateCrashed
		c.proc = nil
	}
	c.mu.Unlock()
	close(exited)

	if unexpected {
		c.log.Error().Err(err).Int("pid", proc.PID()).Msg("server process exited unexpectedly")
	}
}

// awaitReady polls the health probe until it answers, the process dies,
// or the startup window closes.
func (c *Controller) awaitReady(ctx context.Context, port int, exited <-chan struct{}) error {
	deadline := time.NewTimer(c.opts.StartTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		if c.probe(ctx, port) {
			return nil
		}
		select {
		case <-exited:
			return fmt.Errorf("%w: process exited during startup", ErrNotReady)
		case <-deadline.C:
			return fmt.Errorf("%w after %s", ErrNotReady, c.opts.StartTimeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// portFree probes whether port is available on all interfaces.
func portFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// OutboundIP returns the local address used for outbound traffic, so the
// advertised server URL is reachable from other machines on the network.
// No packets are sent; the dial only resolves a route.
func OutboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
