package supervisor

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeProcess is a scriptable child process.
type fakeProcess struct {
	pid int

	mu      sync.Mutex
	signals []os.Signal
	killed  bool
	done    chan struct{}
	once    sync.Once

	// exitOnTerm makes SIGTERM end the process, like a well-behaved server.
	exitOnTerm bool
}

func newFakeProcess(pid int, exitOnTerm bool) *fakeProcess {
	return &fakeProcess{pid: pid, exitOnTerm: exitOnTerm, done: make(chan struct{})}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if sig == syscall.SIGTERM && p.exitOnTerm {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.done
	return nil
}

func (p *fakeProcess) exit() { p.once.Do(func() { close(p.done) }) }

func (p *fakeProcess) sawSignal(want os.Signal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.signals {
		if s == want {
			return true
		}
	}
	return false
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type testEnv struct {
	ctl   *Controller
	procs []*fakeProcess
	mu    sync.Mutex
}

// newTestController builds a controller with instant readiness and fake
// port probing. Each Start launches a fresh fakeProcess.
func newTestController(opts Options, exitOnTerm bool) *testEnv {
	env := &testEnv{}
	launch := func(ctx context.Context, port int) (Process, error) {
		env.mu.Lock()
		defer env.mu.Unlock()
		p := newFakeProcess(1000+len(env.procs), exitOnTerm)
		env.procs = append(env.procs, p)
		return p, nil
	}
	if opts.StopGrace == 0 {
		opts.StopGrace = 50 * time.Millisecond
	}
	if opts.StartTimeout == 0 {
		opts.StartTimeout = time.Second
	}
	ctl := New(launch, opts, zerolog.Nop())
	ctl.probe = func(context.Context, int) bool { return true }
	ctl.portFree = func(int) bool { return true }
	ctl.host = func() string { return "192.0.2.10" }
	env.ctl = ctl
	return env
}

func (e *testEnv) proc(i int) *fakeProcess {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.procs[i]
}

func waitForState(t *testing.T, ctl *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ctl.Status().State == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state %q, want %q", ctl.Status().State, want)
}

func TestStartRunsAndReportsURL(t *testing.T) {
	env := newTestController(Options{Port: 8080}, true)

	st, err := env.ctl.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if st.State != StateRunning {
		t.Fatalf("state %q, want running", st.State)
	}
	if st.Port != 8080 {
		t.Fatalf("port %d, want 8080", st.Port)
	}
	if st.URL != "http://192.0.2.10:8080" {
		t.Fatalf("url %q", st.URL)
	}
	if st.PID == 0 {
		t.Fatal("pid not reported")
	}
}

func TestStartWhileRunningIsLifecycleError(t *testing.T) {
	env := newTestController(Options{}, true)
	if _, err := env.ctl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := env.ctl.Start(context.Background()); !errors.Is(err, ErrLifecycle) {
		t.Fatalf("got %v, want ErrLifecycle", err)
	}
}

func TestStartPinnedPortInUse(t *testing.T) {
	env := newTestController(Options{Port: 8080}, true)
	env.ctl.portFree = func(int) bool { return false }

	_, err := env.ctl.Start(context.Background())
	if !errors.Is(err, ErrPortInUse) {
		t.Fatalf("got %v, want ErrPortInUse", err)
	}
	if st := env.ctl.Status(); st.State != StateNotStarted {
		t.Fatalf("state %q after failed start", st.State)
	}
}

func TestRandomPortStaysInRange(t *testing.T) {
	env := newTestController(Options{}, true)
	st, err := env.ctl.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Port < PortRangeStart || st.Port > PortRangeEnd {
		t.Fatalf("port %d outside [%d, %d]", st.Port, PortRangeStart, PortRangeEnd)
	}
}

func TestStopGracefulUsesSIGTERM(t *testing.T) {
	env := newTestController(Options{}, true)
	if _, err := env.ctl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	st, err := env.ctl.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st.State != StateStopped {
		t.Fatalf("state %q, want stopped", st.State)
	}
	p := env.proc(0)
	if !p.sawSignal(syscall.SIGTERM) {
		t.Fatal("SIGTERM never sent")
	}
	if p.wasKilled() {
		t.Fatal("well-behaved process should not be killed")
	}
}

func TestStopEscalatesToKillAfterGrace(t *testing.T) {
	env := newTestController(Options{StopGrace: 20 * time.Millisecond}, false)
	if _, err := env.ctl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	st, err := env.ctl.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st.State != StateStopped {
		t.Fatalf("state %q, want stopped", st.State)
	}
	p := env.proc(0)
	if !p.sawSignal(syscall.SIGTERM) {
		t.Fatal("SIGTERM never sent")
	}
	if !p.wasKilled() {
		t.Fatal("stubborn process never killed")
	}
}

func TestStopWhenAlreadyDownIsNoOp(t *testing.T) {
	env := newTestController(Options{}, true)

	st, err := env.ctl.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop before start: %v", err)
	}
	if st.State != StateStopped {
		t.Fatalf("state %q, want stopped", st.State)
	}

	// and again, once actually stopped
	if _, err := env.ctl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := env.ctl.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	st, err = env.ctl.Stop(context.Background())
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if st.State != StateStopped {
		t.Fatalf("state %q, want stopped", st.State)
	}
}

func TestStopAfterCrashAcknowledges(t *testing.T) {
	env := newTestController(Options{}, true)
	if _, err := env.ctl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	env.proc(0).exit()
	waitForState(t, env.ctl, StateCrashed)

	st, err := env.ctl.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop after crash: %v", err)
	}
	if st.State != StateStopped {
		t.Fatalf("state %q, want stopped", st.State)
	}
}

func TestUnexpectedExitMarksCrashed(t *testing.T) {
	env := newTestController(Options{}, true)
	if _, err := env.ctl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	env.proc(0).exit()
	waitForState(t, env.ctl, StateCrashed)

	// a crashed controller can be started again
	if _, err := env.ctl.Start(context.Background()); err != nil {
		t.Fatalf("restart after crash: %v", err)
	}
	if env.ctl.Status().State != StateRunning {
		t.Fatalf("state %q after restart", env.ctl.Status().State)
	}
}

func TestRestartCyclesProcess(t *testing.T) {
	env := newTestController(Options{}, true)
	if _, err := env.ctl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := env.ctl.Status()

	st, err := env.ctl.Restart(context.Background())
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if st.State != StateRunning {
		t.Fatalf("state %q, want running", st.State)
	}
	if st.PID == before.PID {
		t.Fatal("restart reused the old process")
	}
	if st.Port != before.Port {
		t.Fatalf("restart moved from port %d to %d", before.Port, st.Port)
	}
}

func TestStartFailsWhenProbeNeverAnswers(t *testing.T) {
	env := newTestController(Options{StartTimeout: 30 * time.Millisecond, StopGrace: 20 * time.Millisecond}, true)
	env.ctl.probe = func(context.Context, int) bool { return false }

	_, err := env.ctl.Start(context.Background())
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("got %v, want ErrNotReady", err)
	}
	if st := env.ctl.Status().State; st != StateStopped {
		t.Fatalf("state %q after failed readiness", st)
	}
}

func TestExitDuringStartupMarksCrashed(t *testing.T) {
	env := newTestController(Options{StartTimeout: time.Second}, true)
	env.ctl.probe = func(context.Context, int) bool { return false }

	// end the child as soon as it is launched, before it can become ready
	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			env.mu.Lock()
			launched := len(env.procs) > 0
			env.mu.Unlock()
			if launched {
				env.proc(0).exit()
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	st, err := env.ctl.Start(context.Background())
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("got %v, want ErrNotReady", err)
	}
	if st.State != StateCrashed {
		t.Fatalf("returned state %q, want crashed", st.State)
	}
	if got := env.ctl.Status().State; got != StateCrashed {
		t.Fatalf("state %q after exit during startup, want crashed", got)
	}
	if env.proc(0).sawSignal(syscall.SIGTERM) {
		t.Fatal("process that already exited must not be signalled")
	}

	// a startup crash is recoverable like any other crash
	env.ctl.probe = func(context.Context, int) bool { return true }
	if _, err := env.ctl.Start(context.Background()); err != nil {
		t.Fatalf("restart after startup crash: %v", err)
	}
}

func TestStartStopStartCycleKeepsPort(t *testing.T) {
	env := newTestController(Options{Port: 8080}, true)

	st, err := env.ctl.Start(context.Background())
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	if st.State != StateRunning || st.Port != 8080 {
		t.Fatalf("after first start: %+v", st)
	}

	st, err = env.ctl.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st.State != StateStopped {
		t.Fatalf("state %q after stop, want stopped", st.State)
	}

	st, err = env.ctl.Start(context.Background())
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if st.State != StateRunning || st.Port != 8080 {
		t.Fatalf("after second start: %+v", st)
	}
	if st.PID == env.proc(0).PID() {
		t.Fatal("second start reused the stopped process")
	}
}

func TestLaunchErrorSurfaces(t *testing.T) {
	launch := func(context.Context, int) (Process, error) {
		return nil, errors.New("binary missing")
	}
	ctl := New(launch, Options{}, zerolog.Nop())
	ctl.portFree = func(int) bool { return true }

	_, err := ctl.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "binary missing") {
		t.Fatalf("got %v", err)
	}
	if ctl.Status().State != StateStopped {
		t.Fatalf("state %q", ctl.Status().State)
	}
}

func TestStatusWhenIdle(t *testing.T) {
	env := newTestController(Options{}, true)
	st := env.ctl.Status()
	if st.State != StateNotStarted || st.PID != 0 || st.Port != 0 || st.URL != "" {
		t.Fatalf("idle status %+v", st)
	}
}
