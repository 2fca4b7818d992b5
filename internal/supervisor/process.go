package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"
)

// execProcess adapts exec.Cmd to the Process interface.
type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return fmt.Errorf("supervisor: process not started")
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return fmt.Errorf("supervisor: process not started")
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }

var _ Process = (*execProcess)(nil)

// CommandLauncher builds a Launcher that starts name with args(port),
// inheriting the parent environment plus extraEnv. Stdout and stderr pass
// through to the parent so server logs stay visible.
func CommandLauncher(name string, args func(port int) []string, extraEnv []string) Launcher {
	return func(ctx context.Context, port int) (Process, error) {
		cmd := exec.Command(name, args(port)...)
		cmd.Env = append(os.Environ(), extraEnv...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("exec %s: %w", name, err)
		}
		return &execProcess{cmd: cmd}, nil
	}
}

// SelfLauncher launches the current executable with args(port). Used to
// run the embedded server as a supervised child of the desktop shell.
func SelfLauncher(args func(port int) []string, extraEnv []string) (Launcher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("supervisor: resolve executable: %w", err)
	}
	return CommandLauncher(exe, args, extraEnv), nil
}

// probeHealth asks the server's health endpoint whether it is up.
func probeHealth(ctx context.Context, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/health", port), nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
