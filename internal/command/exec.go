// Package command runs shell commands on the remote host over dedicated
// exec channels. Execution is strictly serialized: one command in flight,
// queued callers served in submission order.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/vpsdeck/vpsdeck/internal/transport"
)

// TimeoutExitCode marks a result whose command was killed on timeout.
// Real exit statuses are never negative.
const TimeoutExitCode = -1

// DefaultTimeout bounds commands whose caller did not pick one.
const DefaultTimeout = 30 * time.Second

var (
	// ErrTimeout is returned when the command exceeded its deadline and
	// was killed. The accompanying Result holds partial output.
	ErrTimeout = errors.New("command: execution timed out")
	// ErrEmptyCommand is returned for blank command lines.
	ErrEmptyCommand = errors.New("command: empty command")
)

// Result is the outcome of one completed (or killed) command.
type Result struct {
	Command    string    `json:"command"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	ExitCode   int       `json:"exit_code"`
	TimedOut   bool      `json:"timed_out,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ChannelSource opens exec channels. *transport.Manager satisfies it.
type ChannelSource interface {
	Exec(ctx context.Context) (transport.ExecChannel, error)
}

// Service executes remote commands one at a time.
type Service struct {
	src            ChannelSource
	defaultTimeout time.Duration
	gate           fifoGate
	log            zerolog.Logger
}

// NewService creates a command service. defaultTimeout bounds commands
// run with no explicit timeout; zero selects DefaultTimeout.
func NewService(src ChannelSource, defaultTimeout time.Duration, log zerolog.Logger) *Service {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Service{src: src, defaultTimeout: defaultTimeout, log: log}
}

// Execute runs cmdline on the remote host and captures stdout and stderr
// separately. A non-zero exit status is not an error; it is reported in
// the Result. On timeout the remote process is killed, any partially
// captured output is discarded, ExitCode is set to TimeoutExitCode, and
// the error wraps ErrTimeout.
func (s *Service) Execute(ctx context.Context, cmdline string, timeout time.Duration) (Result, error) {
	if strings.TrimSpace(cmdline) == "" {
		return Result{}, ErrEmptyCommand
	}
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	if err := s.gate.acquire(ctx); err != nil {
		return Result{}, err
	}
	defer s.gate.release()

	var stdout, stderr bytes.Buffer
	res := Result{Command: cmdline, StartedAt: time.Now().UTC()}

	err := s.run(ctx, cmdline, timeout, &stdout, &stderr, &res)

	res.FinishedAt = time.Now().UTC()
	if res.TimedOut {
		// partial output from a killed command is never surfaced
		stdout.Reset()
		stderr.Reset()
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	ev := s.log.Info()
	if err != nil {
		ev = s.log.Warn().Err(err)
	}
	ev.Str("command", cmdline).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.FinishedAt.Sub(res.StartedAt)).
		Msg("command finished")
	return res, err
}

func (s *Service) run(ctx context.Context, cmdline string, timeout time.Duration, stdout, stderr io.Writer, res *Result) error {
	ch, err := s.src.Exec(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	outPipe, err := ch.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ssh: stdout pipe: %w", err)
	}
	errPipe, err := ch.StderrPipe()
	if err != nil {
		return fmt.Errorf("ssh: stderr pipe: %w", err)
	}

	if err := ch.Start(cmdline); err != nil {
		return fmt.Errorf("ssh: start %q: %w", cmdline, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = io.Copy(stdout, outPipe) }()
	go func() { defer wg.Done(); _, _ = io.Copy(stderr, errPipe) }()

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- ch.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case waitErr := <-done:
		res.ExitCode = exitCode(waitErr)
		if waitErr != nil && res.ExitCode == TimeoutExitCode {
			return fmt.Errorf("ssh: wait %q: %w", cmdline, waitErr)
		}
		return nil
	case <-timer.C:
		s.kill(ch)
		<-done
		res.ExitCode = TimeoutExitCode
		res.TimedOut = true
		return fmt.Errorf("%w after %s: %q", ErrTimeout, timeout, cmdline)
	case <-ctx.Done():
		s.kill(ch)
		<-done
		res.ExitCode = TimeoutExitCode
		return ctx.Err()
	}
}

// kill signals the remote process and tears the channel down so the pipe
// readers unblock.
func (s *Service) kill(ch transport.ExecChannel) {
	_ = ch.Signal(cryptossh.SIGKILL)
	_ = ch.Close()
}

// exitCode maps a Wait error to the command's exit status. A clean wait
// is status zero; a missing status (channel torn down before the remote
// reported one) maps to TimeoutExitCode.
func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	// *cryptossh.ExitError carries the remote status
	var exit interface{ ExitStatus() int }
	if errors.As(waitErr, &exit) {
		return exit.ExitStatus()
	}
	return TimeoutExitCode
}
