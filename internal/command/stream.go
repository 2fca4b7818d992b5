package command

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Stream runs cmdline and writes its combined stdout and stderr to out as
// the remote process produces them, rather than buffering until exit. It
// holds the same execution slot as Execute. The returned code follows the
// Execute conventions, including TimeoutExitCode on a kill.
func (s *Service) Stream(ctx context.Context, cmdline string, timeout time.Duration, out io.Writer) (int, error) {
	if strings.TrimSpace(cmdline) == "" {
		return TimeoutExitCode, ErrEmptyCommand
	}
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	if err := s.gate.acquire(ctx); err != nil {
		return TimeoutExitCode, err
	}
	defer s.gate.release()

	w := &lockedWriter{w: out}
	res := Result{Command: cmdline, StartedAt: time.Now().UTC()}
	err := s.run(ctx, cmdline, timeout, w, w, &res)

	s.log.Info().
		Str("command", cmdline).
		Int("exit_code", res.ExitCode).
		Bool("streamed", true).
		Msg("command finished")
	return res.ExitCode, err
}

// lockedWriter keeps concurrent stdout and stderr writes from
// interleaving mid-chunk.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("stream: write: %w", err)
	}
	if f, ok := l.w.(interface{ Flush() }); ok {
		f.Flush()
	}
	return n, nil
}

var _ io.Writer = (*lockedWriter)(nil)
