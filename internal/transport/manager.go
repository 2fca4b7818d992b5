package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ReconnectPolicy bounds the redial loop used when the transport drops
// mid-session.
type ReconnectPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultReconnectPolicy retries five times starting at 500ms, doubling up
// to 8s between attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
	}
}

// Manager owns the single remote session: the credentials, the live
// transport, and its status. Control-plane transitions (connect,
// disconnect, redial) are serialized; data-plane channels obtained via
// Exec and FS run concurrently over the one transport.
type Manager struct {
	policy ReconnectPolicy
	dial   DialContext

	// opMu serializes transport-state transitions. Held across redial so
	// concurrent operations wait for one reconnection instead of racing.
	opMu sync.Mutex

	mu     sync.Mutex
	status Status
	creds  Credentials
	sessID string
	active *activeConn
	// redialCancel aborts an in-flight redial loop. Disconnect closes it
	// before queueing on opMu so a logout never waits out the backoff.
	redialCancel chan struct{}
}

// activeConn pairs a live transport with its lazily opened shared SFTP
// channel. dead flips when the transport's Wait returns.
type activeConn struct {
	conn Conn
	fs   FileSystem
	dead atomic.Bool
}

// NewManager creates a disconnected Manager.
func NewManager(policy ReconnectPolicy) *Manager {
	return &Manager{
		policy: policy,
		dial:   dialSSH,
		status: StatusDisconnected,
	}
}

// Connect opens the transport and verifies authentication. Any existing
// session is torn down first. On failure the status becomes Failed and
// the returned error distinguishes bad credentials (ErrAuth), host-key
// mismatch (ErrHostKey) and network failure.
func (m *Manager) Connect(ctx context.Context, creds Credentials) (SessionInfo, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.teardown()

	m.setStatus(StatusConnecting)
	conn, err := m.dial(ctx, creds)
	if err != nil {
		m.setStatus(StatusFailed)
		return m.Info(), err
	}

	m.mu.Lock()
	m.creds = creds
	m.sessID = uuid.NewString()
	m.active = m.watch(conn)
	m.status = StatusConnected
	info := m.infoLocked()
	m.mu.Unlock()

	log.Info().Str("session_id", info.ID).Str("host", creds.Host).Str("user", creds.User).
		Msg("remote session established")
	return info, nil
}

// Disconnect releases the transport and forgets the credentials.
// Idempotent; always succeeds. An in-flight reconnection loop is
// cancelled rather than waited out.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.redialCancel != nil {
		close(m.redialCancel)
		m.redialCancel = nil
	}
	m.mu.Unlock()

	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.teardown()
	m.setStatus(StatusDisconnected)
}

// teardown closes the active transport and zeroes session state.
// Caller must hold opMu.
func (m *Manager) teardown() {
	m.mu.Lock()
	ac := m.active
	m.active = nil
	m.creds = Credentials{}
	m.sessID = ""
	m.mu.Unlock()
	if ac != nil {
		_ = ac.conn.Close()
	}
}

// Status returns the current session status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Info returns the externally visible session snapshot.
func (m *Manager) Info() SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.infoLocked()
}

func (m *Manager) infoLocked() SessionInfo {
	return SessionInfo{
		ID:     m.sessID,
		Host:   m.creds.Host,
		User:   m.creds.User,
		Status: m.status,
	}
}

// Exec hands out a dedicated execution channel over the live transport,
// redialing first when the transport has dropped.
func (m *Manager) Exec(ctx context.Context) (ExecChannel, error) {
	ac, err := m.live(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := ac.conn.OpenExec()
	if err != nil {
		// Channel-open failure on a transport that looked alive: the drop
		// races the watcher. Redial once and retry.
		ac, rerr := m.live(ctx)
		if rerr != nil {
			return nil, rerr
		}
		if ch, err = ac.conn.OpenExec(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
	}
	return ch, nil
}

// FS returns the shared SFTP channel over the live transport, opening it
// on first use per transport.
func (m *Manager) FS(ctx context.Context) (FileSystem, error) {
	ac, err := m.live(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if ac.fs != nil {
		fs := ac.fs
		m.mu.Unlock()
		return fs, nil
	}
	m.mu.Unlock()

	fs, err := ac.conn.OpenSFTP()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	m.mu.Lock()
	if ac.fs == nil {
		ac.fs = fs
	}
	fs = ac.fs
	m.mu.Unlock()
	return fs, nil
}

// live returns the current transport, redialing with backoff when it has
// dropped. A Failed session stays failed until an explicit Connect.
func (m *Manager) live(ctx context.Context) (*activeConn, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	status := m.status
	ac := m.active
	creds := m.creds
	m.mu.Unlock()

	switch status {
	case StatusDisconnected:
		return nil, ErrNotConnected
	case StatusFailed:
		return nil, ErrConnectionLost
	}
	if ac != nil && !ac.dead.Load() {
		return ac, nil
	}
	return m.redial(ctx, creds)
}

// redial re-establishes the transport with the last-known credentials.
// Caller must hold opMu. Exhausted retries degrade the session to Failed;
// a Disconnect issued mid-loop aborts the remaining attempts and delays.
func (m *Manager) redial(ctx context.Context, creds Credentials) (*activeConn, error) {
	cancelled := make(chan struct{})
	m.mu.Lock()
	m.redialCancel = cancelled
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.redialCancel == cancelled {
			m.redialCancel = nil
		}
		m.mu.Unlock()
	}()

	m.setStatus(StatusConnecting)

	delay := m.policy.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= m.policy.MaxAttempts; attempt++ {
		select {
		case <-cancelled:
			m.setStatus(StatusDisconnected)
			return nil, ErrNotConnected
		default:
		}

		conn, err := m.dial(ctx, creds)
		if err == nil {
			m.mu.Lock()
			if m.active != nil {
				_ = m.active.conn.Close()
			}
			ac := m.watch(conn)
			m.active = ac
			m.status = StatusConnected
			m.mu.Unlock()
			log.Info().Int("attempt", attempt).Str("host", creds.Host).
				Msg("transport reconnected")
			return ac, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Int("max", m.policy.MaxAttempts).
			Msg("reconnect attempt failed")

		if attempt == m.policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			m.setStatus(StatusFailed)
			return nil, ctx.Err()
		case <-cancelled:
			m.setStatus(StatusDisconnected)
			return nil, ErrNotConnected
		case <-time.After(delay):
		}
		delay *= 2
		if delay > m.policy.MaxDelay {
			delay = m.policy.MaxDelay
		}
	}

	m.setStatus(StatusFailed)
	return nil, fmt.Errorf("%w: retries exhausted: %v", ErrConnectionLost, lastErr)
}

// watch wraps conn and flips dead when the transport drops.
func (m *Manager) watch(conn Conn) *activeConn {
	ac := &activeConn{conn: conn}
	go func() {
		err := conn.Wait()
		ac.dead.Store(true)
		log.Warn().Err(err).Msg("transport dropped")
	}()
	return ac
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}
