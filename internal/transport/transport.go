// Package transport owns the authenticated SSH connection to the remote
// host. It hands multiplexed channels (exec sessions, the SFTP subsystem)
// to the services above it and transparently redials a dropped transport
// with bounded exponential backoff.
//
// Exactly one remote session exists per Manager. Credentials are consumed
// by Connect and held in memory only for the lifetime of that session.
package transport

import (
	"context"
	"errors"
	"io"
	"os"

	cryptossh "golang.org/x/crypto/ssh"
)

// Status of the remote session.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusFailed       Status = "failed"
)

// Credentials carries everything needed to open the transport.
// Never persisted; zeroed from the Manager on Disconnect.
type Credentials struct {
	// Host is the target hostname or IP address.
	Host string
	// Port is the target TCP port (22 when zero).
	Port int
	// User is the login username.
	User string
	// AuthType is "password" or "private_key".
	AuthType string
	// Secret is the credential value (password or PEM private key).
	Secret string
	// HostKey optionally pins the expected host key in authorized_keys
	// format. Empty accepts any host key.
	HostKey string
}

// SessionInfo is the externally visible snapshot of the session.
type SessionInfo struct {
	ID     string `json:"id"`
	Host   string `json:"host"`
	User   string `json:"user"`
	Status Status `json:"status"`
}

// ExecChannel is a dedicated execution sub-stream of the transport.
// *ssh.Session satisfies it directly.
type ExecChannel interface {
	StdoutPipe() (io.Reader, error)
	StderrPipe() (io.Reader, error)
	Start(cmd string) error
	Wait() error
	Signal(sig cryptossh.Signal) error
	Close() error
}

// FileSystem is the narrow SFTP surface consumed by the file service.
type FileSystem interface {
	ReadDir(path string) ([]os.FileInfo, error)
	Stat(path string) (os.FileInfo, error)
	Lstat(path string) (os.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	Mkdir(path string) error
	Remove(path string) error
	RemoveDirectory(path string) error
	Rename(oldPath, newPath string) error
	PosixRename(oldPath, newPath string) error
}

// Conn is one live authenticated transport over which all channels
// multiplex.
type Conn interface {
	OpenExec() (ExecChannel, error)
	OpenSFTP() (FileSystem, error)
	// Wait blocks until the transport drops.
	Wait() error
	Close() error
}

// Sentinel errors surfaced by the Manager. The gateway maps them onto its
// error taxonomy.
var (
	// ErrAuth indicates the remote host rejected the credentials.
	ErrAuth = errors.New("ssh: authentication failed")
	// ErrHostKey indicates the host key did not match the pinned key.
	ErrHostKey = errors.New("ssh: host key mismatch")
	// ErrNotConnected indicates no session exists yet.
	ErrNotConnected = errors.New("ssh: not connected")
	// ErrConnectionLost indicates the transport dropped and reconnection
	// attempts were exhausted (or the session is in the failed state).
	ErrConnectionLost = errors.New("ssh: connection lost")
)

// DialContext establishes a transport. Tests replace it with a fake.
type DialContext func(ctx context.Context, creds Credentials) (Conn, error)
