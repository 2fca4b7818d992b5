package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/sftp"
	cryptossh "golang.org/x/crypto/ssh"
)

const sshDialTimeout = 10 * time.Second

// dialSSH opens the real SSH transport. It is the production value of the
// Manager's dial seam.
func dialSSH(ctx context.Context, creds Credentials) (Conn, error) {
	authMethod, err := authMethodFromCredentials(creds)
	if err != nil {
		return nil, fmt.Errorf("ssh: auth config: %w", err)
	}

	hostKeyCallback := cryptossh.InsecureIgnoreHostKey() //nolint:gosec // operator-supplied single host
	if creds.HostKey != "" {
		key, _, _, _, err := cryptossh.ParseAuthorizedKey([]byte(creds.HostKey))
		if err != nil {
			return nil, fmt.Errorf("ssh: parse pinned host key: %w", err)
		}
		hostKeyCallback = cryptossh.FixedHostKey(key)
	}

	port := creds.Port
	if port == 0 {
		port = 22
	}
	clientCfg := &cryptossh.ClientConfig{
		User:            creds.User,
		Auth:            []cryptossh.AuthMethod{authMethod},
		HostKeyCallback: hostKeyCallback,
		Timeout:         sshDialTimeout,
	}

	addr := net.JoinHostPort(creds.Host, fmt.Sprintf("%d", port))
	// Respect context cancellation during dial
	type dialResult struct {
		client *cryptossh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		cl, err := cryptossh.Dial("tcp", addr, clientCfg)
		ch <- dialResult{cl, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, classifyDialError(addr, r.err)
		}
		return &sshConn{client: r.client}, nil
	}
}

// classifyDialError distinguishes bad credentials and host-key mismatch
// from plain network failure. golang.org/x/crypto/ssh reports both through
// the handshake error string, so matching on it is the only handle.
func classifyDialError(addr string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"):
		return fmt.Errorf("%w: dial %s: %v", ErrAuth, addr, err)
	case strings.Contains(msg, "host key mismatch"):
		return fmt.Errorf("%w: dial %s: %v", ErrHostKey, addr, err)
	default:
		return fmt.Errorf("ssh: dial %s: %w", addr, err)
	}
}

// authMethodFromCredentials builds the SSH auth method from Credentials.
func authMethodFromCredentials(creds Credentials) (cryptossh.AuthMethod, error) {
	switch creds.AuthType {
	case "private_key":
		signer, err := cryptossh.ParsePrivateKey([]byte(creds.Secret))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return cryptossh.PublicKeys(signer), nil
	case "password":
		return cryptossh.Password(creds.Secret), nil
	default:
		return nil, fmt.Errorf("unsupported auth_type: %q", creds.AuthType)
	}
}

// sshConn adapts *ssh.Client to Conn.
type sshConn struct {
	client *cryptossh.Client
}

func (c *sshConn) OpenExec() (ExecChannel, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh: new session: %w", err)
	}
	return sess, nil
}

func (c *sshConn) OpenSFTP() (FileSystem, error) {
	cl, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("sftp: open subsystem: %w", err)
	}
	return &sftpFS{client: cl}, nil
}

func (c *sshConn) Wait() error  { return c.client.Wait() }
func (c *sshConn) Close() error { return c.client.Close() }

// sftpFS adapts *sftp.Client to the FileSystem interface.
type sftpFS struct {
	client *sftp.Client
}

func (f *sftpFS) ReadDir(path string) ([]os.FileInfo, error) { return f.client.ReadDir(path) }
func (f *sftpFS) Stat(path string) (os.FileInfo, error)      { return f.client.Stat(path) }
func (f *sftpFS) Lstat(path string) (os.FileInfo, error)     { return f.client.Lstat(path) }

func (f *sftpFS) Open(path string) (io.ReadCloser, error) {
	file, err := f.client.Open(path)
	if err != nil {
		return nil, err
	}
	return file, nil
}

func (f *sftpFS) Create(path string) (io.WriteCloser, error) {
	file, err := f.client.Create(path)
	if err != nil {
		return nil, err
	}
	return file, nil
}

func (f *sftpFS) Mkdir(path string) error           { return f.client.Mkdir(path) }
func (f *sftpFS) Remove(path string) error          { return f.client.Remove(path) }
func (f *sftpFS) RemoveDirectory(path string) error { return f.client.RemoveDirectory(path) }
func (f *sftpFS) Rename(oldPath, newPath string) error {
	return f.client.Rename(oldPath, newPath)
}
func (f *sftpFS) PosixRename(oldPath, newPath string) error {
	return f.client.PosixRename(oldPath, newPath)
}

// ensure interface compliance
var _ Conn = (*sshConn)(nil)
var _ FileSystem = (*sftpFS)(nil)
var _ ExecChannel = (*cryptossh.Session)(nil)
