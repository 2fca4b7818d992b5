// Package gateway is the single façade front ends call. It routes
// requests to the transport, file, command and supervisor layers and
// translates every failure into the stable error taxonomy.
package gateway

import (
	"context"
	"errors"
	"io"
	"path"
	"time"

	"github.com/rs/zerolog"

	"github.com/vpsdeck/vpsdeck/internal/command"
	"github.com/vpsdeck/vpsdeck/internal/files"
	"github.com/vpsdeck/vpsdeck/internal/supervisor"
	"github.com/vpsdeck/vpsdeck/internal/transport"
)

// Gateway exposes the full operation surface behind one type. Exactly one
// instance exists per process.
type Gateway struct {
	session  *transport.Manager
	files    *files.Service
	commands *command.Service
	server   *supervisor.Controller
	log      zerolog.Logger
}

// New wires a gateway from its four layers. server may be nil when the
// process does not supervise an embedded server (the serve subcommand
// runs inside the supervised process itself).
func New(session *transport.Manager, fileSvc *files.Service, cmdSvc *command.Service, server *supervisor.Controller, log zerolog.Logger) *Gateway {
	return &Gateway{
		session:  session,
		files:    fileSvc,
		commands: cmdSvc,
		server:   server,
		log:      log,
	}
}

// Connect opens the remote session. Connecting while already connected
// tears the previous session down first.
func (g *Gateway) Connect(ctx context.Context, creds transport.Credentials) (transport.SessionInfo, error) {
	info, err := g.session.Connect(ctx, creds)
	return info, classify(err)
}

// Disconnect releases the remote session. Idempotent.
func (g *Gateway) Disconnect() transport.SessionInfo {
	g.session.Disconnect()
	return g.session.Info()
}

// SessionInfo returns the current session snapshot.
func (g *Gateway) SessionInfo() transport.SessionInfo {
	return g.session.Info()
}

// ListDirectory returns the entries of a remote directory, directories
// first, each group sorted case-insensitively.
func (g *Gateway) ListDirectory(ctx context.Context, path string) ([]files.Entry, error) {
	entries, err := g.files.List(ctx, path)
	return entries, classify(err)
}

// StatPath returns the entry for one remote path.
func (g *Gateway) StatPath(ctx context.Context, path string) (files.Entry, error) {
	e, err := g.files.Stat(ctx, path)
	return e, classify(err)
}

// ReadFile returns the full content of a remote file.
func (g *Gateway) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := g.files.Read(ctx, path)
	return data, classify(err)
}

// WriteFile creates or overwrites a remote file atomically.
func (g *Gateway) WriteFile(ctx context.Context, path string, content []byte) error {
	return classify(g.files.Write(ctx, path, content))
}

// CreateDirectory creates a remote directory.
func (g *Gateway) CreateDirectory(ctx context.Context, path string) error {
	return classify(g.files.CreateDirectory(ctx, path))
}

// Delete removes a remote file, or a directory recursively.
func (g *Gateway) Delete(ctx context.Context, path string) error {
	return classify(g.files.Delete(ctx, path))
}

// Rename renames a remote entry within its parent directory and returns
// the new path.
func (g *Gateway) Rename(ctx context.Context, path, newName string) (string, error) {
	p, err := g.files.Rename(ctx, path, newName)
	return p, classify(err)
}

// UploadFile streams src to a remote path. When the target is an existing
// file the upload lands next to it, in its parent directory.
func (g *Gateway) UploadFile(ctx context.Context, remotePath, name string, src io.Reader) (string, int64, error) {
	target, err := g.resolveUploadTarget(ctx, remotePath, name)
	if err != nil {
		return "", 0, classify(err)
	}
	n, err := g.files.Upload(ctx, target, src)
	return target, n, classify(err)
}

// resolveUploadTarget joins name onto remotePath when it is a directory;
// when remotePath is an existing file the upload goes to its parent.
func (g *Gateway) resolveUploadTarget(ctx context.Context, remotePath, name string) (string, error) {
	if name == "" {
		return remotePath, nil
	}
	e, err := g.files.Stat(ctx, remotePath)
	if err != nil {
		return "", err
	}
	dir := e.Path
	if e.Kind != files.KindDir {
		dir = path.Dir(e.Path)
	}
	return path.Join(dir, name), nil
}

// DownloadFile opens a remote file for streaming. The caller closes the
// returned reader.
func (g *Gateway) DownloadFile(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	rc, size, err := g.files.Download(ctx, path)
	return rc, size, classify(err)
}

// DownloadDirectoryArchive streams a zip of the directory at path into
// dst, entry names relative to path. A non-empty prefix places every
// entry under it, the way the HTTP download endpoint roots archives at
// the directory's basename. Per-entry read failures become warnings on
// the result; a failure of the archive itself reports as an archive
// error.
func (g *Gateway) DownloadDirectoryArchive(ctx context.Context, path, prefix string, dst io.Writer) (files.ArchiveResult, error) {
	res, err := g.files.ArchivePrefixed(ctx, path, prefix, dst)
	if err != nil && KindOf(err) == KindInternal {
		err = &Error{Kind: KindArchive, Detail: err.Error(), err: err}
	}
	return res, classify(err)
}

// ExecuteCommand runs a shell command on the remote host. Commands are
// strictly serialized; concurrent calls queue in arrival order.
func (g *Gateway) ExecuteCommand(ctx context.Context, cmdline string, timeout time.Duration) (command.Result, error) {
	res, err := g.commands.Execute(ctx, cmdline, timeout)
	return res, classify(err)
}

// StreamCommand runs a command and writes combined output to out as it is
// produced. Shares the execution queue with ExecuteCommand.
func (g *Gateway) StreamCommand(ctx context.Context, cmdline string, timeout time.Duration, out io.Writer) (int, error) {
	code, err := g.commands.Stream(ctx, cmdline, timeout, out)
	return code, classify(err)
}

// ErrNoServer is returned by server operations when the gateway was built
// without a process controller.
var ErrNoServer = errors.New("gateway: no embedded server controller")

// StartServer launches the embedded HTTP server process.
func (g *Gateway) StartServer(ctx context.Context) (supervisor.Status, error) {
	if g.server == nil {
		return supervisor.Status{}, classify(ErrNoServer)
	}
	st, err := g.server.Start(ctx)
	return st, classify(err)
}

// StopServer terminates the embedded server process. Idempotent when
// already stopped.
func (g *Gateway) StopServer(ctx context.Context) (supervisor.Status, error) {
	if g.server == nil {
		return supervisor.Status{}, classify(ErrNoServer)
	}
	st, err := g.server.Stop(ctx)
	return st, classify(err)
}

// RestartServer stops and relaunches the embedded server on its previous
// port.
func (g *Gateway) RestartServer(ctx context.Context) (supervisor.Status, error) {
	if g.server == nil {
		return supervisor.Status{}, classify(ErrNoServer)
	}
	st, err := g.server.Restart(ctx)
	return st, classify(err)
}

// ServerStatus reports the supervised process state. Crashes surface
// here, never as failures of unrelated calls.
func (g *Gateway) ServerStatus() supervisor.Status {
	if g.server == nil {
		return supervisor.Status{State: supervisor.StateNotStarted}
	}
	return g.server.Status()
}
