package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vpsdeck/vpsdeck/internal/command"
	"github.com/vpsdeck/vpsdeck/internal/files"
	"github.com/vpsdeck/vpsdeck/internal/transport"
)

// stubFS fakes just the SFTP surface these tests touch. Anything not
// overridden panics via the embedded nil interface.
type stubFS struct {
	transport.FileSystem
	dirs    map[string]bool
	content map[string][]byte
	written map[string]*bytes.Buffer
	statErr error
}

func newStubFS() *stubFS {
	return &stubFS{
		dirs:    map[string]bool{"/": true},
		content: map[string][]byte{},
		written: map[string]*bytes.Buffer{},
	}
}

func (s *stubFS) Stat(p string) (os.FileInfo, error) {
	if s.statErr != nil {
		return nil, s.statErr
	}
	p = path.Clean(p)
	if s.dirs[p] {
		return stubInfo{name: path.Base(p), dir: true}, nil
	}
	if data, ok := s.content[p]; ok {
		return stubInfo{name: path.Base(p), size: int64(len(data))}, nil
	}
	return nil, &os.PathError{Op: "stat", Path: p, Err: os.ErrNotExist}
}

func (s *stubFS) Lstat(p string) (os.FileInfo, error) { return s.Stat(p) }

func (s *stubFS) Create(p string) (io.WriteCloser, error) {
	buf := &bytes.Buffer{}
	s.written[path.Clean(p)] = buf
	return nopWriteCloser{buf}, nil
}

func (s *stubFS) Remove(p string) error {
	delete(s.written, path.Clean(p))
	return nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type stubInfo struct {
	name string
	dir  bool
	size int64
}

func (i stubInfo) Name() string { return i.name }
func (i stubInfo) Size() int64  { return i.size }
func (i stubInfo) Mode() os.FileMode {
	if i.dir {
		return os.ModeDir | 0o755
	}
	return 0o644
}
func (i stubInfo) ModTime() time.Time { return time.Unix(1700000000, 0) }
func (i stubInfo) IsDir() bool        { return i.dir }
func (i stubInfo) Sys() any           { return nil }

type stubSource struct{ fs transport.FileSystem }

func (s *stubSource) FS(context.Context) (transport.FileSystem, error) { return s.fs, nil }

func newFileGateway(fs *stubFS) *Gateway {
	svc := files.NewService(&stubSource{fs: fs}, 0)
	return New(transport.NewManager(transport.DefaultReconnectPolicy()), svc, nil, nil, zerolog.Nop())
}

func TestUploadIntoDirectory(t *testing.T) {
	fs := newStubFS()
	fs.dirs["/inbox"] = true
	g := newFileGateway(fs)

	target, n, err := g.UploadFile(context.Background(), "/inbox", "report.txt", strings.NewReader("data"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if target != "/inbox/report.txt" {
		t.Fatalf("target %q", target)
	}
	if n != 4 {
		t.Fatalf("wrote %d bytes", n)
	}
	if buf, ok := fs.written["/inbox/report.txt"]; !ok || buf.String() != "data" {
		t.Fatalf("content not written: %v", fs.written)
	}
}

func TestUploadNextToExistingFile(t *testing.T) {
	fs := newStubFS()
	fs.dirs["/inbox"] = true
	fs.content["/inbox/existing.txt"] = []byte("x")
	g := newFileGateway(fs)

	target, _, err := g.UploadFile(context.Background(), "/inbox/existing.txt", "new.txt", strings.NewReader("y"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if target != "/inbox/new.txt" {
		t.Fatalf("target %q, want sibling of the existing file", target)
	}
}

func TestUploadMissingTargetIsPathNotFound(t *testing.T) {
	g := newFileGateway(newStubFS())

	_, _, err := g.UploadFile(context.Background(), "/nowhere", "a.txt", strings.NewReader("z"))
	if KindOf(err) != KindPathNotFound {
		t.Fatalf("kind %q, want path_not_found (%v)", KindOf(err), err)
	}
}

func TestFileOpsFailFastWhenDisconnected(t *testing.T) {
	session := transport.NewManager(transport.DefaultReconnectPolicy())
	fileSvc := files.NewService(session, 0)
	cmdSvc := command.NewService(session, time.Second, zerolog.Nop())
	g := New(session, fileSvc, cmdSvc, nil, zerolog.Nop())

	if _, err := g.ListDirectory(context.Background(), "/"); KindOf(err) != KindConnectionLost {
		t.Fatalf("list: kind %q (%v)", KindOf(err), err)
	}
	if _, err := g.ReadFile(context.Background(), "/etc/hosts"); KindOf(err) != KindConnectionLost {
		t.Fatalf("read: kind %q", KindOf(err))
	}
	if _, err := g.ExecuteCommand(context.Background(), "true", 0); KindOf(err) != KindConnectionLost {
		t.Fatalf("exec: kind %q", KindOf(err))
	}
}

func TestDisconnectIsIdempotentAtTheFacade(t *testing.T) {
	session := transport.NewManager(transport.DefaultReconnectPolicy())
	g := New(session, files.NewService(session, 0), nil, nil, zerolog.Nop())

	info := g.Disconnect()
	if info.Status != transport.StatusDisconnected {
		t.Fatalf("status %q", info.Status)
	}
	info = g.Disconnect()
	if info.Status != transport.StatusDisconnected {
		t.Fatalf("second disconnect: status %q", info.Status)
	}
}

func TestArchiveFailureMapsToArchiveKind(t *testing.T) {
	fs := newStubFS()
	fs.statErr = errors.New("corrupt handle")
	g := newFileGateway(fs)

	var buf bytes.Buffer
	_, err := g.DownloadDirectoryArchive(context.Background(), "/data", "", &buf)
	if KindOf(err) != KindArchive {
		t.Fatalf("kind %q, want archive_error (%v)", KindOf(err), err)
	}
}

func TestServerOpsWithoutControllerAreInternal(t *testing.T) {
	session := transport.NewManager(transport.DefaultReconnectPolicy())
	g := New(session, files.NewService(session, 0), nil, nil, zerolog.Nop())

	if _, err := g.StartServer(context.Background()); !errors.Is(err, ErrNoServer) {
		t.Fatalf("got %v", err)
	}
	if st := g.ServerStatus(); st.State == "" {
		t.Fatal("status must always report a state")
	}
}
