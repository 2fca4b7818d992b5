package files

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"
)

// stallFS behaves like memFS except that directory listings and file
// reads hang until release is closed, simulating a transport that has
// gone silent without tearing down the connection.
type stallFS struct {
	*memFS
	release chan struct{}
}

func newStallFS() *stallFS {
	return &stallFS{memFS: newMemFS(), release: make(chan struct{})}
}

func (s *stallFS) ReadDir(dir string) ([]os.FileInfo, error) {
	<-s.release
	return s.memFS.ReadDir(dir)
}

func (s *stallFS) Open(p string) (io.ReadCloser, error) {
	rc, err := s.memFS.Open(p)
	if err != nil {
		return nil, err
	}
	return &stallReader{rc: rc, release: s.release}, nil
}

type stallReader struct {
	rc      io.ReadCloser
	release chan struct{}
}

func (r *stallReader) Read(p []byte) (int, error) {
	<-r.release
	return r.rc.Read(p)
}

func (r *stallReader) Close() error { return r.rc.Close() }

func TestListTimesOutOnSilentTransport(t *testing.T) {
	stall := newStallFS()
	defer close(stall.release)
	svc := NewService(&fakeSource{fs: stall}, 50*time.Millisecond)

	start := time.Now()
	_, err := svc.List(context.Background(), "/")
	if !errors.Is(err, ErrIOTimeout) {
		t.Fatalf("List error = %v, want ErrIOTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("List took %s to give up", elapsed)
	}
}

func TestReadTimesOutOnSilentTransport(t *testing.T) {
	stall := newStallFS()
	defer close(stall.release)
	stall.addFile("/notes.txt", []byte("hello"))
	svc := NewService(&fakeSource{fs: stall}, 50*time.Millisecond)

	_, err := svc.Read(context.Background(), "/notes.txt")
	if !errors.Is(err, ErrIOTimeout) {
		t.Fatalf("Read error = %v, want ErrIOTimeout", err)
	}
}

func TestResponsiveTransportUnaffectedByDeadline(t *testing.T) {
	fs := newMemFS()
	svc := NewService(&fakeSource{fs: fs}, 50*time.Millisecond)

	if err := svc.Write(context.Background(), "/a.txt", []byte("payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := svc.Read(context.Background(), "/a.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("Read = %q, want %q", got, "payload")
	}
}
