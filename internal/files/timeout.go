package files

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vpsdeck/vpsdeck/internal/transport"
)

// timedFS decorates a FileSystem so any single SFTP call that stalls past
// the inactivity window fails with ErrIOTimeout instead of hanging the
// operation. Streamed reads and writes are timed per chunk, so a slow but
// live transfer of any size still completes; only silence trips it.
type timedFS struct {
	fs      transport.FileSystem
	timeout time.Duration
}

// call runs op and abandons it on timeout. The stranded goroutine writes
// its results into captured variables nobody reads after the deadline.
func (t *timedFS) call(op func()) error {
	done := make(chan struct{})
	go func() {
		op()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(t.timeout):
		return fmt.Errorf("%w after %s", ErrIOTimeout, t.timeout)
	}
}

func (t *timedFS) ReadDir(path string) ([]os.FileInfo, error) {
	var infos []os.FileInfo
	var err error
	if terr := t.call(func() { infos, err = t.fs.ReadDir(path) }); terr != nil {
		return nil, terr
	}
	return infos, err
}

func (t *timedFS) Stat(path string) (os.FileInfo, error) {
	var fi os.FileInfo
	var err error
	if terr := t.call(func() { fi, err = t.fs.Stat(path) }); terr != nil {
		return nil, terr
	}
	return fi, err
}

func (t *timedFS) Lstat(path string) (os.FileInfo, error) {
	var fi os.FileInfo
	var err error
	if terr := t.call(func() { fi, err = t.fs.Lstat(path) }); terr != nil {
		return nil, terr
	}
	return fi, err
}

func (t *timedFS) Open(path string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	var err error
	if terr := t.call(func() { rc, err = t.fs.Open(path) }); terr != nil {
		return nil, terr
	}
	if err != nil {
		return nil, err
	}
	return &timedReadCloser{r: rc, timeout: t.timeout, res: make(chan ioResult, 1)}, nil
}

func (t *timedFS) Create(path string) (io.WriteCloser, error) {
	var wc io.WriteCloser
	var err error
	if terr := t.call(func() { wc, err = t.fs.Create(path) }); terr != nil {
		return nil, terr
	}
	if err != nil {
		return nil, err
	}
	return &timedWriteCloser{w: wc, timeout: t.timeout, res: make(chan ioResult, 1)}, nil
}

func (t *timedFS) Mkdir(path string) error {
	var err error
	if terr := t.call(func() { err = t.fs.Mkdir(path) }); terr != nil {
		return terr
	}
	return err
}

func (t *timedFS) Remove(path string) error {
	var err error
	if terr := t.call(func() { err = t.fs.Remove(path) }); terr != nil {
		return terr
	}
	return err
}

func (t *timedFS) RemoveDirectory(path string) error {
	var err error
	if terr := t.call(func() { err = t.fs.RemoveDirectory(path) }); terr != nil {
		return terr
	}
	return err
}

func (t *timedFS) Rename(oldPath, newPath string) error {
	var err error
	if terr := t.call(func() { err = t.fs.Rename(oldPath, newPath) }); terr != nil {
		return terr
	}
	return err
}

func (t *timedFS) PosixRename(oldPath, newPath string) error {
	var err error
	if terr := t.call(func() { err = t.fs.PosixRename(oldPath, newPath) }); terr != nil {
		return terr
	}
	return err
}

var _ transport.FileSystem = (*timedFS)(nil)

type ioResult struct {
	data []byte
	n    int
	err  error
}

// timedReadCloser bounds each Read by the inactivity window. The first
// timeout is sticky; once the transport has stalled the stream is dead.
type timedReadCloser struct {
	r       io.ReadCloser
	timeout time.Duration
	res     chan ioResult
	rem     []byte
	pending bool
	err     error
}

func (t *timedReadCloser) Read(p []byte) (int, error) {
	if len(t.rem) > 0 {
		n := copy(p, t.rem)
		t.rem = t.rem[n:]
		return n, nil
	}
	if t.err != nil {
		return 0, t.err
	}
	if !t.pending {
		t.pending = true
		size := len(p)
		go func() {
			buf := make([]byte, size)
			n, err := t.r.Read(buf)
			t.res <- ioResult{data: buf[:n], err: err}
		}()
	}
	select {
	case r := <-t.res:
		t.pending = false
		n := copy(p, r.data)
		if n < len(r.data) {
			t.rem = r.data[n:]
		}
		return n, r.err
	case <-time.After(t.timeout):
		t.err = fmt.Errorf("%w after %s", ErrIOTimeout, t.timeout)
		return 0, t.err
	}
}

func (t *timedReadCloser) Close() error { return t.r.Close() }

// timedWriteCloser bounds each Write by the inactivity window. The chunk
// is copied so an abandoned write never races the caller's buffer.
type timedWriteCloser struct {
	w       io.WriteCloser
	timeout time.Duration
	res     chan ioResult
	err     error
}

func (t *timedWriteCloser) Write(p []byte) (int, error) {
	if t.err != nil {
		return 0, t.err
	}
	buf := append([]byte(nil), p...)
	go func() {
		n, err := t.w.Write(buf)
		t.res <- ioResult{n: n, err: err}
	}()
	select {
	case r := <-t.res:
		return r.n, r.err
	case <-time.After(t.timeout):
		t.err = fmt.Errorf("%w after %s", ErrIOTimeout, t.timeout)
		return 0, t.err
	}
}

func (t *timedWriteCloser) Close() error {
	if t.err != nil {
		_ = t.w.Close()
		return t.err
	}
	var err error
	done := make(chan struct{})
	go func() {
		err = t.w.Close()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-time.After(t.timeout):
		t.err = fmt.Errorf("%w after %s", ErrIOTimeout, t.timeout)
		return t.err
	}
}
