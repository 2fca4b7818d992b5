package files

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vpsdeck/vpsdeck/internal/transport"
)

// memFS is an in-memory transport.FileSystem for service tests.
type memFS struct {
	mu     sync.Mutex
	nodes  map[string]*memNode
	denied map[string]bool // paths that fail with os.ErrPermission

	// failWritePrefix makes Write calls on matching paths fail.
	failWritePrefix string
}

type memNode struct {
	dir  bool
	data []byte
	mode os.FileMode
	mod  time.Time
}

func newMemFS() *memFS {
	return &memFS{
		nodes: map[string]*memNode{
			"/": {dir: true, mode: os.ModeDir | 0o755},
		},
		denied: map[string]bool{},
	}
}

func (m *memFS) addDir(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[path.Clean(p)] = &memNode{dir: true, mode: os.ModeDir | 0o755, mod: time.Unix(1700000000, 0)}
}

func (m *memFS) addFile(p string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[path.Clean(p)] = &memNode{data: append([]byte(nil), data...), mode: 0o644, mod: time.Unix(1700000000, 0)}
}

func (m *memFS) deny(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied[path.Clean(p)] = true
}

func (m *memFS) lookup(p string) (*memNode, error) {
	p = path.Clean(p)
	if m.denied[p] {
		return nil, &os.PathError{Op: "open", Path: p, Err: os.ErrPermission}
	}
	n, ok := m.nodes[p]
	if !ok {
		return nil, &os.PathError{Op: "stat", Path: p, Err: os.ErrNotExist}
	}
	return n, nil
}

func (m *memFS) ReadDir(dir string) ([]os.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.lookup(dir)
	if err != nil {
		return nil, err
	}
	if !n.dir {
		return nil, &os.PathError{Op: "readdir", Path: dir, Err: os.ErrInvalid}
	}
	dir = path.Clean(dir)
	var out []os.FileInfo
	for p, node := range m.nodes {
		if p == dir || path.Dir(p) != dir {
			continue
		}
		out = append(out, memInfo{name: path.Base(p), node: node})
	}
	// deliberately unsorted output; the service must sort
	sort.Slice(out, func(i, j int) bool { return out[i].Name() > out[j].Name() })
	return out, nil
}

func (m *memFS) Stat(p string) (os.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.lookup(p)
	if err != nil {
		return nil, err
	}
	return memInfo{name: path.Base(path.Clean(p)), node: n}, nil
}

func (m *memFS) Lstat(p string) (os.FileInfo, error) { return m.Stat(p) }

func (m *memFS) Open(p string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.lookup(p)
	if err != nil {
		return nil, err
	}
	if n.dir {
		return nil, &os.PathError{Op: "open", Path: p, Err: os.ErrInvalid}
	}
	return io.NopCloser(bytes.NewReader(n.data)), nil
}

func (m *memFS) Create(p string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = path.Clean(p)
	if m.denied[p] || m.denied[path.Dir(p)] {
		return nil, &os.PathError{Op: "create", Path: p, Err: os.ErrPermission}
	}
	if _, ok := m.nodes[path.Dir(p)]; !ok {
		return nil, &os.PathError{Op: "create", Path: p, Err: os.ErrNotExist}
	}
	w := &memWriter{fs: m, path: p}
	return w, nil
}

func (m *memFS) Mkdir(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = path.Clean(p)
	if m.denied[p] {
		return &os.PathError{Op: "mkdir", Path: p, Err: os.ErrPermission}
	}
	if _, ok := m.nodes[p]; ok {
		return &os.PathError{Op: "mkdir", Path: p, Err: os.ErrExist}
	}
	m.nodes[p] = &memNode{dir: true, mode: os.ModeDir | 0o755, mod: time.Now()}
	return nil
}

func (m *memFS) Remove(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = path.Clean(p)
	if _, ok := m.nodes[p]; !ok {
		return &os.PathError{Op: "remove", Path: p, Err: os.ErrNotExist}
	}
	delete(m.nodes, p)
	return nil
}

func (m *memFS) RemoveDirectory(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = path.Clean(p)
	for other := range m.nodes {
		if path.Dir(other) == p {
			return &os.PathError{Op: "rmdir", Path: p, Err: os.ErrInvalid}
		}
	}
	delete(m.nodes, p)
	return nil
}

func (m *memFS) Rename(oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldPath, newPath = path.Clean(oldPath), path.Clean(newPath)
	n, ok := m.nodes[oldPath]
	if !ok {
		return &os.PathError{Op: "rename", Path: oldPath, Err: os.ErrNotExist}
	}
	if _, exists := m.nodes[newPath]; exists {
		// plain SFTP rename refuses to clobber
		return &os.PathError{Op: "rename", Path: newPath, Err: os.ErrExist}
	}
	delete(m.nodes, oldPath)
	m.nodes[newPath] = n
	// move children along with a directory
	if n.dir {
		prefix := oldPath + "/"
		for p, child := range m.nodes {
			if strings.HasPrefix(p, prefix) {
				delete(m.nodes, p)
				m.nodes[newPath+"/"+strings.TrimPrefix(p, prefix)] = child
			}
		}
	}
	return nil
}

func (m *memFS) PosixRename(oldPath, newPath string) error {
	m.mu.Lock()
	if _, ok := m.nodes[path.Clean(oldPath)]; !ok {
		m.mu.Unlock()
		return &os.PathError{Op: "posix-rename", Path: oldPath, Err: os.ErrNotExist}
	}
	delete(m.nodes, path.Clean(newPath))
	m.mu.Unlock()
	return m.Rename(oldPath, newPath)
}

type memWriter struct {
	fs   *memFS
	path string
	buf  bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) {
	if pre := w.fs.failWritePrefix; pre != "" && strings.HasPrefix(w.path, pre) {
		return 0, &os.PathError{Op: "write", Path: w.path, Err: os.ErrPermission}
	}
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()
	w.fs.nodes[w.path] = &memNode{data: append([]byte(nil), w.buf.Bytes()...), mode: 0o644, mod: time.Now()}
	return nil
}

type memInfo struct {
	name string
	node *memNode
}

func (i memInfo) Name() string       { return i.name }
func (i memInfo) Size() int64        { return int64(len(i.node.data)) }
func (i memInfo) Mode() os.FileMode  { return i.node.mode }
func (i memInfo) ModTime() time.Time { return i.node.mod }
func (i memInfo) IsDir() bool        { return i.node.dir }
func (i memInfo) Sys() any           { return nil }

// fakeSource hands the memFS to the service.
type fakeSource struct {
	fs  transport.FileSystem
	err error
}

func (s *fakeSource) FS(context.Context) (transport.FileSystem, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.fs, nil
}
