// Package files implements remote file operations over the shared SFTP
// channel: listing, read/write, create/delete, rename, streamed transfers
// and recursive directory archiving.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vpsdeck/vpsdeck/internal/transport"
)

// Kind of a directory entry.
type Kind string

const (
	KindFile    Kind = "file"
	KindDir     Kind = "dir"
	KindSymlink Kind = "symlink"
)

// Entry is a single file or directory entry. Path is always the
// normalized absolute remote path.
type Entry struct {
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	Kind       Kind      `json:"kind"`
	Size       int64     `json:"size"`
	Mode       string    `json:"mode"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Sentinel errors mapped by the gateway onto its taxonomy.
var (
	// ErrIsDirectory is returned when a file operation targets a directory.
	ErrIsDirectory = errors.New("files: path is a directory")
	// ErrRelativePath is returned when a caller hands in a non-absolute path.
	ErrRelativePath = errors.New("files: path must be absolute")
	// ErrIOTimeout is returned when the transport stops responding for
	// longer than the inactivity window mid-operation.
	ErrIOTimeout = errors.New("files: transport inactivity timeout")
)

// DefaultIOTimeout is the inactivity window applied to every SFTP call
// and every streamed chunk. It bounds transport silence, not operation
// size, and is independent of the command execution timeout.
const DefaultIOTimeout = 30 * time.Second

// ChannelSource hands out the live SFTP channel. *transport.Manager
// satisfies it.
type ChannelSource interface {
	FS(ctx context.Context) (transport.FileSystem, error)
}

// Service issues file operations through the transport manager.
type Service struct {
	src       ChannelSource
	ioTimeout time.Duration
}

// NewService creates a file operation service on top of src. ioTimeout
// bounds transport silence per SFTP call and per streamed chunk; zero
// selects DefaultIOTimeout.
func NewService(src ChannelSource, ioTimeout time.Duration) *Service {
	if ioTimeout <= 0 {
		ioTimeout = DefaultIOTimeout
	}
	return &Service{src: src, ioTimeout: ioTimeout}
}

// fs hands out the shared SFTP channel wrapped in the inactivity guard.
func (s *Service) fs(ctx context.Context) (transport.FileSystem, error) {
	fs, err := s.src.FS(ctx)
	if err != nil {
		return nil, err
	}
	return &timedFS{fs: fs, timeout: s.ioTimeout}, nil
}

// NormalizePath validates that p is absolute and returns its cleaned form.
// Relative paths never cross the gateway boundary.
func NormalizePath(p string) (string, error) {
	if p == "" || !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", ErrRelativePath, p)
	}
	return path.Clean(p), nil
}

// List returns all entries (including dot-files) in dirPath, directories
// first, each group sorted case-insensitively by name.
func (s *Service) List(ctx context.Context, dirPath string) ([]Entry, error) {
	dirPath, err := NormalizePath(dirPath)
	if err != nil {
		return nil, err
	}
	fs, err := s.fs(ctx)
	if err != nil {
		return nil, err
	}

	infos, err := fs.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("sftp: readdir %q: %w", dirPath, err)
	}

	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, entryFromInfo(path.Join(dirPath, fi.Name()), fi))
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if (entries[i].Kind == KindDir) != (entries[j].Kind == KindDir) {
			return entries[i].Kind == KindDir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	return entries, nil
}

// Stat returns the entry for a single path.
func (s *Service) Stat(ctx context.Context, p string) (Entry, error) {
	p, err := NormalizePath(p)
	if err != nil {
		return Entry{}, err
	}
	fs, err := s.fs(ctx)
	if err != nil {
		return Entry{}, err
	}
	fi, err := fs.Lstat(p)
	if err != nil {
		return Entry{}, fmt.Errorf("sftp: stat %q: %w", p, err)
	}
	return entryFromInfo(p, fi), nil
}

// Read returns the full content of a remote file.
func (s *Service) Read(ctx context.Context, p string) ([]byte, error) {
	p, err := NormalizePath(p)
	if err != nil {
		return nil, err
	}
	fs, err := s.fs(ctx)
	if err != nil {
		return nil, err
	}

	fi, err := fs.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("sftp: stat %q: %w", p, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%w: %q", ErrIsDirectory, p)
	}

	f, err := fs.Open(p)
	if err != nil {
		return nil, fmt.Errorf("sftp: open %q: %w", p, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("sftp: read %q: %w", p, err)
	}
	return data, nil
}

// Write creates or overwrites a remote file atomically: content lands in a
// temporary sibling which is renamed over the destination on success, so a
// failed call never leaves a partial file at p.
func (s *Service) Write(ctx context.Context, p string, content []byte) error {
	p, err := NormalizePath(p)
	if err != nil {
		return err
	}
	fs, err := s.fs(ctx)
	if err != nil {
		return err
	}

	tmp := p + ".vpsdeck-" + uuid.NewString()[:8]
	f, err := fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("sftp: create %q: %w", tmp, err)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		_ = fs.Remove(tmp)
		return fmt.Errorf("sftp: write %q: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("sftp: close %q: %w", tmp, err)
	}

	if err := renameOver(fs, tmp, p); err != nil {
		_ = fs.Remove(tmp)
		return err
	}
	return nil
}

// renameOver moves tmp onto dst, preferring the overwriting POSIX rename
// extension. Servers without posix-rename@openssh.com get best-effort
// delete-then-rename semantics.
func renameOver(fs transport.FileSystem, tmp, dst string) error {
	if err := fs.PosixRename(tmp, dst); err == nil {
		return nil
	}
	if fi, err := fs.Lstat(dst); err == nil && !fi.IsDir() {
		_ = fs.Remove(dst)
	}
	if err := fs.Rename(tmp, dst); err != nil {
		return fmt.Errorf("sftp: rename %q -> %q: %w", tmp, dst, err)
	}
	return nil
}

// CreateDirectory creates a directory at p (no intermediate directories).
func (s *Service) CreateDirectory(ctx context.Context, p string) error {
	p, err := NormalizePath(p)
	if err != nil {
		return err
	}
	fs, err := s.fs(ctx)
	if err != nil {
		return err
	}
	if err := fs.Mkdir(p); err != nil {
		return fmt.Errorf("sftp: mkdir %q: %w", p, err)
	}
	return nil
}

// Delete removes a file, or a directory and everything under it.
func (s *Service) Delete(ctx context.Context, p string) error {
	p, err := NormalizePath(p)
	if err != nil {
		return err
	}
	fs, err := s.fs(ctx)
	if err != nil {
		return err
	}

	fi, err := fs.Lstat(p)
	if err != nil {
		return fmt.Errorf("sftp: stat %q: %w", p, err)
	}
	if !fi.IsDir() {
		if err := fs.Remove(p); err != nil {
			return fmt.Errorf("sftp: remove %q: %w", p, err)
		}
		return nil
	}
	return deleteDir(fs, p)
}

func deleteDir(fs transport.FileSystem, dir string) error {
	infos, err := fs.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("sftp: readdir %q: %w", dir, err)
	}
	for _, fi := range infos {
		child := path.Join(dir, fi.Name())
		if fi.IsDir() {
			if err := deleteDir(fs, child); err != nil {
				return err
			}
			continue
		}
		if err := fs.Remove(child); err != nil {
			return fmt.Errorf("sftp: remove %q: %w", child, err)
		}
	}
	if err := fs.RemoveDirectory(dir); err != nil {
		return fmt.Errorf("sftp: rmdir %q: %w", dir, err)
	}
	return nil
}

// Rename gives the entry at p a new name within its parent directory and
// returns the resulting path.
func (s *Service) Rename(ctx context.Context, p, newName string) (string, error) {
	p, err := NormalizePath(p)
	if err != nil {
		return "", err
	}
	if newName == "" || strings.ContainsAny(newName, "/") {
		return "", fmt.Errorf("files: invalid name %q", newName)
	}
	fs, err := s.fs(ctx)
	if err != nil {
		return "", err
	}

	newPath := path.Join(path.Dir(p), newName)
	if err := fs.PosixRename(p, newPath); err != nil {
		if err := fs.Rename(p, newPath); err != nil {
			return "", fmt.Errorf("sftp: rename %q -> %q: %w", p, newPath, err)
		}
	}
	return newPath, nil
}

// Upload streams src to remotePath without buffering the whole file. A
// partial upload is removed on failure.
func (s *Service) Upload(ctx context.Context, remotePath string, src io.Reader) (int64, error) {
	remotePath, err := NormalizePath(remotePath)
	if err != nil {
		return 0, err
	}
	fs, err := s.fs(ctx)
	if err != nil {
		return 0, err
	}

	f, err := fs.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("sftp: create %q: %w", remotePath, err)
	}

	n, err := io.Copy(f, &contextReader{ctx: ctx, r: src})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = fs.Remove(remotePath)
		return n, fmt.Errorf("sftp: upload %q: %w", remotePath, err)
	}
	return n, nil
}

// Download opens remotePath for streaming. The caller must close the
// returned reader. Directories are rejected; use Archive for those.
func (s *Service) Download(ctx context.Context, remotePath string) (io.ReadCloser, int64, error) {
	remotePath, err := NormalizePath(remotePath)
	if err != nil {
		return nil, 0, err
	}
	fs, err := s.fs(ctx)
	if err != nil {
		return nil, 0, err
	}

	fi, err := fs.Stat(remotePath)
	if err != nil {
		return nil, 0, fmt.Errorf("sftp: stat %q: %w", remotePath, err)
	}
	if fi.IsDir() {
		return nil, 0, fmt.Errorf("%w: %q", ErrIsDirectory, remotePath)
	}

	f, err := fs.Open(remotePath)
	if err != nil {
		return nil, 0, fmt.Errorf("sftp: open %q: %w", remotePath, err)
	}
	return f, fi.Size(), nil
}

// contextReader fails the copy as soon as ctx is cancelled, so streaming
// operations stay individually cancellable.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func entryFromInfo(fullPath string, fi os.FileInfo) Entry {
	kind := KindFile
	if fi.IsDir() {
		kind = KindDir
	} else if fi.Mode()&os.ModeSymlink != 0 {
		kind = KindSymlink
	}
	return Entry{
		Path:       fullPath,
		Name:       fi.Name(),
		Kind:       kind,
		Size:       fi.Size(),
		Mode:       fi.Mode().String(),
		ModifiedAt: fi.ModTime().UTC(),
	}
}
