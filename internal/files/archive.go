package files

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/klauspost/compress/flate"

	"github.com/vpsdeck/vpsdeck/internal/transport"
)

// ArchiveResult summarizes one directory-archive call. Warnings record
// entries that could not be read mid-walk; they do not abort the archive.
type ArchiveResult struct {
	Root     string   `json:"root"`
	Entries  int      `json:"entries"`
	Bytes    int64    `json:"bytes"`
	Warnings []string `json:"warnings,omitempty"`
}

// Archive walks root recursively and streams a zip of its contents into
// dst, each entry stored as it is read so the archive is never buffered in
// full. Entry names are relative to root. An unreadable file or subtree is
// recorded as a warning; an unreadable root fails the whole call.
func (s *Service) Archive(ctx context.Context, root string, dst io.Writer) (ArchiveResult, error) {
	return s.ArchivePrefixed(ctx, root, "", dst)
}

// ArchivePrefixed is Archive with every entry name placed under prefix,
// e.g. a prefix of "project" turns "src/main.go" into
// "project/src/main.go". The HTTP download endpoint uses the directory's
// basename here, so extracted archives unpack into a single folder.
func (s *Service) ArchivePrefixed(ctx context.Context, root, prefix string, dst io.Writer) (ArchiveResult, error) {
	root, err := NormalizePath(root)
	if err != nil {
		return ArchiveResult{}, err
	}
	fs, err := s.fs(ctx)
	if err != nil {
		return ArchiveResult{}, err
	}

	fi, err := fs.Stat(root)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("sftp: stat %q: %w", root, err)
	}
	if !fi.IsDir() {
		return ArchiveResult{}, fmt.Errorf("files: archive root %q is not a directory", root)
	}

	res := ArchiveResult{Root: root}
	zw := zip.NewWriter(dst)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestSpeed)
	})

	if err := s.archiveDir(ctx, fs, zw, root, prefix, &res); err != nil {
		_ = zw.Close()
		return res, err
	}
	if err := zw.Close(); err != nil {
		return res, fmt.Errorf("zip: close: %w", err)
	}
	return res, nil
}

// archiveDir adds the contents of dir (remote) under rel (archive path)
// to zw. The root directory itself gets no entry; only its contents do.
func (s *Service) archiveDir(ctx context.Context, fs transport.FileSystem, zw *zip.Writer, dir, rel string, res *ArchiveResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	infos, err := fs.ReadDir(dir)
	if err != nil {
		if dir == res.Root {
			return fmt.Errorf("sftp: readdir %q: %w", dir, err)
		}
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %v", dir, err))
		return nil
	}

	for _, fi := range infos {
		if err := ctx.Err(); err != nil {
			return err
		}
		remote := path.Join(dir, fi.Name())
		entryRel := fi.Name()
		if rel != "" {
			entryRel = rel + "/" + fi.Name()
		}

		if fi.IsDir() {
			hdr := &zip.FileHeader{Name: entryRel + "/", Method: zip.Store, Modified: fi.ModTime()}
			hdr.SetMode(fi.Mode())
			if _, err := zw.CreateHeader(hdr); err != nil {
				return fmt.Errorf("zip: dir entry %q: %w", entryRel, err)
			}
			res.Entries++
			if err := s.archiveDir(ctx, fs, zw, remote, entryRel, res); err != nil {
				return err
			}
			continue
		}

		if err := s.archiveFile(fs, zw, remote, entryRel, fi, res); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) archiveFile(fs transport.FileSystem, zw *zip.Writer, remote, entryRel string, fi os.FileInfo, res *ArchiveResult) error {
	f, err := fs.Open(remote)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %v", remote, err))
		return nil
	}
	defer f.Close()

	hdr := &zip.FileHeader{Name: entryRel, Method: zip.Deflate, Modified: fi.ModTime()}
	hdr.SetMode(fi.Mode())
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("zip: entry %q: %w", entryRel, err)
	}

	n, err := io.Copy(w, f)
	if err != nil {
		// The zip stream is already partially written for this entry;
		// a read failure here poisons the archive and must abort.
		return fmt.Errorf("zip: copy %q: %w", remote, err)
	}
	res.Entries++
	res.Bytes += n
	return nil
}
