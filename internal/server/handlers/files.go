package handlers

import (
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/vpsdeck/vpsdeck/internal/files"
	"github.com/vpsdeck/vpsdeck/internal/gateway"
)

// ListDir serves GET /api/list?path=/some/dir.
func ListDir(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Query().Get("path")
		if p == "" {
			p = "/"
		}
		entries, err := gw.ListDirectory(r.Context(), p)
		if err != nil {
			respondError(w, err)
			return
		}
		respondOK(w, map[string]any{"path": p, "entries": entries})
	}
}

// ReadFile serves GET /api/file?path=/some/file.
func ReadFile(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Query().Get("path")
		if p == "" {
			badRequest(w, "path is required")
			return
		}
		data, err := gw.ReadFile(r.Context(), p)
		if err != nil {
			respondError(w, err)
			return
		}
		respondOK(w, map[string]any{"path": p, "content": string(data)})
	}
}

// WriteFile serves POST /api/file with {"path": ..., "content": ...}.
func WriteFile(gw *gateway.Gateway) http.HandlerFunc {
	type request struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, "invalid request body: "+err.Error())
			return
		}
		if err := gw.WriteFile(r.Context(), req.Path, []byte(req.Content)); err != nil {
			respondError(w, err)
			return
		}
		respondOK(w, map[string]any{"path": req.Path, "bytes": len(req.Content)})
	}
}

// Mkdir serves POST /api/mkdir with {"path": ...}.
func Mkdir(gw *gateway.Gateway) http.HandlerFunc {
	type request struct {
		Path string `json:"path"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, "invalid request body: "+err.Error())
			return
		}
		if err := gw.CreateDirectory(r.Context(), req.Path); err != nil {
			respondError(w, err)
			return
		}
		respondOK(w, map[string]any{"path": req.Path})
	}
}

// Delete serves POST /api/delete with {"path": ...}.
func Delete(gw *gateway.Gateway) http.HandlerFunc {
	type request struct {
		Path string `json:"path"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, "invalid request body: "+err.Error())
			return
		}
		if err := gw.Delete(r.Context(), req.Path); err != nil {
			respondError(w, err)
			return
		}
		respondOK(w, map[string]any{"path": req.Path})
	}
}

// Rename serves POST /api/rename with {"path": ..., "new_name": ...}.
func Rename(gw *gateway.Gateway) http.HandlerFunc {
	type request struct {
		Path    string `json:"path"`
		NewName string `json:"new_name"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, "invalid request body: "+err.Error())
			return
		}
		newPath, err := gw.Rename(r.Context(), req.Path, req.NewName)
		if err != nil {
			respondError(w, err)
			return
		}
		respondOK(w, map[string]any{"path": newPath})
	}
}

// Upload serves POST /api/upload?path=/target as a multipart form with a
// "file" field. The file streams to the remote host without being
// buffered in full.
func Upload(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.Query().Get("path")
		if target == "" {
			badRequest(w, "path is required")
			return
		}
		mr, err := r.MultipartReader()
		if err != nil {
			badRequest(w, "multipart body required: "+err.Error())
			return
		}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				badRequest(w, `no "file" part in upload`)
				return
			}
			if err != nil {
				badRequest(w, "read multipart: "+err.Error())
				return
			}
			if part.FormName() != "file" {
				continue
			}
			written, n, upErr := gw.UploadFile(r.Context(), target, part.FileName(), part)
			part.Close()
			if upErr != nil {
				respondError(w, upErr)
				return
			}
			respondOK(w, map[string]any{"path": written, "bytes": n})
			return
		}
	}
}

// Download serves GET /download?path=... as a raw byte stream for a
// file, or a zip archive named <basename>.zip for a directory, with
// entries rooted at the basename.
func Download(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Query().Get("path")
		if p == "" {
			badRequest(w, "path is required")
			return
		}
		entry, err := gw.StatPath(r.Context(), p)
		if err != nil {
			respondError(w, err)
			return
		}

		if entry.Kind == files.KindDir {
			downloadArchive(gw, w, r, entry)
			return
		}

		rc, size, err := gw.DownloadFile(r.Context(), p)
		if err != nil {
			respondError(w, err)
			return
		}
		defer rc.Close()

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", entry.Name))
		if size > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		}
		if _, err := io.Copy(w, rc); err != nil {
			log.Warn().Err(err).Str("path", p).Msg("download interrupted")
		}
	}
}

func downloadArchive(gw *gateway.Gateway, w http.ResponseWriter, r *http.Request, entry files.Entry) {
	base := path.Base(entry.Path)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", base+".zip"))

	// entries inside the zip are rooted at the directory's basename
	res, err := gw.DownloadDirectoryArchive(r.Context(), entry.Path, base, w)
	if err != nil {
		// headers are gone; the truncated stream is the failure signal
		log.Error().Err(err).Str("path", entry.Path).Msg("archive failed mid-stream")
		return
	}
	for _, warn := range res.Warnings {
		log.Warn().Str("entry", warn).Msg("archive entry skipped")
	}
}
