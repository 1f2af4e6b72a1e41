// Package filetransfer implements the on-device HTTP file-transfer
// service (spec.md §3): the local HTTP endpoint child devices GET/PUT
// staged artifacts through, backed directly by the same root directory
// internal/children.Staging reserves paths under. Grounded on the
// teacher's internal/api/router.go chi-mounting style, trimmed to the
// GET/PUT/POST/DELETE verbs this surface actually needs rather than a
// full REST resource.
package filetransfer

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Handler serves GET/PUT/POST/DELETE under /tedge/file-transfer/*, mapping the
// URL tail directly onto a path beneath root. It performs no
// content-addressing or reservation logic itself — internal/children.Staging
// already decided the path before constructing the URL a child device was
// handed — so this is a plain, restricted static file server plus upload
// sink, the same split a reverse proxy would make between routing and
// storage.
type Handler struct {
	root string
}

// NewHandler returns a Handler rooted at the same directory passed to
// children.NewStaging, so the URLs Staging.ServeURL hands out resolve here.
func NewHandler(root string) *Handler {
	return &Handler{root: root}
}

// Mount attaches the file-transfer routes onto r under /tedge/file-transfer.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/tedge/file-transfer", func(r chi.Router) {
		r.Get("/*", h.get)
		r.Put("/*", h.put)
		r.Post("/*", h.put)
		r.Delete("/*", h.delete)
	})
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) (string, bool) {
	rel := chi.URLParam(r, "*")
	clean := filepath.Clean("/" + rel)
	if clean == "/" || strings.Contains(clean, "..") {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return "", false
	}
	return filepath.Join(h.root, clean), true
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	path, ok := h.resolve(w, r)
	if !ok {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "read error", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		http.Error(w, "stat error", http.StatusInternalServerError)
		return
	}
	http.ServeContent(w, r, filepath.Base(path), stat.ModTime(), f)
}

func (h *Handler) put(w http.ResponseWriter, r *http.Request) {
	path, ok := h.resolve(w, r)
	if !ok {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("filetransfer: failed to create staging directory")
		http.Error(w, "write error", http.StatusInternalServerError)
		return
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		http.Error(w, "write error", http.StatusInternalServerError)
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r.Body); err != nil {
		tmp.Close()
		http.Error(w, "write error", http.StatusInternalServerError)
		return
	}
	if err := tmp.Close(); err != nil {
		http.Error(w, "write error", http.StatusInternalServerError)
		return
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("filetransfer: failed to place uploaded artifact")
		http.Error(w, "write error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	path, ok := h.resolve(w, r)
	if !ok {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		http.Error(w, "delete error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
