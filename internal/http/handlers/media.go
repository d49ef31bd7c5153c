package handlers

import (
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jmylchreest/shipper/internal/storage"
)

// MediaHandler serves published manifests, init segments and media segments
// from the filesystem object store, for deployments without a CDN in front.
type MediaHandler struct {
	fileServer http.Handler
	prefix     string
}

// NewMediaHandler serves fsys under prefix (for example "/media").
func NewMediaHandler(fsys http.FileSystem, prefix string) *MediaHandler {
	prefix = "/" + strings.Trim(prefix, "/")
	return &MediaHandler{
		fileServer: http.StripPrefix(prefix, http.FileServer(fsys)),
		prefix:     prefix,
	}
}

// Register mounts the handler on the router.
func (h *MediaHandler) Register(r chi.Router) {
	r.Handle(h.prefix+"/*", h)
}

// ServeHTTP serves one object. Directory listings are refused.
func (h *MediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	name := r.URL.Path
	if strings.HasSuffix(name, "/") || path.Ext(name) == "" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", storage.ContentTypeFor(name))
	switch path.Ext(name) {
	case ".m3u8", ".mpd":
		// Manifests change every chunk.
		w.Header().Set("Cache-Control", "no-cache")
	default:
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	}
	h.fileServer.ServeHTTP(w, r)
}
