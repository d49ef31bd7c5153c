package middleware

import (
	"net/http"
	"path"
)

// precompressed are media extensions that gain nothing from gzip and must keep
// their byte ranges intact for players.
var precompressed = map[string]bool{
	".m4s": true,
	".mp4": true,
	".aac": true,
	".wav": true,
}

// SkipCompressionForMedia wraps a compression middleware so that media
// segments are served as-is. Manifests and API responses are still compressed.
func SkipCompressionForMedia(compressionHandler func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressed := compressionHandler(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if precompressed[path.Ext(r.URL.Path)] || r.Header.Get("Range") != "" {
				next.ServeHTTP(w, r)
				return
			}
			compressed.ServeHTTP(w, r)
		})
	}
}
