package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// corsMaxAge is how long browsers may cache a preflight answer, in seconds.
const corsMaxAge = 86400

// Browser players fetch manifests and byte ranges of segments, and read the
// range headers back.
var (
	corsMethods = strings.Join([]string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions}, ", ")
	corsHeaders = strings.Join([]string{"Accept", "Content-Type", "Range", RequestIDHeader}, ", ")
	corsExposed = strings.Join([]string{RequestIDHeader, "Content-Length", "Content-Range", "Accept-Ranges"}, ", ")
)

// CORS returns a middleware allowing cross-origin reads from origins. No
// origins, or a "*" entry, allows every origin.
func CORS(origins ...string) func(http.Handler) http.Handler {
	wildcard := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" {
				h := w.Header()
				switch {
				case wildcard:
					h.Set("Access-Control-Allow-Origin", "*")
				case allowed[origin]:
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
				if h.Get("Access-Control-Allow-Origin") != "" {
					h.Set("Access-Control-Expose-Headers", corsExposed)
				}
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h := w.Header()
				h.Set("Access-Control-Allow-Methods", corsMethods)
				h.Set("Access-Control-Allow-Headers", corsHeaders)
				h.Set("Access-Control-Max-Age", strconv.Itoa(corsMaxAge))
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
