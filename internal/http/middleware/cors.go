package middleware

import (
	"net/http"
	"strings"
)

// CORS is an allowlist-based CORS middleware for the admin console. Entries
// may be exact origins, "*" for any, or "https://*.example.com" to admit
// every subdomain.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAny := false
	exact := map[string]struct{}{}
	var suffixes []string
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		switch {
		case origin == "":
		case origin == "*":
			allowAny = true
		case strings.Contains(origin, "://*."):
			scheme, rest, _ := strings.Cut(origin, "://*.")
			suffixes = append(suffixes, scheme+"://", "."+rest)
		default:
			exact[origin] = struct{}{}
		}
	}

	allowed := func(origin string) bool {
		if allowAny {
			return true
		}
		if _, ok := exact[origin]; ok {
			return true
		}
		for i := 0; i+1 < len(suffixes); i += 2 {
			if strings.HasPrefix(origin, suffixes[i]) && strings.HasSuffix(origin, suffixes[i+1]) {
				return true
			}
		}
		return false
	}

	allowedHeaders := "Authorization, Content-Type"
	allowedMethods := "GET, POST, PUT, PATCH, DELETE, OPTIONS"

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin != "" && allowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
				w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
				w.Header().Set("Access-Control-Max-Age", "600")
			}

			// Preflight requests stop here.
			if r.Method == http.MethodOptions && origin != "" && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
