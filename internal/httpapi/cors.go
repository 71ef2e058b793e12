package httpapi

import (
	"net/http"
	"slices"
	"strings"

	"capsule_farmer/internal/config"
)

const corsMaxAge = "600"

// withCORS limits a route to its methods and answers browser preflights for
// it. Only configured origins get CORS headers; "*" allows any origin.
func withCORS(cfg config.CorsConfig, methods []string, next http.Handler) http.Handler {
	allowed := strings.Join(append(slices.Clone(methods), http.MethodOptions), ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := allowedOrigin(cfg.AllowOrigins, r.Header.Get("Origin")); origin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", allowed)
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Set("Access-Control-Max-Age", corsMaxAge)
			if cfg.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			if origin != "*" {
				h.Add("Vary", "Origin")
			}
		}

		switch {
		case r.Method == http.MethodOptions:
			w.Header().Set("Allow", allowed)
			w.WriteHeader(http.StatusNoContent)
		case !slices.Contains(methods, r.Method):
			w.Header().Set("Allow", allowed)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func allowedOrigin(allow []string, origin string) string {
	if slices.Contains(allow, "*") {
		return "*"
	}
	if origin == "" {
		return ""
	}
	for _, o := range allow {
		if strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}
