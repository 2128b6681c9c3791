package middleware

import (
	"net/http"

	"github.com/cloo-solutions/crewbot/internal/api"
)

// ProbeGuard answers anything but POST with 200 {"status":"ok"}. Channel
// providers verify webhooks with GET/HEAD and must never reach the responder.
func ProbeGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			return
		}
		api.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
