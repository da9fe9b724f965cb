package admin

import (
	"crypto/subtle"
	"net/http"
)

// basicAuth gates every route behind HTTP Basic Auth (spec.md §6: "Both
// endpoints require authentication"), comparing credentials in constant
// time per caddyserver-caddy's caddyhttp/basicauth idiom. An empty
// Username disables the check entirely (useful for local testing).
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.creds.Username == "" {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok || !constantTimeEqual(user, s.creds.Username) || !constantTimeEqual(pass, s.creds.Password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="gatewayproxy admin"`)
			writeJSONError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
