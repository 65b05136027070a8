package controlplane

import (
	"net/http"
	"strings"
)

// requireToken wraps next with a bearer-token check. When expectedToken
// is empty, authentication is disabled and every request passes,
// matching the original's "no token configured means accept everything"
// behavior.
func requireToken(expectedToken string, next http.Handler) http.Handler {
	if expectedToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token != expectedToken {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "invalid or missing bearer token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
