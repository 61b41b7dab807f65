package api

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// requireBasicAuth checks credentials against the configured bcrypt
// hashes.
func (s *server) requireBasicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || !s.checkCredentials(username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="flakeguard"`)
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"authentication required"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *server) checkCredentials(username, password string) bool {
	for _, u := range s.cfg.Auth.Basic.Users {
		if u.Username != username {
			continue
		}

		return bcrypt.CompareHashAndPassword(
			[]byte(u.PasswordHash), []byte(password),
		) == nil
	}

	return false
}
