package web

import (
	"crypto/subtle"
	"net/http"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/crypto/bcrypt"
)

// authMiddleware checks basic auth credentials against configured user and bcrypt hash
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if ok && subtle.ConstantTimeCompare([]byte(username), []byte(s.AuthUser)) == 1 {
			if err := bcrypt.CompareHashAndPassword([]byte(s.PasswordHash), []byte(password)); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		if ok {
			log.Printf("[WARN] rejected credentials for %q from %s", username, r.RemoteAddr)
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="trainq"`)
		s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
	})
}
