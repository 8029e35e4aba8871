package adminapi

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
)

// CookieAuthenticator validates the admin bearer-cookie credential.
// Uses constant-time comparison to prevent timing attacks, the same
// way the front door's API key check does.
type CookieAuthenticator struct {
	cookieName   string
	expectedHash [32]byte
}

// NewCookieAuthenticator creates an authenticator pre-hashing the
// expected bearer token so Validate never compares secrets directly.
func NewCookieAuthenticator(cookieName, expectedToken string) *CookieAuthenticator {
	return &CookieAuthenticator{
		cookieName:   cookieName,
		expectedHash: sha256.Sum256([]byte(expectedToken)),
	}
}

// Validate reports whether r carries the expected admin cookie.
func (a *CookieAuthenticator) Validate(r *http.Request) bool {
	c, err := r.Cookie(a.cookieName)
	if err != nil || c.Value == "" {
		return false
	}

	providedHash := sha256.Sum256([]byte(c.Value))
	return subtle.ConstantTimeCompare(providedHash[:], a.expectedHash[:]) == 1
}

// Middleware wraps next, rejecting unauthenticated requests with the
// spec'd JSON 401 body.
func (a *CookieAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Validate(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"Unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
