package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authenticator checks bearer tokens. Comparison is constant-time per
// token so response timing leaks nothing about prefixes.
type authenticator struct {
	tokens [][]byte
}

func newAuthenticator(tokens []string) *authenticator {
	a := &authenticator{}
	for _, t := range tokens {
		if t != "" {
			a.tokens = append(a.tokens, []byte(t))
		}
	}
	return a
}

func (a *authenticator) require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.allow(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="driftd"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *authenticator) allow(r *http.Request) bool {
	if len(a.tokens) == 0 {
		return true
	}
	raw := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok || token == "" {
		return false
	}
	presented := []byte(token)
	for _, want := range a.tokens {
		if subtle.ConstantTimeCompare(presented, want) == 1 {
			return true
		}
	}
	return false
}
