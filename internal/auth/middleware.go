package auth

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

type Mode string

const (
	ModeLocalhost Mode = "localhost"
	ModeAPIKey    Mode = "api_key"
)

// Info records how a request was authenticated and which operator it
// belongs to. Localhost-bypassed requests carry no operator.
type Info struct {
	Mode      Mode
	Operator  string
	Localhost bool
}

type contextKey struct{}

func FromContext(ctx context.Context) (Info, bool) {
	v, ok := ctx.Value(contextKey{}).(Info)
	return v, ok
}

// Middleware authenticates every request against the keyring and attaches
// the resulting Info to the request context. Loopback requests skip key
// checks when the keyring policy allows it; everything else needs a bearer
// key mapped to an operator.
func Middleware(ring *Keyring) func(http.Handler) http.Handler {
	if ring == nil {
		ring = defaultKeyring()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, ok := identify(r, ring)
			if !ok {
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, info)))
		})
	}
}

func identify(r *http.Request, ring *Keyring) (Info, bool) {
	if ring.AllowLocalhostWithoutAuth && isLocalRequest(r) {
		return Info{Mode: ModeLocalhost, Localhost: true}, true
	}
	operator, ok := ring.OperatorForKey(bearerKey(r))
	if !ok {
		return Info{}, false
	}
	return Info{Mode: ModeAPIKey, Operator: operator}, true
}

func bearerKey(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, key, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(key)
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}

// isLocalRequest trusts the first X-Forwarded-For hop when present so a
// local reverse proxy does not make every request look like loopback.
func isLocalRequest(r *http.Request) bool {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return isLoopbackHost(strings.TrimSpace(first))
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	return isLoopbackHost(strings.TrimSpace(host))
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
