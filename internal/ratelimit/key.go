package ratelimit

import (
	"net"
	"net/http"

	"github.com/keithlinneman/catalog-api/internal/auth"
	"github.com/keithlinneman/catalog-api/internal/httpmw"
)

// UnknownKey is the shared bucket for callers with neither an identity nor a
// usable address. Everyone in it competes for one quota.
const UnknownKey = "unknown"

// KeyResolver maps a request to its rate-limit key.
type KeyResolver func(r *http.Request) string

// ResolveKey picks the key for a caller: the identity name when the principal is
// authenticated and not anonymous, otherwise the network address.
func ResolveKey(p auth.Principal, addr string) string {
	if p.Identified() {
		return p.Name
	}
	if addr != "" {
		return addr
	}
	return UnknownKey
}

// DefaultKeyResolver reads the principal set by auth.Middleware and the client
// address set by httpmw.ClientIP. Without the ClientIP middleware it falls back
// to the host part of RemoteAddr.
func DefaultKeyResolver(r *http.Request) string {
	p, _ := auth.FromContext(r.Context())
	addr := httpmw.ClientIPFromContext(r.Context())
	if addr == "" {
		addr = remoteHost(r.RemoteAddr)
	}
	return ResolveKey(p, addr)
}

func remoteHost(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
