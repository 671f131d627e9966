// Package auth carries the caller's identity through the request context.
//
// Token issuance lives in the catalog's auth service. This package only
// verifies bearer tokens and records who the caller is, it never rejects a
// request. Handlers that require a login check the principal themselves.
package auth

import "context"

// AnonymousName is the principal name used for callers without a verified token.
const AnonymousName = "anonymousUser"

// Principal is the result of authenticating a request.
type Principal struct {
	Name          string
	Authenticated bool
	Anonymous     bool
}

// Anonymous returns the principal for callers with no verified token.
func Anonymous() Principal {
	return Principal{Name: AnonymousName, Anonymous: true}
}

// Identified reports whether p names a real, authenticated caller.
func (p Principal) Identified() bool {
	return p.Authenticated && !p.Anonymous && p.Name != "" && p.Name != AnonymousName
}

type ctxKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal stored in ctx, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}
