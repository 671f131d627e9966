package log

import "context"

type ctxKey struct{}

// WithContext returns a copy of ctx carrying l. Request middleware stores a
// request-scoped logger here so handlers pick up request_id and client_ip.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the Logger stored in ctx, or Nop if none is present.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok && l != nil {
		return l
	}
	return Nop()
}
