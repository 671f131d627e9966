package auth

import (
	"net/http"
	"strings"

	"github.com/keithlinneman/catalog-api/internal/log"
)

// Middleware records the caller's principal in the request context. A valid
// "Authorization: Bearer" token yields an authenticated principal; a missing or
// invalid one leaves the caller anonymous. Paths under any skip prefix are not
// inspected at all. With a nil verifier every caller is anonymous.
func Middleware(v Verifier, skip ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range skip {
				if p != "" && strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}

			ctx := r.Context()
			p := Anonymous()
			if token, ok := bearerToken(r); ok && v != nil {
				got, err := v.Verify(ctx, token)
				if err != nil {
					log.FromContext(ctx).Debug(ctx, "bearer token rejected", "reason", err.Error())
				} else {
					p = got
				}
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, p)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(h[len(prefix):])
	return tok, tok != ""
}
