package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/catalog-api/internal/health"
	"github.com/keithlinneman/catalog-api/internal/httpmw"
	"github.com/keithlinneman/catalog-api/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func() // called after a recovered panic, e.g. to bump a counter
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe

	// AuthMW resolves the caller's principal; it runs before the rate limiter
	// so identified callers get their own bucket.
	AuthMW      func(http.Handler) http.Handler
	RateLimitMW func(http.Handler) http.Handler

	ClientIPOpts httpmw.ClientIPOptions

	// APIRoutes mounts the catalog endpoints on the router.
	APIRoutes func(chi.Router)

	// MaxBodyBytes caps request bodies; 0 disables the cap.
	MaxBodyBytes int64
}
