package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

const DefaultTraceHeader = "X-Trace-Id"

// TraceResponseHeaders echoes the active trace ID so a caller holding a 429 or
// 500 can quote it.
func TraceResponseHeaders(header string) func(http.Handler) http.Handler {
	if header == "" {
		header = DefaultTraceHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
				w.Header().Set(header, sc.TraceID().String())
			}
			next.ServeHTTP(w, r)
		})
	}
}
