package httpmw

import (
	"net/http"
	"time"

	"github.com/keithlinneman/catalog-api/internal/log"
	"github.com/keithlinneman/catalog-api/internal/xerrors"
)

// Recover turns a handler panic into a logged error and a JSON 500. onPanic,
// if set, runs after logging, typically to bump a counter. http.ErrAbortHandler
// is re-raised so net/http can abort the connection as intended.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				err := xerrors.Recovered(v)
				logger.With(
					"request_id", RequestIDFromContext(r.Context()),
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
				).Error(r.Context(), err, "httpserver panic recovered")
				if onPanic != nil {
					onPanic()
				}
				WriteError(w, http.StatusInternalServerError, "An unexpected error occurred.", time.Now())
			}()
			next.ServeHTTP(w, r)
		})
	}
}
