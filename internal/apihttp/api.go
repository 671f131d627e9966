// Package apihttp mounts the catalog's JSON endpoints on the public router.
package apihttp

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/catalog-api/internal/auth"
	"github.com/keithlinneman/catalog-api/internal/httpmw"
	"github.com/keithlinneman/catalog-api/internal/log"
)

// LimitReporter is the read side of the rate limiter.
type LimitReporter interface {
	Key(r *http.Request) string
	Capacity() int
	Remaining(key string) (int, bool)
}

// API implements the route registrar for the public API.
type API struct {
	limits LimitReporter
}

func New(limits LimitReporter) *API {
	return &API{limits: limits}
}

// RegisterRoutes attaches the /api/v1 routes to the main chi router.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.With(httpmw.Scope("limits.self")).Get("/limits/self", api.handleLimitsSelf)
	})
}

// LimitsSelf is the caller's view of its own quota.
type LimitsSelf struct {
	Key       string `json:"key"`
	Principal string `json:"principal"`
	Capacity  int    `json:"capacity"`
	Remaining int    `json:"remaining"`
}

// handleLimitsSelf runs behind the gate, so the request has already spent a
// token from the bucket it reports.
func (api *API) handleLimitsSelf(w http.ResponseWriter, r *http.Request) {
	key := api.limits.Key(r)
	remaining, ok := api.limits.Remaining(key)
	if !ok {
		// gate not mounted or path exempted: nothing spent yet
		remaining = api.limits.Capacity()
	}

	p, ok := auth.FromContext(r.Context())
	if !ok {
		p = auth.Anonymous()
	}

	writeJSON(w, r, http.StatusOK, LimitsSelf{
		Key:       key,
		Principal: p.Name,
		Capacity:  api.limits.Capacity(),
		Remaining: remaining,
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.FromContext(r.Context()).Warn(r.Context(), "write response failed", "err", err.Error())
	}
}
