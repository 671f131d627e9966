package httpserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keithlinneman/catalog-api/internal/apihttp"
	"github.com/keithlinneman/catalog-api/internal/auth"
	"github.com/keithlinneman/catalog-api/internal/health"
	"github.com/keithlinneman/catalog-api/internal/httpmw"
	"github.com/keithlinneman/catalog-api/internal/httpserver"
	"github.com/keithlinneman/catalog-api/internal/log"
	"github.com/keithlinneman/catalog-api/internal/metrics"
	"github.com/keithlinneman/catalog-api/internal/ratelimit"
)

var secret = []byte("integration-test-secret-0123456789abcdef")

func bearer(t *testing.T, sub string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return "Bearer " + s
}

// TestIntegration_FullStack wires the real limiter, verifier, metrics and
// API routes through httpserver.NewHandler and drives one client to its limit.
func TestIntegration_FullStack(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	m := metrics.New()

	limiter, err := ratelimit.New(context.Background(),
		ratelimit.WithCapacity(3),
		ratelimit.WithClock(func() time.Time { return now }),
		ratelimit.WithOnAdmitted(m.IncRateLimitAdmitted),
		ratelimit.WithOnDenied(m.IncRateLimitDenied),
		ratelimit.WithOnFirstDenied(m.IncRateLimitFirstDenied),
	)
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	t.Cleanup(limiter.Stop)
	m.RegisterRateLimitBuckets(limiter.Buckets)

	verifier, err := auth.NewHMACVerifier(secret)
	if err != nil {
		t.Fatalf("NewHMACVerifier: %v", err)
	}

	var gate health.ShutdownGate
	h := httpserver.NewHandler(&httpserver.Options{
		Logger:       log.Nop(),
		UseRecoverMW: true,
		MetricsMW:    m.Middleware,
		Health:       limiter,
		Readiness:    gate.Probe(),
		AuthMW:       auth.Middleware(verifier, ratelimit.DefaultExemptPrefixes...),
		RateLimitMW:  limiter.Middleware,
		APIRoutes:    apihttp.New(limiter).RegisterRoutes,
	})

	call := func(path, authz string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, path, http.NoBody)
		r.RemoteAddr = "198.51.100.1:40000"
		if authz != "" {
			r.Header.Set("Authorization", authz)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}
	self := func(t *testing.T, rec *httptest.ResponseRecorder) apihttp.LimitsSelf {
		t.Helper()
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
		}
		var got apihttp.LimitsSelf
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return got
	}

	t.Run("anonymous caller spends its address bucket", func(t *testing.T) {
		for want := 2; want >= 0; want-- {
			got := self(t, call("/api/v1/limits/self", ""))
			if got.Key != "198.51.100.1" || got.Principal != auth.AnonymousName || got.Remaining != want {
				t.Fatalf("got %+v, want remaining %d", got, want)
			}
		}
	})

	t.Run("fourth call is declined", func(t *testing.T) {
		rec := call("/api/v1/limits/self", "")
		want := `{"timestamp":"2026-03-04T05:06:07Z","status":429,"error":"Too Many Requests","message":"Rate limit exceeded. Try again later."}`
		if rec.Code != http.StatusTooManyRequests || rec.Body.String() != want {
			t.Fatalf("got %d %q", rec.Code, rec.Body.String())
		}
		if rec.Header().Get("Content-Type") != "application/json" {
			t.Fatalf("Content-Type = %q", rec.Header().Get("Content-Type"))
		}
		if rec.Header().Get("X-Content-Type-Options") != "nosniff" || rec.Header().Get(httpmw.DefaultRequestIDHeader) == "" {
			t.Fatal("declined responses still carry security headers and a request id")
		}
	})

	t.Run("exempt health endpoints are never limited", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			if rec := call("/-/ready", ""); rec.Code != http.StatusOK {
				t.Fatalf("ready #%d = %d", i, rec.Code)
			}
		}
		if rec := call("/-/healthy", ""); rec.Code != http.StatusOK {
			t.Fatalf("healthy = %d, body %q", rec.Code, rec.Body.String())
		}
	})

	t.Run("authenticated caller gets its own bucket", func(t *testing.T) {
		got := self(t, call("/api/v1/limits/self", bearer(t, "ada")))
		if got.Key != "ada" || got.Principal != "ada" || got.Remaining != 2 {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("invalid token falls back to the address", func(t *testing.T) {
		rec := call("/api/v1/limits/self", "Bearer not-a-jwt")
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("status = %d, want 429", rec.Code)
		}
	})

	t.Run("unknown routes are limited before routing", func(t *testing.T) {
		if rec := call("/api/v1/nowhere", ""); rec.Code != http.StatusTooManyRequests {
			t.Fatalf("status = %d, want 429", rec.Code)
		}
		if rec := call("/api/v1/nowhere", bearer(t, "ada")); rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("metrics reflect the gate", func(t *testing.T) {
		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
		body := rec.Body.String()
		for _, line := range []string{
			"http_requests_rate_limited_total 3",
			"ratelimit_clients_limited_total 1",
			"ratelimit_admitted_total 5",
			"ratelimit_buckets 2",
			`route="/api/v1/limits/self",status="200"`,
		} {
			if !strings.Contains(body, line) {
				t.Errorf("scrape missing %q", line)
			}
		}
	})

	t.Run("readiness follows the shutdown gate", func(t *testing.T) {
		gate.Set("draining")
		rec := call("/-/ready", "")
		if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "draining") {
			t.Fatalf("got %d %q", rec.Code, rec.Body.String())
		}
	})
}
