// Package httpmw provides the HTTP middleware for the public API listener.
//
// httpserver.NewHandler composes it outermost first: security headers,
// recover, request ID, client IP, auth, rate limit, OTel, metrics, request
// logger, access log, then the chi router. ClientIP must run before the rate
// limiter, which keys anonymous callers on the address it stores.
//
// Query strings, user agents and tokens are kept out of logs.
package httpmw
