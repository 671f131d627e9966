// Package health provides composable health check probes and the HTTP
// handlers serving them on the liveness and readiness endpoints.
//
// [All] combines probes and [Named] labels a failure with its component.
// The rate limiter's evictor check feeds liveness; [ShutdownGate] feeds
// readiness so load balancers stop routing before listeners close.
package health
