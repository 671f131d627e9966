// Package ratelimit is the per-caller admission gate in front of the catalog API.
//
// Every non-exempt request is mapped to a key (the authenticated identity, or the
// client address for anonymous callers), and each key owns an independent token
// bucket with greedy refill. Buckets live in a sharded in-memory [Store] and are
// reclaimed by a background [Evictor] once they sit idle past the expiration window.
//
// # Single process only
//
// State is not shared between instances and does not survive a restart. Each
// replica enforces its own quota, so the effective limit behind a load balancer
// is capacity * replicas.
//
// # Eviction races
//
// The evictor and the request path are not synchronized beyond the per-shard locks.
// A key touched at the same instant it is swept may be removed anyway, and its next
// request creates a fresh (full) bucket. When the expiration window is at least the
// refill period, an idle bucket that aged past the window has already refilled to
// full, so the caller gains nothing it would not have had anyway. No extra locking
// is taken to close this window.
package ratelimit
