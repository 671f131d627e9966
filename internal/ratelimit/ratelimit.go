package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/keithlinneman/catalog-api/internal/httpmw"
	"github.com/keithlinneman/catalog-api/internal/log"
)

// DefaultExemptPrefixes bypass the gate entirely: API docs, health and metrics,
// and the auth endpoints, which must stay reachable for callers that are
// currently limited by address.
var DefaultExemptPrefixes = []string{
	"/swagger-ui",
	"/v3/api-docs",
	"/actuator",
	"/-/",
	"/metrics",
	"/api/v1/auth/",
}

const (
	DefaultCapacity     = 10
	DefaultRefillPeriod = time.Minute
	DefaultExpiration   = 2 * time.Minute
)

// Limiter is the request gate: per-key token buckets in a sharded store, with
// a background evictor reclaiming idle keys.
type Limiter struct {
	store   *Store
	evictor *Evictor

	capacity     int
	refillPeriod time.Duration
	expiration   time.Duration
	shards       int

	exempt  []string
	resolve KeyResolver
	logger  log.Logger
	now     func() time.Time

	// OnFirstDenied is called once per bucket lifetime when its key is first rejected, used for logging
	OnFirstDenied func(key string)
	// OnDenied is called on every rejected request, used for incrementing prometheus counters
	OnDenied func(key string)
	// OnAdmitted is called on every admitted request
	OnAdmitted func(key string)
	// OnSweep and OnSweepFailure are handed to the evictor
	OnSweep        func(removed int, took time.Duration)
	OnSweepFailure func()
}

type Option func(*Limiter)

// WithCapacity sets the maximum tokens per bucket.
func WithCapacity(n int) Option {
	return func(l *Limiter) { l.capacity = n }
}

// WithRefillPeriod sets how long an empty bucket takes to refill completely.
func WithRefillPeriod(d time.Duration) Option {
	return func(l *Limiter) { l.refillPeriod = d }
}

// WithExpiration sets how long a key may sit idle before the evictor drops it.
// The evictor also runs at this interval.
func WithExpiration(d time.Duration) Option {
	return func(l *Limiter) { l.expiration = d }
}

// WithExemptPrefixes replaces the default exempt path prefixes.
func WithExemptPrefixes(prefixes ...string) Option {
	return func(l *Limiter) {
		l.exempt = make([]string, 0, len(prefixes))
		for _, p := range prefixes {
			if p = strings.TrimSpace(p); p != "" {
				l.exempt = append(l.exempt, p)
			}
		}
	}
}

// WithKeyResolver replaces DefaultKeyResolver.
func WithKeyResolver(fn KeyResolver) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.resolve = fn
		}
	}
}

func WithLogger(lg log.Logger) Option {
	return func(l *Limiter) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// WithClock overrides time.Now for the gate and its store.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func WithShards(n int) Option {
	return func(l *Limiter) { l.shards = n }
}

func WithOnFirstDenied(fn func(key string)) Option {
	return func(l *Limiter) { l.OnFirstDenied = fn }
}

func WithOnDenied(fn func(key string)) Option {
	return func(l *Limiter) { l.OnDenied = fn }
}

func WithOnAdmitted(fn func(key string)) Option {
	return func(l *Limiter) { l.OnAdmitted = fn }
}

func WithOnSweep(fn func(removed int, took time.Duration)) Option {
	return func(l *Limiter) { l.OnSweep = fn }
}

func WithOnSweepFailure(fn func()) Option {
	return func(l *Limiter) { l.OnSweepFailure = fn }
}

// New validates the configuration, builds the store and starts the evictor.
// The evictor stops when ctx is cancelled or Stop is called.
func New(ctx context.Context, opts ...Option) (*Limiter, error) {
	l := &Limiter{
		capacity:     DefaultCapacity,
		refillPeriod: DefaultRefillPeriod,
		expiration:   DefaultExpiration,
		shards:       defaultShards,
		exempt:       append([]string(nil), DefaultExemptPrefixes...),
		resolve:      DefaultKeyResolver,
		logger:       log.Nop(),
		now:          time.Now,
	}
	for _, o := range opts {
		o(l)
	}

	var errs []error
	if l.capacity <= 0 {
		errs = append(errs, ErrInvalidCapacity)
	}
	if l.refillPeriod <= 0 {
		errs = append(errs, ErrInvalidRefillPeriod)
	}
	if l.expiration <= 0 {
		errs = append(errs, ErrInvalidExpiration)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	store, err := NewStore(l.capacity, l.refillPeriod, WithStoreClock(l.now), WithShardCount(l.shards))
	if err != nil {
		return nil, err
	}
	l.store = store

	if l.expiration < l.refillPeriod {
		l.logger.Warn(ctx, "ratelimit expiration is shorter than the refill period, evicted callers may get a full bucket early",
			"expiration", l.expiration.String(),
			"refill_period", l.refillPeriod.String(),
		)
	}

	l.evictor = NewEvictor(store, l.expiration, l.expiration, l.logger)
	l.evictor.OnSweep = l.OnSweep
	l.evictor.OnFailure = l.OnSweepFailure
	l.evictor.Start(ctx)
	return l, nil
}

// Stop halts the evictor and waits for it to exit.
func (l *Limiter) Stop() { l.evictor.Stop() }

// Check fails once the evictor is no longer sweeping, since the store would
// then grow without bound. It satisfies health.Probe.
func (l *Limiter) Check(context.Context) error {
	if !l.evictor.Running() {
		return ErrEvictorStopped
	}
	return nil
}

// Exempt reports whether path bypasses the gate.
func (l *Limiter) Exempt(path string) bool {
	for _, p := range l.exempt {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// allow consumes one token for key. Every call refreshes the key's last access,
// admitted or not, so callers that keep hammering stay tracked.
func (l *Limiter) allow(ctx context.Context, key string) bool {
	now := l.now()
	e := l.store.GetOrCreate(key)
	e.touch(now)

	if e.Bucket().TryConsume(now) {
		if l.OnAdmitted != nil {
			l.OnAdmitted(key)
		}
		return true
	}

	if e.denied.CompareAndSwap(false, true) {
		l.logger.Warn(ctx, "rate limit triggered", "key", key)
		if l.OnFirstDenied != nil {
			l.OnFirstDenied(key)
		}
	} else {
		l.logger.Debug(ctx, "rate limit still exceeded", "key", key)
	}
	if l.OnDenied != nil {
		l.OnDenied(key)
	}
	return false
}

// Remaining reports the tokens key could spend right now without consuming or
// touching anything. Unknown keys report false.
func (l *Limiter) Remaining(key string) (int, bool) {
	e, ok := l.store.Get(key)
	if !ok {
		return 0, false
	}
	return e.Bucket().Available(l.now()), true
}

// Key resolves the rate-limit key for r.
func (l *Limiter) Key(r *http.Request) string { return l.resolve(r) }

func (l *Limiter) Capacity() int { return l.capacity }

// Buckets is the number of keys currently tracked.
func (l *Limiter) Buckets() int { return l.store.Len() }

// Middleware admits or rejects each non-exempt request. Admitted requests pass
// through untouched; rejected ones get a 429 and never reach next.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := l.resolve(r)
		if !l.allow(r.Context(), key) {
			httpmw.WriteError(w, http.StatusTooManyRequests, DeclineMessage, l.now())
			return
		}

		next.ServeHTTP(w, r)
	})
}

// DeclineMessage is the message field of every 429 the gate writes.
const DeclineMessage = "Rate limit exceeded. Try again later."
