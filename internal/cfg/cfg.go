package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/keithlinneman/catalog-api/internal/log"
)

// EnvPrefix namespaces every environment variable read by FillFromEnv.
const EnvPrefix = "CATALOG_"

type App struct {
	LogJSON         bool
	LogLevel        string
	StacktraceLevel string
	HTTPPort        int
	AdminPort       int
	TrustedHops     int
	MaxBodyBytes    int64
	DrainDelay      time.Duration
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	// rate limiting
	RateLimitCapacity          int
	RateLimitRefillMinutes     int
	RateLimitExpirationMinutes int
	RateLimitExemptPrefixes    string
	RateLimitShards            int

	// empty disables bearer token verification, every caller is anonymous
	JWTSecret string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.IntVar(&c.TrustedHops, "trusted-proxy-hops", 0, "reverse proxies in front of the API whose X-Forwarded-For entries are trusted (0..8)")
	fs.Int64Var(&c.MaxBodyBytes, "http-max-body-bytes", 1<<20, "request body cap in bytes (0 disables)")
	fs.DurationVar(&c.DrainDelay, "drain-delay", 15*time.Second, "time between failing readiness and closing listeners on shutdown")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.IntVar(&c.RateLimitCapacity, "ratelimit-capacity", 10, "requests each client may burst, also the tokens refilled per period")
	fs.IntVar(&c.RateLimitRefillMinutes, "ratelimit-refill-period-minutes", 1, "minutes for an empty bucket to refill completely")
	fs.IntVar(&c.RateLimitExpirationMinutes, "ratelimit-expiration-minutes", 2, "minutes a client may sit idle before its bucket is evicted, also the sweep interval")
	fs.StringVar(&c.RateLimitExemptPrefixes, "ratelimit-exempt-prefixes", strings.Join(defaultExemptPrefixes, ","), "comma separated path prefixes that bypass rate limiting")
	fs.IntVar(&c.RateLimitShards, "ratelimit-shards", 32, "bucket store shards, rounded up to a power of two")

	fs.StringVar(&c.JWTSecret, "jwt-secret", "", "HS256 secret for verifying bearer tokens (empty: all callers anonymous)")
}

// kept in sync with ratelimit.DefaultExemptPrefixes; cfg does not import ratelimit
var defaultExemptPrefixes = []string{"/swagger-ui", "/v3/api-docs", "/actuator", "/-/", "/metrics", "/api/v1/auth/"}

// LoadEnvFile reads KEY=VALUE pairs from path into the process environment.
// Variables already set are left alone, so the real environment wins over the file.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// EnvFileFromArgs finds -env-file / --env-file in args before flag parsing,
// so the file can seed the environment that FillFromEnv reads.
func EnvFileFromArgs(args []string) string {
	for i, a := range args {
		name, val, hasVal := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "env-file" {
			continue
		}
		if hasVal {
			return val
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		envVal, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if explicit[f.Name] {
			if logf != nil && !isSecret(f.Name) {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// EnvKey maps a flag name to its environment variable.
func EnvKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

func isSecret(name string) bool { return strings.Contains(name, "secret") }

// ExemptPrefixes splits the comma separated prefix list, dropping blanks.
func (c App) ExemptPrefixes() []string {
	var out []string
	for _, p := range strings.Split(c.RateLimitExemptPrefixes, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c App) RateLimitRefillPeriod() time.Duration {
	return time.Duration(c.RateLimitRefillMinutes) * time.Minute
}

func (c App) RateLimitExpiration() time.Duration {
	return time.Duration(c.RateLimitExpirationMinutes) * time.Minute
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error
	env := func(flagName string) string { return EnvKey(EnvPrefix, flagName) }

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid %s %d (must be 1..65535)", env("http-port"), c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid %s %d (must be 1..65535)", env("admin-port"), c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("%s and %s must differ (both %d)", env("admin-port"), env("http-port"), c.HTTPPort))
	}
	if c.TrustedHops < 0 || c.TrustedHops > 8 {
		errs = append(errs, fmt.Errorf("invalid %s %d (must be 0..8)", env("trusted-proxy-hops"), c.TrustedHops))
	}
	if c.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("invalid %s %d (must be >= 0)", env("http-max-body-bytes"), c.MaxBodyBytes))
	}
	if c.DrainDelay < 0 {
		errs = append(errs, fmt.Errorf("invalid %s %s (must be >= 0)", env("drain-delay"), c.DrainDelay))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid %s %q: %w", env("log-level"), c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", env("stacktrace-level"), c.StacktraceLevel, err))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid %s %.3f (must be 0..1)", env("trace-sample"), c.TraceSample))
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("%s required when %s=true", env("pyro-server"), env("enable-pyroscope")))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be a URL (got %q)", env("pyro-server"), c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("%s required when %s=true", env("pyro-tenant"), env("enable-pyroscope")))
		}
	}

	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("%s required when %s=true", env("otlp-endpoint"), env("enable-tracing")))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("%s must be host:port (got %q): %v", env("otlp-endpoint"), c.OTLPEndpoint, err))
		}
	}

	// a non-positive limit would either reject everything or evict every tick
	if c.RateLimitCapacity <= 0 {
		errs = append(errs, fmt.Errorf("invalid %s %d (must be > 0)", env("ratelimit-capacity"), c.RateLimitCapacity))
	}
	if c.RateLimitRefillMinutes <= 0 {
		errs = append(errs, fmt.Errorf("invalid %s %d (must be > 0)", env("ratelimit-refill-period-minutes"), c.RateLimitRefillMinutes))
	}
	if c.RateLimitExpirationMinutes <= 0 {
		errs = append(errs, fmt.Errorf("invalid %s %d (must be > 0)", env("ratelimit-expiration-minutes"), c.RateLimitExpirationMinutes))
	}
	if c.RateLimitShards < 1 || c.RateLimitShards > 4096 {
		errs = append(errs, fmt.Errorf("invalid %s %d (must be 1..4096)", env("ratelimit-shards"), c.RateLimitShards))
	}
	for _, p := range c.ExemptPrefixes() {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("%s entry %q must start with /", env("ratelimit-exempt-prefixes"), p))
		}
	}

	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("%s must be at least 32 bytes (got %d)", env("jwt-secret"), len(c.JWTSecret)))
	}

	return errors.Join(errs...)
}
