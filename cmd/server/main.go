package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/catalog-api/internal/apihttp"
	"github.com/keithlinneman/catalog-api/internal/auth"
	"github.com/keithlinneman/catalog-api/internal/cfg"
	"github.com/keithlinneman/catalog-api/internal/health"
	"github.com/keithlinneman/catalog-api/internal/httpmw"
	"github.com/keithlinneman/catalog-api/internal/httpserver"
	"github.com/keithlinneman/catalog-api/internal/log"
	"github.com/keithlinneman/catalog-api/internal/metrics"
	"github.com/keithlinneman/catalog-api/internal/opshttp"
	"github.com/keithlinneman/catalog-api/internal/otelx"
	"github.com/keithlinneman/catalog-api/internal/prof"
	"github.com/keithlinneman/catalog-api/internal/ratelimit"
	v "github.com/keithlinneman/catalog-api/internal/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// the env file has to land in the environment before FillFromEnv runs
	if err := cfg.LoadEnvFile(cfg.EnvFileFromArgs(os.Args[1:])); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	var conf cfg.App
	var showVersion bool
	var envFile string

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.StringVar(&envFile, "env-file", "", "KEY=VALUE file loaded into the environment before flags are resolved")
	flag.Parse()

	vi := v.Get()
	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	if err := run(conf, vi); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(conf cfg.App, vi v.Info) error {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", conf.LogLevel, err)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		return fmt.Errorf("invalid stacktrace level %s: %w", conf.StacktraceLevel, err)
	}
	lg, err := log.New(log.Options{
		App:             vi.AppName,
		Version:         vi.Version,
		Commit:          vi.Commit,
		Level:           lvl,
		StacktraceLevel: stackLvl,
		JsonFormat:      conf.LogJSON,
	})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer lg.Sync()

	L := lg.With("component", "server")
	ctx := log.WithContext(context.Background(), L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.Dirty(),
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"trusted_proxy_hops", conf.TrustedHops,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"ratelimit_capacity", conf.RateLimitCapacity,
		"ratelimit_refill_period", conf.RateLimitRefillPeriod(),
		"ratelimit_expiration", conf.RateLimitExpiration(),
		"ratelimit_exempt_prefixes", conf.ExemptPrefixes(),
		"ratelimit_shards", conf.RateLimitShards,
		"jwt_auth", conf.JWTSecret != "",
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(vi.AppName, "server", vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       vi.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags:          prof.Tags("server", vi),
		OnActive:      m.SetProfilingActive,
	})
	if err != nil {
		// profiling is optional, keep serving without it
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Insecure: the collector runs on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   vi.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}

	// the limiter's evictor outlives request contexts, it is stopped explicitly below
	limiter, err := ratelimit.New(ctx,
		ratelimit.WithCapacity(conf.RateLimitCapacity),
		ratelimit.WithRefillPeriod(conf.RateLimitRefillPeriod()),
		ratelimit.WithExpiration(conf.RateLimitExpiration()),
		ratelimit.WithExemptPrefixes(conf.ExemptPrefixes()...),
		ratelimit.WithShards(conf.RateLimitShards),
		ratelimit.WithLogger(L.With("component", "ratelimit")),
		ratelimit.WithOnAdmitted(m.IncRateLimitAdmitted),
		ratelimit.WithOnDenied(m.IncRateLimitDenied),
		ratelimit.WithOnFirstDenied(m.IncRateLimitFirstDenied),
		ratelimit.WithOnSweep(m.ObserveRateLimitSweep),
		ratelimit.WithOnSweepFailure(m.IncRateLimitSweepFailure),
	)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	m.RegisterRateLimitBuckets(limiter.Buckets)

	// stays a nil interface when no secret is configured, so every caller is anonymous
	var verifier auth.Verifier
	if conf.JWTSecret != "" {
		hv, err := auth.NewHMACVerifier([]byte(conf.JWTSecret))
		if err != nil {
			limiter.Stop()
			return fmt.Errorf("jwt verifier: %w", err)
		}
		verifier = hv
	}

	var gate health.ShutdownGate
	liveness := health.Named("ratelimit", limiter)
	readiness := health.All(gate.Probe(), liveness)

	apiStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		Health:       liveness,
		Readiness:    readiness,
		AuthMW:       auth.Middleware(verifier, conf.ExemptPrefixes()...),
		RateLimitMW:  limiter.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		APIRoutes:    apihttp.New(limiter).RegisterRoutes,
		MaxBodyBytes: conf.MaxBodyBytes,
	})
	if err != nil {
		limiter.Stop()
		return fmt.Errorf("start api listener: %w", err)
	}

	// admin listener: metrics, probes and pprof, private networks only
	opsStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       liveness,
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = apiStop(sctx)
		limiter.Stop()
		return fmt.Errorf("start ops listener: %w", err)
	}

	if err := notifySystemd(); err != nil {
		// systemd kills us after its start timeout if this matters
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	waitForShutdown(ctx, L, &gate, conf.DrainDelay)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := apiStop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("api http server shutdown: %w", err))
	}
	if err := opsStop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("ops http server shutdown: %w", err))
	}
	limiter.Stop()
	if err := shutdownOTEL(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("otel shutdown: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		L.Error(ctx, err, "shutdown finished with errors")
		return err
	}
	L.Info(ctx, "shutdown complete")
	return nil
}

// waitForShutdown blocks until SIGINT/SIGTERM, fails readiness, then waits out
// the drain delay so load balancers stop routing here. A second signal skips
// the wait.
func waitForShutdown(ctx context.Context, L log.Logger, gate *health.ShutdownGate, drain time.Duration) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	L.Info(ctx, "shutdown signal received", "signal", sig.String())

	gate.Set("draining")
	if drain <= 0 {
		return
	}

	L.Info(ctx, "draining before closing listeners", "drain_delay", drain)
	t := time.NewTimer(drain)
	defer t.Stop()
	select {
	case <-t.C:
		L.Info(ctx, "drain period complete")
	case <-sigCh:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}
