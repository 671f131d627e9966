package cfg

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet, parses the given args,
// and returns the resulting App. This isolates each test from flag.CommandLine.
func newTestConfig(t *testing.T, args []string) App {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c
}

func TestRegister_Defaults(t *testing.T) {
	c := newTestConfig(t, nil)

	if !c.LogJSON {
		t.Error("LogJSON: want true")
	}
	if c.LogLevel != "info" {
		t.Errorf("LogLevel: want %q, got %q", "info", c.LogLevel)
	}
	if c.HTTPPort != 8080 {
		t.Errorf("HTTPPort: want 8080, got %d", c.HTTPPort)
	}
	if c.AdminPort != 9000 {
		t.Errorf("AdminPort: want 9000, got %d", c.AdminPort)
	}
	if c.TrustedHops != 0 {
		t.Errorf("TrustedHops: want 0, got %d", c.TrustedHops)
	}
	if !c.EnablePprof {
		t.Error("EnablePprof: want true")
	}
	if c.EnablePyroscope || c.EnableTracing {
		t.Error("pyroscope and tracing should default off")
	}
	if c.RateLimitCapacity != 10 {
		t.Errorf("RateLimitCapacity: want 10, got %d", c.RateLimitCapacity)
	}
	if c.RateLimitRefillPeriod() != time.Minute {
		t.Errorf("RateLimitRefillPeriod: want 1m, got %s", c.RateLimitRefillPeriod())
	}
	if c.RateLimitExpiration() != 2*time.Minute {
		t.Errorf("RateLimitExpiration: want 2m, got %s", c.RateLimitExpiration())
	}
	if c.JWTSecret != "" {
		t.Error("JWTSecret: want empty")
	}
	if err := Validate(c); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestRegister_CLIOverrides(t *testing.T) {
	c := newTestConfig(t, []string{
		"-http-port=8181",
		"-admin-port=9191",
		"-trusted-proxy-hops=2",
		"-ratelimit-capacity=50",
		"-ratelimit-refill-period-minutes=5",
		"-ratelimit-expiration-minutes=10",
		"-ratelimit-exempt-prefixes=/-/, /metrics ,",
		"-drain-delay=3s",
	})

	if c.HTTPPort != 8181 || c.AdminPort != 9191 || c.TrustedHops != 2 {
		t.Errorf("ports/hops = %d/%d/%d", c.HTTPPort, c.AdminPort, c.TrustedHops)
	}
	if c.RateLimitCapacity != 50 || c.RateLimitRefillPeriod() != 5*time.Minute || c.RateLimitExpiration() != 10*time.Minute {
		t.Errorf("ratelimit = %d %s %s", c.RateLimitCapacity, c.RateLimitRefillPeriod(), c.RateLimitExpiration())
	}
	if got, want := c.ExemptPrefixes(), []string{"/-/", "/metrics"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ExemptPrefixes = %q, want %q", got, want)
	}
	if c.DrainDelay != 3*time.Second {
		t.Errorf("DrainDelay = %s", c.DrainDelay)
	}
}

func TestExemptPrefixes_Default(t *testing.T) {
	c := newTestConfig(t, nil)
	got := c.ExemptPrefixes()
	if len(got) == 0 || got[0] != "/swagger-ui" {
		t.Fatalf("default prefixes = %q", got)
	}
}

func TestExemptPrefixes_EmptyDisables(t *testing.T) {
	c := newTestConfig(t, []string{"-ratelimit-exempt-prefixes="})
	if got := c.ExemptPrefixes(); len(got) != 0 {
		t.Fatalf("ExemptPrefixes = %q, want none", got)
	}
}

func TestFillFromEnv(t *testing.T) {
	pfx := "TESTCFG_"
	t.Setenv(pfx+"LOG_JSON", "false")
	t.Setenv(pfx+"LOG_LEVEL", "debug")
	t.Setenv(pfx+"HTTP_PORT", "8088")
	t.Setenv(pfx+"ADMIN_PORT", "9100")
	t.Setenv(pfx+"ENABLE_PPROF", "false")
	t.Setenv(pfx+"TRACE_SAMPLE", "0.25")
	t.Setenv(pfx+"RATELIMIT_CAPACITY", "3")
	t.Setenv(pfx+"RATELIMIT_EXPIRATION_MINUTES", "7")
	t.Setenv(pfx+"TRUSTED_PROXY_HOPS", "1")
	t.Setenv(pfx+"JWT_SECRET", "0123456789abcdef0123456789abcdef")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	FillFromEnv(fs, pfx, nil)

	if c.LogJSON {
		t.Error("LogJSON: want false from env")
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel: want %q, got %q", "debug", c.LogLevel)
	}
	if c.HTTPPort != 8088 || c.AdminPort != 9100 {
		t.Errorf("ports = %d/%d", c.HTTPPort, c.AdminPort)
	}
	if c.EnablePprof {
		t.Error("EnablePprof: want false from env")
	}
	if c.TraceSample != 0.25 {
		t.Errorf("TraceSample: want 0.25, got %f", c.TraceSample)
	}
	if c.RateLimitCapacity != 3 || c.RateLimitExpirationMinutes != 7 || c.TrustedHops != 1 {
		t.Errorf("ratelimit = %d %d hops %d", c.RateLimitCapacity, c.RateLimitExpirationMinutes, c.TrustedHops)
	}
	if c.JWTSecret != "0123456789abcdef0123456789abcdef" {
		t.Error("JWTSecret not read from env")
	}
}

func TestFillFromEnv_CLITakesPrecedence(t *testing.T) {
	pfx := "TESTCFG2_"
	t.Setenv(pfx+"HTTP_PORT", "7777")
	t.Setenv(pfx+"RATELIMIT_CAPACITY", "1")
	t.Setenv(pfx+"JWT_SECRET", "from-env-secret-value-0123456789ab")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse([]string{"-http-port=9090", "-ratelimit-capacity=20", "-jwt-secret=from-cli-secret-value-0123456789ab"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var overrideMessages []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		overrideMessages = append(overrideMessages, fmt.Sprintf(format, args...))
	})

	if c.HTTPPort != 9090 || c.RateLimitCapacity != 20 {
		t.Errorf("cli should win: port %d capacity %d", c.HTTPPort, c.RateLimitCapacity)
	}
	if c.JWTSecret != "from-cli-secret-value-0123456789ab" {
		t.Error("JWTSecret: cli should win")
	}

	// the secret override is applied silently
	if len(overrideMessages) != 2 {
		t.Fatalf("expected 2 override messages, got %d: %v", len(overrideMessages), overrideMessages)
	}
	for _, msg := range overrideMessages {
		if !strings.Contains(msg, "overrides env") {
			t.Errorf("unexpected override message format: %s", msg)
		}
		if strings.Contains(msg, "secret-value") {
			t.Errorf("secret leaked into log: %s", msg)
		}
	}
}

func TestFillFromEnv_InvalidEnvIgnored(t *testing.T) {
	pfx := "TESTCFG3_"
	t.Setenv(pfx+"RATELIMIT_CAPACITY", "ten")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var logMessages []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		logMessages = append(logMessages, fmt.Sprintf(format, args...))
	})

	if c.RateLimitCapacity != 10 {
		t.Errorf("RateLimitCapacity: want 10 (default), got %d", c.RateLimitCapacity)
	}
	if len(logMessages) != 1 || !strings.Contains(logMessages[0], "ignoring invalid env") {
		t.Fatalf("log messages = %v", logMessages)
	}
}

func TestEnvKey(t *testing.T) {
	if got := EnvKey(EnvPrefix, "ratelimit-refill-period-minutes"); got != "CATALOG_RATELIMIT_REFILL_PERIOD_MINUTES" {
		t.Fatalf("EnvKey = %q", got)
	}
}

func TestEnvFileFromArgs(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{nil, ""},
		{[]string{"-http-port=1"}, ""},
		{[]string{"-env-file=/etc/catalog.env"}, "/etc/catalog.env"},
		{[]string{"--env-file", "local.env", "-log-level=debug"}, "local.env"},
		{[]string{"-log-level", "debug", "-env-file"}, ""},
		{[]string{"env-file=x"}, ""},
	}
	for _, tt := range tests {
		if got := EnvFileFromArgs(tt.args); got != tt.want {
			t.Errorf("EnvFileFromArgs(%q) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestLoadEnvFile_RealEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	content := "TESTCFG4_RATELIMIT_CAPACITY=4\nTESTCFG4_HTTP_PORT=8123\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TESTCFG4_HTTP_PORT", "8999")
	t.Cleanup(func() { _ = os.Unsetenv("TESTCFG4_RATELIMIT_CAPACITY") })

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}
	FillFromEnv(fs, "TESTCFG4_", nil)

	if c.RateLimitCapacity != 4 {
		t.Errorf("RateLimitCapacity: want 4 from file, got %d", c.RateLimitCapacity)
	}
	if c.HTTPPort != 8999 {
		t.Errorf("HTTPPort: want 8999 from env, got %d", c.HTTPPort)
	}
}

func TestLoadEnvFile(t *testing.T) {
	if err := LoadEnvFile(""); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
	err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env"))
	wantErrContains(t, err, "load env file")
}

func TestValidate_OK(t *testing.T) {
	c := newTestConfig(t, []string{
		"-enable-pyroscope=true",
		"-pyro-server=https://pyro:4040",
		"-pyro-tenant=test-tenant",
		"-enable-tracing=true",
		"-otlp-endpoint=otel:4317",
		"-trace-sample=0.2",
		"-jwt-secret=0123456789abcdef0123456789abcdef",
	})
	if err := Validate(c); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_InvalidCombined(t *testing.T) {
	c := newTestConfig(t, []string{
		"-http-port=0",
		"-admin-port=70000",
		"-log-level=nope",
		"-stacktrace-level=alsonope",
		"-trace-sample=2.0",
		"-enable-pyroscope=true",
		"-pyro-server=not-a-url",
		"-enable-tracing=true",
		"-otlp-endpoint=otel",
		"-trusted-proxy-hops=-1",
		"-ratelimit-capacity=0",
		"-ratelimit-refill-period-minutes=-1",
		"-ratelimit-expiration-minutes=0",
		"-ratelimit-exempt-prefixes=/ok,bad",
		"-ratelimit-shards=0",
		"-jwt-secret=short",
	})

	err := Validate(c)
	if err == nil {
		t.Fatal("Validate() expected errors, got <nil>")
	}

	wantErrContains(t, err, "invalid CATALOG_HTTP_PORT")
	wantErrContains(t, err, "invalid CATALOG_ADMIN_PORT")
	wantErrContains(t, err, "invalid CATALOG_LOG_LEVEL")
	wantErrContains(t, err, "invalid CATALOG_STACKTRACE_LEVEL")
	wantErrContains(t, err, "invalid CATALOG_TRACE_SAMPLE")
	wantErrContains(t, err, "CATALOG_PYRO_SERVER must be a URL")
	wantErrContains(t, err, "CATALOG_PYRO_TENANT required")
	wantErrContains(t, err, "CATALOG_OTLP_ENDPOINT must be host:port")
	wantErrContains(t, err, "invalid CATALOG_TRUSTED_PROXY_HOPS")
	wantErrContains(t, err, "invalid CATALOG_RATELIMIT_CAPACITY")
	wantErrContains(t, err, "invalid CATALOG_RATELIMIT_REFILL_PERIOD_MINUTES")
	wantErrContains(t, err, "invalid CATALOG_RATELIMIT_EXPIRATION_MINUTES")
	wantErrContains(t, err, `CATALOG_RATELIMIT_EXEMPT_PREFIXES entry "bad" must start with /`)
	wantErrContains(t, err, "invalid CATALOG_RATELIMIT_SHARDS")
	wantErrContains(t, err, "CATALOG_JWT_SECRET must be at least 32 bytes")
}

func TestValidate_SamePorts(t *testing.T) {
	c := newTestConfig(t, []string{"-http-port=9000", "-admin-port=9000"})
	wantErrContains(t, Validate(c), "CATALOG_ADMIN_PORT and CATALOG_HTTP_PORT must differ")
}

func TestValidate_ErrorsNameEnvKeys(t *testing.T) {
	// the key in each message must be the variable an operator sets to fix it
	tests := []struct {
		flag  string
		value string
	}{
		{"http-port", "0"},
		{"admin-port", "70000"},
		{"trusted-proxy-hops", "9"},
		{"http-max-body-bytes", "-1"},
		{"drain-delay", "-1s"},
		{"log-level", "loud"},
		{"trace-sample", "1.5"},
		{"ratelimit-capacity", "0"},
		{"ratelimit-shards", "5000"},
		{"jwt-secret", "short"},
	}
	for _, tt := range tests {
		t.Run(tt.flag, func(t *testing.T) {
			key := EnvKey(EnvPrefix, tt.flag)
			t.Setenv(key, tt.value)

			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			var c App
			Register(fs, &c)
			if err := fs.Parse(nil); err != nil {
				t.Fatalf("flag parse: %v", err)
			}
			FillFromEnv(fs, EnvPrefix, nil)

			err := Validate(c)
			wantErrContains(t, err, key)
			if strings.Count(err.Error(), key) != strings.Count(err.Error(), strings.TrimPrefix(key, EnvPrefix)) {
				t.Fatalf("error names %s without its prefix: %q", strings.TrimPrefix(key, EnvPrefix), err.Error())
			}
		})
	}
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
