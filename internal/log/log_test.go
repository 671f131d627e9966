package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/catalog-api/internal/xerrors"
)

func newBufLogger(t *testing.T, buf *bytes.Buffer, lvl slog.Level) Logger {
	t.Helper()
	l, err := New(Options{App: "catalog-api", Version: "1.2.3", Level: lvl, JsonFormat: true, Writer: buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

// lastRecord decodes the last JSON line written to buf.
func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &m); err != nil {
		t.Fatalf("decode %q: %v", lines[len(lines)-1], err)
	}
	return m
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{" Warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("ParseLevel(verbose) should fail")
	}
}

func TestLogger_BaseAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := newBufLogger(t, &buf, slog.LevelInfo)

	l.Info(context.Background(), "server listening", "addr", ":8080")

	m := lastRecord(t, &buf)
	if m["msg"] != "server listening" || m["app"] != "catalog-api" || m["version"] != "1.2.3" || m["addr"] != ":8080" {
		t.Fatalf("unexpected record: %v", m)
	}
	src, _ := m["source"].(map[string]any)
	if file, _ := src["file"].(string); !strings.HasSuffix(file, "log_test.go") {
		t.Fatalf("source should point at the caller, got %v", m["source"])
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := newBufLogger(t, &buf, slog.LevelWarn)

	l.Debug(context.Background(), "rate limit still exceeded")
	l.Info(context.Background(), "ignored")
	if buf.Len() != 0 {
		t.Fatalf("records below warn were written: %s", buf.String())
	}
	l.Warn(context.Background(), "rate limit triggered", "key", "10.0.0.1")
	if m := lastRecord(t, &buf); m["key"] != "10.0.0.1" {
		t.Fatalf("warn record = %v", m)
	}
}

func TestLogger_WithDoesNotLeakBetweenChildren(t *testing.T) {
	var buf bytes.Buffer
	parent := newBufLogger(t, &buf, slog.LevelInfo).With("component", "ratelimit")
	a := parent.With("key", "a")
	b := parent.With("key", "b")

	a.Info(context.Background(), "one")
	if m := lastRecord(t, &buf); m["key"] != "a" || m["component"] != "ratelimit" {
		t.Fatalf("child a record = %v", m)
	}
	b.Info(context.Background(), "two")
	if m := lastRecord(t, &buf); m["key"] != "b" {
		t.Fatalf("child b record = %v", m)
	}
}

func TestLogger_OddKVIgnored(t *testing.T) {
	var buf bytes.Buffer
	l := newBufLogger(t, &buf, slog.LevelInfo)
	l.Info(context.Background(), "odd", "a", 1, "dangling", 42, "b")

	m := lastRecord(t, &buf)
	if _, ok := m["b"]; ok {
		t.Fatal("dangling key should be dropped")
	}
}

func TestLogger_ErrorAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := newBufLogger(t, &buf, slog.LevelInfo)

	root := errors.New("connection refused")
	err := xerrors.Wrap(fmt.Errorf("dial collector: %w", root), "start tracing")
	l.Error(context.Background(), err, "otel init failed")

	m := lastRecord(t, &buf)
	if m["err"] != "start tracing: dial collector: connection refused" {
		t.Fatalf("err = %v", m["err"])
	}
	if m["error_type"] != "*errors.errorString" || m["cause_type"] != "*errors.errorString" {
		t.Fatalf("error_type/cause_type = %v/%v", m["error_type"], m["cause_type"])
	}
	chain, _ := m["error_chain"].([]any)
	if len(chain) != 3 {
		t.Fatalf("error_chain = %v, want 3 links", m["error_chain"])
	}
	if s, _ := m["stack"].(string); s == "" {
		t.Fatal("error records should carry a stack")
	}
}

func TestLogger_StackPrefersErrorStack(t *testing.T) {
	var buf bytes.Buffer
	l := newBufLogger(t, &buf, slog.LevelInfo)

	// frames in this package are trimmed from rendered stacks, so the error
	// is raised under strings.Map to leave a frame that survives trimming
	var err error
	strings.Map(func(r rune) rune {
		err = xerrors.New("stacked")
		return r
	}, "x")
	l.Error(context.Background(), err, "sweep failed")

	m := lastRecord(t, &buf)
	s, _ := m["stack"].(string)
	if !strings.HasPrefix(s, "strings.Map") {
		t.Fatalf("stack should start where the error was raised, got %q", s)
	}
	if strings.HasPrefix(s, "testing.tRunner") {
		t.Fatalf("stack is the logging call site, not the error's: %q", s)
	}
}

func TestLogger_TraceIDs(t *testing.T) {
	var buf bytes.Buffer
	l := newBufLogger(t, &buf, slog.LevelInfo)

	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.Info(ctx, "traced")
	m := lastRecord(t, &buf)
	if m["trace_id"] != tid.String() || m["span_id"] != sid.String() {
		t.Fatalf("trace ids = %v/%v", m["trace_id"], m["span_id"])
	}

	l.Info(context.Background(), "untraced")
	if _, ok := lastRecord(t, &buf)["trace_id"]; ok {
		t.Fatal("no trace_id expected without a span")
	}
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Debug(context.Background(), "x")
	l.Info(context.Background(), "x")
	l.Warn(context.Background(), "x")
	l.Error(context.Background(), errors.New("x"), "x")
	if l.With("k", "v") == nil {
		t.Fatal("With should return a logger")
	}
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

func TestContextCarrier(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext should fall back to Nop")
	}

	var buf bytes.Buffer
	l := newBufLogger(t, &buf, slog.LevelInfo)
	ctx := WithContext(context.Background(), l)
	FromContext(ctx).Info(ctx, "from ctx")
	if lastRecord(t, &buf)["msg"] != "from ctx" {
		t.Fatal("FromContext should return the stored logger")
	}

	var nilLogger Logger
	if FromContext(WithContext(context.Background(), nilLogger)) == nil {
		t.Fatal("a stored nil logger should fall back to Nop")
	}
}

func TestNewStdLogger(t *testing.T) {
	var buf bytes.Buffer
	std := NewStdLogger(newBufLogger(t, &buf, slog.LevelDebug), "http server error")
	std.Printf("TLS handshake error from %s: EOF", "10.0.0.1:5555")

	rec := lastRecord(t, &buf)
	if rec["msg"] != "http server error" || rec["level"] != "WARN" {
		t.Fatalf("record = %v", rec)
	}
	if rec["detail"] != "TLS handshake error from 10.0.0.1:5555: EOF" {
		t.Fatalf("detail = %q", rec["detail"])
	}
}
