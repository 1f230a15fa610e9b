package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

func newTestLogger(t *testing.T, buf *bytes.Buffer, opts Options) *slogLogger {
	t.Helper()
	opts.Writer = buf
	l, err := newSlog(opts)
	if err != nil {
		t.Fatalf("newSlog: %v", err)
	}
	return l.(*slogLogger)
}

// jsonRecord decodes the last line written to buf.
func jsonRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &m); err != nil {
		t.Fatalf("decode %q: %v", lines[len(lines)-1], err)
	}
	return m
}

func TestNewSlog_Defaults(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "satsync"})
	if l.errs.maxLinks != 8 {
		t.Fatalf("maxLinks = %d, want 8", l.errs.maxLinks)
	}
	sh, ok := l.h.(stackHandler)
	if !ok || sh.level != slog.LevelError {
		t.Fatalf("handler = %#v, want stackHandler at error level", l.h)
	}

	l.Info(context.Background(), "text line", "channel", "DoV")
	out := buf.String()
	if !strings.Contains(out, "msg=\"text line\"") || !strings.Contains(out, "channel=DoV") {
		t.Fatalf("text output = %q", out)
	}
}

func TestSlogLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "satsync", Level: slog.LevelWarn, JsonFormat: true})
	ctx := context.Background()

	l.Debug(ctx, "dropped debug")
	l.Info(ctx, "dropped info")
	l.Warn(ctx, "kept warn", "n", 1)
	l.Error(ctx, nil, "kept error")

	out := buf.String()
	for _, s := range []string{"dropped debug", "dropped info"} {
		if strings.Contains(out, s) {
			t.Errorf("%q should be filtered at warn level", s)
		}
	}
	for _, s := range []string{"kept warn", "kept error"} {
		if !strings.Contains(out, s) {
			t.Errorf("missing %q", s)
		}
	}
}

func TestSlogLogger_SourceIsCaller(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "satsync", JsonFormat: true})
	l.Info(context.Background(), "where")

	src, _ := jsonRecord(t, &buf)["source"].(map[string]any)
	if file, _ := src["file"].(string); !strings.HasSuffix(file, "slog_test.go") {
		t.Fatalf("source file = %v, want the calling test file", src["file"])
	}
}

func TestSlogLogger_With(t *testing.T) {
	var buf bytes.Buffer
	base := newTestLogger(t, &buf, Options{App: "satsync", JsonFormat: true, IncludeErrorLinks: true})
	export := base.With("component", "export", 42, "bad key", "dangling")
	imp := base.With("component", "import")

	export.Info(context.Background(), "a")
	m := jsonRecord(t, &buf)
	if m["component"] != "export" || m["app"] != "satsync" {
		t.Fatalf("record = %v", m)
	}
	if _, ok := m["dangling"]; ok {
		t.Fatal("trailing key without value should be dropped")
	}

	imp.Info(context.Background(), "b")
	if got := jsonRecord(t, &buf)["component"]; got != "import" {
		t.Fatalf("sibling logger saw component=%v", got)
	}

	if !export.(*slogLogger).errs.links {
		t.Fatal("With should keep error link settings")
	}
}

func TestSlogLogger_ErrorFields(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "satsync", JsonFormat: true, IncludeErrorLinks: true})

	root := xerrors.New("connection refused")
	err := xerrors.Wrap(root, "poll task")
	l.Error(context.Background(), err, "monitor failed", "task", "t-1")

	m := jsonRecord(t, &buf)
	if m["task"] != "t-1" {
		t.Fatalf("caller kv lost: %v", m)
	}
	chain, _ := m["error_chain"].([]any)
	if len(chain) != 2 || chain[0] != "poll task: connection refused" || chain[1] != "connection refused" {
		t.Fatalf("error_chain = %v", m["error_chain"])
	}
	if _, ok := m["error_links"]; !ok {
		t.Fatal("error_links missing")
	}
	if s, _ := m["stack"].(string); !strings.Contains(s, "TestSlogLogger_ErrorFields") {
		t.Fatalf("stack missing the call site: %q", s)
	}
	for _, k := range []string{"error_type", "cause_type"} {
		if m[k] == nil || m[k] == "" {
			t.Errorf("%s missing", k)
		}
	}
}

func refusedError() error { return xerrors.New("connection refused") }

func TestSlogLogger_StackPrefersErrorCapture(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "satsync", JsonFormat: true})
	l.Error(context.Background(), refusedError(), "connect")

	if s, _ := jsonRecord(t, &buf)["stack"].(string); !strings.Contains(s, "refusedError") {
		t.Fatalf("stack should be the one captured by xerrors.New: %q", s)
	}
}

func TestSlogLogger_NilErrorHasNoErrorFields(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "satsync", JsonFormat: true})
	l.Error(context.Background(), nil, "no error")

	m := jsonRecord(t, &buf)
	for _, k := range []string{"err", "error_type", "error_chain"} {
		if _, ok := m[k]; ok {
			t.Errorf("%s should be absent for a nil error", k)
		}
	}
}

func TestSlogLogger_StackThreshold(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "satsync", JsonFormat: true, StacktraceLevel: slog.LevelWarn})
	ctx := context.Background()

	l.Info(ctx, "below")
	if _, ok := jsonRecord(t, &buf)["stack"]; ok {
		t.Fatal("info record should not carry a stack")
	}
	l.Warn(ctx, "at")
	s, _ := jsonRecord(t, &buf)["stack"].(string)
	if !strings.Contains(s, "TestSlogLogger_StackThreshold") {
		t.Fatalf("stack = %q, want the calling test", s)
	}
	if strings.Contains(s, "/internal/log.(*slogLogger)") {
		t.Fatalf("stack should start outside the logger: %q", s)
	}
}

func TestTraceHandler(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "satsync", JsonFormat: true})

	l.Info(context.Background(), "untraced")
	if _, ok := jsonRecord(t, &buf)["trace_id"]; ok {
		t.Fatal("trace_id without a span")
	}

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02},
		SpanID:     trace.SpanID{0x03},
		TraceFlags: trace.FlagsSampled,
	})
	l.Info(trace.ContextWithSpanContext(context.Background(), sc), "traced")
	m := jsonRecord(t, &buf)
	if m["trace_id"] != sc.TraceID().String() || m["span_id"] != sc.SpanID().String() {
		t.Fatalf("trace fields = %v / %v", m["trace_id"], m["span_id"])
	}
}
