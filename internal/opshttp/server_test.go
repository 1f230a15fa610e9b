package opshttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/health"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/log"
)

func serve(t *testing.T, opts Options, method, path, remote string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	Router(log.Nop(), opts).ServeHTTP(rec, req)
	return rec
}

func failing(msg string) health.Probe {
	return health.CheckFunc(func(context.Context) error { return errors.New(msg) })
}

func TestRouter_Probes(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		path     string
		wantCode int
		wantBody string
	}{
		{"healthy", Options{}, "/-/healthy", http.StatusOK, "ok"},
		{"unhealthy", Options{Health: failing("state unavailable")}, "/-/healthy", http.StatusServiceUnavailable, "state unavailable"},
		{"ready", Options{}, "/-/ready", http.StatusOK, "ready"},
		{"draining", Options{Readiness: failing("SIGTERM")}, "/-/ready", http.StatusServiceUnavailable, "SIGTERM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, tt.opts, http.MethodGet, tt.path, "")
			if rec.Code != tt.wantCode || !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("got %d %q", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRouter_Status(t *testing.T) {
	tr := health.NewTracker()
	tr.Start("import", "DoV", "run-7")
	tr.SetPhase("sync")

	rec := serve(t, Options{Status: tr}, http.MethodGet, "/-/status", "")
	var st health.Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Command != "import" || st.Phase != "sync" || st.RunID != "run-7" {
		t.Fatalf("status = %+v", st)
	}

	rec = serve(t, Options{}, http.MethodGet, "/-/status", "")
	if !strings.Contains(rec.Body.String(), `"phase":"idle"`) {
		t.Fatalf("status without tracker = %s", rec.Body.String())
	}
}

func TestRouter_Metrics(t *testing.T) {
	m := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "satsync_up 1\n") })
	if rec := serve(t, Options{Metrics: m}, http.MethodGet, "/metrics", ""); rec.Body.String() != "satsync_up 1\n" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if rec := serve(t, Options{}, http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestRouter_Pprof(t *testing.T) {
	tests := []struct {
		name     string
		enable   bool
		remote   string
		wantCode int
	}{
		{"disabled", false, "127.0.0.1:5000", http.StatusNotFound},
		{"loopback", true, "127.0.0.1:5000", http.StatusOK},
		{"private", true, "10.1.2.3:5000", http.StatusOK},
		{"ipv6 loopback", true, "[::1]:5000", http.StatusOK},
		{"mapped private", true, "[::ffff:192.168.1.4]:5000", http.StatusOK},
		{"public", true, "203.0.113.9:5000", http.StatusForbidden},
		{"mapped public", true, "[::ffff:203.0.113.9]:5000", http.StatusForbidden},
		{"bad remote", true, "nonsense", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, Options{EnablePprof: tt.enable}, http.MethodGet, "/debug/pprof/", tt.remote)
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

func TestRouter_RecoversPanics(t *testing.T) {
	panics := 0
	opts := Options{
		Health:  health.CheckFunc(func(context.Context) error { panic("boom") }),
		OnPanic: func() { panics++ },
	}
	rec := serve(t, opts, http.MethodGet, "/-/healthy", "")
	if rec.Code != http.StatusInternalServerError || panics != 1 {
		t.Fatalf("code = %d, panics = %d", rec.Code, panics)
	}
}

func TestRouter_Middleware(t *testing.T) {
	called := 0
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called++
			next.ServeHTTP(w, r)
		})
	}
	serve(t, Options{Middleware: mw}, http.MethodGet, "/-/healthy", "")
	if called != 1 {
		t.Fatalf("middleware called %d times", called)
	}
}

func TestStart_ServesAndStops(t *testing.T) {
	ctx := context.Background()
	stop, err := Start(ctx, log.Nop(), Options{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestStart_PortConflict(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	if _, err := Start(context.Background(), log.Nop(), Options{Addr: ln.Addr().String()}); err == nil {
		t.Fatal("expected listen error")
	}
}

func TestRouter_AccessLog(t *testing.T) {
	var buf bytes.Buffer
	L, err := log.New(log.Options{App: "test", Level: slog.LevelDebug, JsonFormat: true, Writer: &buf})
	if err != nil {
		t.Fatalf("log.New: %v", err)
	}
	h := Router(L, Options{Health: health.CheckFunc(func(context.Context) error { return nil })})

	for _, path := range []string{"/-/healthy", "/-/status"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	out := buf.String()
	if strings.Count(out, "ops http request") != 1 {
		t.Fatalf("want exactly one access line, got:\n%s", out)
	}
	if !strings.Contains(out, `"http.route":"/-/status"`) {
		t.Fatalf("access line missing route:\n%s", out)
	}
	if strings.Contains(out, "/-/healthy") {
		t.Fatalf("probe request should not be logged:\n%s", out)
	}
}
