package metrics

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/version"
)

// gather returns the family with name, or nil.
func gather(t *testing.T, m *SyncMetrics, name string) *dto.MetricFamily {
	t.Helper()
	fams, err := m.reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range fams {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func counterValue(t *testing.T, m *SyncMetrics, name string, labels map[string]string) float64 {
	t.Helper()
	f := gather(t, m, name)
	if f == nil {
		t.Fatalf("metric %s not found", name)
	}
	for _, mm := range f.GetMetric() {
		if labelsMatch(mm, labels) {
			return mm.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func gaugeValue(t *testing.T, m *SyncMetrics, name string, labels map[string]string) float64 {
	t.Helper()
	f := gather(t, m, name)
	if f == nil {
		t.Fatalf("metric %s not found", name)
	}
	for _, mm := range f.GetMetric() {
		if labelsMatch(mm, labels) {
			return mm.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

// New

func TestNew_Scrape(t *testing.T) {
	m := New()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"go_goroutines", "satsync_task_polls_total", "satsync_import_gaps_total", "profiling_active"} {
		if !strings.Contains(body, name) {
			t.Errorf("metric %q missing from scrape", name)
		}
	}
}

func TestNew_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.IncTaskPolls()
	if gather(t, b, "satsync_task_polls_total").GetMetric()[0].GetCounter().GetValue() != 0 {
		t.Fatal("registries share state")
	}
}

// recorders

func TestRecorders(t *testing.T) {
	m := New()

	m.ObserveAPIRequest("GET", 200, 150*time.Millisecond)
	m.ObserveAPIRequest("GET", 200, 10*time.Millisecond)
	m.IncTaskPolls()
	m.IncTaskPollError("transport")
	m.ObserveTaskDone("", "success", 42)
	m.IncBatchChunk("conflict")
	m.IncResource("export", "exported")
	m.IncResource("export", "exported")
	m.ObserveBundle("import", 4096, 2)
	m.AddGaps(3)
	m.IncCountCheck("behind")
	m.AddTransferBytes("upload", 100)
	m.AddTransferBytes("upload", 50)

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"satsync_api_requests_total", map[string]string{"method": "GET", "status": "200"}, 2},
		{"satsync_task_poll_errors_total", map[string]string{"kind": "transport"}, 1},
		{"satsync_batch_chunks_total", map[string]string{"outcome": "conflict"}, 1},
		{"satsync_resources_total", map[string]string{"direction": "export", "status": "exported"}, 2},
		{"satsync_import_gaps_total", nil, 3},
		{"satsync_import_count_checks_total", map[string]string{"class": "behind"}, 1},
		{"satsync_transfer_bytes_total", map[string]string{"direction": "upload"}, 150},
	}
	for _, tt := range tests {
		if got := counterValue(t, m, tt.name, tt.labels); got != tt.want {
			t.Errorf("%s%v = %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}
	if got := gaugeValue(t, m, "satsync_bundle_bytes", map[string]string{"direction": "import"}); got != 4096 {
		t.Errorf("bundle bytes = %v", got)
	}
	f := gather(t, m, "satsync_task_wait_seconds")
	if f == nil || !labelsMatch(f.GetMetric()[0], map[string]string{"action": "unknown", "result": "success"}) {
		t.Fatalf("task wait histogram = %v", f)
	}
}

func TestObserveRun(t *testing.T) {
	m := New()
	start := time.Unix(1_700_000_000, 0)
	m.ObserveRun("export", "DoV", "incomplete", start, start.Add(time.Minute))
	if f := gather(t, m, "satsync_last_success_timestamp_seconds"); f != nil && len(f.GetMetric()) > 0 {
		t.Fatal("incomplete run set last success")
	}

	m.ObserveRun("export", "DoV", "ok", start, start.Add(90*time.Second))
	labels := map[string]string{"command": "export", "channel": "DoV"}
	if got := gaugeValue(t, m, "satsync_run_duration_seconds", labels); got != 90 {
		t.Fatalf("duration = %v", got)
	}
	if got := gaugeValue(t, m, "satsync_last_success_timestamp_seconds", labels); got != float64(start.Add(90*time.Second).Unix()) {
		t.Fatalf("last success = %v", got)
	}
}

func TestSetPhase_Replaces(t *testing.T) {
	m := New()
	m.SetPhase("export")
	m.SetPhase("archive")
	f := gather(t, m, "satsync_run_phase")
	if f == nil || len(f.GetMetric()) != 1 || !labelsMatch(f.GetMetric()[0], map[string]string{"phase": "archive"}) {
		t.Fatalf("phase = %v", f)
	}
	m.SetPhase("")
	if f := gather(t, m, "satsync_run_phase"); f != nil && len(f.GetMetric()) != 0 {
		t.Fatal("phase not cleared")
	}
}

func TestSetBuildInfo(t *testing.T) {
	m := New()
	dirty := true
	m.SetBuildInfoFromVersion("satsync", "cli", &version.Info{Version: "1.2.3", Commit: "abc", VCSDirty: &dirty})
	if got := gaugeValue(t, m, "build_info", map[string]string{"version": "1.2.3", "vcs_dirty": "true"}); got != 1 {
		t.Fatalf("build_info = %v", got)
	}
}

// textfile

func TestWriteToTextfile(t *testing.T) {
	m := New()
	m.IncResource("import", "synced")
	m.SetCheckpoint("DoV", time.Unix(1_700_000_000, 0))

	path := filepath.Join(t.TempDir(), "satsync.prom")
	if err := m.WriteToTextfile(path); err != nil {
		t.Fatalf("WriteToTextfile: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	body := string(b)
	if !strings.Contains(body, `satsync_resources_total{direction="import",status="synced"} 1`) {
		t.Fatalf("resources missing:\n%s", body)
	}
	if !strings.Contains(body, "satsync_checkpoint_timestamp_seconds") {
		t.Fatal("checkpoint missing")
	}
	if strings.Contains(body, "go_goroutines") || strings.Contains(body, "process_") {
		t.Fatal("runtime collectors written to textfile")
	}
}

func TestWriteToTextfile_BadDir(t *testing.T) {
	m := New()
	if err := m.WriteToTextfile(filepath.Join(t.TempDir(), "missing", "x.prom")); err == nil {
		t.Fatal("expected error")
	}
}
