// Package metrics holds the prometheus registry for a satsync process. The
// same registry is scraped by the ops listener during long runs and written
// to a node_exporter textfile when a run ends.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/version"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

const namespace = "satsync"

type SyncMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// ops listener
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	httpPanicTotal prometheus.Counter

	// content server
	apiRequests    *prometheus.CounterVec
	apiDuration    *prometheus.HistogramVec
	taskPolls      prometheus.Counter
	taskPollErrors *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	batchChunks    *prometheus.CounterVec

	// runs
	resources      *prometheus.CounterVec
	bundleBytes    *prometheus.GaugeVec
	bundleChunks   *prometheus.GaugeVec
	transferBytes  *prometheus.CounterVec
	gaps           prometheus.Counter
	countChecks    *prometheus.CounterVec
	runDuration    *prometheus.GaugeVec
	runResult      *prometheus.CounterVec
	lastSuccess    *prometheus.GaugeVec
	lastCheckpoint *prometheus.GaugeVec
	phase          *prometheus.GaugeVec
}

// New returns a fresh registry with Go/process collectors and the sync
// metrics. Labels are bounded: directions, outcomes, classes, channels.
func New() *SyncMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &SyncMetrics{
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight ops HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total ops HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Ops HTTP request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered ops HTTP panics",
		}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Content server API requests by method and status (0 for network errors)",
		}, []string{"method", "status"}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Content server API latency by method",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method"}),
		taskPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_polls_total",
			Help:      "Task status polls",
		}),
		taskPollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_poll_errors_total",
			Help:      "Failed task status polls by error kind",
		}, []string{"kind"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_wait_seconds",
			Help:      "Time spent waiting for server tasks by action and result",
			Buckets:   []float64{10, 30, 60, 300, 900, 1800, 3600, 7200, 14400, 28800},
		}, []string{"action", "result"}),
		batchChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_chunks_total",
			Help:      "Bulk request chunks by outcome",
		}, []string{"outcome"}),
		resources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resources_total",
			Help:      "Resources processed by direction and status",
		}, []string{"direction", "status"}),
		bundleBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bundle_bytes",
			Help:      "Size of the last bundle written or verified",
		}, []string{"direction"}),
		bundleChunks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bundle_chunks",
			Help:      "Chunk count of the last bundle written or verified",
		}, []string{"direction"}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved to or from object storage",
		}, []string{"direction"}),
		gaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_gaps_total",
			Help:      "Datasets found missing from the import history",
		}),
		countChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_count_checks_total",
			Help:      "Post-import content count comparisons by class",
		}, []string{"class"}),
		runDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of the last run",
		}, []string{"command", "channel"}),
		runResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs by command and result",
		}, []string{"command", "channel", "result"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run",
		}, []string{"command", "channel"}),
		lastCheckpoint: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_timestamp_seconds",
			Help:      "Channel checkpoint after the last export",
		}, []string{"channel"}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_phase",
			Help:      "Current phase of the running command (label carries value, gauge is always 1)",
		}, []string{"phase"}),
	}
	reg.MustRegister(
		m.buildInfo,
		m.profilingActive,
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.httpPanicTotal,
		m.apiRequests,
		m.apiDuration,
		m.taskPolls,
		m.taskPollErrors,
		m.taskDuration,
		m.batchChunks,
		m.resources,
		m.bundleBytes,
		m.bundleChunks,
		m.transferBytes,
		m.gaps,
		m.countChecks,
		m.runDuration,
		m.runResult,
		m.lastSuccess,
		m.lastCheckpoint,
		m.phase,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *SyncMetrics) Handler() http.Handler { return m.handler }

// WriteToTextfile writes the satsync families (not the Go and process
// collectors, which describe a process that is about to exit) for the
// node_exporter textfile collector. The write is atomic.
func (m *SyncMetrics) WriteToTextfile(path string) error {
	g := prometheus.GathererFunc(func() ([]*dto.MetricFamily, error) {
		fams, err := m.reg.Gather()
		if err != nil {
			return nil, err
		}
		out := fams[:0]
		for _, f := range fams {
			if keepInTextfile(f.GetName()) {
				out = append(out, f)
			}
		}
		return out, nil
	})
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return xerrors.Wrapf(err, "write metrics textfile %s", path)
	}
	return nil
}

func keepInTextfile(name string) bool {
	return name == "build_info" || strings.HasPrefix(name, namespace+"_")
}

// set once at startup.
func (m *SyncMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *SyncMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *SyncMetrics) IncHttpPanic() { m.httpPanicTotal.Inc() }

// api.Metrics
func (m *SyncMetrics) ObserveAPIRequest(method string, status int, d time.Duration) {
	m.apiRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.apiDuration.WithLabelValues(method).Observe(d.Seconds())
}

// task.MonitorMetrics
func (m *SyncMetrics) IncTaskPolls() { m.taskPolls.Inc() }

func (m *SyncMetrics) IncTaskPollError(kind string) { m.taskPollErrors.WithLabelValues(kind).Inc() }

func (m *SyncMetrics) ObserveTaskDone(action, result string, seconds float64) {
	if action == "" {
		action = "unknown"
	}
	m.taskDuration.WithLabelValues(action, result).Observe(seconds)
}

// batch.Metrics
func (m *SyncMetrics) IncBatchChunk(outcome string) { m.batchChunks.WithLabelValues(outcome).Inc() }

// export.Metrics and importer.Metrics

func (m *SyncMetrics) IncResource(direction, status string) {
	m.resources.WithLabelValues(direction, status).Inc()
}

func (m *SyncMetrics) ObserveBundle(direction string, bytes int64, chunks int) {
	m.bundleBytes.WithLabelValues(direction).Set(float64(bytes))
	m.bundleChunks.WithLabelValues(direction).Set(float64(chunks))
}

func (m *SyncMetrics) AddGaps(n int) { m.gaps.Add(float64(n)) }

func (m *SyncMetrics) IncCountCheck(class string) { m.countChecks.WithLabelValues(class).Inc() }

// transfer.Metrics
func (m *SyncMetrics) AddTransferBytes(direction string, n int64) {
	m.transferBytes.WithLabelValues(direction).Add(float64(n))
}

// ObserveRun records the end of a command. result is the exit class, e.g.
// ok, fatal, incomplete, aborted.
func (m *SyncMetrics) ObserveRun(command, channel, result string, started, finished time.Time) {
	m.runDuration.WithLabelValues(command, channel).Set(finished.Sub(started).Seconds())
	m.runResult.WithLabelValues(command, channel, result).Inc()
	if result == "ok" {
		m.lastSuccess.WithLabelValues(command, channel).Set(float64(finished.Unix()))
	}
}

func (m *SyncMetrics) SetCheckpoint(channel string, t time.Time) {
	m.lastCheckpoint.WithLabelValues(channel).Set(float64(t.Unix()))
}

// SetPhase replaces the current phase label.
func (m *SyncMetrics) SetPhase(phase string) {
	m.phase.Reset()
	if phase != "" {
		m.phase.WithLabelValues(phase).Set(1)
	}
}
