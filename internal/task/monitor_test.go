package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

// fakes

type step struct {
	t   Task
	err error
}

// fakeSource replays scripted responses per task id; the last step repeats.
type fakeSource struct {
	mu    sync.Mutex
	steps map[string][]step
	calls map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{steps: map[string][]step{}, calls: map[string]int{}}
}

func (f *fakeSource) script(id string, steps ...step) { f.steps[id] = steps }

func (f *fakeSource) Task(_ context.Context, id string) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.steps[id]
	i := f.calls[id]
	f.calls[id]++
	if len(s) == 0 {
		return Task{}, errors.New("unknown task " + id)
	}
	if i >= len(s) {
		i = len(s) - 1
	}
	return s[i].t, s[i].err
}

func (f *fakeSource) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type fakeMonitorMetrics struct {
	polls, errs, done int
}

func (m *fakeMonitorMetrics) IncTaskPolls()                          { m.polls++ }
func (m *fakeMonitorMetrics) IncTaskPollError(string)                { m.errs++ }
func (m *fakeMonitorMetrics) ObserveTaskDone(string, string, float64) { m.done++ }

func transportErr() error { return xerrors.Mark(errors.New("503 service unavailable"), xerrors.KindTransport) }
func conflictErr() error  { return xerrors.Mark(errors.New("lock taken"), xerrors.KindConflict) }

func running(p float64) step {
	return step{t: Task{State: StateRunning, Result: ResultPending, Pending: true, Progress: p}}
}
func stopped(r Result) step {
	return step{t: Task{State: StateStopped, Result: r, Progress: 1}}
}

func newTestMonitor(src Source, opts MonitorOptions) *Monitor {
	opts.Source = src
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	return NewMonitor(opts)
}

// Await

func TestAwait_PollsUntilTerminal(t *testing.T) {
	src := newFakeSource()
	src.script("t1", running(0.1), running(0.5), stopped(ResultSuccess))
	var progress []float64
	m := newTestMonitor(src, MonitorOptions{OnProgress: func(tk Task) { progress = append(progress, tk.Progress) }})

	out, err := m.Await(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if !out.Succeeded() || out.State != StateStopped {
		t.Fatalf("outcome = %+v", out)
	}
	if out.ID != "t1" {
		t.Fatalf("ID = %q", out.ID)
	}
	if got := src.count("t1"); got != 3 {
		t.Fatalf("polls = %d, want 3", got)
	}
	if len(progress) != 3 {
		t.Fatalf("progress callbacks = %v, want 3 changes", progress)
	}
}

func TestAwait_WarningIsReturnedNotJudged(t *testing.T) {
	src := newFakeSource()
	src.script("t1", stopped(ResultWarning))
	m := newTestMonitor(src, MonitorOptions{})

	out, err := m.Await(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if out.Result != ResultWarning || out.Succeeded() {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestAwait_PausedErrorStopsImmediately(t *testing.T) {
	src := newFakeSource()
	src.script("t1", step{t: Task{State: StatePaused, Result: ResultError, Pending: true}}, stopped(ResultSuccess))
	m := newTestMonitor(src, MonitorOptions{})

	out, err := m.Await(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if !out.Attention || out.Succeeded() {
		t.Fatalf("outcome = %+v, want attention", out)
	}
	if got := src.count("t1"); got != 1 {
		t.Fatalf("polls = %d, want 1", got)
	}
}

func TestAwait_RetriesTransportErrors(t *testing.T) {
	src := newFakeSource()
	src.script("t1",
		step{err: transportErr()},
		step{err: transportErr()},
		running(0.3),
		stopped(ResultSuccess),
	)
	mm := &fakeMonitorMetrics{}
	m := newTestMonitor(src, MonitorOptions{Metrics: mm, TransportTimeout: time.Minute})

	out, err := m.Await(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if !out.Succeeded() {
		t.Fatalf("outcome = %+v", out)
	}
	if mm.errs != 2 || mm.polls != 4 || mm.done != 1 {
		t.Fatalf("metrics = %+v", mm)
	}
}

func TestAwait_TransportTimeout(t *testing.T) {
	src := newFakeSource()
	src.script("t1", step{err: transportErr()})
	m := newTestMonitor(src, MonitorOptions{TransportTimeout: 20 * time.Millisecond})

	_, err := m.Await(context.Background(), "t1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !xerrors.Is(err, xerrors.KindTransport) {
		t.Fatalf("err = %v, want transport kind", err)
	}
}

func TestAwait_NonRetryableErrorFails(t *testing.T) {
	src := newFakeSource()
	src.script("t1", step{err: errors.New("404 not found")})
	m := newTestMonitor(src, MonitorOptions{})

	_, err := m.Await(context.Background(), "t1")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := src.count("t1"); got != 1 {
		t.Fatalf("polls = %d, want 1", got)
	}
}

func TestAwait_ContextCancelled(t *testing.T) {
	src := newFakeSource()
	src.script("t1", running(0.1))
	m := newTestMonitor(src, MonitorOptions{PollInterval: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Await(ctx, "t1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

// AwaitBatch

func TestAwaitBatch_WaitsForSlowest(t *testing.T) {
	src := newFakeSource()
	src.script("fast", stopped(ResultSuccess))
	src.script("mid", running(0.5), stopped(ResultWarning))
	src.script("slow", running(0.1), running(0.2), running(0.9), stopped(ResultError))
	m := newTestMonitor(src, MonitorOptions{})

	out, err := m.AwaitBatch(context.Background(), []string{"slow", "fast", "mid"})
	if err != nil {
		t.Fatalf("AwaitBatch: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3", len(out))
	}
	if out["fast"].Result != ResultSuccess || out["mid"].Result != ResultWarning || out["slow"].Result != ResultError {
		t.Fatalf("out = %+v", out)
	}
	// finished tasks are not polled again
	if got := src.count("fast"); got != 1 {
		t.Fatalf("fast polled %d times, want 1", got)
	}
	if got := src.count("slow"); got != 4 {
		t.Fatalf("slow polled %d times, want 4", got)
	}
}

func TestAwaitBatch_PartialTransportErrorsKeepPolling(t *testing.T) {
	src := newFakeSource()
	src.script("a", step{err: transportErr()}, stopped(ResultSuccess))
	src.script("b", running(0.5), stopped(ResultSuccess))
	m := newTestMonitor(src, MonitorOptions{TransportTimeout: time.Minute})

	out, err := m.AwaitBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("AwaitBatch: %v", err)
	}
	if !out["a"].Succeeded() || !out["b"].Succeeded() {
		t.Fatalf("out = %+v", out)
	}
}

func TestAwaitBatch_Empty(t *testing.T) {
	m := newTestMonitor(newFakeSource(), MonitorOptions{})
	out, err := m.AwaitBatch(context.Background(), nil)
	if err != nil || len(out) != 0 {
		t.Fatalf("out=%v err=%v", out, err)
	}
}

func TestWithInterval_Copies(t *testing.T) {
	m := NewMonitor(MonitorOptions{PollInterval: time.Minute})
	fast := m.WithInterval(time.Second)
	if m.interval != time.Minute || fast.interval != time.Second {
		t.Fatalf("intervals: orig=%s copy=%s", m.interval, fast.interval)
	}
}

func TestBackoffDuration_Capped(t *testing.T) {
	m := NewMonitor(MonitorOptions{PollInterval: 30 * time.Second})
	if got := m.backoffDuration(1); got != time.Minute {
		t.Fatalf("backoff(1) = %s, want 1m", got)
	}
	for _, n := range []int{10, 28, 29, 40, 64, 1100} {
		if got := m.backoffDuration(n); got != maxBackoff {
			t.Fatalf("backoff(%d) = %s, want %s", n, got, maxBackoff)
		}
	}
}
