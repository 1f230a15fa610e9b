package task

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/log"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

const (
	// DefaultPollInterval is the cadence for a single task.
	DefaultPollInterval = 30 * time.Second

	// DefaultTransportTimeout is how long the server may stay unreachable
	// before a wait gives up.
	DefaultTransportTimeout = 15 * time.Minute

	// maxBackoff caps exponential backoff on consecutive transport errors.
	maxBackoff = 5 * time.Minute
)

// Source returns the current status of one task.
type Source interface {
	Task(ctx context.Context, id string) (Task, error)
}

// MonitorMetrics is implemented by the metrics package.
type MonitorMetrics interface {
	IncTaskPolls()
	IncTaskPollError(kind string)
	ObserveTaskDone(action string, result string, seconds float64)
}

type MonitorOptions struct {
	Logger           log.Logger
	Source           Source
	PollInterval     time.Duration
	TransportTimeout time.Duration
	Metrics          MonitorMetrics

	// OnProgress is called whenever a task's progress changes. Called on the
	// polling goroutine.
	OnProgress func(Task)
}

// Monitor waits for server tasks to reach a terminal state.
type Monitor struct {
	source           Source
	logger           log.Logger
	interval         time.Duration
	transportTimeout time.Duration
	metrics          MonitorMetrics
	onProgress       func(Task)
}

func NewMonitor(opts MonitorOptions) *Monitor {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.TransportTimeout <= 0 {
		opts.TransportTimeout = DefaultTransportTimeout
	}
	return &Monitor{
		source:           opts.Source,
		logger:           opts.Logger,
		interval:         opts.PollInterval,
		transportTimeout: opts.TransportTimeout,
		metrics:          opts.Metrics,
		onProgress:       opts.OnProgress,
	}
}

// WithInterval returns a copy of m polling at d.
func (m *Monitor) WithInterval(d time.Duration) *Monitor {
	cp := *m
	if d > 0 {
		cp.interval = d
	}
	return &cp
}

// Await polls id until it is terminal. Transport errors are retried with
// backoff until no poll has succeeded for the transport timeout; any other
// error ends the wait.
func (m *Monitor) Await(ctx context.Context, id string) (Outcome, error) {
	out, err := m.AwaitBatch(ctx, []string{id})
	return out[id], err
}

// AwaitBatch polls every task in ids each cycle until all are terminal.
// The returned map holds an entry for every task that finished, including
// on error.
func (m *Monitor) AwaitBatch(ctx context.Context, ids []string) (map[string]Outcome, error) {
	tasks := make(map[string]Task, len(ids))
	for _, id := range ids {
		// placeholder until first observation
		tasks[id] = Task{ID: id, State: StatePlanning, Pending: true}
	}
	order := make([]string, 0, len(tasks))
	for id := range tasks {
		order = append(order, id)
	}
	sort.Strings(order)

	out := make(map[string]Outcome, len(tasks))
	started := time.Now()
	lastOK := time.Now()
	consecutiveErrs := 0

	for !AllTerminal(tasks) {
		var lastErr error
		polled := 0

		for _, id := range order {
			prev := tasks[id]
			if prev.Terminal() {
				continue
			}
			t, err := m.poll(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return out, ctx.Err()
				}
				if !xerrors.Retryable(err) {
					return out, xerrors.Wrapf(err, "poll task %s", id)
				}
				lastErr = err
				continue
			}
			polled++
			if t.ID == "" {
				t.ID = id
			}
			tasks[id] = t

			if t.Progress != prev.Progress || t.State != prev.State {
				m.logger.Debug(ctx, "task progress",
					"task_id", id,
					"action", t.Action(),
					"state", t.State,
					"progress", t.Progress,
				)
				if m.onProgress != nil {
					m.onProgress(t)
				}
			}
			if t.Terminal() {
				out[id] = m.finish(ctx, t, started)
			}
		}

		delay := m.interval
		if polled > 0 {
			lastOK = time.Now()
			if consecutiveErrs > 0 {
				m.logger.Info(ctx, "task monitor: server reachable again",
					"had_consecutive_errors", consecutiveErrs,
				)
			}
			consecutiveErrs = 0
		} else if lastErr != nil {
			down := time.Since(lastOK)
			if down > m.transportTimeout {
				return out, xerrors.Mark(
					xerrors.Wrapf(lastErr, "server unreachable for %s while waiting on %d task(s)", down.Truncate(time.Second), len(order)-len(out)),
					xerrors.KindTransport)
			}
			consecutiveErrs++
			delay = m.backoffDuration(consecutiveErrs)
			m.logger.Warn(ctx, "task monitor: status poll failed, backing off",
				"err", lastErr,
				"consecutive_errors", consecutiveErrs,
				"next_poll_in", delay.String(),
			)
		}

		if AllTerminal(tasks) {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (m *Monitor) poll(ctx context.Context, id string) (Task, error) {
	if m.metrics != nil {
		m.metrics.IncTaskPolls()
	}
	t, err := m.source.Task(ctx, id)
	if err != nil && m.metrics != nil {
		m.metrics.IncTaskPollError(xerrors.KindOf(err).String())
	}
	return t, err
}

func (m *Monitor) finish(ctx context.Context, t Task, started time.Time) Outcome {
	o := outcomeOf(t)
	if m.metrics != nil {
		m.metrics.ObserveTaskDone(o.Action, string(o.Result), time.Since(started).Seconds())
	}
	switch {
	case o.Attention:
		m.logger.Error(ctx, xerrors.Newf("task %s paused with errors: %v", t.ID, o.Errors),
			"task needs operator attention",
			"task_id", t.ID,
			"action", o.Action,
		)
	case o.Result == ResultSuccess:
		m.logger.Info(ctx, "task finished", "task_id", t.ID, "action", o.Action, "result", o.Result)
	default:
		m.logger.Warn(ctx, "task finished without success",
			"task_id", t.ID,
			"action", o.Action,
			"state", o.State,
			"result", o.Result,
			"errors", o.Errors,
		)
	}
	return o
}

// backoffDuration computes exponential backoff capped at maxBackoff.
// n=1 → 2x interval, =2 → 4x, =3 → 8x, etc.
func (m *Monitor) backoffDuration(n int) time.Duration {
	// compare before converting; the product overflows Duration long before n stops growing
	d := float64(m.interval) * math.Pow(2, float64(n))
	if d > float64(maxBackoff) || d <= 0 {
		return maxBackoff
	}
	return time.Duration(d)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
