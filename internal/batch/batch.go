// Package batch runs large work sets against server bulk endpoints one chunk
// at a time.
package batch

import (
	"context"
	"fmt"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/log"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/task"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

// DefaultSize is the number of items per bulk request.
const DefaultSize = 255

// Outcome of one chunk.
type Outcome int

const (
	Succeeded Outcome = iota
	// Failed: the task finished with a result other than success.
	Failed
	// Conflict: the server refused the submission because of a held lock.
	Conflict
	// SubmitError: the submission failed for another reason.
	SubmitError
	// AwaitError: the task was submitted but its status could not be followed.
	AwaitError
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Conflict:
		return "conflict"
	case SubmitError:
		return "submit_error"
	case AwaitError:
		return "await_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Awaiter waits for a submitted task. *task.Monitor satisfies it.
type Awaiter interface {
	Await(ctx context.Context, id string) (task.Outcome, error)
}

// SubmitFunc starts the server task for one chunk.
type SubmitFunc[T any] func(ctx context.Context, chunk []T) task.Submission

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncBatchChunk(outcome string)
}

// ChunkResult records what happened to one chunk.
type ChunkResult[T any] struct {
	Index   int
	Items   []T
	TaskID  string
	Outcome Outcome
	Task    task.Outcome
	Err     error
}

// Report lists every chunk in submission order.
type Report[T any] struct {
	Chunks []ChunkResult[T]
}

// OK reports whether every chunk succeeded.
func (r Report[T]) OK() bool {
	for _, c := range r.Chunks {
		if c.Outcome != Succeeded {
			return false
		}
	}
	return true
}

// Failed returns the chunks that did not succeed.
func (r Report[T]) Failed() []ChunkResult[T] {
	var out []ChunkResult[T]
	for _, c := range r.Chunks {
		if c.Outcome != Succeeded {
			out = append(out, c)
		}
	}
	return out
}

// Items returns every item whose chunk had the given outcome.
func (r Report[T]) Items(o Outcome) []T {
	var out []T
	for _, c := range r.Chunks {
		if c.Outcome == o {
			out = append(out, c.Items...)
		}
	}
	return out
}

// Partition splits items into contiguous chunks of at most size. size < 1
// uses DefaultSize.
func Partition[T any](items []T, size int) [][]T {
	if size < 1 {
		size = DefaultSize
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end:end])
	}
	return out
}

type Options struct {
	Logger  log.Logger
	Awaiter Awaiter
	Metrics Metrics
}

// Scheduler submits chunks strictly in order; chunk N+1 is not submitted
// until chunk N's task is terminal.
type Scheduler struct {
	logger  log.Logger
	awaiter Awaiter
	metrics Metrics
}

func New(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Scheduler{logger: opts.Logger, awaiter: opts.Awaiter, metrics: opts.Metrics}
}

// Run partitions items and drives each chunk to completion. Chunk failures are
// recorded and the next chunk still runs; only context cancellation stops the
// run early, returning the chunks processed so far.
func Run[T any](ctx context.Context, s *Scheduler, items []T, size int, submit SubmitFunc[T]) (Report[T], error) {
	if s == nil || s.awaiter == nil {
		return Report[T]{}, xerrors.New("batch scheduler has no awaiter")
	}
	chunks := Partition(items, size)
	rep := Report[T]{Chunks: make([]ChunkResult[T], 0, len(chunks))}

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		res := runChunk(ctx, s, i, len(chunks), chunk, submit)
		rep.Chunks = append(rep.Chunks, res)
		if s.metrics != nil {
			s.metrics.IncBatchChunk(res.Outcome.String())
		}
		if res.Outcome == AwaitError && ctx.Err() != nil {
			return rep, ctx.Err()
		}
	}
	return rep, nil
}

func runChunk[T any](ctx context.Context, s *Scheduler, idx, total int, chunk []T, submit SubmitFunc[T]) ChunkResult[T] {
	L := s.logger.With("chunk", idx+1, "chunks", total, "size", len(chunk))
	res := ChunkResult[T]{Index: idx, Items: chunk}

	sub := submit(ctx, chunk)
	switch sub.Status {
	case task.Conflict:
		res.Outcome = Conflict
		res.Err = sub.Err
		L.Warn(ctx, "batch chunk refused: resource locked", "err", sub.Err)
		return res
	case task.Failed:
		res.Outcome = SubmitError
		res.Err = sub.Err
		L.Error(ctx, sub.Err, "batch chunk submission failed")
		return res
	}

	res.TaskID = sub.TaskID
	L.Info(ctx, "batch chunk submitted", "task_id", sub.TaskID)

	out, err := s.awaiter.Await(ctx, sub.TaskID)
	res.Task = out
	switch {
	case err != nil:
		res.Outcome = AwaitError
		res.Err = xerrors.Wrapf(err, "await chunk %d task %s", idx+1, sub.TaskID)
		L.Error(ctx, err, "batch chunk wait failed", "task_id", sub.TaskID)
	case out.Succeeded():
		res.Outcome = Succeeded
	default:
		res.Outcome = Failed
		res.Err = xerrors.Newf("chunk %d task %s finished %s/%s: %v", idx+1, sub.TaskID, out.State, out.Result, out.Errors)
		L.Warn(ctx, "batch chunk finished without success",
			"task_id", sub.TaskID,
			"result", out.Result,
			"errors", out.Errors,
		)
	}
	return res
}
