package task

import (
	"context"
	"strings"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/log"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

// Action kinds that mutate content views. Humanized actions are matched by
// prefix, so "Promotion" also covers "Promotion to environment".
var (
	DefaultConflicts = []string{"Publish", "Promote", "Promotion", "Remove Versions and Associations"}
	ExportConflicts  = append(append([]string(nil), DefaultConflicts...), "Export", "Synchronize")
)

// Lister returns the tasks the server has not yet stopped.
type Lister interface {
	ListTasks(ctx context.Context) ([]Task, error)
}

// Lock is the point-in-time answer for one resource. It is not held.
type Lock struct {
	Locked bool
	Task   Task
	Reason string
}

// Detector decides from the live task list whether a resource is busy.
type Detector struct {
	lister Lister
	logger log.Logger
	kinds  []string
}

// NewDetector uses DefaultConflicts when no kinds are given.
func NewDetector(l Lister, logger log.Logger, kinds ...string) *Detector {
	if logger == nil {
		logger = log.Nop()
	}
	if len(kinds) == 0 {
		kinds = DefaultConflicts
	}
	return &Detector{lister: l, logger: logger, kinds: kinds}
}

// Locked reports whether ref is held by a conflicting task.
func (d *Detector) Locked(ctx context.Context, ref Ref) (bool, error) {
	l, err := d.Check(ctx, ref)
	return l.Locked, err
}

// Check scans the task list once. A planning task of a conflicting kind whose
// target is unknown is treated as holding ref.
func (d *Detector) Check(ctx context.Context, ref Ref) (Lock, error) {
	tasks, err := d.lister.ListTasks(ctx)
	if err != nil {
		return Lock{}, xerrors.Wrap(err, "list tasks")
	}

	for _, t := range tasks {
		target, known := t.Target()

		switch t.State {
		case StatePlanning, StatePlanned:
			if !d.conflicting(t, true) {
				continue
			}
			if !known {
				return d.locked(ctx, ref, t, "planning task with unresolved target"), nil
			}
			if target.Matches(ref) {
				return d.locked(ctx, ref, t, "planning task on resource"), nil
			}
		case StateRunning, StatePaused:
			if t.IsBulk() || !known || !d.conflicting(t, false) {
				continue
			}
			if target.Matches(ref) {
				return d.locked(ctx, ref, t, string(t.State)+" task on resource"), nil
			}
		}
	}
	return Lock{}, nil
}

// conflicting matches the task's action against the configured kinds. An
// empty action only conflicts when ambiguous is allowed.
func (d *Detector) conflicting(t Task, ambiguousOK bool) bool {
	action := strings.TrimSpace(t.Action())
	if action == "" {
		return ambiguousOK
	}
	for _, k := range d.kinds {
		if strings.HasPrefix(action, k) {
			return true
		}
	}
	return false
}

func (d *Detector) locked(ctx context.Context, ref Ref, t Task, reason string) Lock {
	d.logger.Warn(ctx, "resource locked",
		"resource", ref.String(),
		"task_id", t.ID,
		"action", t.Action(),
		"state", t.State,
		"reason", reason,
	)
	return Lock{Locked: true, Task: t, Reason: reason}
}
