package task

import (
	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

// SubmitStatus is the typed outcome of asking the server to start a task.
type SubmitStatus int

const (
	Submitted SubmitStatus = iota
	Conflict
	Failed
)

func (s SubmitStatus) String() string {
	switch s {
	case Submitted:
		return "submitted"
	case Conflict:
		return "conflict"
	default:
		return "failed"
	}
}

// Submission is returned by every call that starts a server task.
type Submission struct {
	Status SubmitStatus
	TaskID string
	Err    error
}

// Submit classifies the result of a task-creating request. A lock collision
// becomes Conflict rather than an error the caller has to unpick.
func Submit(taskID string, err error) Submission {
	switch {
	case err == nil && taskID == "":
		return Submission{Status: Failed, Err: xerrors.New("server accepted request but returned no task id")}
	case err == nil:
		return Submission{Status: Submitted, TaskID: taskID}
	case xerrors.Is(err, xerrors.KindConflict):
		return Submission{Status: Conflict, Err: err}
	default:
		return Submission{Status: Failed, Err: err}
	}
}
