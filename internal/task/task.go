// Package task observes asynchronous server tasks: it waits for them to
// finish and decides whether an in-flight task holds a resource.
package task

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// State is the server-side execution state of a task.
type State string

const (
	StatePlanning State = "planning"
	StatePlanned  State = "planned"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopped  State = "stopped"
)

// active reports whether the server may still change the task.
func (s State) active() bool {
	return s == StatePlanning || s == StatePlanned || s == StateRunning || s == StatePaused
}

// Result is the outcome of a task. Pending until it stops.
type Result string

const (
	ResultPending Result = "pending"
	ResultSuccess Result = "success"
	ResultWarning Result = "warning"
	ResultError   Result = "error"
)

// ID accepts both numeric and string identifiers from the server.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// Resource kinds a Ref can name.
const (
	KindContentView = "content_view"
	KindRepository  = "repository"
)

// Ref names a server resource by id and, where known, label.
type Ref struct {
	Kind  string `json:"-"`
	ID    ID     `json:"id"`
	Label string `json:"label,omitempty"`
	Name  string `json:"name,omitempty"`
}

// ViewRef names a content view (or content view version).
func ViewRef(id int, label string) Ref {
	return Ref{Kind: KindContentView, ID: ID(strconv.Itoa(id)), Label: label}
}

// RepoRef names a repository.
func RepoRef(id int, label string) Ref {
	return Ref{Kind: KindRepository, ID: ID(strconv.Itoa(id)), Label: label}
}

// Matches reports whether r and other name the same resource.
func (r Ref) Matches(other Ref) bool {
	if r.Kind != "" && other.Kind != "" && r.Kind != other.Kind {
		return false
	}
	if r.ID != "" && other.ID != "" {
		return r.ID == other.ID
	}
	return r.Label != "" && r.Label == other.Label
}

func (r Ref) known() bool { return r.ID != "" || r.Label != "" }

func (r Ref) String() string {
	switch {
	case r.Label != "" && r.ID != "":
		return r.Label + "(" + string(r.ID) + ")"
	case r.Label != "":
		return r.Label
	default:
		return string(r.ID)
	}
}

// Task is the observed status of one server task.
type Task struct {
	ID        string  `json:"id"`
	Label     string  `json:"label"`
	Pending   bool    `json:"pending"`
	State     State   `json:"state"`
	Result    Result  `json:"result"`
	Progress  float64 `json:"progress"`
	Humanized struct {
		Action string   `json:"action"`
		Errors []string `json:"errors"`
	} `json:"humanized"`
	Input struct {
		ContentView *Ref `json:"content_view"`
		Repository  *Ref `json:"repository"`
	} `json:"input"`
}

// Action is the humanized action kind, e.g. "Publish" or "Synchronize".
func (t Task) Action() string { return t.Humanized.Action }

// Target is the resource the task recorded as its subject, if any.
func (t Task) Target() (Ref, bool) {
	if t.Input.ContentView != nil && t.Input.ContentView.known() {
		r := *t.Input.ContentView
		r.Kind = KindContentView
		return r, true
	}
	if t.Input.Repository != nil && t.Input.Repository.known() {
		r := *t.Input.Repository
		r.Kind = KindRepository
		return r, true
	}
	return Ref{}, false
}

// NeedsAttention is a paused task that failed. The server will not resume it
// on its own.
func (t Task) NeedsAttention() bool {
	return t.State == StatePaused && t.Result == ResultError
}

// Terminal reports whether polling can stop.
func (t Task) Terminal() bool {
	if t.NeedsAttention() {
		return true
	}
	return !t.Pending && !t.State.active()
}

// IsBulk reports a parent task whose sub-tasks are listed separately.
func (t Task) IsBulk() bool { return strings.HasSuffix(t.Label, "::BulkAction") }

// Outcome is what a wait returns. The caller decides whether it is acceptable.
type Outcome struct {
	ID       string
	Action   string
	State    State
	Result   Result
	Progress float64
	Errors   []string
	// Attention is set for paused+error tasks.
	Attention bool
}

// Succeeded is a convenience for callers whose policy is result == success.
func (o Outcome) Succeeded() bool { return o.Result == ResultSuccess && !o.Attention }

func outcomeOf(t Task) Outcome {
	return Outcome{
		ID:        t.ID,
		Action:    t.Action(),
		State:     t.State,
		Result:    t.Result,
		Progress:  t.Progress,
		Errors:    append([]string(nil), t.Humanized.Errors...),
		Attention: t.NeedsAttention(),
	}
}

// AllTerminal folds Terminal over a set.
func AllTerminal(ts map[string]Task) bool {
	for _, t := range ts {
		if !t.Terminal() {
			return false
		}
	}
	return true
}
