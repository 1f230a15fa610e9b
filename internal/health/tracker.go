package health

import (
	"sync"
	"time"
)

// Status is a point-in-time view of the running command.
type Status struct {
	Command  string    `json:"command,omitempty"`
	Channel  string    `json:"channel,omitempty"`
	Dataset  string    `json:"dataset,omitempty"`
	RunID    string    `json:"run_id,omitempty"`
	Phase    string    `json:"phase"`
	Started  time.Time `json:"started,omitempty"`
	Updated  time.Time `json:"updated,omitempty"`
	Finished bool      `json:"finished"`
	Result   string    `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Tracker records the phase of the current run. Safe for concurrent use; the
// ops listener reads it while the run goroutine writes.
type Tracker struct {
	mu  sync.RWMutex
	st  Status
	now func() time.Time

	// OnPhase, if set, is called after every phase change.
	OnPhase func(phase string)
}

func NewTracker() *Tracker {
	return &Tracker{now: time.Now, st: Status{Phase: "idle"}}
}

func (t *Tracker) Start(command, channel, runID string) {
	t.mu.Lock()
	now := t.now()
	t.st = Status{Command: command, Channel: channel, RunID: runID, Phase: "starting", Started: now, Updated: now}
	t.mu.Unlock()
	t.notify("starting")
}

func (t *Tracker) SetPhase(phase string) {
	t.mu.Lock()
	t.st.Phase = phase
	t.st.Updated = t.now()
	t.mu.Unlock()
	t.notify(phase)
}

func (t *Tracker) SetDataset(d string) {
	t.mu.Lock()
	t.st.Dataset = d
	t.st.Updated = t.now()
	t.mu.Unlock()
}

// Finish marks the run done with its exit class and error, if any.
func (t *Tracker) Finish(result string, err error) {
	t.mu.Lock()
	t.st.Finished = true
	t.st.Result = result
	t.st.Phase = "done"
	t.st.Updated = t.now()
	if err != nil {
		t.st.Error = err.Error()
	}
	t.mu.Unlock()
	t.notify("")
}

func (t *Tracker) Snapshot() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.st
}

func (t *Tracker) notify(phase string) {
	if t.OnPhase != nil {
		t.OnPhase(phase)
	}
}
