package registry

import (
	"fmt"
	"time"
)

// Phase is the lifecycle phase of a Job.
type Phase int

const (
	// PhaseUnknown is the zero value.
	PhaseUnknown Phase = iota
	// PhasePending: registered, worker not spawned yet.
	PhasePending
	// PhaseRunning: a worker process is alive.
	PhaseRunning
	// PhaseFinalizing: the worker exited, cleanup and packaging are in progress.
	PhaseFinalizing
	// PhaseDone: finalization has completed or was abandoned with a recorded error.
	PhaseDone
	// PhaseFailed: the worker could not be spawned.
	PhaseFailed
)

var phases = []string{
	"unknown",
	"pending",
	"running",
	"finalizing",
	"done",
	"failed",
}

func (p Phase) String() string {
	if int(p) < 0 || int(p) >= len(phases) {
		return phases[0]
	}
	return phases[p]
}

// Terminal reports whether no further events will be produced in phase p.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// Job is a snapshot of one submission. The Registry hands out copies, so a
// Job value never changes after it was returned.
type Job struct {
	ID      string
	Owner   string
	Dataset string
	Phase   Phase
	Created time.Time

	Finished time.Time
	ExitCode int
	Signal   string
	Archive  string // empty when packaging failed
	Error    string // packaging or spawn failure
}

// Status is "ok" for a worker that exited with code 0 and was packaged,
// "error" otherwise and "" while the job is still in flight.
func (j Job) Status() string {
	switch {
	case !j.Phase.Terminal():
		return ""
	case j.Phase == PhaseDone && j.ExitCode == 0 && j.Signal == "" && j.Error == "":
		return "ok"
	default:
		return "error"
	}
}

// Outcome is the result of finalization recorded by Retire.
type Outcome struct {
	ExitCode int
	Signal   string
	Archive  string
	Error    string
}

// InvalidPhaseError is returned for a transition that does not start from
// the expected phase.
type InvalidPhaseError struct {
	ID   string
	From Phase
	To   Phase
}

func (e InvalidPhaseError) Error() string {
	return fmt.Sprintf("job %s: cannot go from %s to %s", e.ID, e.From, e.To)
}
