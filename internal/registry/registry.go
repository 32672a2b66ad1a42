// Package registry keeps the in-memory state of every known job and is the
// single source of truth for which phase a job is in.
package registry

import (
	"errors"
	"slices"
	"sync"
	"time"
)

var (
	ErrDuplicateJob = errors.New("duplicate job")
	ErrNotFound     = errors.New("job not found")
)

// Registry maps job ids to Jobs. All methods are safe for concurrent use.
type Registry struct {
	mx       sync.RWMutex
	jobs     map[string]*Job
	order    []string // insertion order of jobs
	finished []string // retirement order
	uploaded []string // dataset names waiting for, or being processed by, a worker
	now      func() time.Time
}

func New() *Registry {
	return &Registry{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// Register adds a new Pending job. It returns ErrDuplicateJob when id is
// already known, in any phase.
func (r *Registry) Register(id, owner, dataset string) (Job, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.jobs[id]; ok {
		return Job{}, ErrDuplicateJob
	}
	j := &Job{
		ID:      id,
		Owner:   owner,
		Dataset: dataset,
		Phase:   PhasePending,
		Created: r.now().UTC(),
	}
	r.jobs[id] = j
	r.order = append(r.order, id)
	return *j, nil
}

// Get returns a snapshot of the job or ErrNotFound.
func (r *Registry) Get(id string) (Job, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *j, nil
}

// Remove forgets the job. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return
	}
	delete(r.jobs, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	r.finished = slices.DeleteFunc(r.finished, func(s string) bool { return s == id })
}

// List returns the jobs matching pred in insertion order. A nil pred
// matches everything.
func (r *Registry) List(pred func(Job) bool) []Job {
	r.mx.RLock()
	defer r.mx.RUnlock()
	var ret []Job
	for _, id := range r.order {
		j := *r.jobs[id]
		if pred == nil || pred(j) {
			ret = append(ret, j)
		}
	}
	return ret
}

// InFlight lists jobs that have not reached a terminal phase.
func (r *Registry) InFlight() []Job {
	return r.List(func(j Job) bool { return !j.Phase.Terminal() })
}

// Finished lists retired jobs in the order they finished.
func (r *Registry) Finished() []Job {
	r.mx.RLock()
	defer r.mx.RUnlock()
	ret := make([]Job, 0, len(r.finished))
	for _, id := range r.finished {
		ret = append(ret, *r.jobs[id])
	}
	return ret
}

// Transition moves the job from phase from to phase to. It is the single-fire
// guard of the lifecycle: of two concurrent callers with the same from, only
// one succeeds, the other gets an InvalidPhaseError.
func (r *Registry) Transition(id string, from, to Phase) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Phase != from {
		return InvalidPhaseError{ID: id, From: j.Phase, To: to}
	}
	j.Phase = to
	if to.Terminal() {
		j.Finished = r.now().UTC()
	}
	return nil
}

// Fail marks a Pending job as Failed with reason. Like Retire, it appends
// the job to the finished listing and drops its dataset from the uploaded
// listing.
func (r *Registry) Fail(id, reason string) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Phase != PhasePending {
		return InvalidPhaseError{ID: id, From: j.Phase, To: PhaseFailed}
	}
	j.Phase = PhaseFailed
	j.Error = reason
	j.Finished = r.now().UTC()

	r.finished = append(r.finished, id)
	r.uploaded = slices.DeleteFunc(r.uploaded, func(s string) bool { return s == j.Dataset })
	return nil
}

// Retire moves a Finalizing job to Done, records its outcome, appends it to
// the finished listing and drops its dataset from the uploaded listing.
func (r *Registry) Retire(id string, out Outcome) (Job, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if j.Phase != PhaseFinalizing {
		return Job{}, InvalidPhaseError{ID: id, From: j.Phase, To: PhaseDone}
	}
	j.Phase = PhaseDone
	j.Finished = r.now().UTC()
	j.ExitCode = out.ExitCode
	j.Signal = out.Signal
	j.Archive = out.Archive
	j.Error = out.Error

	r.finished = append(r.finished, id)
	r.uploaded = slices.DeleteFunc(r.uploaded, func(s string) bool { return s == j.Dataset })
	return *j, nil
}

// Restore loads jobs that finished in a previous run. Jobs already known are
// skipped.
func (r *Registry) Restore(jobs ...Job) {
	r.mx.Lock()
	defer r.mx.Unlock()
	for _, j := range jobs {
		if _, ok := r.jobs[j.ID]; ok {
			continue
		}
		j.Phase = PhaseDone
		r.jobs[j.ID] = &j
		r.order = append(r.order, j.ID)
		r.finished = append(r.finished, j.ID)
	}
}

// AddUpload records a staged dataset name. Names are kept unique, in the
// order they were first added.
func (r *Registry) AddUpload(name string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if !slices.Contains(r.uploaded, name) {
		r.uploaded = append(r.uploaded, name)
	}
}

// Uploads lists dataset names that have not been processed yet.
func (r *Registry) Uploads() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return slices.Clone(r.uploaded)
}
