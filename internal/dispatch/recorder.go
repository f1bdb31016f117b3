package dispatch

import (
	"context"
	"sync"
)

// Call is one side effect seen by a Recorder
type Call struct {
	Step    Step
	Payload Payload
}

// Recorder is an in-memory Actions that keeps every call. Failures can be
// injected per step.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
	fail  map[Step]error
}

// NewRecorder creates an empty Recorder
func NewRecorder() *Recorder {
	return &Recorder{fail: make(map[Step]error)}
}

// FailOn makes every call of step return err; a nil err clears it
func (r *Recorder) FailOn(step Step, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, step)
		return
	}
	r.fail[step] = err
}

// Calls returns a copy of the calls made so far
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Steps returns the step of every call made so far, in order
func (r *Recorder) Steps() []Step {
	calls := r.Calls()
	out := make([]Step, len(calls))
	for i, c := range calls {
		out[i] = c.Step
	}
	return out
}

// Reset forgets recorded calls
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

func (r *Recorder) Notify(_ context.Context, p Payload) error {
	return r.record(StepNotify, p)
}

func (r *Recorder) CreateWorkOrder(_ context.Context, p Payload) error {
	return r.record(StepCreateWorkOrder, p)
}

func (r *Recorder) CreateWorkRequest(_ context.Context, p Payload) error {
	return r.record(StepCreateWorkRequest, p)
}

func (r *Recorder) record(step Step, p Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Step: step, Payload: p})
	return r.fail[step]
}
