// Package cancelreg implements the per-task cancellation-handle registry
// (spec §4/§5): a thread-safe map from task id to a cancel function, used so
// that a user-initiated cancel of an in-progress task can reach the
// executor's linked context without any back-pointer from executor to
// dispatcher.
package cancelreg

import "sync"

// Registry is a concurrency-safe map of task id to cancel function. Reads
// are hot (a worker looks up its own task once per execution); writes only
// happen at task start/finish and on explicit cancel.
type Registry struct {
	mu      sync.Mutex
	cancels map[string]func()
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{cancels: make(map[string]func())}
}

// CreateToken registers cancel under taskID. If an entry already exists
// (a race between a fast-retrying dispatch and a slow prior finish), the
// old cancel is invoked first so no cancellation source is ever leaked
// (spec §5 "createToken uses atomic add-or-update to avoid leaking sources
// under races").
func (r *Registry) CreateToken(taskID string, cancel func()) {
	r.mu.Lock()
	if old, ok := r.cancels[taskID]; ok {
		old()
	}
	r.cancels[taskID] = cancel
	r.mu.Unlock()
}

// Cancel invokes and removes the cancel function for taskID, if present. It
// reports whether a handle was found.
func (r *Registry) Cancel(taskID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[taskID]
	delete(r.cancels, taskID)
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Delete removes taskID's entry without invoking it, used by the executor's
// finally-block cleanup once a task has already finished running. Delete is
// idempotent.
func (r *Registry) Delete(taskID string) {
	r.mu.Lock()
	delete(r.cancels, taskID)
	r.mu.Unlock()
}

// Has reports whether taskID currently has a registered cancel handle.
func (r *Registry) Has(taskID string) bool {
	r.mu.Lock()
	_, ok := r.cancels[taskID]
	r.mu.Unlock()
	return ok
}
