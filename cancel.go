package lookuppool

import "sync"

// CancelRegistry holds the per-requester cancel and in-progress flags shared
// between the transport and the worker. Absent requesters read as false.
type CancelRegistry struct {
	mu         sync.Mutex
	cancel     map[RequesterID]bool
	inProgress map[RequesterID]bool
}

// NewCancelRegistry creates an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{
		cancel:     make(map[RequesterID]bool),
		inProgress: make(map[RequesterID]bool),
	}
}

// MarkCancel requests cancellation of the requester's current or next job.
func (r *CancelRegistry) MarkCancel(requester RequesterID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel[requester] = true
}

// ShouldCancel reports whether a cancel is pending for the requester.
func (r *CancelRegistry) ShouldCancel(requester RequesterID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel[requester]
}

// MarkInProgress flags the requester's job as being driven.
func (r *CancelRegistry) MarkInProgress(requester RequesterID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inProgress[requester] = true
}

// InProgress reports whether the requester's job is being driven.
func (r *CancelRegistry) InProgress(requester RequesterID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inProgress[requester]
}

// TryStart is the pre-drive checkpoint: it marks the requester in progress
// unless a cancel is pending, in which case it returns false and leaves the
// flags untouched.
func (r *CancelRegistry) TryStart(requester RequesterID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel[requester] {
		return false
	}
	r.inProgress[requester] = true
	return true
}

// Clear resets both flags. It is idempotent.
func (r *CancelRegistry) Clear(requester RequesterID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancel, requester)
	delete(r.inProgress, requester)
}
