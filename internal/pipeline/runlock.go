package pipeline

import "sync"

// runLock serializes pipeline runs within one orchestrator instance. The
// downstream tasks read a snapshot that must be consistent with the
// loader's latest commit, so overlapping runs are rejected outright.
type runLock struct {
	mu   sync.Mutex
	held bool
}

// TryAcquire takes the lock if free.
func (l *runLock) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false
	}
	l.held = true
	return true
}

// Release frees the lock.
func (l *runLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
}
