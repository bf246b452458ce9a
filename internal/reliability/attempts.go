package reliability

import "sync"

// AttemptTracker counts failed processing attempts per message id.
// Counts live in process memory only; a restarted consumer starts over.
type AttemptTracker struct {
	mu       sync.Mutex
	attempts map[string]int
}

// NewAttemptTracker creates an empty tracker
func NewAttemptTracker() *AttemptTracker {
	return &AttemptTracker{attempts: make(map[string]int)}
}

// Failed records a failure for id and returns the number of failures so far
func (t *AttemptTracker) Failed(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[id]++
	return t.attempts[id]
}

// Attempts returns the recorded failures for id
func (t *AttemptTracker) Attempts(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[id]
}

// Forget drops the counter for id once the message is settled
func (t *AttemptTracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, id)
}

// Len returns the number of tracked ids
func (t *AttemptTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.attempts)
}
