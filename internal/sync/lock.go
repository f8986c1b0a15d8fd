package sync

import (
	gosync "sync"

	"github.com/google/uuid"
)

// Lock is the coarse-grained mutual exclusion guard for sync runs: exactly
// one sync may be in progress system-wide. TryAcquire never blocks; a
// caller that loses the race gets ok=false and should report a skipped
// result instead of waiting.
type Lock struct {
	mu     gosync.Mutex
	held   bool
	syncID string
}

// TryAcquire attempts to take the lock, returning an opaque sync id on
// success.
func (l *Lock) TryAcquire() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return "", false
	}
	l.held = true
	l.syncID = uuid.NewString()
	return l.syncID, true
}

// Release frees the lock. Safe to call on an unheld lock.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.syncID = ""
}

// Held reports whether a sync currently owns the lock.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}
