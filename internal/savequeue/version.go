package savequeue

import (
	"sync"
	"time"
)

// VersionTracker holds the last document revision the client confirmed with
// the server. The zero stamp means unknown.
type VersionTracker struct {
	mu    sync.Mutex
	stamp time.Time
}

func (v *VersionTracker) Stamp() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stamp
}

// Observe records a stamp returned by a successful write, keeping the newest.
func (v *VersionTracker) Observe(t time.Time) {
	if t.IsZero() {
		return
	}
	v.mu.Lock()
	if t.After(v.stamp) {
		v.stamp = t
	}
	v.mu.Unlock()
}

// Reset replaces the stamp unconditionally, e.g. after loading a document.
func (v *VersionTracker) Reset(t time.Time) {
	v.mu.Lock()
	v.stamp = t
	v.mu.Unlock()
}
