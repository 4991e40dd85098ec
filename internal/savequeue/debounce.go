package savequeue

import (
	"sync"
	"time"
)

type pendingTimer struct {
	timer *time.Timer
}

// debouncer holds at most one timer per entity key. A newer call for the
// same key replaces the pending operation and restarts the quiet period.
type debouncer struct {
	mu      sync.Mutex
	pending map[Key]*pendingTimer
	fire    func(op Operation)
}

func newDebouncer(fire func(op Operation)) *debouncer {
	return &debouncer{pending: make(map[Key]*pendingTimer), fire: fire}
}

func (d *debouncer) schedule(op Operation, delay time.Duration) {
	key := op.Key()
	entry := &pendingTimer{}

	d.mu.Lock()
	if prev, ok := d.pending[key]; ok {
		prev.timer.Stop()
	}
	d.pending[key] = entry
	entry.timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		if d.pending[key] != entry {
			// superseded or cancelled after the timer already fired
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
		d.fire(op)

		// the entry stays pending until the operation reached the queue
		d.mu.Lock()
		if d.pending[key] == entry {
			delete(d.pending, key)
		}
		d.mu.Unlock()
	})
	d.mu.Unlock()
}

// cancel drops the pending timer for key and reports whether there was one.
func (d *debouncer) cancel(key Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.pending[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(d.pending, key)
	return true
}

func (d *debouncer) cancelAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.pending)
	for key, entry := range d.pending {
		entry.timer.Stop()
		delete(d.pending, key)
	}
	return n
}

func (d *debouncer) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
