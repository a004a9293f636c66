package clock

import (
	"sync"
	"time"
)

// Debouncer runs keyed delayed tasks. Scheduling a key that already has a
// pending task replaces it, so only the last task within the window runs.
type Debouncer struct {
	clock   Clock
	mu      sync.Mutex
	pending map[string]*debounced
}

type debounced struct {
	timer *Timer
}

// NewDebouncer returns a Debouncer driven by c.
func NewDebouncer(c Clock) *Debouncer {
	return &Debouncer{clock: c, pending: make(map[string]*debounced)}
}

// Schedule arranges for f to run after delay unless key is rescheduled or
// cancelled first. A non-positive delay runs f immediately.
func (d *Debouncer) Schedule(key string, delay time.Duration, f func()) {
	if delay <= 0 {
		d.Cancel(key)
		f()
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.pending[key]; ok {
		prev.timer.Stop()
	}
	entry := &debounced{}
	d.pending[key] = entry
	entry.timer = d.clock.AfterFunc(delay, func() {
		d.mu.Lock()
		if d.pending[key] != entry {
			d.mu.Unlock()
			return
		}
		delete(d.pending, key)
		d.mu.Unlock()
		f()
	})
}

// Cancel drops the pending task for key. It reports whether one was pending.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.pending[key]
	if !ok {
		return false
	}
	delete(d.pending, key)
	entry.timer.Stop()
	return true
}

// Stop cancels every pending task.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, e := range d.pending {
		e.timer.Stop()
		delete(d.pending, key)
	}
}
