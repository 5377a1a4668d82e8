package importer

import (
	"sync"
	"time"
)

// DefaultEditDebounce is the quiet window after a cell edit before the
// edited row is resubmitted.
const DefaultEditDebounce = 500 * time.Millisecond

// Debouncer collapses bursts of calls per key into one deferred call. Each
// Trigger restarts the key's quiet window and replaces its pending
// function, so only the most recent one runs.
type Debouncer struct {
	wait time.Duration

	mu      sync.Mutex
	pending map[string]*debounced
	seq     uint64
	stopped bool
}

type debounced struct {
	timer *time.Timer
	fn    func()
	seq   uint64
}

// NewDebouncer creates a debouncer with the given quiet window.
func NewDebouncer(wait time.Duration) *Debouncer {
	if wait <= 0 {
		wait = DefaultEditDebounce
	}
	return &Debouncer{
		wait:    wait,
		pending: make(map[string]*debounced),
	}
}

// Trigger schedules fn for key after the quiet window, replacing any call
// already pending for key.
func (d *Debouncer) Trigger(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
	}

	d.seq++
	seq := d.seq
	d.pending[key] = &debounced{
		fn:    fn,
		seq:   seq,
		timer: time.AfterFunc(d.wait, func() { d.fire(key, seq) }),
	}
}

func (d *Debouncer) fire(key string, seq uint64) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if !ok || p.seq != seq {
		// superseded by a later Trigger or cancelled
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	p.fn()
}

// Cancel drops the pending call for key. It reports whether one was pending.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[key]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(d.pending, key)
	return true
}

// Flush runs the pending call for key immediately, on the caller's
// goroutine. It reports whether one was pending.
func (d *Debouncer) Flush(key string) bool {
	d.mu.Lock()
	p, ok := d.pending[key]
	if ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()

	if ok {
		p.fn()
	}
	return ok
}

// Pending returns the number of keys with a scheduled call.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels every pending call and ignores later Triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
}
