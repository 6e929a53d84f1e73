// internal/scheduler/debounce.go
package scheduler

import (
	"sync"
	"time"
)

// entry is one armed deferred call. Identity is what makes cancellation
// real: a timer that fires after being replaced finds a different entry in
// the map and does nothing.
type entry struct {
	timer   *time.Timer
	running bool
}

// Debouncer coalesces bursts of triggers per key into a single deferred call
type Debouncer struct {
	mu       sync.Mutex
	pending  map[string]*entry
	inflight sync.WaitGroup
	closed   bool

	// OnChange, if set, receives the pending count after every mutation
	OnChange func(pending int)
}

// New creates an empty debouncer
func New() *Debouncer {
	return &Debouncer{pending: make(map[string]*entry)}
}

// Arm cancels any pending call for key and schedules fn to run after delay.
// A call for key that has already started is left to finish. Returns false
// once CancelAll has been called.
func (d *Debouncer) Arm(key string, delay time.Duration, fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}

	if prev, ok := d.pending[key]; ok && !prev.running {
		prev.timer.Stop()
	}

	e := &entry{}
	e.timer = time.AfterFunc(delay, func() { d.fire(key, e, fn) })
	d.pending[key] = e
	d.notify()
	return true
}

func (d *Debouncer) fire(key string, e *entry, fn func()) {
	d.mu.Lock()
	if d.closed || d.pending[key] != e {
		d.mu.Unlock()
		return
	}
	e.running = true
	d.inflight.Add(1)
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.pending[key] == e {
			delete(d.pending, key)
			d.notify()
		}
		d.mu.Unlock()
		d.inflight.Done()
	}()

	fn()
}

// Cancel drops the pending call for key. Reports whether a not-yet-started
// call was cancelled.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.pending[key]
	if !ok || e.running {
		return false
	}
	e.timer.Stop()
	delete(d.pending, key)
	d.notify()
	return true
}

// CancelAll stops every pending call and refuses further Arm calls.
// Calls already running are not interrupted; use Wait to drain them.
func (d *Debouncer) CancelAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cancelled := 0
	for key, e := range d.pending {
		if !e.running {
			e.timer.Stop()
			cancelled++
		}
		delete(d.pending, key)
	}
	d.closed = true
	d.notify()
	return cancelled
}

// Wait blocks until every started call has returned
func (d *Debouncer) Wait() {
	d.inflight.Wait()
}

// Pending returns the number of keys with an armed or running call
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// IsPending reports whether key has an armed or running call
func (d *Debouncer) IsPending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

func (d *Debouncer) notify() {
	if d.OnChange != nil {
		d.OnChange(len(d.pending))
	}
}
