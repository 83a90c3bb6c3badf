package chatsync

import (
	"sync"
	"time"
)

// DefaultDebounceWindow is the coalescing window for debounced work, such as
// device-token updates and removals.
const DefaultDebounceWindow = 200 * time.Millisecond

// Debouncer guarantees at most one pending unit of work per logical key.
// Submitting again while one is pending cancels the pending one and
// reschedules the window with the latest input.
type Debouncer struct {
	window time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewDebouncer creates a debouncer; a non-positive window takes the default.
func NewDebouncer(window time.Duration) *Debouncer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &Debouncer{
		window:  window,
		pending: make(map[string]*time.Timer),
	}
}

// Submit schedules fn to run after the window, superseding any pending work
// under the same key.
func (d *Debouncer) Submit(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.pending[key]; ok {
		t.Stop()
	}
	d.pending[key] = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
		fn()
	})
}

// Cancel drops any pending work for the key.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.pending[key]; ok {
		t.Stop()
		delete(d.pending, key)
	}
}

// Stop cancels all pending work.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, t := range d.pending {
		t.Stop()
		delete(d.pending, key)
	}
}
