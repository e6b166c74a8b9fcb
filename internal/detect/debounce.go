package detect

import (
	"sync"
	"time"
)

// debouncer batches rapid filesystem events into a single action after a
// quiet period. Safe for concurrent triggers.
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	duration time.Duration
	action   func()
	seq      uint64
	wg       sync.WaitGroup
}

func newDebouncer(duration time.Duration, action func()) *debouncer {
	return &debouncer{duration: duration, action: action}
}

// trigger schedules the action after the debounce window. Repeated triggers
// reset the window so the action fires once per burst.
func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil && d.timer.Stop() {
		d.wg.Done()
	}

	d.seq++
	seq := d.seq

	d.wg.Add(1)
	d.timer = time.AfterFunc(d.duration, func() {
		defer d.wg.Done()

		d.mu.Lock()
		if d.seq != seq {
			// A later trigger superseded this timer.
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()

		d.action()
	})
}

// cancel stops any pending action without waiting for one already running.
func (d *debouncer) cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		if d.timer.Stop() {
			d.wg.Done()
		}
		d.timer = nil
	}
}

// cancelAndWait stops pending actions and blocks until in-flight ones
// finish. Used during shutdown so a half-run action cannot race teardown.
func (d *debouncer) cancelAndWait() {
	d.cancel()
	d.wg.Wait()
}
