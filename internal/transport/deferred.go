package transport

import (
	"sync"
	"time"
)

// Deferred runs delayed work off the caller's goroutine, so a delivery waiting out its
// retry delay does not hold up the receive loop. Flush fires everything still waiting
// without further delay and returns once all of it has finished.
type Deferred struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	stop    chan struct{}
	flushed bool
	pending int
}

func NewDeferred() *Deferred {
	return &Deferred{stop: make(chan struct{})}
}

// After runs fn once delay has passed. After Flush, fn runs inline.
func (d *Deferred) After(delay time.Duration, fn func()) {
	d.mu.Lock()
	if d.flushed {
		d.mu.Unlock()
		fn()
		return
	}
	d.pending++
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-d.stop:
		}
		fn()
		d.mu.Lock()
		d.pending--
		d.mu.Unlock()
	}()
}

// Pending reports how many scheduled functions have not finished yet.
func (d *Deferred) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Flush is safe to call more than once.
func (d *Deferred) Flush() {
	d.mu.Lock()
	if !d.flushed {
		d.flushed = true
		close(d.stop)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
