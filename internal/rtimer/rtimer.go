// Package rtimer provides a handle-based one-shot timer: a handle carries
// no back-pointer into whatever it fires against, so the caller's closure
// captures whatever state it needs instead of the timer owning a reference
// back to its engine.
package rtimer

import (
	"sync"
	"time"
)

// Handle wraps a single time.Timer with cancellation that waits for any
// in-flight handler to finish.
type Handle struct {
	mu      sync.Mutex
	timer   *time.Timer
	running sync.WaitGroup
	stopped bool
	armed   bool
}

// New returns an unarmed handle.
func New() *Handle {
	return &Handle{}
}

// Start arms the timer to fire f after d, replacing any previously armed
// timer. f runs on its own goroutine; Stop blocks until it returns.
func (h *Handle) Start(d time.Duration, f func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		h.running.Add(1)
		defer h.running.Done()
		h.mu.Lock()
		if h.timer == t {
			h.armed = false
		}
		h.mu.Unlock()
		f()
	})
	h.timer = t
	h.armed = true
}

// Reset re-arms the timer to fire after d without changing its handler.
// It is a no-op if the handle was never Start-ed or has been stopped.
func (h *Handle) Reset(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.timer == nil {
		return
	}
	h.timer.Reset(d)
	h.armed = true
}

// Pending reports whether the timer is currently armed.
func (h *Handle) Pending() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.armed && !h.stopped
}

// Stop cancels the timer and blocks until any handler already running has
// returned. After Stop, the handle can be reused by calling Start again
// unless Close was called.
func (h *Handle) Stop() (stopped bool) {
	h.mu.Lock()
	if h.timer != nil {
		stopped = h.timer.Stop()
	}
	h.armed = false
	h.mu.Unlock()
	h.running.Wait()
	return stopped
}

// Close permanently disables the handle; subsequent Start calls are no-ops.
func (h *Handle) Close() {
	h.Stop()
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
}
