package watchdog

import (
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a transaction deadline. It implements wasmsandbox.DeadlineSource.
type Timer struct {
	mu       sync.Mutex
	t        *time.Timer
	callback func()
	expired  atomic.Bool
}

// NewTimer returns a stopped timer.
func NewTimer() *Timer {
	return &Timer{}
}

// Start arms the timer for deadline. A deadline in the past expires the
// timer immediately.
func (t *Timer) Start(deadline time.Time) {
	t.mu.Lock()
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.expired.Store(false)
	d := time.Until(deadline)
	if d > 0 {
		t.t = time.AfterFunc(d, t.expire)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.expire()
}

// Stop disarms the timer without expiring it.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}

func (t *Timer) expire() {
	t.expired.Store(true)
	t.mu.Lock()
	cb := t.callback
	t.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Expired reports whether the deadline has passed.
func (t *Timer) Expired() bool {
	return t.expired.Load()
}

// SetExpirationCallback installs fn as the expiration callback. A nil fn
// removes it.
func (t *Timer) SetExpirationCallback(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callback = fn
}
