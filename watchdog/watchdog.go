// Package watchdog ties an expiration action to the lifetime of a scope.
//
// A Guard registers an action with a deadline source for as long as the
// guard is open. If the source has already expired when the guard is
// created, the action runs immediately. Closing the guard unregisters the
// action; after Close returns the action will not start again.
package watchdog

import (
	"sync"
	"sync/atomic"

	"github.com/wippyai/wasm-sandbox"
)

// Guard is a scoped expiration registration.
type Guard struct {
	src    wasmsandbox.DeadlineSource
	action func()
	once   sync.Once
	mu     sync.Mutex
	closed bool
	fired  atomic.Bool
}

// ScopedRun registers action with src until the returned guard is closed.
// The action may run on the timer's goroutine and runs at most once.
func ScopedRun(src wasmsandbox.DeadlineSource, action func()) *Guard {
	g := &Guard{src: src, action: action}
	src.SetExpirationCallback(g.fire)
	// The timer may have expired before the callback was installed.
	if src.Expired() {
		g.fire()
	}
	return g
}

func (g *Guard) fire() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.once.Do(func() {
		g.fired.Store(true)
		g.action()
	})
}

// Fired reports whether the action ran.
func (g *Guard) Fired() bool {
	return g.fired.Load()
}

// Close unregisters the action. It waits for a running action to finish.
func (g *Guard) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()
	g.src.SetExpirationCallback(nil)
}
