package host

import (
	"context"
	"sync"

	"github.com/wippyai/wasm-sandbox"
)

// Exit codes recorded on an Execution.
const (
	ExitClean     uint32 = 0
	ExitCheckTime uint32 = 1
)

// Execution is the state of one contract call shared with intrinsics.
type Execution struct {
	Apply wasmsandbox.ApplyContext

	mu       sync.Mutex
	cancel   context.CancelFunc
	exitCode uint32
	exited   bool
}

// NewExecution returns an execution for apply. cancel must cancel the context
// the call runs under; the engine stops at the next function entry or loop
// header once it is canceled.
func NewExecution(apply wasmsandbox.ApplyContext, cancel context.CancelFunc) *Execution {
	return &Execution{Apply: apply, cancel: cancel}
}

// Exit stops the call with code. Only the first code is kept. It is safe to
// call from any goroutine.
func (x *Execution) Exit(code uint32) {
	x.mu.Lock()
	if x.exited {
		x.mu.Unlock()
		return
	}
	x.exited = true
	x.exitCode = code
	cancel := x.cancel
	x.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// ExitCode returns the recorded exit code, if any.
func (x *Execution) ExitCode() (uint32, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.exitCode, x.exited
}

type executionKey struct{}

// WithExecution returns a context carrying x.
func WithExecution(ctx context.Context, x *Execution) context.Context {
	return context.WithValue(ctx, executionKey{}, x)
}

// FromContext returns the execution stored in ctx.
func FromContext(ctx context.Context) (*Execution, bool) {
	x, ok := ctx.Value(executionKey{}).(*Execution)
	return x, ok
}
