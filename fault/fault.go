package fault

import (
	"fmt"
	goruntime "runtime"
	"runtime/debug"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

// Signal is the kind of fault that interrupted protected work.
type Signal int

const (
	SignalSegv Signal = iota + 1
	SignalBus
	SignalFPE
)

func (s Signal) String() string {
	switch s {
	case SignalSegv:
		return "SIGSEGV"
	case SignalBus:
		return "SIGBUS"
	case SignalFPE:
		return "SIGFPE"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// Fault is returned by Run when no fault handler is supplied.
type Fault struct {
	Value  any
	Signal Signal
}

func (f *Fault) Error() string {
	return fmt.Sprintf("fault: %s: %v", f.Signal, f.Value)
}

var active atomic.Int64

// Active returns the number of goroutines currently inside a protected call.
func Active() int64 {
	return active.Load()
}

// Run executes work on the calling goroutine with fault protection. If work
// faults, control returns here and onFault decides the result. onFault runs
// exactly once per fault and after protection has been lifted.
func Run(work func() error, onFault func(Signal) error) (err error) {
	prev := debug.SetPanicOnFault(true)
	active.Add(1)
	defer func() {
		active.Add(-1)
		debug.SetPanicOnFault(prev)
		r := recover()
		if r == nil {
			return
		}
		sig, ok := Classify(r)
		if !ok {
			panic(r)
		}
		Logger().Debug("recovered fault in protected call",
			zap.Stringer("signal", sig),
			zap.Any("value", r))
		if onFault == nil {
			err = &Fault{Signal: sig, Value: r}
			return
		}
		err = onFault(sig)
	}()
	return work()
}

// Classify maps a recovered panic value to a fault kind. It reports false for
// panics that are not faults.
func Classify(v any) (Signal, bool) {
	switch e := v.(type) {
	case goruntime.Error:
		return classifyMessage(e.Error())
	case error:
		return ClassifyError(e)
	}
	return 0, false
}

// ClassifyError recognizes trap errors reported by the wasm engine, including
// Go runtime faults it recovered inside host functions.
func ClassifyError(err error) (Signal, bool) {
	if err == nil {
		return 0, false
	}
	return classifyMessage(err.Error())
}

func classifyMessage(msg string) (Signal, bool) {
	switch {
	case strings.Contains(msg, "integer divide by zero"),
		strings.Contains(msg, "integer overflow"),
		strings.Contains(msg, "invalid conversion to integer"):
		return SignalFPE, true
	case strings.Contains(msg, "out of bounds memory access"),
		strings.Contains(msg, "invalid memory address"),
		strings.Contains(msg, "nil pointer dereference"),
		strings.Contains(msg, "unexpected fault address"):
		return SignalSegv, true
	case strings.Contains(msg, "bus error"):
		return SignalBus, true
	}
	return 0, false
}
