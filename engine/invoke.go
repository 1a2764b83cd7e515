package engine

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/fault"
	"github.com/wippyai/wasm-sandbox/host"
	"github.com/wippyai/wasm-sandbox/watchdog"
)

// ApplyExport is the entry point every contract exports.
const ApplyExport = "apply"

// Trap is the outcome of a protected call.
type Trap int

const (
	TrapCleanExit Trap = iota
	TrapCheckTime
	TrapSegv
	TrapException
)

func (t Trap) String() string {
	switch t {
	case TrapCleanExit:
		return "clean_exit"
	case TrapCheckTime:
		return "checktime"
	case TrapSegv:
		return "segv"
	case TrapException:
		return "exception"
	}
	return "unknown"
}

// Invocation describes one protected call.
type Invocation struct {
	Compiled wazero.CompiledModule
	Apply    wasmsandbox.ApplyContext

	// Allocator overrides Apply.MemoryAllocator when set.
	Allocator experimental.MemoryAllocator

	// Prepare runs on the fresh instance before the entry point, inside the
	// protected region.
	Prepare func(ctx context.Context, mod api.Module) error
}

// Result is a classified call outcome. Cause is the raw error, if any, and
// is meant for logs only.
type Result struct {
	Cause error
	Trap  Trap
}

// Err maps the result to the error surfaced to the transaction processor.
func (r Result) Err() error {
	switch r.Trap {
	case TrapCleanExit:
		return nil
	case TrapCheckTime:
		return errors.CheckTime()
	case TrapSegv:
		return errors.AccessViolation()
	}
	var e *errors.Error
	if errors.As(r.Cause, &e) && (e.Kind == errors.KindAssertion || e.Phase != errors.PhaseExecute) {
		return e
	}
	return errors.Execution("wasm execution error")
}

// Invoke instantiates inv.Compiled and calls its apply export under the
// watchdog and fault protection. The instance is closed before returning.
func (e *Engine) Invoke(ctx context.Context, inv Invocation) Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	x := host.NewExecution(inv.Apply, cancel)
	ctx = host.WithExecution(ctx, x)
	alloc := inv.Allocator
	if alloc == nil {
		alloc = inv.Apply.MemoryAllocator()
	}
	if alloc != nil {
		ctx = experimental.WithMemoryAllocator(ctx, alloc)
	}

	guard := watchdog.ScopedRun(inv.Apply.Timer(), func() {
		x.Exit(host.ExitCheckTime)
	})
	defer guard.Close()

	err := fault.Run(func() error {
		return e.call(ctx, inv)
	}, nil)

	res := classify(x, err)
	if res.Trap != TrapCleanExit {
		Logger().Debug("contract call trapped",
			zap.Stringer("trap", res.Trap),
			zap.Stringer("receiver", inv.Apply.Receiver()),
			zap.Error(err))
	}
	return res
}

func (e *Engine) call(ctx context.Context, inv Invocation) error {
	// A deadline that expired before the call started.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	mod, err := e.runtime.InstantiateModule(ctx, inv.Compiled,
		wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		return err
	}
	defer mod.Close(context.WithoutCancel(ctx))

	if inv.Prepare != nil {
		if err := inv.Prepare(ctx, mod); err != nil {
			return err
		}
	}
	fn, err := exportedApply(mod, ApplyExport)
	if err != nil {
		return err
	}
	_, err = fn.Call(ctx,
		uint64(inv.Apply.Receiver()),
		uint64(inv.Apply.Account()),
		uint64(inv.Apply.Action()))
	return err
}

func classify(x *host.Execution, err error) Result {
	// apply returned; a watchdog firing after that is too late to matter.
	if err == nil {
		return Result{Trap: TrapCleanExit}
	}
	if code, ok := x.ExitCode(); ok {
		if code == host.ExitCheckTime {
			return Result{Trap: TrapCheckTime, Cause: err}
		}
		return Result{Trap: TrapCleanExit}
	}

	var exit *sys.ExitError
	if errors.As(err, &exit) {
		switch exit.ExitCode() {
		case host.ExitClean:
			return Result{Trap: TrapCleanExit}
		case sys.ExitCodeDeadlineExceeded, sys.ExitCodeContextCanceled:
			return Result{Trap: TrapCheckTime, Cause: err}
		}
		return Result{Trap: TrapException, Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Result{Trap: TrapCheckTime, Cause: err}
	}

	var f *fault.Fault
	if errors.As(err, &f) {
		return Result{Trap: trapFor(f.Signal), Cause: err}
	}
	var e *errors.Error
	if errors.As(err, &e) {
		if e.Kind == errors.KindAccessViolation {
			return Result{Trap: TrapSegv, Cause: err}
		}
		return Result{Trap: TrapException, Cause: err}
	}
	if sig, ok := fault.ClassifyError(err); ok {
		return Result{Trap: trapFor(sig), Cause: err}
	}
	return Result{Trap: TrapException, Cause: err}
}

// trapFor maps a fault to a trap. Arithmetic faults are exceptions.
func trapFor(sig fault.Signal) Trap {
	if sig == fault.SignalFPE {
		return TrapException
	}
	return TrapSegv
}
