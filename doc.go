// Package wasmsandbox executes untrusted, deterministic contract bytecode on
// behalf of a blockchain transaction processor.
//
// The library isolates faults in contract code so they cannot crash or corrupt
// the host process: hardware faults, traps and deadline overruns all resolve to
// error values observable by the caller.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	wasmsandbox/   Root package with the data model (CodeID, Name, Descriptor, ApplyContext)
//	├── runtime/   Execution facade: backend selection, module cache, apply/validate/exit
//	├── engine/    wazero-backed interpreter/JIT backend and protected invocation
//	├── oc/        Out-of-process compilation: cache file, compiler monitor, executor
//	├── ipc/       Tagged message protocol over a socket pair with passed descriptors
//	├── host/      Whitelisted env.* intrinsics and their stable ordinals
//	├── fault/     Fault recovery: memory and arithmetic faults become errors
//	├── watchdog/  Deadline timer and scoped expiration guard
//	├── wasmbin/   Section-level wasm parsing and rewriting
//	├── config/    Configuration loading
//	└── errors/    Structured error types
//
// # Quick Start
//
//	cfg := config.Default()
//	rt, err := runtime.New(ctx, cfg, provider)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	if err := rt.Validate(ctx, code); err != nil {
//	    log.Fatal(err)
//	}
//	err = rt.Apply(ctx, wasmsandbox.NewCodeID(code, 0, 0), applyCtx)
//
// # Thread Safety
//
// The runtime, the OC cache and the engines are safe for concurrent use. A
// single apply call runs synchronously on the calling goroutine; the deadline
// watchdog is the only way to stop it early.
package wasmsandbox
