// Package runtime is the execution facade used by the transaction
// processor.
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
//	id := wasmsandbox.NewCodeID(code, 0, 0)
//	if err := rt.Apply(ctx, id, applyCtx); err != nil {
//	    // errors.Is(err, errors.ErrCheckTime), errors.IsExecution(err), ...
//	}
//
// # Backends
//
// The vm setting selects how contracts run:
//
//	interpreter  - wazero interpreter
//	jit          - wazero compiler
//	oc           - artifacts compiled by the OC monitor, run by oc.Executor
//
// With tierup set, a baseline backend serves calls while the OC monitor
// compiles in the background; once an artifact is cached, calls switch to
// it.
//
// # Retention
//
// Compiled modules are kept per code identity. CodeBlockNumLastUsed records
// the block a code was last used in and CurrentLib evicts modules not used
// since before the last irreversible block, then advances the OC cache's
// horizon.
//
// # Stopping a Contract
//
// The transaction timer passed in the ApplyContext is the only way to stop a
// running contract. Exit is meant for host code running inside a call, such
// as a timer callback, and stops the contract with a clean exit.
package runtime
