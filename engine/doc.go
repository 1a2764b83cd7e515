// Package engine runs contract code on wazero, interpreted or compiled.
//
// # Architecture
//
// The package provides three main types:
//
//	Engine  - owns a wazero runtime with the env intrinsics bound
//	Module  - a compiled contract that instantiates fresh state per call
//	Result  - the classified outcome of one protected call
//
// # Call Flow
//
//  1. Engine.Compile resolves every import against the host registry
//  2. Module.Apply hands the call to Engine.Invoke
//  3. Invoke binds the memory allocator, arms the watchdog, instantiates the
//     module and calls apply(receiver, account, action) under fault.Run
//  4. The outcome is classified as clean exit, checktime, segv or exception
//
// # Error Mapping
//
// A deadline overrun becomes errors.CheckTime, an out-of-bounds access
// becomes errors.AccessViolation and a failed contract assertion keeps its
// message. Any other trap becomes a generic execution error; the engine's own
// text is logged, never returned.
//
// # Thread Safety
//
// Engine and Module are safe for concurrent use. Each call gets its own
// instance.
package engine
