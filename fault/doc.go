// Package fault converts hardware faults raised while running contract code
// into ordinary control flow.
//
// Run marks the calling goroutine as protected with
// runtime/debug.SetPanicOnFault, so a memory fault at an unexpected address
// (for example a read from a truncated, memory-mapped cache file) panics
// instead of killing the process. The recover frame installed by Run turns
// that panic, and integer divide faults, into a call to the supplied fault
// handler.
//
// The previous panic-on-fault setting is saved on entry and restored on exit.
// Nested protected calls therefore behave like a stack: the innermost call
// recovers the fault, and outside any protected call the process keeps its
// default fault behavior. Panics that are not faults are re-raised unchanged.
//
// This mechanism resumes execution after skipping the faulting instruction's
// remaining effects. Use it only around deterministic contract execution and
// reads of contract artifacts, never around arbitrary host code.
package fault
