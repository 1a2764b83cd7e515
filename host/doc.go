// Package host provides the whitelisted env.* intrinsics contracts may import.
//
// A Registry holds the intrinsics sorted by name. The position of an
// intrinsic in that order is its ordinal: compiled artifacts refer to
// intrinsics by ordinal, so the set of names defines the artifact format.
//
// Intrinsics reach the running call through an Execution stored in the
// context passed to wazero. The Execution carries the ApplyContext and
// records how the call ended when an intrinsic or the watchdog stops it.
//
// Intrinsics report contract errors by panicking with *errors.Error. wazero
// recovers the panic and returns it wrapped from the exported function call,
// so errors.As finds the original error.
package host
