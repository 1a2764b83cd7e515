// Package oc implements out-of-process compilation: the code cache, the
// compiler monitor and the executor for compiled artifacts.
//
// # Cache File
//
// Compiled artifacts live in one fixed-size file. The first 4KiB hold a
// header; the rest is carved into regions by a first-fit allocator owned by
// the compiler monitor. The node maps the file read-only and shared, so
// artifacts written by the monitor become visible without copying. An index
// of descriptors is written into the file on a clean close. A file that was
// not closed cleanly is reset on open.
//
// # Compilation
//
// The Cache asks the monitor for artifacts over an ipc.Session. The monitor
// runs in a separate process (cmd/ocd) or, for tests and single-binary
// deployments, in a goroutine. Requests for the same code are merged with
// singleflight and the number of compiles in flight is bounded. A monitor
// that disconnects fails the pending requests; the next request relaunches
// it.
//
// # Execution
//
// An artifact is the module with its start function and data segments split
// off. The Executor compiles the artifact to machine code once (persisted by
// wazero's compilation cache), replays the data segments into a fresh
// MemoryWindow and runs the start entry before calling apply.
package oc
