// Package wasmbin reads and rewrites WebAssembly binaries at section level.
//
// It decodes just enough of a module to validate contract code and to
// prepare it for ahead-of-time compilation: types, imports, functions,
// tables, memories, globals, exports, the start function and data
// segments. Function bodies and element segments are kept as raw section
// bytes.
//
// StripInit produces a copy of a module without its start and data
// sections. The start function stays reachable through an added export,
// and the data segments are returned separately so a runtime can replay
// them into fresh memory.
package wasmbin
