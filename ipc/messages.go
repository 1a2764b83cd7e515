package ipc

import (
	"fmt"

	"github.com/wippyai/wasm-sandbox"
)

// ProtocolVersion is sent with Initialize. Peers with another version are
// refused.
const ProtocolVersion uint32 = 1

// Type tags a message in the envelope.
type Type uint8

const (
	TypeInitialize Type = iota + 1
	TypeInitializeResponse
	TypeCompileRequest
	TypeCodeCompilationResult
	TypeCompilationResult
	TypeEvictNotice
)

func (t Type) String() string {
	switch t {
	case TypeInitialize:
		return "initialize"
	case TypeInitializeResponse:
		return "initialize_response"
	case TypeCompileRequest:
		return "compile_wasm"
	case TypeCodeCompilationResult:
		return "code_compilation_result"
	case TypeCompilationResult:
		return "wasm_compilation_result"
	case TypeEvictNotice:
		return "evict_wasms"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Message is one of the protocol messages.
type Message interface {
	Type() Type
}

// Region is a byte range of the cache file.
type Region struct {
	Offset uint64 `cbor:"1,keyasint"`
	Size   uint64 `cbor:"2,keyasint"`
}

// End returns the offset one past the region.
func (r Region) End() uint64 { return r.Offset + r.Size }

// Initialize opens a session. Two descriptors are passed with it: the cache
// file, then a regions file (NewRegionsFile) listing the ranges already
// holding artifacts.
type Initialize struct {
	Version   uint32 `cbor:"1,keyasint"`
	CacheSize uint64 `cbor:"2,keyasint"`
}

// InitializeResponse accepts a session when Error is nil.
type InitializeResponse struct {
	Error *string `cbor:"1,keyasint,omitempty"`
}

// CodeTuple identifies the code to compile.
type CodeTuple struct {
	Hash      [32]byte `cbor:"1,keyasint"`
	VMVersion uint8    `cbor:"2,keyasint"`
}

// CompileRequest asks for code to be compiled. The wasm bytes are passed as
// the only descriptor.
type CompileRequest struct {
	RequestID uint64    `cbor:"1,keyasint"`
	Code      CodeTuple `cbor:"2,keyasint"`
}

// CodeCompilationResult is reported by a compile job to the monitor. On
// success the code and initdata artifacts are passed as two descriptors, in
// that order.
type CodeCompilationResult struct {
	RequestID            uint64                 `cbor:"1,keyasint"`
	Start                wasmsandbox.EntryPoint `cbor:"2,keyasint"`
	ApplyOffset          uint32                 `cbor:"3,keyasint"`
	StartingMemoryPages  uint32                 `cbor:"4,keyasint"`
	InitDataPrologueSize uint32                 `cbor:"5,keyasint"`
	Failure              string                 `cbor:"6,keyasint,omitempty"`
}

// ResultKind is the outcome of a compilation.
type ResultKind uint8

const (
	ResultSuccess ResultKind = iota
	ResultUnknownFailure
	ResultTooFull
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultUnknownFailure:
		return "unknown_failure"
	case ResultTooFull:
		return "too_full"
	}
	return fmt.Sprintf("result(%d)", uint8(k))
}

// CompilationResult answers a CompileRequest. Descriptor is set only on
// success. CacheFreeBytes is the unallocated space left in the cache file.
// On ResultTooFull, Needed is the space the artifact would have taken.
type CompilationResult struct {
	RequestID      uint64                  `cbor:"1,keyasint"`
	Code           CodeTuple               `cbor:"2,keyasint"`
	Kind           ResultKind              `cbor:"3,keyasint"`
	Descriptor     *wasmsandbox.Descriptor `cbor:"4,keyasint,omitempty"`
	CacheFreeBytes uint64                  `cbor:"5,keyasint"`
	Needed         uint64                  `cbor:"6,keyasint,omitempty"`
}

// EvictNotice tells the monitor the listed artifacts are no longer in use.
type EvictNotice struct {
	Codes []wasmsandbox.Descriptor `cbor:"1,keyasint"`
}

func (Initialize) Type() Type            { return TypeInitialize }
func (InitializeResponse) Type() Type    { return TypeInitializeResponse }
func (CompileRequest) Type() Type        { return TypeCompileRequest }
func (CodeCompilationResult) Type() Type { return TypeCodeCompilationResult }
func (CompilationResult) Type() Type     { return TypeCompilationResult }
func (EvictNotice) Type() Type           { return TypeEvictNotice }
