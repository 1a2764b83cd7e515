package host

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-sandbox/errors"
)

func memory(mod api.Module) api.Memory {
	mem := mod.Memory()
	if mem == nil {
		panic(errors.AccessViolation())
	}
	return mem
}

// read returns a view of n bytes at ptr.
func read(mod api.Module, ptr, n uint32) []byte {
	b, ok := memory(mod).Read(ptr, n)
	if !ok {
		panic(errors.AccessViolation())
	}
	return b
}

// readCString reads a NUL-terminated string at ptr.
func readCString(mod api.Module, ptr uint32) string {
	mem := memory(mod)
	size := mem.Size()
	if ptr >= size {
		panic(errors.AccessViolation())
	}
	b, _ := mem.Read(ptr, size-ptr)
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	panic(errors.AccessViolation())
}

func write(mod api.Module, ptr uint32, data []byte) {
	if !memory(mod).Write(ptr, data) {
		panic(errors.AccessViolation())
	}
}
