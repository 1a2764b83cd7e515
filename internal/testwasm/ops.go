package testwasm

import "github.com/wippyai/wasm-sandbox/wasmbin"

func I32Const(v int32) []byte {
	w := wasmbin.NewWriter()
	w.Byte(wasmbin.OpI32Const)
	w.WriteS32(v)
	return w.Bytes()
}

func I64Const(v int64) []byte {
	w := wasmbin.NewWriter()
	w.Byte(wasmbin.OpI64Const)
	w.WriteS64(v)
	return w.Bytes()
}

func Call(idx uint32) []byte {
	w := wasmbin.NewWriter()
	w.Byte(0x10)
	w.WriteU32(idx)
	return w.Bytes()
}

func LocalGet(idx uint32) []byte {
	w := wasmbin.NewWriter()
	w.Byte(0x20)
	w.WriteU32(idx)
	return w.Bytes()
}

func LocalSet(idx uint32) []byte {
	w := wasmbin.NewWriter()
	w.Byte(0x21)
	w.WriteU32(idx)
	return w.Bytes()
}

// I32Load loads with natural alignment and a zero offset.
func I32Load() []byte { return []byte{0x28, 0x02, 0x00} }

func I32Store() []byte { return []byte{0x36, 0x02, 0x00} }

func MemoryGrow() []byte { return []byte{0x40, 0x00} }

func MemorySize() []byte { return []byte{0x3F, 0x00} }

func Drop() []byte { return []byte{0x1A} }

func I32DivS() []byte { return []byte{0x6D} }

func I32Eq() []byte { return []byte{0x46} }

func I64ExtendI32S() []byte { return []byte{0xAC} }

func Unreachable() []byte { return []byte{0x00} }

// Loop is an infinite loop.
func Loop() []byte { return []byte{0x03, 0x40, 0x0C, 0x00, 0x0B} }
