package testwasm

import "github.com/wippyai/wasm-sandbox/wasmbin"

var none []wasmbin.ValType

// Noop has an apply that returns immediately.
func Noop() []byte {
	return New().Memory(1).Apply().Bytes()
}

// InfiniteLoop never returns from apply.
func InfiniteLoop() []byte {
	return New().Memory(1).Apply(Loop()).Bytes()
}

// OutOfBounds loads from the last bytes of the 32-bit address space.
func OutOfBounds() []byte {
	return New().Memory(1).Apply(I32Const(-16), I32Load(), Drop()).Bytes()
}

// DivideByZero performs a signed division by zero.
func DivideByZero() []byte {
	return New().Memory(1).Apply(I32Const(1), I32Const(0), I32DivS(), Drop()).Bytes()
}

// Trap executes the unreachable instruction.
func Trap() []byte {
	return New().Memory(1).Apply(Unreachable()).Bytes()
}

// Hello prints "hello" through prints_l.
func Hello() []byte {
	b := New()
	printsL := b.Import("env", "prints_l", Types(I32, I32), none)
	return b.Memory(1).
		Data(0, []byte("hello")).
		Apply(I32Const(0), I32Const(5), Call(printsL)).
		Bytes()
}

// Exit prints "before", calls inery_exit(0), then prints "after".
func Exit() []byte {
	b := New()
	printsL := b.Import("env", "prints_l", Types(I32, I32), none)
	exit := b.Import("env", "inery_exit", Types(I32), none)
	return b.Memory(1).
		Data(0, []byte("before")).
		Data(16, []byte("after")).
		Apply(
			I32Const(0), I32Const(6), Call(printsL),
			I32Const(0), Call(exit),
			I32Const(16), I32Const(5), Call(printsL),
		).
		Bytes()
}

// AssertFail fails inery_assert_message with "boom".
func AssertFail() []byte {
	b := New()
	assert := b.Import("env", "inery_assert_message", Types(I32, I32, I32), none)
	return b.Memory(1).
		Data(0, []byte("boom")).
		Apply(I32Const(0), I32Const(0), I32Const(4), Call(assert)).
		Bytes()
}

// ForeignImport imports a function outside env.
func ForeignImport() []byte {
	b := New()
	b.Import("foo", "bar", none, none)
	return b.Memory(1).Apply().Bytes()
}

// UnknownIntrinsic imports a function env does not provide.
func UnknownIntrinsic() []byte {
	b := New()
	b.Import("env", "no_such_intrinsic", none, none)
	return b.Memory(1).Apply().Bytes()
}

// WrongSignature imports prints_l with a mismatched signature.
func WrongSignature() []byte {
	b := New()
	b.Import("env", "prints_l", Types(I64), none)
	return b.Memory(1).Apply().Bytes()
}

// PrintReceiver prints the receiver argument with printn.
func PrintReceiver() []byte {
	b := New()
	printn := b.Import("env", "printn", Types(I64), none)
	return b.Memory(1).Apply(LocalGet(0), Call(printn)).Bytes()
}

// EchoActionData prints the action data.
func EchoActionData() []byte {
	b := New()
	size := b.Import("env", "action_data_size", none, Types(I32))
	read := b.Import("env", "read_action_data", Types(I32, I32), Types(I32))
	printsL := b.Import("env", "prints_l", Types(I32, I32), none)
	return b.Memory(1).
		Apply(
			I32Const(0), Call(size), Call(read), Drop(),
			I32Const(0), Call(size), Call(printsL),
		).
		Bytes()
}

// GrowBeyondMax grows memory past its maximum and prints the result.
func GrowBeyondMax() []byte {
	b := New()
	printi := b.Import("env", "printi", Types(I64), none)
	return b.MemoryMax(1, 2).
		Apply(I32Const(5), MemoryGrow(), I64ExtendI32S(), Call(printi)).
		Bytes()
}

// StartStore stores 42 at address 0 in its start function. apply prints the
// stored value.
func StartStore() []byte {
	b := New()
	printi := b.Import("env", "printi", Types(I64), none)
	start := b.Func(none, none, I32Const(0), I32Const(42), I32Store())
	return b.Memory(1).
		Start(start).
		Apply(I32Const(0), I32Load(), I64ExtendI32S(), Call(printi)).
		Bytes()
}

// Counter increments the value at address 0, initially 7, and prints it.
// Prints 8 as long as every call starts from fresh memory.
func Counter() []byte {
	b := New()
	printi := b.Import("env", "printi", Types(I64), none)
	return b.Memory(1).
		Data(0, []byte{7, 0, 0, 0}).
		Apply(
			I32Const(0), I32Const(0), I32Load(), I32Const(1), []byte{0x6A}, I32Store(),
			I32Const(0), I32Load(), I64ExtendI32S(), Call(printi),
		).
		Bytes()
}

// NoApply exports nothing.
func NoApply() []byte {
	b := New().Memory(1)
	b.Func(none, none)
	return b.Bytes()
}

// BigMemory declares pages initial pages.
func BigMemory(pages uint32) []byte {
	return New().Memory(pages).Apply().Bytes()
}

// BigTable declares a table with n elements.
func BigTable(n uint32) []byte {
	return New().Memory(1).Table(n).Apply().Bytes()
}
