package host

import (
	"bytes"
	"context"
	"strconv"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/wippyai/wasm-sandbox"
	"github.com/wippyai/wasm-sandbox/errors"
)

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

func vals(v ...api.ValueType) []api.ValueType { return v }

// Builtins returns the intrinsics every contract may import.
func Builtins() []Intrinsic {
	return []Intrinsic{
		{Name: "abort", Fn: abort},
		{Name: "action_data_size", Results: vals(i32), Fn: actionDataSize},
		{Name: "current_receiver", Results: vals(i64), Fn: currentReceiver},
		{Name: "current_time", Results: vals(i64), Fn: currentTime},
		{Name: "inery_assert", Params: vals(i32, i32), Fn: ineryAssert},
		{Name: "inery_assert_message", Params: vals(i32, i32, i32), Fn: ineryAssertMessage},
		{Name: "inery_exit", Params: vals(i32), Fn: ineryExit},
		{Name: "memcmp", Params: vals(i32, i32, i32), Results: vals(i32), Fn: memcmp},
		{Name: "memcpy", Params: vals(i32, i32, i32), Results: vals(i32), Fn: memcpy},
		{Name: "memmove", Params: vals(i32, i32, i32), Results: vals(i32), Fn: memmove},
		{Name: "memset", Params: vals(i32, i32, i32), Results: vals(i32), Fn: memset},
		{Name: "printi", Params: vals(i64), Fn: printi},
		{Name: "printn", Params: vals(i64), Fn: printn},
		{Name: "prints", Params: vals(i32), Fn: prints},
		{Name: "prints_l", Params: vals(i32, i32), Fn: printsL},
		{Name: "printui", Params: vals(i64), Fn: printui},
		{Name: "read_action_data", Params: vals(i32, i32), Results: vals(i32), Fn: readActionData},
	}
}

func abort(context.Context, *Execution, api.Module, []uint64) {
	panic(errors.New(errors.PhaseExecute, errors.KindAssertion).Detail("abort() called").Build())
}

func actionDataSize(_ context.Context, x *Execution, _ api.Module, stack []uint64) {
	stack[0] = api.EncodeU32(uint32(len(x.Apply.ActionData())))
}

func readActionData(_ context.Context, x *Execution, mod api.Module, stack []uint64) {
	ptr, n := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
	data := x.Apply.ActionData()
	if n == 0 {
		stack[0] = api.EncodeU32(uint32(len(data)))
		return
	}
	if int(n) > len(data) {
		n = uint32(len(data))
	}
	write(mod, ptr, data[:n])
	stack[0] = api.EncodeU32(n)
}

func currentReceiver(_ context.Context, x *Execution, _ api.Module, stack []uint64) {
	stack[0] = uint64(x.Apply.Receiver())
}

// currentTime returns the block time in microseconds.
func currentTime(_ context.Context, x *Execution, _ api.Module, stack []uint64) {
	stack[0] = api.EncodeI64(x.Apply.BlockTime().UnixMicro())
}

func ineryAssert(_ context.Context, _ *Execution, mod api.Module, stack []uint64) {
	if api.DecodeU32(stack[0]) != 0 {
		return
	}
	panic(errors.Assertion(readCString(mod, api.DecodeU32(stack[1]))))
}

func ineryAssertMessage(_ context.Context, _ *Execution, mod api.Module, stack []uint64) {
	if api.DecodeU32(stack[0]) != 0 {
		return
	}
	msg := read(mod, api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))
	panic(errors.Assertion(string(msg)))
}

// ineryExit ends the call successfully. Console output written so far is kept.
func ineryExit(_ context.Context, x *Execution, _ api.Module, _ []uint64) {
	x.Exit(ExitClean)
	panic(sys.NewExitError(ExitClean))
}

func memcpy(_ context.Context, _ *Execution, mod api.Module, stack []uint64) {
	dest, src, n := api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), api.DecodeU32(stack[2])
	dist := int64(dest) - int64(src)
	if dist < 0 {
		dist = -dist
	}
	if dist < int64(n) {
		panic(errors.Assertion("memcpy can only accept non-aliasing pointers"))
	}
	copy(read(mod, dest, n), read(mod, src, n))
	stack[0] = api.EncodeU32(dest)
}

func memmove(_ context.Context, _ *Execution, mod api.Module, stack []uint64) {
	dest, src, n := api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), api.DecodeU32(stack[2])
	copy(read(mod, dest, n), read(mod, src, n))
	stack[0] = api.EncodeU32(dest)
}

func memset(_ context.Context, _ *Execution, mod api.Module, stack []uint64) {
	dest, v, n := api.DecodeU32(stack[0]), byte(api.DecodeU32(stack[1])), api.DecodeU32(stack[2])
	b := read(mod, dest, n)
	for i := range b {
		b[i] = v
	}
	stack[0] = api.EncodeU32(dest)
}

func memcmp(_ context.Context, _ *Execution, mod api.Module, stack []uint64) {
	a, b, n := api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), api.DecodeU32(stack[2])
	c := bytes.Compare(read(mod, a, n), read(mod, b, n))
	stack[0] = api.EncodeI32(int32(c))
}

func printi(_ context.Context, x *Execution, _ api.Module, stack []uint64) {
	x.Apply.Console(strconv.FormatInt(int64(stack[0]), 10))
}

func printui(_ context.Context, x *Execution, _ api.Module, stack []uint64) {
	x.Apply.Console(strconv.FormatUint(stack[0], 10))
}

func printn(_ context.Context, x *Execution, _ api.Module, stack []uint64) {
	x.Apply.Console(wasmsandbox.Name(stack[0]).String())
}

func prints(_ context.Context, x *Execution, mod api.Module, stack []uint64) {
	x.Apply.Console(readCString(mod, api.DecodeU32(stack[0])))
}

func printsL(_ context.Context, x *Execution, mod api.Module, stack []uint64) {
	x.Apply.Console(string(read(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))))
}
