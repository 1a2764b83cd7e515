// Package testwasm assembles small wasm modules for tests.
package testwasm

import (
	"github.com/wippyai/wasm-sandbox/wasmbin"
)

var (
	I32 = wasmbin.ValI32
	I64 = wasmbin.ValI64
)

// ApplyParams is the signature of the apply entry point.
var ApplyParams = []wasmbin.ValType{wasmbin.ValI64, wasmbin.ValI64, wasmbin.ValI64}

type importEntry struct {
	module, name string
	typeIdx      uint32
}

type funcEntry struct {
	typeIdx uint32
	locals  []wasmbin.ValType
	body    []byte
}

type dataEntry struct {
	offset int32
	init   []byte
}

// Builder assembles a module. Imports must be added before functions.
type Builder struct {
	types   []wasmbin.FuncType
	imports []importEntry
	funcs   []funcEntry
	memory  *wasmbin.Limits
	table   *wasmbin.Limits
	exports []wasmbin.Export
	data    []dataEntry
	start   *uint32
}

func New() *Builder {
	return &Builder{}
}

func (b *Builder) typeIndex(params, results []wasmbin.ValType) uint32 {
	ft := wasmbin.FuncType{Params: params, Results: results}
	for i, t := range b.types {
		if t.Equal(ft) {
			return uint32(i)
		}
	}
	b.types = append(b.types, ft)
	return uint32(len(b.types) - 1)
}

// Import adds a function import and returns its function index.
func (b *Builder) Import(module, name string, params, results []wasmbin.ValType) uint32 {
	if len(b.funcs) > 0 {
		panic("testwasm: Import after Func")
	}
	b.imports = append(b.imports, importEntry{module: module, name: name, typeIdx: b.typeIndex(params, results)})
	return uint32(len(b.imports) - 1)
}

// Func adds a function and returns its index. The end opcode is appended.
func (b *Builder) Func(params, results []wasmbin.ValType, body ...[]byte) uint32 {
	return b.FuncLocals(params, results, nil, body...)
}

// FuncLocals is Func with declared locals.
func (b *Builder) FuncLocals(params, results, locals []wasmbin.ValType, body ...[]byte) uint32 {
	var code []byte
	for _, part := range body {
		code = append(code, part...)
	}
	b.funcs = append(b.funcs, funcEntry{typeIdx: b.typeIndex(params, results), locals: locals, body: append(code, wasmbin.OpEnd)})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// Apply adds the apply(i64, i64, i64) entry point and exports it.
func (b *Builder) Apply(body ...[]byte) *Builder {
	idx := b.Func(ApplyParams, nil, body...)
	return b.Export("apply", idx)
}

func (b *Builder) Memory(min uint32) *Builder {
	b.memory = &wasmbin.Limits{Min: min}
	return b
}

func (b *Builder) MemoryMax(min, max uint32) *Builder {
	b.memory = &wasmbin.Limits{Min: min, Max: max, HasMax: true}
	return b
}

func (b *Builder) Table(min uint32) *Builder {
	b.table = &wasmbin.Limits{Min: min}
	return b
}

func (b *Builder) Export(name string, funcIdx uint32) *Builder {
	b.exports = append(b.exports, wasmbin.Export{Name: name, Kind: wasmbin.KindFunc, Index: funcIdx})
	return b
}

func (b *Builder) ExportMemory(name string) *Builder {
	b.exports = append(b.exports, wasmbin.Export{Name: name, Kind: wasmbin.KindMemory})
	return b
}

// Data adds an active segment at offset in memory 0.
func (b *Builder) Data(offset int32, init []byte) *Builder {
	b.data = append(b.data, dataEntry{offset: offset, init: init})
	return b
}

func (b *Builder) Start(funcIdx uint32) *Builder {
	b.start = &funcIdx
	return b
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	w := wasmbin.NewWriter()
	w.WriteU32LE(wasmbin.Magic)
	w.WriteU32LE(wasmbin.Version)

	if len(b.types) > 0 {
		s := wasmbin.NewWriter()
		s.WriteU32(uint32(len(b.types)))
		for _, t := range b.types {
			s.Byte(0x60)
			writeValTypes(s, t.Params)
			writeValTypes(s, t.Results)
		}
		w.Section(wasmbin.SectionType, s.Bytes())
	}
	if len(b.imports) > 0 {
		s := wasmbin.NewWriter()
		s.WriteU32(uint32(len(b.imports)))
		for _, imp := range b.imports {
			s.WriteName(imp.module)
			s.WriteName(imp.name)
			s.Byte(wasmbin.KindFunc)
			s.WriteU32(imp.typeIdx)
		}
		w.Section(wasmbin.SectionImport, s.Bytes())
	}
	if len(b.funcs) > 0 {
		s := wasmbin.NewWriter()
		s.WriteU32(uint32(len(b.funcs)))
		for _, f := range b.funcs {
			s.WriteU32(f.typeIdx)
		}
		w.Section(wasmbin.SectionFunction, s.Bytes())
	}
	if b.table != nil {
		s := wasmbin.NewWriter()
		s.WriteU32(1)
		s.Byte(byte(wasmbin.ValFuncRef))
		writeLimits(s, *b.table)
		w.Section(wasmbin.SectionTable, s.Bytes())
	}
	if b.memory != nil {
		s := wasmbin.NewWriter()
		s.WriteU32(1)
		writeLimits(s, *b.memory)
		w.Section(wasmbin.SectionMemory, s.Bytes())
	}
	if len(b.exports) > 0 {
		s := wasmbin.NewWriter()
		s.WriteU32(uint32(len(b.exports)))
		for _, e := range b.exports {
			s.WriteName(e.Name)
			s.Byte(e.Kind)
			s.WriteU32(e.Index)
		}
		w.Section(wasmbin.SectionExport, s.Bytes())
	}
	if b.start != nil {
		s := wasmbin.NewWriter()
		s.WriteU32(*b.start)
		w.Section(wasmbin.SectionStart, s.Bytes())
	}
	if len(b.funcs) > 0 {
		s := wasmbin.NewWriter()
		s.WriteU32(uint32(len(b.funcs)))
		for _, f := range b.funcs {
			body := wasmbin.NewWriter()
			body.WriteU32(uint32(len(f.locals)))
			for _, l := range f.locals {
				body.WriteU32(1)
				body.Byte(byte(l))
			}
			body.WriteBytes(f.body)
			s.WriteU32(uint32(body.Len()))
			s.WriteBytes(body.Bytes())
		}
		w.Section(wasmbin.SectionCode, s.Bytes())
	}
	if len(b.data) > 0 {
		s := wasmbin.NewWriter()
		s.WriteU32(uint32(len(b.data)))
		for _, d := range b.data {
			s.WriteU32(wasmbin.DataActive)
			s.WriteBytes(I32Const(d.offset))
			s.Byte(wasmbin.OpEnd)
			s.WriteU32(uint32(len(d.init)))
			s.WriteBytes(d.init)
		}
		w.Section(wasmbin.SectionData, s.Bytes())
	}
	return w.Bytes()
}

func writeValTypes(w *wasmbin.Writer, vs []wasmbin.ValType) {
	w.WriteU32(uint32(len(vs)))
	for _, v := range vs {
		w.Byte(byte(v))
	}
}

func writeLimits(w *wasmbin.Writer, l wasmbin.Limits) {
	if l.HasMax {
		w.Byte(0x01)
		w.WriteU32(l.Min)
		w.WriteU32(l.Max)
		return
	}
	w.Byte(0x00)
	w.WriteU32(l.Min)
}

// Types is shorthand for a value type list.
func Types(vs ...wasmbin.ValType) []wasmbin.ValType { return vs }
