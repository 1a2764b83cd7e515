package wasmbin

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether two signatures are identical.
func (f FuncType) Equal(o FuncType) bool {
	if len(f.Params) != len(o.Params) || len(f.Results) != len(o.Results) {
		return false
	}
	for i := range f.Params {
		if f.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range f.Results {
		if f.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

// Limits bounds a table or memory, in elements or pages.
type Limits struct {
	Min    uint32
	Max    uint32
	HasMax bool
}

// Table is a table type.
type Table struct {
	ElemType ValType
	Limits   Limits
}

// GlobalType is the type of a global.
type GlobalType struct {
	ValType ValType
	Mutable bool
}

// ConstExpr is a single-instruction constant expression.
type ConstExpr struct {
	Op    byte
	Value int64
}

// Import is one entry of the import section. Only the field matching Kind
// is set.
type Import struct {
	Module  string
	Name    string
	Kind    byte
	TypeIdx uint32
	Table   Table
	Memory  Limits
	Global  GlobalType
}

// Export is one entry of the export section.
type Export struct {
	Name  string
	Kind  byte
	Index uint32
}

// Data segment modes.
const (
	DataActive  uint32 = 0
	DataPassive uint32 = 1
	DataIndexed uint32 = 2
)

// DataSegment is one entry of the data section.
type DataSegment struct {
	Flags  uint32
	MemIdx uint32
	Offset ConstExpr
	Init   []byte
}

// Passive reports whether the segment is only usable through memory.init.
func (d DataSegment) Passive() bool { return d.Flags == DataPassive }

// Section is a raw section as it appears in the binary.
type Section struct {
	ID      byte
	Content []byte
}

// Module is a decoded module.
type Module struct {
	Types     []FuncType
	Imports   []Import
	Funcs     []uint32
	Tables    []Table
	Memories  []Limits
	Globals   []GlobalType
	Exports   []Export
	Start     *uint32
	DataCount *uint32
	Data      []DataSegment
	Sections  []Section
}

// NumImportedFuncs returns how many function indices are taken by imports.
func (m *Module) NumImportedFuncs() uint32 {
	var n uint32
	for _, imp := range m.Imports {
		if imp.Kind == KindFunc {
			n++
		}
	}
	return n
}

// NumFuncs returns the size of the function index space.
func (m *Module) NumFuncs() uint32 {
	return m.NumImportedFuncs() + uint32(len(m.Funcs))
}

// FuncType returns the signature of a function index.
func (m *Module) FuncType(idx uint32) (FuncType, bool) {
	var typeIdx uint32
	imported := m.NumImportedFuncs()
	if idx < imported {
		var n uint32
		for _, imp := range m.Imports {
			if imp.Kind != KindFunc {
				continue
			}
			if n == idx {
				typeIdx = imp.TypeIdx
				break
			}
			n++
		}
	} else {
		local := idx - imported
		if local >= uint32(len(m.Funcs)) {
			return FuncType{}, false
		}
		typeIdx = m.Funcs[local]
	}
	if typeIdx >= uint32(len(m.Types)) {
		return FuncType{}, false
	}
	return m.Types[typeIdx], true
}

// ImportedFunc returns the import at function index idx.
func (m *Module) ImportedFunc(idx uint32) (Import, bool) {
	var n uint32
	for _, imp := range m.Imports {
		if imp.Kind != KindFunc {
			continue
		}
		if n == idx {
			return imp, true
		}
		n++
	}
	return Import{}, false
}

// ExportedFunc returns the function index exported under name.
func (m *Module) ExportedFunc(name string) (uint32, bool) {
	for _, e := range m.Exports {
		if e.Kind == KindFunc && e.Name == name {
			return e.Index, true
		}
	}
	return 0, false
}

// Memory returns the single memory of the module, imported or defined.
func (m *Module) Memory() (Limits, bool) {
	for _, imp := range m.Imports {
		if imp.Kind == KindMemory {
			return imp.Memory, true
		}
	}
	if len(m.Memories) > 0 {
		return m.Memories[0], true
	}
	return Limits{}, false
}

// NumMemories counts imported and defined memories.
func (m *Module) NumMemories() int {
	n := len(m.Memories)
	for _, imp := range m.Imports {
		if imp.Kind == KindMemory {
			n++
		}
	}
	return n
}
