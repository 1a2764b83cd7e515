package wasmbin

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidMagic   = errors.New("invalid wasm magic number")
	ErrInvalidVersion = errors.New("invalid wasm version")
)

// Parse decodes the section structure of a module.
func Parse(data []byte) (*Module, error) {
	r := NewReader(data, 0)
	magic, err := r.ReadU32LE()
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	if magic != Magic {
		return nil, ErrInvalidMagic
	}
	version, err := r.ReadU32LE()
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	if version != Version {
		return nil, ErrInvalidVersion
	}

	m := &Module{}
	var last int
	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if id != SectionCustom {
			order := sectionOrder(id)
			if order == 0 {
				return nil, fmt.Errorf("unknown section id %d", id)
			}
			if order <= last {
				return nil, fmt.Errorf("section %d appears out of order", id)
			}
			last = order
		}
		size, err := r.ReadU32()
		if err != nil {
			return nil, fmt.Errorf("section size: %w", err)
		}
		base := r.Position()
		content, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", id, err)
		}
		m.Sections = append(m.Sections, Section{ID: id, Content: content})

		sr := NewReader(content, base)
		if err := parseSection(sr, id, m); err != nil {
			return nil, fmt.Errorf("%s section: %w", sectionName(id), err)
		}
		if id != SectionCustom && sr.Len() != 0 && id != SectionElement && id != SectionCode && id != SectionTag {
			return nil, fmt.Errorf("%s section: %d trailing bytes", sectionName(id), sr.Len())
		}
	}
	return m, nil
}

func sectionName(id byte) string {
	switch id {
	case SectionCustom:
		return "custom"
	case SectionType:
		return "type"
	case SectionImport:
		return "import"
	case SectionFunction:
		return "function"
	case SectionTable:
		return "table"
	case SectionMemory:
		return "memory"
	case SectionGlobal:
		return "global"
	case SectionExport:
		return "export"
	case SectionStart:
		return "start"
	case SectionElement:
		return "element"
	case SectionCode:
		return "code"
	case SectionData:
		return "data"
	case SectionDataCount:
		return "data count"
	case SectionTag:
		return "tag"
	}
	return "unknown"
}

func parseSection(r *Reader, id byte, m *Module) error {
	switch id {
	case SectionType:
		return parseTypes(r, m)
	case SectionImport:
		return parseImports(r, m)
	case SectionFunction:
		return parseFunctions(r, m)
	case SectionTable:
		return parseTables(r, m)
	case SectionMemory:
		return parseMemories(r, m)
	case SectionGlobal:
		return parseGlobals(r, m)
	case SectionExport:
		return parseExports(r, m)
	case SectionStart:
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		m.Start = &idx
	case SectionDataCount:
		n, err := r.ReadU32()
		if err != nil {
			return err
		}
		m.DataCount = &n
	case SectionData:
		return parseData(r, m)
	}
	return nil
}

func readCount(r *Reader) (uint32, error) {
	n, err := r.ReadU32()
	if err != nil {
		return 0, err
	}
	// Every entry takes at least one byte.
	if int(n) > r.Len() {
		return 0, fmt.Errorf("count %d exceeds section size", n)
	}
	return n, nil
}

func readValType(r *Reader) (ValType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch v := ValType(b); v {
	case ValI32, ValI64, ValF32, ValF64, ValV128, ValFuncRef, ValExternRef:
		return v, nil
	}
	return 0, fmt.Errorf("invalid value type 0x%02x", b)
}

func readValTypes(r *Reader) ([]ValType, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	out := make([]ValType, n)
	for i := range out {
		if out[i], err = readValType(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func parseTypes(r *Reader, m *Module) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, n)
	for i := range m.Types {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		if form != 0x60 {
			return fmt.Errorf("unsupported type form 0x%02x", form)
		}
		if m.Types[i].Params, err = readValTypes(r); err != nil {
			return err
		}
		if m.Types[i].Results, err = readValTypes(r); err != nil {
			return err
		}
	}
	return nil
}

func readLimits(r *Reader) (Limits, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	if flags > 0x03 {
		return Limits{}, fmt.Errorf("unsupported limits flags 0x%02x", flags)
	}
	var l Limits
	if l.Min, err = r.ReadU32(); err != nil {
		return Limits{}, err
	}
	if flags&0x01 != 0 {
		if l.Max, err = r.ReadU32(); err != nil {
			return Limits{}, err
		}
		l.HasMax = true
		if l.Max < l.Min {
			return Limits{}, fmt.Errorf("limits max %d below min %d", l.Max, l.Min)
		}
	}
	return l, nil
}

func readTable(r *Reader) (Table, error) {
	et, err := readValType(r)
	if err != nil {
		return Table{}, err
	}
	if et != ValFuncRef && et != ValExternRef {
		return Table{}, fmt.Errorf("invalid table element type %s", et)
	}
	l, err := readLimits(r)
	return Table{ElemType: et, Limits: l}, err
}

func readGlobalType(r *Reader) (GlobalType, error) {
	vt, err := readValType(r)
	if err != nil {
		return GlobalType{}, err
	}
	mut, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	if mut > 1 {
		return GlobalType{}, fmt.Errorf("invalid global mutability %d", mut)
	}
	return GlobalType{ValType: vt, Mutable: mut == 1}, nil
}

func parseImports(r *Reader, m *Module) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	m.Imports = make([]Import, n)
	for i := range m.Imports {
		imp := &m.Imports[i]
		if imp.Module, err = r.ReadName(); err != nil {
			return err
		}
		if imp.Name, err = r.ReadName(); err != nil {
			return err
		}
		if imp.Kind, err = r.ReadByte(); err != nil {
			return err
		}
		switch imp.Kind {
		case KindFunc:
			imp.TypeIdx, err = r.ReadU32()
			if err == nil && imp.TypeIdx >= uint32(len(m.Types)) {
				err = fmt.Errorf("import %s.%s: type index %d out of range", imp.Module, imp.Name, imp.TypeIdx)
			}
		case KindTable:
			imp.Table, err = readTable(r)
		case KindMemory:
			imp.Memory, err = readLimits(r)
		case KindGlobal:
			imp.Global, err = readGlobalType(r)
		default:
			err = fmt.Errorf("import %s.%s: unsupported kind %d", imp.Module, imp.Name, imp.Kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func parseFunctions(r *Reader, m *Module) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	m.Funcs = make([]uint32, n)
	for i := range m.Funcs {
		if m.Funcs[i], err = r.ReadU32(); err != nil {
			return err
		}
		if m.Funcs[i] >= uint32(len(m.Types)) {
			return fmt.Errorf("function %d: type index %d out of range", i, m.Funcs[i])
		}
	}
	return nil
}

func parseTables(r *Reader, m *Module) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	m.Tables = make([]Table, n)
	for i := range m.Tables {
		if m.Tables[i], err = readTable(r); err != nil {
			return err
		}
	}
	return nil
}

func parseMemories(r *Reader, m *Module) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	m.Memories = make([]Limits, n)
	for i := range m.Memories {
		if m.Memories[i], err = readLimits(r); err != nil {
			return err
		}
	}
	return nil
}

func parseGlobals(r *Reader, m *Module) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	m.Globals = make([]GlobalType, n)
	for i := range m.Globals {
		if m.Globals[i], err = readGlobalType(r); err != nil {
			return err
		}
		if _, err = readConstExpr(r); err != nil {
			return err
		}
	}
	return nil
}

func parseExports(r *Reader, m *Module) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	m.Exports = make([]Export, n)
	seen := make(map[string]struct{}, n)
	for i := range m.Exports {
		e := &m.Exports[i]
		if e.Name, err = r.ReadName(); err != nil {
			return err
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("duplicate export %q", e.Name)
		}
		seen[e.Name] = struct{}{}
		if e.Kind, err = r.ReadByte(); err != nil {
			return err
		}
		if e.Index, err = r.ReadU32(); err != nil {
			return err
		}
	}
	return nil
}

func parseData(r *Reader, m *Module) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	m.Data = make([]DataSegment, n)
	for i := range m.Data {
		seg := &m.Data[i]
		if seg.Flags, err = r.ReadU32(); err != nil {
			return err
		}
		if seg.Flags > DataIndexed {
			return fmt.Errorf("invalid data segment flags %d", seg.Flags)
		}
		if seg.Flags == DataIndexed {
			if seg.MemIdx, err = r.ReadU32(); err != nil {
				return err
			}
		}
		if seg.Flags != DataPassive {
			if seg.Offset, err = readConstExpr(r); err != nil {
				return err
			}
		}
		size, err := r.ReadU32()
		if err != nil {
			return err
		}
		if seg.Init, err = r.ReadBytes(int(size)); err != nil {
			return err
		}
	}
	return nil
}

func readConstExpr(r *Reader) (ConstExpr, error) {
	op, err := r.ReadByte()
	if err != nil {
		return ConstExpr{}, err
	}
	e := ConstExpr{Op: op}
	switch op {
	case OpI32Const:
		v, err := r.ReadS32()
		if err != nil {
			return e, err
		}
		e.Value = int64(v)
	case OpI64Const:
		if e.Value, err = r.ReadS64(); err != nil {
			return e, err
		}
	case OpF32Const:
		b, err := r.ReadBytes(4)
		if err != nil {
			return e, err
		}
		e.Value = int64(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
	case OpF64Const:
		b, err := r.ReadBytes(8)
		if err != nil {
			return e, err
		}
		var u uint64
		for i := 7; i >= 0; i-- {
			u = u<<8 | uint64(b[i])
		}
		e.Value = int64(u)
	case OpGlobalGet, OpRefFunc:
		v, err := r.ReadU32()
		if err != nil {
			return e, err
		}
		e.Value = int64(v)
	case OpRefNull:
		if _, err = r.ReadByte(); err != nil {
			return e, err
		}
	default:
		return e, fmt.Errorf("unsupported constant expression opcode 0x%02x", op)
	}
	end, err := r.ReadByte()
	if err != nil {
		return e, err
	}
	if end != OpEnd {
		return e, fmt.Errorf("constant expression not terminated (0x%02x)", end)
	}
	return e, nil
}

// Offset32 returns the memory offset of an active segment. It fails for
// offsets that are not an i32 constant.
func (d DataSegment) Offset32() (uint32, error) {
	if d.Passive() {
		return 0, errors.New("passive segment has no offset")
	}
	if d.Offset.Op != OpI32Const {
		return 0, fmt.Errorf("segment offset opcode 0x%02x is not i32.const", d.Offset.Op)
	}
	if d.Offset.Value < math.MinInt32 || d.Offset.Value > math.MaxInt32 {
		return 0, errors.New("segment offset out of range")
	}
	return uint32(int32(d.Offset.Value)), nil
}
