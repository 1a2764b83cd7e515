package wasmbin

import "fmt"

// StartExport is the export under which StripInit exposes the start function.
const StartExport = "__oc_start"

// Stripped is a module with its initialization split off.
type Stripped struct {
	Code     []byte
	Segments []DataSegment
	// Start is the start function index, or nil if the module has none.
	Start *uint32
}

// StripInit removes the start, data and data count sections of m. When m has
// a start function it is exported as StartExport. Only active segments into
// memory 0 with i32.const offsets can be split off.
func StripInit(m *Module) (*Stripped, error) {
	for i, seg := range m.Data {
		if seg.Passive() {
			return nil, fmt.Errorf("data segment %d: passive segments are not supported", i)
		}
		if seg.MemIdx != 0 {
			return nil, fmt.Errorf("data segment %d: memory index %d", i, seg.MemIdx)
		}
		if _, err := seg.Offset32(); err != nil {
			return nil, fmt.Errorf("data segment %d: %w", i, err)
		}
	}
	if _, exists := m.ExportedFunc(StartExport); exists && m.Start != nil {
		return nil, fmt.Errorf("module already exports %q", StartExport)
	}

	exports := m.Exports
	if m.Start != nil {
		exports = append(append([]Export(nil), m.Exports...), Export{Name: StartExport, Kind: KindFunc, Index: *m.Start})
	}

	w := NewWriter()
	w.WriteU32LE(Magic)
	w.WriteU32LE(Version)
	wroteExports := false
	writeExports := func() {
		wroteExports = true
		if len(exports) == 0 {
			return
		}
		w.Section(SectionExport, encodeExports(exports))
	}
	for _, s := range m.Sections {
		switch s.ID {
		case SectionStart, SectionData, SectionDataCount:
			continue
		case SectionExport:
			writeExports()
			continue
		}
		if !wroteExports && s.ID != SectionCustom && sectionOrder(s.ID) > sectionOrder(SectionExport) {
			writeExports()
		}
		w.Section(s.ID, s.Content)
	}
	if !wroteExports {
		writeExports()
	}
	return &Stripped{Code: w.Bytes(), Segments: m.Data, Start: m.Start}, nil
}

func encodeExports(exports []Export) []byte {
	w := NewWriter()
	w.WriteU32(uint32(len(exports)))
	for _, e := range exports {
		w.WriteName(e.Name)
		w.Byte(e.Kind)
		w.WriteU32(e.Index)
	}
	return w.Bytes()
}
