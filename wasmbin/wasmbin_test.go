package wasmbin_test

import (
	"bytes"
	"testing"

	"github.com/wippyai/wasm-sandbox/internal/testwasm"
	"github.com/wippyai/wasm-sandbox/wasmbin"
)

func TestLEBRoundTrip(t *testing.T) {
	u32 := []uint32{0, 1, 127, 128, 624485, 1<<32 - 1}
	for _, v := range u32 {
		w := wasmbin.NewWriter()
		w.WriteU32(v)
		got, err := wasmbin.NewReader(w.Bytes(), 0).ReadU32()
		if err != nil || got != v {
			t.Errorf("u32 %d: got %d, %v", v, got, err)
		}
	}
	s64 := []int64{0, -1, 63, -64, 64, -65, 1 << 40, -(1 << 62), 1<<63 - 1, -1 << 63}
	for _, v := range s64 {
		w := wasmbin.NewWriter()
		w.WriteS64(v)
		got, err := wasmbin.NewReader(w.Bytes(), 0).ReadS64()
		if err != nil || got != v {
			t.Errorf("s64 %d: got %d, %v", v, got, err)
		}
	}
}

func TestReaderErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"truncated", []byte{0x80}},
		{"u32 overflow", []byte{0xff, 0xff, 0xff, 0xff, 0x7f}},
		{"too long", []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := wasmbin.NewReader(tt.data, 0).ReadU32(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseHeader(t *testing.T) {
	if _, err := wasmbin.Parse([]byte("\x00asx\x01\x00\x00\x00")); err != wasmbin.ErrInvalidMagic {
		t.Errorf("bad magic: got %v", err)
	}
	if _, err := wasmbin.Parse([]byte("\x00asm\x02\x00\x00\x00")); err != wasmbin.ErrInvalidVersion {
		t.Errorf("bad version: got %v", err)
	}
	if _, err := wasmbin.Parse([]byte("\x00as")); err == nil {
		t.Error("truncated header accepted")
	}
}

func TestParseContract(t *testing.T) {
	m, err := wasmbin.Parse(testwasm.Exit())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := m.NumImportedFuncs(); got != 2 {
		t.Fatalf("imported funcs = %d, want 2", got)
	}
	if m.Imports[0].Module != "env" || m.Imports[0].Name != "prints_l" {
		t.Errorf("import 0 = %s.%s", m.Imports[0].Module, m.Imports[0].Name)
	}
	idx, ok := m.ExportedFunc("apply")
	if !ok || idx != 2 {
		t.Fatalf("apply = %d, %v; want 2", idx, ok)
	}
	ft, ok := m.FuncType(idx)
	if !ok || len(ft.Params) != 3 || ft.Params[0] != wasmbin.ValI64 {
		t.Errorf("apply type = %+v", ft)
	}
	mem, ok := m.Memory()
	if !ok || mem.Min != 1 || mem.HasMax {
		t.Errorf("memory = %+v, %v", mem, ok)
	}
	if len(m.Data) != 2 {
		t.Fatalf("data segments = %d, want 2", len(m.Data))
	}
	off, err := m.Data[1].Offset32()
	if err != nil || off != 16 {
		t.Errorf("segment 1 offset = %d, %v", off, err)
	}
	if !bytes.Equal(m.Data[1].Init, []byte("after")) {
		t.Errorf("segment 1 init = %q", m.Data[1].Init)
	}
}

func TestParseRejectsOutOfOrder(t *testing.T) {
	code := append([]byte("\x00asm\x01\x00\x00\x00"),
		wasmbin.SectionMemory, 0x03, 0x01, 0x00, 0x01,
		wasmbin.SectionType, 0x01, 0x00)
	if _, err := wasmbin.Parse(code); err == nil {
		t.Fatal("out of order sections accepted")
	}
}

func TestStripInit(t *testing.T) {
	m, err := wasmbin.Parse(testwasm.StartStore())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Start == nil {
		t.Fatal("start function not parsed")
	}
	s, err := wasmbin.StripInit(m)
	if err != nil {
		t.Fatalf("StripInit: %v", err)
	}
	if s.Start == nil || *s.Start != *m.Start {
		t.Fatalf("stripped start = %v", s.Start)
	}

	out, err := wasmbin.Parse(s.Code)
	if err != nil {
		t.Fatalf("Parse stripped: %v", err)
	}
	if out.Start != nil {
		t.Error("stripped module kept its start section")
	}
	if len(out.Data) != 0 || out.DataCount != nil {
		t.Error("stripped module kept data")
	}
	idx, ok := out.ExportedFunc(wasmbin.StartExport)
	if !ok || idx != *m.Start {
		t.Errorf("%s export = %d, %v", wasmbin.StartExport, idx, ok)
	}
	if _, ok := out.ExportedFunc("apply"); !ok {
		t.Error("apply export lost")
	}
}

func TestStripInitKeepsSegments(t *testing.T) {
	m, err := wasmbin.Parse(testwasm.Hello())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	s, err := wasmbin.StripInit(m)
	if err != nil {
		t.Fatalf("StripInit: %v", err)
	}
	if s.Start != nil {
		t.Error("module without start gained one")
	}
	if len(s.Segments) != 1 || string(s.Segments[0].Init) != "hello" {
		t.Errorf("segments = %+v", s.Segments)
	}
	out, err := wasmbin.Parse(s.Code)
	if err != nil {
		t.Fatalf("Parse stripped: %v", err)
	}
	if _, ok := out.ExportedFunc(wasmbin.StartExport); ok {
		t.Error("unexpected start export")
	}
}

func TestStripInitAddsExportSection(t *testing.T) {
	b := testwasm.New().Memory(1)
	start := b.Func(nil, nil)
	m, err := wasmbin.Parse(b.Start(start).Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	s, err := wasmbin.StripInit(m)
	if err != nil {
		t.Fatalf("StripInit: %v", err)
	}
	out, err := wasmbin.Parse(s.Code)
	if err != nil {
		t.Fatalf("Parse stripped: %v", err)
	}
	if idx, ok := out.ExportedFunc(wasmbin.StartExport); !ok || idx != start {
		t.Errorf("start export = %d, %v", idx, ok)
	}
}
