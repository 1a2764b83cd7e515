package oc

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"

	"github.com/wippyai/wasm-sandbox"
	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/host"
	"github.com/wippyai/wasm-sandbox/wasmbin"
)

// Artifact is the output of compiling one contract.
type Artifact struct {
	Code                 []byte
	InitData             []byte
	Start                wasmsandbox.EntryPoint
	ApplyOffset          uint32
	StartingMemoryPages  uint32
	InitDataPrologueSize uint32
}

// Compiler turns contract code into artifacts. It is safe for concurrent
// use.
type Compiler struct {
	rt          wazero.Runtime
	registry    *host.Registry
	constraints engine.Constraints
}

// NewCompiler returns a compiler. The artifact is checked with a wazero
// interpreter runtime, which validates without generating machine code.
func NewCompiler(ctx context.Context, registry *host.Registry, constraints engine.Constraints) *Compiler {
	if registry == nil {
		registry = host.Default()
	}
	if constraints == (engine.Constraints{}) {
		constraints = engine.DefaultConstraints()
	}
	return &Compiler{
		rt:          wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter()),
		registry:    registry,
		constraints: constraints,
	}
}

// Compile validates code and splits it into an artifact.
func (c *Compiler) Compile(ctx context.Context, code []byte) (*Artifact, error) {
	if err := engine.Validate(code, c.constraints, c.registry); err != nil {
		return nil, err
	}
	m, err := wasmbin.Parse(code)
	if err != nil {
		return nil, errors.Validation("malformed module: %v", err)
	}
	stripped, err := wasmbin.StripInit(m)
	if err != nil {
		return nil, errors.Validation("%v", err)
	}

	imported := m.NumImportedFuncs()
	applyIdx, _ := m.ExportedFunc(engine.ApplyExport)
	if applyIdx < imported {
		return nil, errors.Validation("%q is an imported function", engine.ApplyExport)
	}

	art := &Artifact{
		Code:        stripped.Code,
		ApplyOffset: applyIdx - imported,
	}
	if mem, ok := m.Memory(); ok {
		art.StartingMemoryPages = mem.Min
	}
	if stripped.Start != nil {
		if art.Start, err = c.entryPoint(m, *stripped.Start); err != nil {
			return nil, err
		}
	}

	limit := uint64(art.StartingMemoryPages) * wasmsandbox.PageSize
	for i, seg := range stripped.Segments {
		off, _ := seg.Offset32()
		if uint64(off)+uint64(len(seg.Init)) > limit {
			return nil, errors.Validation("data segment %d at %d does not fit in %d initial pages", i, off, art.StartingMemoryPages)
		}
	}
	if art.InitData, art.InitDataPrologueSize, err = EncodeInitData(stripped.Segments); err != nil {
		return nil, errors.Validation("%v", err)
	}

	compiled, err := c.rt.CompileModule(ctx, art.Code)
	if err != nil {
		return nil, errors.Validation("%v", err)
	}
	_ = compiled.Close(ctx)
	return art, nil
}

func (c *Compiler) entryPoint(m *wasmbin.Module, idx uint32) (wasmsandbox.EntryPoint, error) {
	imported := m.NumImportedFuncs()
	if idx >= imported {
		return wasmsandbox.EntryPoint{Kind: wasmsandbox.EntryCodeOffset, Value: idx - imported}, nil
	}
	imp, _ := m.ImportedFunc(idx)
	ord, ok := c.registry.Ordinal(imp.Name)
	if !ok {
		return wasmsandbox.EntryPoint{}, errors.Linkage(imp.Module, imp.Name, "unresolvable")
	}
	ft, _ := m.FuncType(idx)
	if len(ft.Params) != 0 || len(ft.Results) != 0 {
		return wasmsandbox.EntryPoint{}, errors.Validation("start function %s has parameters or results", imp.Name)
	}
	return wasmsandbox.EntryPoint{Kind: wasmsandbox.EntryIntrinsic, Value: ord}, nil
}

func (c *Compiler) Close(ctx context.Context) error {
	return c.rt.Close(ctx)
}

// String renders an artifact for logs.
func (a *Artifact) String() string {
	return fmt.Sprintf("code=%dB initdata=%dB start=%s:%d apply=%d pages=%d",
		len(a.Code), len(a.InitData), a.Start.Kind, a.Start.Value, a.ApplyOffset, a.StartingMemoryPages)
}
