package engine

import (
	"slices"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/host"
	"github.com/wippyai/wasm-sandbox/wasmbin"
)

// Constraints are the structural limits contract code must satisfy. A zero
// field places no limit.
type Constraints struct {
	MaxPages         uint32
	MaxFunctions     uint32
	MaxTableElements uint32
	MaxImports       uint32
}

// DefaultConstraints returns the limits used when none are configured.
func DefaultConstraints() Constraints {
	return Constraints{
		MaxPages:         528,
		MaxFunctions:     8192,
		MaxTableElements: 1024,
		MaxImports:       256,
	}
}

var applyParams = []wasmbin.ValType{wasmbin.ValI64, wasmbin.ValI64, wasmbin.ValI64}

// Validate statically checks code. It accepts only function imports from
// env that the registry provides with matching signatures, at most one
// memory and one table within the limits in c, and an
// apply(i64, i64, i64) export.
func Validate(code []byte, c Constraints, registry *host.Registry) error {
	m, err := wasmbin.Parse(code)
	if err != nil {
		return errors.Validation("malformed module: %v", err)
	}

	if c.MaxImports > 0 && uint32(len(m.Imports)) > c.MaxImports {
		return errors.Validation("%d imports exceed limit %d", len(m.Imports), c.MaxImports)
	}
	for _, imp := range m.Imports {
		if imp.Kind != wasmbin.KindFunc {
			return errors.DisallowedImport(imp.Module, imp.Name, "only function imports are allowed")
		}
		ft := m.Types[imp.TypeIdx]
		if err := registry.Check(imp.Module, imp.Name, valueTypes(ft.Params), valueTypes(ft.Results)); err != nil {
			return err
		}
	}

	if m.NumMemories() > 1 {
		return errors.Validation("module declares %d memories, at most one is allowed", m.NumMemories())
	}
	if mem, ok := m.Memory(); ok && c.MaxPages > 0 && mem.Min > c.MaxPages {
		return errors.Validation("initial memory of %d pages exceeds limit %d", mem.Min, c.MaxPages)
	}

	if n := m.NumFuncs(); c.MaxFunctions > 0 && n > c.MaxFunctions {
		return errors.Validation("%d functions exceed limit %d", n, c.MaxFunctions)
	}

	if len(m.Tables) > 1 {
		return errors.Validation("module declares %d tables, at most one is allowed", len(m.Tables))
	}
	if len(m.Tables) == 1 && c.MaxTableElements > 0 && m.Tables[0].Limits.Min > c.MaxTableElements {
		return errors.Validation("table of %d elements exceeds limit %d", m.Tables[0].Limits.Min, c.MaxTableElements)
	}

	idx, ok := m.ExportedFunc(ApplyExport)
	if !ok {
		return errors.Validation("missing %q export", ApplyExport)
	}
	ft, ok := m.FuncType(idx)
	if !ok || !slices.Equal(ft.Params, applyParams) || len(ft.Results) != 0 {
		return errors.Validation("%q must have signature (i64, i64, i64) -> ()", ApplyExport)
	}
	return nil
}

// valueTypes converts binary value types to wazero's. The encodings match.
func valueTypes(vs []wasmbin.ValType) []api.ValueType {
	if len(vs) == 0 {
		return nil
	}
	out := make([]api.ValueType, len(vs))
	for i, v := range vs {
		out[i] = api.ValueType(v)
	}
	return out
}
