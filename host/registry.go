package host

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/wippyai/wasm-sandbox/errors"
)

// ModuleName is the only module contracts may import from.
const ModuleName = "env"

// Func implements an intrinsic. Results are written to stack.
type Func func(ctx context.Context, x *Execution, mod api.Module, stack []uint64)

// Intrinsic is a host function exposed to contracts.
type Intrinsic struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
	Fn      Func
}

// Registry is an immutable set of intrinsics.
type Registry struct {
	ordered []*Intrinsic
	byName  map[string]uint32
}

// NewRegistry builds a registry. Names must be unique.
func NewRegistry(intrinsics ...Intrinsic) (*Registry, error) {
	r := &Registry{byName: make(map[string]uint32, len(intrinsics))}
	for i := range intrinsics {
		in := intrinsics[i]
		if in.Name == "" {
			return nil, errors.InvalidInput(errors.PhaseHost, "intrinsic name cannot be empty")
		}
		if in.Fn == nil {
			return nil, errors.Registration(in.Name, fmt.Errorf("nil implementation"))
		}
		r.ordered = append(r.ordered, &in)
	}
	sort.Slice(r.ordered, func(i, j int) bool { return r.ordered[i].Name < r.ordered[j].Name })
	for i, in := range r.ordered {
		if _, dup := r.byName[in.Name]; dup {
			return nil, errors.Registration(in.Name, fmt.Errorf("duplicate intrinsic"))
		}
		r.byName[in.Name] = uint32(i)
	}
	return r, nil
}

var defaultRegistry = func() *Registry {
	r, err := NewRegistry(Builtins()...)
	if err != nil {
		panic(err)
	}
	return r
}()

// Default returns the registry of built-in intrinsics.
func Default() *Registry {
	return defaultRegistry
}

// Len returns the number of intrinsics.
func (r *Registry) Len() int { return len(r.ordered) }

// Names returns intrinsic names in ordinal order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.ordered))
	for i, in := range r.ordered {
		names[i] = in.Name
	}
	return names
}

func (r *Registry) Lookup(name string) (*Intrinsic, bool) {
	o, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.ordered[o], true
}

// Ordinal returns the stable index of an intrinsic.
func (r *Registry) Ordinal(name string) (uint32, bool) {
	o, ok := r.byName[name]
	return o, ok
}

func (r *Registry) ByOrdinal(o uint32) (*Intrinsic, bool) {
	if o >= uint32(len(r.ordered)) {
		return nil, false
	}
	return r.ordered[o], true
}

// IsWhitelisted reports whether module.name may be imported.
func (r *Registry) IsWhitelisted(module, name string) bool {
	if module != ModuleName {
		return false
	}
	_, ok := r.byName[name]
	return ok
}

// Check verifies an import against the registry.
func (r *Registry) Check(module, name string, params, results []api.ValueType) error {
	if module != ModuleName {
		return errors.DisallowedImport(module, name, "importing from module that is not 'env'")
	}
	in, ok := r.Lookup(name)
	if !ok {
		return errors.DisallowedImport(module, name, "unresolvable")
	}
	if !slices.Equal(in.Params, params) || !slices.Equal(in.Results, results) {
		return errors.DisallowedImport(module, name, fmt.Sprintf(
			"signature mismatch: want %s, have %s",
			signature(in.Params, in.Results), signature(params, results)))
	}
	return nil
}

func signature(params, results []api.ValueType) string {
	s := "("
	for i, p := range params {
		if i > 0 {
			s += ","
		}
		s += api.ValueTypeName(p)
	}
	s += ")->("
	for i, p := range results {
		if i > 0 {
			s += ","
		}
		s += api.ValueTypeName(p)
	}
	return s + ")"
}

// Bind instantiates the env host module in rt.
func (r *Registry) Bind(ctx context.Context, rt wazero.Runtime) (api.Module, error) {
	b := rt.NewHostModuleBuilder(ModuleName)
	for _, in := range r.ordered {
		fn := in.Fn
		b = b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				fn(ctx, mustExecution(ctx), mod, stack)
			}), in.Params, in.Results).
			WithName(in.Name).
			Export(in.Name)
	}
	mod, err := b.Instantiate(ctx)
	if err != nil {
		return nil, errors.Registration(ModuleName, err)
	}
	return mod, nil
}

// Invoke calls an intrinsic by ordinal outside of wasm, as a start entry
// does. Errors raised by the intrinsic are returned.
func (r *Registry) Invoke(ctx context.Context, ordinal uint32, mod api.Module, stack []uint64) (err error) {
	in, ok := r.ByOrdinal(ordinal)
	if !ok {
		return errors.NotFound(errors.PhaseHost, "intrinsic ordinal", fmt.Sprint(ordinal))
	}
	defer func() {
		if rec := recover(); rec != nil {
			switch v := rec.(type) {
			case *errors.Error:
				err = v
			case *sys.ExitError:
				err = v
			default:
				panic(rec)
			}
		}
	}()
	in.Fn(ctx, mustExecution(ctx), mod, stack)
	return nil
}

func mustExecution(ctx context.Context) *Execution {
	x, ok := FromContext(ctx)
	if !ok {
		panic(errors.NotInitialized(errors.PhaseHost, "execution context"))
	}
	return x
}
