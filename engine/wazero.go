package engine

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/host"
)

// Kind selects how wazero executes code.
type Kind int

const (
	KindInterpreter Kind = iota
	KindJIT
)

func (k Kind) String() string {
	switch k {
	case KindInterpreter:
		return "interpreter"
	case KindJIT:
		return "jit"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Config holds configuration for engine creation
type Config struct {
	Kind Kind

	// MemoryLimitPages caps linear memory growth in 64KiB pages.
	// 0 means the wazero default.
	MemoryLimitPages uint32

	// CompilationCache persists machine code across engines. Only used by
	// KindJIT.
	CompilationCache wazero.CompilationCache

	// Registry resolves env imports. nil means host.Default().
	Registry *host.Registry

	// Constraints bound what Validate accepts. The zero value means
	// DefaultConstraints().
	Constraints Constraints
}

// Engine owns a wazero runtime with the env intrinsics instantiated.
type Engine struct {
	runtime     wazero.Runtime
	registry    *host.Registry
	constraints Constraints
	kind        Kind
}

// New creates an engine.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	var rc wazero.RuntimeConfig
	switch cfg.Kind {
	case KindInterpreter:
		rc = wazero.NewRuntimeConfigInterpreter()
	case KindJIT:
		rc = wazero.NewRuntimeConfigCompiler()
		if cfg.CompilationCache != nil {
			rc = rc.WithCompilationCache(cfg.CompilationCache)
		}
	default:
		return nil, errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("unknown engine kind %d", cfg.Kind))
	}
	rc = rc.WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}

	registry := cfg.Registry
	if registry == nil {
		registry = host.Default()
	}
	constraints := cfg.Constraints
	if constraints == (Constraints{}) {
		constraints = DefaultConstraints()
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rc)
	if _, err := registry.Bind(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	Logger().Debug("engine created", zap.Stringer("kind", cfg.Kind), zap.Int("intrinsics", registry.Len()))
	return &Engine{runtime: rt, registry: registry, constraints: constraints, kind: cfg.Kind}, nil
}

func (e *Engine) Kind() Kind { return e.kind }

func (e *Engine) Registry() *host.Registry { return e.registry }

func (e *Engine) Constraints() Constraints { return e.constraints }

// Compile compiles code and resolves its imports. Unresolvable env imports
// are reported together.
func (e *Engine) Compile(ctx context.Context, code []byte) (wazero.CompiledModule, error) {
	compiled, err := e.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseCompile, errors.KindInvalidData, err, "compile module")
	}
	if err := e.resolve(compiled); err != nil {
		_ = compiled.Close(ctx)
		return nil, err
	}
	return compiled, nil
}

func (e *Engine) resolve(compiled wazero.CompiledModule) error {
	var unresolved []string
	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		if module != host.ModuleName {
			return errors.Linkage(module, name, "importing from module that is not 'env'")
		}
		if err := e.registry.Check(module, name, def.ParamTypes(), def.ResultTypes()); err != nil {
			unresolved = append(unresolved, module+"."+name)
		}
	}
	for _, def := range compiled.ImportedMemories() {
		module, name, _ := def.Import()
		unresolved = append(unresolved, module+"."+name)
	}
	if len(unresolved) > 0 {
		return errors.NewUnresolvedImportsError(unresolved)
	}
	return nil
}

// Instantiate compiles code into a module ready to apply.
func (e *Engine) Instantiate(ctx context.Context, code []byte) (*Module, error) {
	compiled, err := e.Compile(ctx, code)
	if err != nil {
		return nil, err
	}
	return &Module{engine: e, compiled: compiled}, nil
}

// Validate checks code statically and then compiles it to catch errors in
// function bodies.
func (e *Engine) Validate(ctx context.Context, code []byte) error {
	if err := Validate(code, e.constraints, e.registry); err != nil {
		return err
	}
	compiled, err := e.runtime.CompileModule(ctx, code)
	if err != nil {
		return errors.Validation("%v", err)
	}
	return compiled.Close(ctx)
}

// Close releases the runtime and every module compiled by it.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Exit stops the contract running under ctx with a clean exit. It reports
// false when no call is running under ctx.
func Exit(ctx context.Context) bool {
	x, ok := host.FromContext(ctx)
	if !ok {
		return false
	}
	x.Exit(host.ExitClean)
	return true
}

// Module is a compiled contract.
type Module struct {
	engine   *Engine
	compiled wazero.CompiledModule
}

// Apply runs the contract's apply entry point against a fresh instance.
func (m *Module) Apply(ctx context.Context, apply wasmsandbox.ApplyContext) error {
	return m.engine.Invoke(ctx, Invocation{Compiled: m.compiled, Apply: apply}).Err()
}

// Compiled returns the underlying compiled module.
func (m *Module) Compiled() wazero.CompiledModule { return m.compiled }

func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

func exportedApply(mod api.Module, name string) (api.Function, error) {
	fn := mod.ExportedFunction(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseExecute, "export", name)
	}
	return fn, nil
}
