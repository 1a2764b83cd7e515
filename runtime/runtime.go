package runtime

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wippyai/wasm-sandbox"
	"github.com/wippyai/wasm-sandbox/config"
	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/host"
	"github.com/wippyai/wasm-sandbox/oc"
)

// CompilationCacheDir is the wazero machine code cache inside the data
// directory.
const CompilationCacheDir = "compiled"

// module is a compiled contract with its retention state.
type module struct {
	m             *engine.Module
	lastBlockUsed uint32
	inUse         int
}

// Runtime runs contracts by code identity. It is safe for concurrent use.
type Runtime struct {
	cfg         config.Config
	vm          config.VMType
	provider    wasmsandbox.CodeProvider
	registry    *host.Registry
	constraints engine.Constraints

	baseline *engine.Engine
	cache    *oc.Cache
	executor *oc.Executor

	group        singleflight.Group
	mu           sync.Mutex
	modules      map[wasmsandbox.CodeID]*module
	shuttingDown atomic.Bool
	closed       atomic.Bool
}

// New creates a runtime for cfg. provider supplies code on a cache miss.
func New(ctx context.Context, cfg config.Config, provider wasmsandbox.CodeProvider) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, errors.InvalidInput(errors.PhaseConfig, "code provider is required")
	}
	vm, _ := cfg.VMType()
	r := &Runtime{
		cfg:      cfg,
		vm:       vm,
		provider: provider,
		registry: host.Default(),
		constraints: engine.Constraints{
			MaxPages:         cfg.Limits.MaxPages,
			MaxFunctions:     cfg.Limits.MaxFunctions,
			MaxTableElements: cfg.Limits.MaxTable,
			MaxImports:       cfg.Limits.MaxImports,
		},
		modules: make(map[wasmsandbox.CodeID]*module),
	}

	if vm != config.VMOC {
		kind := engine.KindInterpreter
		if vm == config.VMJIT {
			kind = engine.KindJIT
		}
		eng, err := engine.New(ctx, engine.Config{
			Kind:             kind,
			MemoryLimitPages: cfg.Limits.MaxPages,
			Registry:         r.registry,
			Constraints:      r.constraints,
		})
		if err != nil {
			return nil, err
		}
		r.baseline = eng
	}

	if cfg.UsesOC() {
		if err := r.openOC(ctx); err != nil {
			_ = r.Close(ctx)
			return nil, err
		}
	}
	Logger().Info("runtime created",
		zap.Stringer("vm", vm),
		zap.Bool("tierup", cfg.TierUp),
		zap.Int("intrinsics", r.registry.Len()))
	return r, nil
}

func (r *Runtime) openOC(ctx context.Context) error {
	monitor := oc.MonitorConfig{
		Threads:     r.cfg.OC.Threads,
		Registry:    r.registry,
		Constraints: r.constraints,
	}
	var launcher oc.Launcher = oc.ProcessLauncher{Path: r.cfg.OC.CompilerPath, Config: monitor}
	if r.cfg.OC.InProcess {
		launcher = oc.InProcessLauncher{Config: monitor}
	}
	cache, err := oc.Open(ctx, oc.Config{
		Dir:             r.cfg.DataDir,
		Size:            r.cfg.OC.CacheSize,
		Launcher:        launcher,
		RetentionBlocks: r.cfg.OC.RetentionBlocks,
		EvictThreshold:  r.cfg.OC.EvictThreshold,
		MaxPending:      r.cfg.OC.MaxPending,
		CompileTimeout:  r.cfg.OC.CompileTimeout,
		OnEvict:         r.onEvict,
	})
	if err != nil {
		return err
	}
	r.cache = cache

	executor, err := oc.NewExecutor(ctx, cache, oc.ExecutorConfig{
		CompilationCacheDir: filepath.Join(r.cfg.DataDir, CompilationCacheDir),
		Registry:            r.registry,
		MaxPages:            r.cfg.Limits.MaxPages,
	})
	if err != nil {
		return err
	}
	r.executor = executor
	return nil
}

func (r *Runtime) onEvict(_ wasmsandbox.CodeID, desc wasmsandbox.Descriptor) {
	if r.executor != nil {
		r.executor.Evict(desc)
	}
}

// Apply runs the apply entry point of the contract id against actx.
func (r *Runtime) Apply(ctx context.Context, id wasmsandbox.CodeID, actx wasmsandbox.ApplyContext) error {
	if r.vm == config.VMOC {
		return r.applyOC(ctx, id, actx)
	}
	if r.cfg.TierUp && r.cache != nil {
		if desc, ok := r.cache.Acquire(id); ok {
			defer r.cache.FreeCode(id)
			return r.execute(ctx, id, desc, actx)
		}
	}
	mod, err := r.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer r.release(mod)
	return mod.m.Apply(ctx, actx)
}

func (r *Runtime) applyOC(ctx context.Context, id wasmsandbox.CodeID, actx wasmsandbox.ApplyContext) error {
	desc, ok := r.cache.Acquire(id)
	if !ok {
		code, err := r.provider.Code(ctx, id)
		if err != nil {
			return err
		}
		if desc, err = r.cache.GetDescriptorForCodeSync(ctx, id, code); err != nil {
			return err
		}
	}
	defer r.cache.FreeCode(id)
	return r.execute(ctx, id, desc, actx)
}

func (r *Runtime) execute(ctx context.Context, id wasmsandbox.CodeID, desc *wasmsandbox.Descriptor, actx wasmsandbox.ApplyContext) error {
	trap, err := r.executor.Execute(ctx, desc, nil, actx)
	if err != nil {
		Logger().Debug("oc execution failed", zap.Stringer("code", id), zap.Stringer("trap", trap), zap.Error(err))
	}
	return err
}

// acquire returns the compiled module for id, compiling it on first use,
// and marks it in use.
func (r *Runtime) acquire(ctx context.Context, id wasmsandbox.CodeID) (*module, error) {
	for {
		r.mu.Lock()
		if mod, ok := r.modules[id]; ok {
			mod.inUse++
			r.mu.Unlock()
			return mod, nil
		}
		r.mu.Unlock()

		_, err, _ := r.group.Do(flightKey(id), func() (any, error) {
			return nil, r.load(ctx, id)
		})
		if err != nil {
			return nil, err
		}
	}
}

func (r *Runtime) load(ctx context.Context, id wasmsandbox.CodeID) error {
	code, err := r.provider.Code(ctx, id)
	if err != nil {
		return err
	}
	if wasmsandbox.HashCode(code) != id.Hash {
		return errors.InvalidData(errors.PhaseValidate, "code does not match its hash")
	}
	m, err := r.baseline.Instantiate(ctx, code)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.modules[id] = &module{m: m, lastBlockUsed: math.MaxUint32}
	r.mu.Unlock()

	if r.cfg.TierUp && r.cache != nil && !r.shuttingDown.Load() {
		if desc := r.cache.DescriptorForCode(ctx, id, code); desc != nil {
			r.cache.FreeCode(id)
		}
	}
	return nil
}

func (r *Runtime) release(mod *module) {
	r.mu.Lock()
	mod.inUse--
	r.mu.Unlock()
}

func flightKey(id wasmsandbox.CodeID) string {
	return id.String() + string(id.Hash[:])
}

// Validate statically checks code: imports, memory and table limits, and
// the apply export. No instance is created.
func (r *Runtime) Validate(_ context.Context, code []byte) error {
	return engine.Validate(code, r.constraints, r.registry)
}

// CodeBlockNumLastUsed records that id was used at block.
func (r *Runtime) CodeBlockNumLastUsed(id wasmsandbox.CodeID, block uint32) {
	r.mu.Lock()
	if mod, ok := r.modules[id]; ok {
		mod.lastBlockUsed = block
	}
	r.mu.Unlock()
	if r.cache != nil {
		r.cache.CodeBlockNumLastUsed(id, block)
	}
}

// CurrentLib evicts compiled modules last used before lib, then advances
// the OC cache's retention horizon.
func (r *Runtime) CurrentLib(ctx context.Context, lib uint32) {
	var evicted []*module
	r.mu.Lock()
	for id, mod := range r.modules {
		if mod.lastBlockUsed < lib && mod.inUse == 0 {
			delete(r.modules, id)
			evicted = append(evicted, mod)
		}
	}
	r.mu.Unlock()
	for _, mod := range evicted {
		_ = mod.m.Close(ctx)
	}
	if len(evicted) > 0 {
		Logger().Debug("modules evicted", zap.Uint32("lib", lib), zap.Int("count", len(evicted)))
	}
	if r.cache != nil {
		r.cache.CurrentLib(lib)
	}
}

// Exit stops the contract running under ctx with a clean exit. It reports
// false when ctx does not belong to a running call.
func (r *Runtime) Exit(ctx context.Context) bool {
	return engine.Exit(ctx)
}

// Cache returns the OC cache, or nil when OC is not configured.
func (r *Runtime) Cache() *oc.Cache { return r.cache }

// IndicateShuttingDown skips per-module teardown on Close and stops
// background compiles.
func (r *Runtime) IndicateShuttingDown() {
	r.shuttingDown.Store(true)
	if r.cache != nil {
		r.cache.IndicateShuttingDown()
	}
}

// Close releases every backend. Calls must have returned.
func (r *Runtime) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.mu.Lock()
	modules := r.modules
	r.modules = make(map[wasmsandbox.CodeID]*module)
	r.mu.Unlock()
	if !r.shuttingDown.Load() {
		for _, mod := range modules {
			_ = mod.m.Close(ctx)
		}
	}

	var errs []error
	if r.executor != nil {
		errs = append(errs, r.executor.Close(ctx))
	}
	if r.cache != nil {
		errs = append(errs, r.cache.Close())
	}
	if r.baseline != nil {
		errs = append(errs, r.baseline.Close(ctx))
	}
	return errors.Join(errs...)
}
