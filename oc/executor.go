package oc

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wippyai/wasm-sandbox"
	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/host"
	"github.com/wippyai/wasm-sandbox/wasmbin"
)

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// CompilationCacheDir persists machine code across restarts. Empty
	// keeps it in memory.
	CompilationCacheDir string

	Registry *host.Registry

	// MaxPages sizes pooled memory windows. 0 means the default constraint.
	MaxPages uint32

	// PoolSize bounds idle memory windows kept for reuse. 0 means 4.
	PoolSize int
}

// loaded is an artifact ready to instantiate.
type loaded struct {
	compiled wazero.CompiledModule
	imported uint32
	segments []Segment
	payload  []byte
}

// Executor runs artifacts from a Cache. It is safe for concurrent use.
type Executor struct {
	cache    *Cache
	engine   *engine.Engine
	ccache   wazero.CompilationCache
	maxPages uint32
	poolSize int

	group singleflight.Group

	mu      sync.Mutex
	modules map[wasmsandbox.Descriptor]*loaded
	windows []*MemoryWindow
}

// NewExecutor creates an executor over cache backed by a wazero compiler
// runtime.
func NewExecutor(ctx context.Context, cache *Cache, cfg ExecutorConfig) (*Executor, error) {
	var (
		ccache wazero.CompilationCache
		err    error
	)
	if cfg.CompilationCacheDir != "" {
		if ccache, err = wazero.NewCompilationCacheWithDir(cfg.CompilationCacheDir); err != nil {
			return nil, errors.Wrap(errors.PhaseCache, errors.KindInvalidInput, err, "open compilation cache")
		}
	} else {
		ccache = wazero.NewCompilationCache()
	}
	maxPages := cfg.MaxPages
	if maxPages == 0 {
		maxPages = engine.DefaultConstraints().MaxPages
	}
	eng, err := engine.New(ctx, engine.Config{
		Kind:             engine.KindJIT,
		MemoryLimitPages: maxPages,
		CompilationCache: ccache,
		Registry:         cfg.Registry,
	})
	if err != nil {
		_ = ccache.Close(ctx)
		return nil, err
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	return &Executor{
		cache:    cache,
		engine:   eng,
		ccache:   ccache,
		maxPages: maxPages,
		poolSize: poolSize,
		modules:  make(map[wasmsandbox.Descriptor]*loaded),
	}, nil
}

// Execute runs desc's apply entry against apply. mem is the linear memory
// window for the call; nil takes one from the pool.
func (x *Executor) Execute(ctx context.Context, desc *wasmsandbox.Descriptor, mem *MemoryWindow, apply wasmsandbox.ApplyContext) (engine.Trap, error) {
	art, err := x.load(ctx, desc)
	if err != nil {
		return engine.TrapException, err
	}
	if mem == nil {
		if mem, err = x.window(); err != nil {
			return engine.TrapException, err
		}
		defer x.release(mem)
	}
	if desc.StartingMemoryPages > mem.MaxPages() {
		return engine.TrapException, errors.InvalidInput(errors.PhaseExecute,
			fmt.Sprintf("contract needs %d pages, window holds %d", desc.StartingMemoryPages, mem.MaxPages()))
	}

	res := x.engine.Invoke(ctx, engine.Invocation{
		Compiled:  art.compiled,
		Apply:     apply,
		Allocator: mem,
		Prepare: func(ctx context.Context, mod api.Module) error {
			return x.prepare(ctx, desc, art, mod)
		},
	})
	return res.Trap, trapError(res)
}

// trapError maps a trap to the error surfaced for compiled code. Uncaught
// exceptions in compiled code read as access violations.
func trapError(res engine.Result) error {
	switch res.Trap {
	case engine.TrapCleanExit:
		return nil
	case engine.TrapCheckTime:
		return errors.CheckTime()
	case engine.TrapSegv:
		return errors.AccessViolation()
	}
	var e *errors.Error
	if errors.As(res.Cause, &e) && (e.Kind == errors.KindAssertion || e.Phase != errors.PhaseExecute) {
		return e
	}
	return errors.AccessViolation()
}

// prepare restores the initial state the artifact split off: data segments
// first, then the start entry.
func (x *Executor) prepare(ctx context.Context, desc *wasmsandbox.Descriptor, art *loaded, mod api.Module) error {
	var pages uint32
	mem := mod.Memory()
	if mem != nil {
		pages = mem.Size() / wasmsandbox.PageSize
	}
	if pages != desc.StartingMemoryPages {
		return errors.InvalidData(errors.PhaseCache,
			fmt.Sprintf("instance has %d pages, descriptor expects %d", pages, desc.StartingMemoryPages))
	}
	if mem == nil && len(art.segments) > 0 {
		return errors.InvalidData(errors.PhaseCache, "data segments without a memory")
	}
	var pos uint32
	for _, seg := range art.segments {
		if !mem.Write(seg.Offset, art.payload[pos:pos+seg.Size]) {
			return errors.AccessViolation()
		}
		pos += seg.Size
	}

	switch desc.Start.Kind {
	case wasmsandbox.EntryNone:
		return nil
	case wasmsandbox.EntryCodeOffset:
		fn := mod.ExportedFunction(wasmbin.StartExport)
		if fn == nil || fn.Definition().Index() != art.imported+desc.Start.Value {
			return errors.InvalidData(errors.PhaseCache, fmt.Sprintf("start entry at code offset %d not found", desc.Start.Value))
		}
		_, err := fn.Call(ctx)
		return err
	case wasmsandbox.EntryIntrinsic:
		return x.engine.Registry().Invoke(ctx, desc.Start.Value, mod, nil)
	}
	return errors.InvalidData(errors.PhaseCache, fmt.Sprintf("unknown start entry kind %d", desc.Start.Kind))
}

// load returns the compiled artifact for desc, compiling it on first use.
func (x *Executor) load(ctx context.Context, desc *wasmsandbox.Descriptor) (*loaded, error) {
	x.mu.Lock()
	art, ok := x.modules[*desc]
	x.mu.Unlock()
	if ok {
		return art, nil
	}

	key := fmt.Sprintf("%x:%d:%d", desc.CodeHash, desc.CodeBegin, desc.InitDataBegin)
	v, err, _ := x.group.Do(key, func() (any, error) {
		code, initData, err := x.cache.Bytes(desc)
		if err != nil {
			return nil, err
		}
		art := &loaded{}
		if desc.InitDataSize > 0 {
			if art.segments, art.payload, err = DecodeInitData(initData, desc.InitDataPrologueSize); err != nil {
				return nil, errors.Wrap(errors.PhaseCache, errors.KindInvalidData, err, "decode initdata")
			}
		}
		if art.compiled, err = x.engine.Compile(context.WithoutCancel(ctx), code); err != nil {
			return nil, err
		}
		art.imported = uint32(len(art.compiled.ImportedFunctions()))

		x.mu.Lock()
		x.modules[*desc] = art
		x.mu.Unlock()
		Logger().Debug("artifact loaded", zap.String("code", fmt.Sprintf("%x", desc.CodeHash[:8])), zap.Uint32("code_size", desc.CodeSize))
		return art, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*loaded), nil
}

// Evict drops the compiled form of desc. Calls already running keep their
// instance.
func (x *Executor) Evict(desc wasmsandbox.Descriptor) {
	x.mu.Lock()
	art, ok := x.modules[desc]
	delete(x.modules, desc)
	x.mu.Unlock()
	if ok {
		// wazero keeps instances of a closed compiled module usable.
		_ = art.compiled.Close(context.Background())
	}
}

func (x *Executor) window() (*MemoryWindow, error) {
	x.mu.Lock()
	if n := len(x.windows); n > 0 {
		w := x.windows[n-1]
		x.windows = x.windows[:n-1]
		x.mu.Unlock()
		return w, nil
	}
	x.mu.Unlock()
	return NewMemoryWindow(x.maxPages)
}

func (x *Executor) release(w *MemoryWindow) {
	w.Free()
	x.mu.Lock()
	if len(x.windows) < x.poolSize {
		x.windows = append(x.windows, w)
		x.mu.Unlock()
		return
	}
	x.mu.Unlock()
	_ = w.Close()
}

// Close releases the engine, every compiled artifact and pooled windows.
func (x *Executor) Close(ctx context.Context) error {
	x.mu.Lock()
	windows := x.windows
	x.windows = nil
	x.modules = make(map[wasmsandbox.Descriptor]*loaded)
	x.mu.Unlock()
	for _, w := range windows {
		_ = w.Close()
	}
	err := x.engine.Close(ctx)
	if cerr := x.ccache.Close(ctx); err == nil {
		err = cerr
	}
	return err
}
