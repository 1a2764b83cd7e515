package oc

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/wippyai/wasm-sandbox"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/ipc"
)

// Config configures a Cache.
type Config struct {
	// Dir holds the cache file.
	Dir string

	// Size is the fixed size of the cache file in bytes.
	Size uint64

	// Launcher starts the compiler monitor. nil means an InProcessLauncher
	// with default settings.
	Launcher Launcher

	// RetentionBlocks is how many blocks an unused entry survives past the
	// last irreversible block.
	RetentionBlocks uint32

	// EvictThreshold triggers an eviction pass when free space reported by
	// the compiler drops below it. 0 disables.
	EvictThreshold uint64

	// MaxPending bounds concurrent compile requests. 0 means 16.
	MaxPending int

	// CompileTimeout bounds one compile round trip. 0 means no limit.
	CompileTimeout time.Duration

	// OnEvict is called after an entry leaves the cache.
	OnEvict func(id wasmsandbox.CodeID, desc wasmsandbox.Descriptor)
}

type entry struct {
	id       wasmsandbox.CodeID
	desc     wasmsandbox.Descriptor
	lastUsed atomic.Uint32
	refs     atomic.Int32
}

// EntryInfo is a snapshot of one cache entry.
type EntryInfo struct {
	ID         wasmsandbox.CodeID
	Descriptor wasmsandbox.Descriptor
	LastUsed   uint32
	Refs       int32
}

// Cache maps code identities to compiled artifacts in the cache file and
// drives the compiler monitor on misses. It is safe for concurrent use.
type Cache struct {
	cfg    Config
	file   *cacheFile
	client *client

	mu      sync.RWMutex
	entries map[wasmsandbox.CodeID]*entry
	closed  bool

	group        singleflight.Group
	pending      *semaphore.Weighted
	freeBytes    atomic.Uint64
	lib          atomic.Uint32
	shuttingDown atomic.Bool
	bg           sync.WaitGroup
}

// Open opens the cache file in cfg.Dir and connects to the compiler.
// Entries compiled by another codegen version are discarded.
func Open(ctx context.Context, cfg Config) (*Cache, error) {
	if cfg.Launcher == nil {
		cfg.Launcher = InProcessLauncher{}
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 16
	}
	file, persisted, err := openCacheFile(filepath.Join(cfg.Dir, CacheFileName), cfg.Size)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		cfg:     cfg,
		file:    file,
		entries: make(map[wasmsandbox.CodeID]*entry, len(persisted)),
		pending: semaphore.NewWeighted(int64(cfg.MaxPending)),
	}
	var stale int
	for _, p := range persisted {
		if p.Descriptor.CodegenVersion != wasmsandbox.CodegenVersion {
			stale++
			continue
		}
		e := &entry{id: p.codeID(), desc: p.Descriptor}
		e.lastUsed.Store(p.LastUsed)
		c.entries[e.id] = e
	}
	c.client = newClient(cfg.Launcher, file.f, cfg.Size, c.liveRegions)

	if err := c.client.start(ctx); err != nil {
		_ = file.close()
		return nil, err
	}

	Logger().Info("code cache opened",
		zap.String("dir", cfg.Dir),
		zap.Uint64("size", cfg.Size),
		zap.Int("entries", len(c.entries)),
		zap.Int("stale", stale))
	return c, nil
}

func (c *Cache) liveRegions() []ipc.Region {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.liveRegionsLocked()
}

func (c *Cache) liveRegionsLocked() []ipc.Region {
	var out []ipc.Region
	for _, e := range c.entries {
		out = append(out, regions(&e.desc)...)
	}
	return out
}

// acquire returns the descriptor for id with its reference taken.
func (c *Cache) acquire(id wasmsandbox.CodeID) (*wasmsandbox.Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	e.refs.Add(1)
	desc := e.desc
	return &desc, true
}

// Acquire returns the descriptor for id if it is cached, taking a
// reference. It never compiles.
func (c *Cache) Acquire(id wasmsandbox.CodeID) (*wasmsandbox.Descriptor, bool) {
	return c.acquire(id)
}

// GetDescriptorForCodeSync returns the descriptor for id, compiling code and
// blocking until the compiler answers on a miss. The returned descriptor
// holds a reference that must be released with FreeCode.
func (c *Cache) GetDescriptorForCodeSync(ctx context.Context, id wasmsandbox.CodeID, code []byte) (*wasmsandbox.Descriptor, error) {
	if desc, ok := c.acquire(id); ok {
		return desc, nil
	}
	for {
		v, err, _ := c.group.Do(flightKey(id), func() (any, error) {
			return c.compile(ctx, id, code)
		})
		if errors.Is(err, errors.ErrCacheTooFull) {
			// Free space may be fragmented; keep evicting while it helps.
			need, _ := v.(uint64)
			if c.evictForSpace(need) > 0 {
				continue
			}
		}
		if err != nil {
			return nil, err
		}
		if desc, ok := c.acquire(id); ok {
			return desc, nil
		}
		// Evicted between insertion and acquisition.
	}
}

// DescriptorForCode returns the descriptor for id if it is cached, taking a
// reference. On a miss it starts a background compile and returns nil.
func (c *Cache) DescriptorForCode(ctx context.Context, id wasmsandbox.CodeID, code []byte) *wasmsandbox.Descriptor {
	if desc, ok := c.acquire(id); ok {
		return desc
	}
	c.mu.RLock()
	if c.closed || c.shuttingDown.Load() {
		c.mu.RUnlock()
		return nil
	}
	c.bg.Add(1)
	c.mu.RUnlock()

	code = append([]byte(nil), code...)
	ch := c.group.DoChan(flightKey(id), func() (any, error) {
		return c.compile(context.WithoutCancel(ctx), id, code)
	})
	go func() {
		defer c.bg.Done()
		if r := <-ch; r.Err != nil {
			Logger().Debug("background compile failed", zap.Stringer("code", id), zap.Error(r.Err))
		}
	}()
	return nil
}

func flightKey(id wasmsandbox.CodeID) string {
	return string(id.Hash[:]) + string([]byte{id.VMType, id.VMVersion})
}

// compile runs one compile round trip and inserts the result. When the
// cache is too full it returns the space the artifact needs.
func (c *Cache) compile(ctx context.Context, id wasmsandbox.CodeID, code []byte) (uint64, error) {
	if err := c.pending.Acquire(ctx, 1); err != nil {
		return 0, errors.CompileFailure(id.String(), err)
	}
	defer c.pending.Release(1)

	if c.cfg.CompileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CompileTimeout)
		defer cancel()
	}
	res, err := c.client.compile(ctx, id, code)
	if err != nil {
		return 0, errors.CompileFailure(id.String(), err)
	}
	c.freeBytes.Store(res.CacheFreeBytes)

	switch res.Kind {
	case ipc.ResultSuccess:
	case ipc.ResultTooFull:
		return res.Needed, errors.CacheTooFull(id.String())
	default:
		return 0, errors.CompileFailure(id.String(), nil)
	}
	if res.Descriptor == nil || res.Descriptor.CodeHash != id.Hash || res.Descriptor.End() > c.cfg.Size {
		return 0, errors.CompileFailure(id.String(), errors.InvalidData(errors.PhaseIPC, "malformed compilation result"))
	}

	e := &entry{id: id, desc: *res.Descriptor}
	e.lastUsed.Store(c.lib.Load())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.client.evict([]wasmsandbox.Descriptor{e.desc})
		return 0, errors.CompileFailure(id.String(), errors.NotInitialized(errors.PhaseCache, "cache"))
	}
	if _, ok := c.entries[id]; ok {
		// Compiled twice; keep the first.
		c.mu.Unlock()
		c.client.evict([]wasmsandbox.Descriptor{e.desc})
		return 0, nil
	}
	c.entries[id] = e
	c.mu.Unlock()

	Logger().Debug("code cached", zap.Stringer("code", id), zap.Uint64("free_bytes", res.CacheFreeBytes))
	if c.cfg.EvictThreshold > 0 && res.CacheFreeBytes < c.cfg.EvictThreshold {
		c.evictBelowThreshold(id)
	}
	return 0, nil
}

// FreeCode releases a reference taken by GetDescriptorForCodeSync or
// DescriptorForCode.
func (c *Cache) FreeCode(id wasmsandbox.CodeID) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return
	}
	if e.refs.Add(-1) < 0 {
		e.refs.Store(0)
		Logger().Warn("code reference released twice", zap.Stringer("code", id))
	}
}

// CodeBlockNumLastUsed records that id was used at block.
func (c *Cache) CodeBlockNumLastUsed(id wasmsandbox.CodeID, block uint32) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[id]; ok {
		for {
			cur := e.lastUsed.Load()
			if block <= cur || e.lastUsed.CompareAndSwap(cur, block) {
				break
			}
		}
	}
}

// CurrentLib advances the retention horizon to lib and evicts unreferenced
// entries last used more than RetentionBlocks before it, oldest first.
func (c *Cache) CurrentLib(lib uint32) {
	c.lib.Store(lib)
	if lib <= c.cfg.RetentionBlocks {
		return
	}
	horizon := lib - c.cfg.RetentionBlocks
	c.evict(func(e *entry) bool { return e.lastUsed.Load() < horizon }, 0)
}

// evictForSpace evicts unreferenced entries, least recently used first,
// until need bytes beyond the current free space were released. It reports
// how many entries left.
func (c *Cache) evictForSpace(need uint64) int {
	want := need
	if free := c.freeBytes.Load(); need > free {
		want = need - free
	}
	if want == 0 {
		want = 1
	}
	n := c.evict(func(*entry) bool { return true }, want)
	Logger().Info("forced eviction for space",
		zap.Uint64("need", need),
		zap.Int("evicted", n))
	return n
}

// evictBelowThreshold evicts unreferenced entries other than keep, oldest
// first, until the estimated free space reaches the threshold.
func (c *Cache) evictBelowThreshold(keep wasmsandbox.CodeID) {
	free := c.freeBytes.Load()
	if free >= c.cfg.EvictThreshold {
		return
	}
	c.evict(func(e *entry) bool { return e.id != keep }, c.cfg.EvictThreshold-free)
}

// evict removes unreferenced entries matching pick, oldest first. A nonzero
// want stops once that many bytes were released.
func (c *Cache) evict(pick func(*entry) bool, want uint64) int {
	c.mu.Lock()
	var candidates []*entry
	for _, e := range c.entries {
		if e.refs.Load() == 0 && pick(e) {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastUsed.Load() < candidates[j].lastUsed.Load()
	})
	var (
		evicted []*entry
		freed   uint64
	)
	for _, e := range candidates {
		if want > 0 && freed >= want {
			break
		}
		delete(c.entries, e.id)
		evicted = append(evicted, e)
		for _, r := range regions(&e.desc) {
			freed += alignUp(r.Size)
		}
	}
	c.mu.Unlock()

	if len(evicted) == 0 {
		return 0
	}
	c.freeBytes.Add(freed)
	descs := make([]wasmsandbox.Descriptor, len(evicted))
	for i, e := range evicted {
		descs[i] = e.desc
	}
	c.client.evict(descs)
	for _, e := range evicted {
		Logger().Debug("code evicted", zap.Stringer("code", e.id), zap.Uint32("last_used", e.lastUsed.Load()))
		if c.cfg.OnEvict != nil {
			c.cfg.OnEvict(e.id, e.desc)
		}
	}
	return len(evicted)
}

// Bytes copies the code and initdata of desc out of the cache file.
func (c *Cache) Bytes(desc *wasmsandbox.Descriptor) (code, initData []byte, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, nil, errors.NotInitialized(errors.PhaseCache, "cache")
	}
	if code, err = c.file.read(desc.CodeBegin, desc.CodeSize); err != nil {
		return nil, nil, err
	}
	if desc.InitDataSize == 0 {
		return code, nil, nil
	}
	if initData, err = c.file.read(desc.InitDataBegin, desc.InitDataSize); err != nil {
		return nil, nil, err
	}
	return code, initData, nil
}

// Entries returns a snapshot of the cache ordered by last use.
func (c *Cache) Entries() []EntryInfo {
	c.mu.RLock()
	out := make([]EntryInfo, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, EntryInfo{ID: e.id, Descriptor: e.desc, LastUsed: e.lastUsed.Load(), Refs: e.refs.Load()})
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastUsed != out[j].LastUsed {
			return out[i].LastUsed < out[j].LastUsed
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// FreeBytes returns the free space last reported by the compiler, adjusted
// for evictions since.
func (c *Cache) FreeBytes() uint64 { return c.freeBytes.Load() }

// IndicateShuttingDown stops background compiles from being started.
func (c *Cache) IndicateShuttingDown() {
	c.shuttingDown.Store(true)
}

// Close stops the compiler, persists the index and unmaps the file.
func (c *Cache) Close() error {
	c.mu.Lock()
	c.shuttingDown.Store(true)
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	clientErr := c.client.close()
	c.bg.Wait()
	if clientErr != nil {
		Logger().Warn("compiler exited with error", zap.Error(clientErr))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	persisted := make([]indexEntry, 0, len(c.entries))
	for _, e := range c.entries {
		persisted = append(persisted, indexEntry{Descriptor: e.desc, VMType: e.id.VMType, LastUsed: e.lastUsed.Load()})
	}
	err := c.file.persist(persisted, c.liveRegionsLocked())
	if cerr := c.file.close(); err == nil {
		err = cerr
	}
	return err
}
