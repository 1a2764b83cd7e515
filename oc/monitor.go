package oc

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/wippyai/wasm-sandbox"
	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/host"
	"github.com/wippyai/wasm-sandbox/ipc"
)

// MonitorConfig configures the compiler monitor.
type MonitorConfig struct {
	// Threads bounds concurrent compile jobs. 0 means GOMAXPROCS.
	Threads     int
	Registry    *host.Registry
	Constraints engine.Constraints

	// compile replaces Compiler.Compile in tests.
	compile func(ctx context.Context, code []byte) (*Artifact, error)
}

// monitor owns the cache file allocator and writes artifacts.
type monitor struct {
	session  *ipc.Session
	file     *os.File
	compiler *Compiler
	compile  func(ctx context.Context, code []byte) (*Artifact, error)
	jobs     *semaphore.Weighted
	results  *ipc.Conn
	reporter *ipc.Conn

	mu      sync.Mutex
	alloc   *Allocator
	pending map[uint64]ipc.CodeTuple
}

// Serve runs the compiler monitor on conn until the peer disconnects. It
// performs the accepting side of the handshake; the Initialize message must
// carry the cache file.
func Serve(ctx context.Context, conn *ipc.Conn, cfg MonitorConfig) error {
	session := ipc.NewSession(conn)
	defer session.Close()

	init, files, err := session.Accept()
	if err != nil {
		return err
	}
	m, refusal := newMonitor(ctx, session, init, files, cfg)
	if err := session.Respond(refusal); err != nil {
		return err
	}
	if refusal != nil {
		return refusal
	}
	defer m.close(ctx)

	Logger().Info("compiler monitor ready",
		zap.Uint64("cache_size", init.CacheSize),
		zap.Uint64("free_bytes", m.freeBytes()))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.collect()
	}()
	err = m.serve(ctx)

	cancel()
	// Jobs observe ctx; wait for them before closing the reporting pair.
	_ = m.jobs.Acquire(context.Background(), int64(jobThreads(cfg)))
	_ = m.reporter.Close()
	wg.Wait()
	return err
}

func newMonitor(ctx context.Context, session *ipc.Session, init ipc.Initialize, files []*os.File, cfg MonitorConfig) (*monitor, error) {
	if init.Version != ipc.ProtocolVersion {
		ipc.CloseFiles(files...)
		return nil, fmt.Errorf("protocol version %d, want %d", init.Version, ipc.ProtocolVersion)
	}
	if len(files) != 2 {
		ipc.CloseFiles(files...)
		return nil, fmt.Errorf("initialize carried %d descriptors, want the cache file and live regions", len(files))
	}
	live, err := ipc.ReadRegions(files[1])
	_ = files[1].Close()
	if err != nil {
		_ = files[0].Close()
		return nil, err
	}
	alloc, err := NewAllocator(HeaderSize, init.CacheSize, live)
	if err != nil {
		_ = files[0].Close()
		return nil, err
	}
	reporter, results, err := ipc.Pair()
	if err != nil {
		_ = files[0].Close()
		return nil, err
	}
	Logger().Debug("live regions loaded", zap.Int("count", len(live)))
	m := &monitor{
		session:  session,
		file:     files[0],
		compiler: NewCompiler(ctx, cfg.Registry, cfg.Constraints),
		jobs:     semaphore.NewWeighted(int64(jobThreads(cfg))),
		results:  results,
		reporter: reporter,
		alloc:    alloc,
		pending:  make(map[uint64]ipc.CodeTuple),
	}
	m.compile = m.compiler.Compile
	if cfg.compile != nil {
		m.compile = cfg.compile
	}
	return m, nil
}

func jobThreads(cfg MonitorConfig) int {
	if cfg.Threads > 0 {
		return cfg.Threads
	}
	return runtime.GOMAXPROCS(0)
}

func (m *monitor) close(ctx context.Context) {
	_ = m.results.Close()
	_ = m.compiler.Close(ctx)
	_ = m.file.Close()
}

func (m *monitor) freeBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alloc.FreeBytes()
}

// serve handles session messages until the peer goes away.
func (m *monitor) serve(ctx context.Context) error {
	for {
		msg, files, err := m.session.Recv()
		if err != nil {
			if errors.Is(err, errors.ErrTransport) {
				Logger().Debug("compiler monitor session ended", zap.Error(err))
				return nil
			}
			return err
		}
		switch msg := msg.(type) {
		case ipc.CompileRequest:
			if len(files) != 1 {
				ipc.CloseFiles(files...)
				m.reply(ipc.CompilationResult{RequestID: msg.RequestID, Code: msg.Code, Kind: ipc.ResultUnknownFailure})
				continue
			}
			m.mu.Lock()
			m.pending[msg.RequestID] = msg.Code
			m.mu.Unlock()
			if err := m.jobs.Acquire(ctx, 1); err != nil {
				ipc.CloseFiles(files...)
				return nil
			}
			go func(req ipc.CompileRequest, wasm *os.File) {
				defer m.jobs.Release(1)
				defer wasm.Close()
				m.runJob(ctx, req, wasm)
			}(msg, files[0])
		case ipc.EvictNotice:
			ipc.CloseFiles(files...)
			m.evict(msg.Codes)
		default:
			ipc.CloseFiles(files...)
			Logger().Warn("compiler monitor ignoring message", zap.Stringer("type", msg.Type()))
		}
	}
}

// runJob compiles one request and reports the artifacts over the internal
// pair, the way an isolated compile worker reports back.
func (m *monitor) runJob(ctx context.Context, req ipc.CompileRequest, wasm *os.File) {
	fail := func(err error) {
		Logger().Info("compilation failed", zap.Uint64("request", req.RequestID), zap.Error(err))
		_ = m.reporter.Send(ipc.CodeCompilationResult{RequestID: req.RequestID, Failure: err.Error()})
	}
	code, err := ipc.ReadFile(wasm)
	if err != nil {
		fail(err)
		return
	}
	if wasmsandbox.HashCode(code) != req.Code.Hash {
		fail(fmt.Errorf("code does not match its hash"))
		return
	}
	art, err := m.build(ctx, code)
	if err != nil {
		fail(err)
		return
	}
	codeFile, err := ipc.NewMemfd("oc-code", art.Code)
	if err != nil {
		fail(err)
		return
	}
	defer codeFile.Close()
	initFile, err := ipc.NewMemfd("oc-initdata", art.InitData)
	if err != nil {
		fail(err)
		return
	}
	defer initFile.Close()

	Logger().Debug("compiled", zap.Uint64("request", req.RequestID), zap.Stringer("artifact", art))
	_ = m.reporter.Send(ipc.CodeCompilationResult{
		RequestID:            req.RequestID,
		Start:                art.Start,
		ApplyOffset:          art.ApplyOffset,
		StartingMemoryPages:  art.StartingMemoryPages,
		InitDataPrologueSize: art.InitDataPrologueSize,
	}, codeFile, initFile)
}

// build runs the compile step. A panic fails the job instead of the monitor.
func (m *monitor) build(ctx context.Context, code []byte) (art *Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			Logger().Error("compile job panicked", zap.Any("panic", r), zap.Stack("stack"))
			art, err = nil, fmt.Errorf("compile job panicked: %v", r)
		}
	}()
	return m.compile(ctx, code)
}

// collect stores job results in the cache file and answers the node.
func (m *monitor) collect() {
	for {
		msg, files, err := m.results.Recv()
		if err != nil {
			return
		}
		res, ok := msg.(ipc.CodeCompilationResult)
		if !ok {
			ipc.CloseFiles(files...)
			continue
		}
		m.store(res, files)
		ipc.CloseFiles(files...)
	}
}

func (m *monitor) store(res ipc.CodeCompilationResult, files []*os.File) {
	m.mu.Lock()
	code, ok := m.pending[res.RequestID]
	delete(m.pending, res.RequestID)
	m.mu.Unlock()
	if !ok {
		return
	}
	out := ipc.CompilationResult{RequestID: res.RequestID, Code: code, Kind: ipc.ResultUnknownFailure}
	if res.Failure != "" || len(files) != 2 {
		out.CacheFreeBytes = m.freeBytes()
		m.reply(out)
		return
	}
	codeBytes, err := ipc.ReadFile(files[0])
	if err != nil {
		out.CacheFreeBytes = m.freeBytes()
		m.reply(out)
		return
	}
	initData, err := ipc.ReadFile(files[1])
	if err != nil {
		out.CacheFreeBytes = m.freeBytes()
		m.reply(out)
		return
	}

	m.mu.Lock()
	codeOff, okCode := m.alloc.Allocate(uint64(len(codeBytes)))
	initOff, okInit := m.alloc.Allocate(uint64(len(initData)))
	if !okCode || !okInit {
		if okCode {
			m.alloc.Free(codeOff, uint64(len(codeBytes)))
		}
		if okInit {
			m.alloc.Free(initOff, uint64(len(initData)))
		}
		out.Kind = ipc.ResultTooFull
		out.Needed = alignUp(uint64(len(codeBytes))) + alignUp(uint64(len(initData)))
		out.CacheFreeBytes = m.alloc.FreeBytes()
		m.mu.Unlock()
		m.reply(out)
		return
	}
	m.mu.Unlock()

	if err := m.write(codeOff, codeBytes, initOff, initData); err != nil {
		Logger().Error("writing artifact to cache file", zap.Error(err))
		m.mu.Lock()
		m.alloc.Free(codeOff, uint64(len(codeBytes)))
		m.alloc.Free(initOff, uint64(len(initData)))
		m.mu.Unlock()
		out.CacheFreeBytes = m.freeBytes()
		m.reply(out)
		return
	}

	out.Kind = ipc.ResultSuccess
	out.Descriptor = &wasmsandbox.Descriptor{
		CodeHash:             code.Hash,
		VMVersion:            code.VMVersion,
		CodegenVersion:       wasmsandbox.CodegenVersion,
		CodeBegin:            codeOff,
		CodeSize:             uint32(len(codeBytes)),
		Start:                res.Start,
		ApplyOffset:          res.ApplyOffset,
		StartingMemoryPages:  res.StartingMemoryPages,
		InitDataBegin:        initOff,
		InitDataSize:         uint32(len(initData)),
		InitDataPrologueSize: res.InitDataPrologueSize,
	}
	out.CacheFreeBytes = m.freeBytes()
	m.reply(out)
}

func (m *monitor) write(codeOff uint64, code []byte, initOff uint64, initData []byte) error {
	if _, err := m.file.WriteAt(code, int64(codeOff)); err != nil {
		return err
	}
	if len(initData) > 0 {
		if _, err := m.file.WriteAt(initData, int64(initOff)); err != nil {
			return err
		}
	}
	return nil
}

func (m *monitor) evict(descs []wasmsandbox.Descriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range descs {
		for _, r := range regions(&descs[i]) {
			m.alloc.Free(r.Offset, r.Size)
		}
	}
	Logger().Debug("evicted", zap.Int("count", len(descs)), zap.Uint64("free_bytes", m.alloc.FreeBytes()))
}

func (m *monitor) reply(res ipc.CompilationResult) {
	if err := m.session.Send(res); err != nil {
		Logger().Warn("replying to node", zap.Uint64("request", res.RequestID), zap.Error(err))
	}
}
