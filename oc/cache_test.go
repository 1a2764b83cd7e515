package oc

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wippyai/wasm-sandbox"
	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/internal/testwasm"
	"github.com/wippyai/wasm-sandbox/ipc"
	"github.com/wippyai/wasm-sandbox/wasmbin"
)

func openCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	if cfg.Size == 0 {
		cfg.Size = 4 * MinCacheSize
	}
	c, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func id(code []byte) wasmsandbox.CodeID {
	return wasmsandbox.NewCodeID(code, 2, 0)
}

func mustDescriptor(t *testing.T, c *Cache, code []byte) *wasmsandbox.Descriptor {
	t.Helper()
	desc, err := c.GetDescriptorForCodeSync(context.Background(), id(code), code)
	if err != nil {
		t.Fatalf("GetDescriptorForCodeSync: %v", err)
	}
	return desc
}

// withData returns a contract carrying a data segment of n bytes filled
// with fill.
func withData(n int, fill byte) []byte {
	pages := uint32(n/wasmsandbox.PageSize + 1)
	return testwasm.New().Memory(pages).Data(0, bytes.Repeat([]byte{fill}, n)).Apply().Bytes()
}

func TestCacheHitWithoutCompile(t *testing.T) {
	c := openCache(t, Config{})
	code := testwasm.Hello()
	first := mustDescriptor(t, c, code)
	c.FreeCode(id(code))

	if first.CodegenVersion != wasmsandbox.CodegenVersion || first.CodeHash != id(code).Hash {
		t.Errorf("descriptor = %+v", first)
	}
	// A miss with no code could not compile.
	second, err := c.GetDescriptorForCodeSync(context.Background(), id(code), nil)
	if err != nil {
		t.Fatalf("hit: %v", err)
	}
	c.FreeCode(id(code))
	if *first != *second {
		t.Errorf("hit returned %+v, want %+v", second, first)
	}
	if n := len(c.Entries()); n != 1 {
		t.Errorf("entries = %d", n)
	}
	if c.FreeBytes() == 0 || c.FreeBytes() >= c.cfg.Size {
		t.Errorf("free bytes = %d", c.FreeBytes())
	}
}

func TestCacheCompileFailure(t *testing.T) {
	c := openCache(t, Config{})
	code := testwasm.ForeignImport()
	_, err := c.GetDescriptorForCodeSync(context.Background(), id(code), code)
	if !errors.Is(err, errors.ErrCompileUnknown) {
		t.Fatalf("err = %v, want compile failure", err)
	}
	if n := len(c.Entries()); n != 0 {
		t.Errorf("entries = %d", n)
	}
	// The connection survives a failed compile.
	mustDescriptor(t, c, testwasm.Noop())
}

func TestCacheConcurrentMisses(t *testing.T) {
	c := openCache(t, Config{})
	code := testwasm.Counter()
	const n = 8
	descs := make([]*wasmsandbox.Descriptor, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			descs[i], errs[i] = c.GetDescriptorForCodeSync(context.Background(), id(code), code)
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if *descs[i] != *descs[0] {
			t.Errorf("call %d got a different descriptor", i)
		}
	}
	entries := c.Entries()
	if len(entries) != 1 || entries[0].Refs != n {
		t.Fatalf("entries = %+v, want one with %d refs", entries, n)
	}
}

func TestCacheCurrentLibEviction(t *testing.T) {
	var (
		mu      sync.Mutex
		evicted []wasmsandbox.CodeID
	)
	c := openCache(t, Config{
		RetentionBlocks: 50,
		OnEvict: func(id wasmsandbox.CodeID, _ wasmsandbox.Descriptor) {
			mu.Lock()
			evicted = append(evicted, id)
			mu.Unlock()
		},
	})
	old, recent := testwasm.Hello(), testwasm.Counter()
	mustDescriptor(t, c, old)
	mustDescriptor(t, c, recent)
	c.FreeCode(id(old))
	c.FreeCode(id(recent))
	c.CodeBlockNumLastUsed(id(old), 10)
	c.CodeBlockNumLastUsed(id(recent), 100)
	c.CodeBlockNumLastUsed(id(recent), 90)

	c.CurrentLib(70)
	entries := c.Entries()
	if len(entries) != 1 || entries[0].ID != id(recent) || entries[0].LastUsed != 100 {
		t.Fatalf("entries after lib 70 = %+v", entries)
	}

	// Referenced entries survive any horizon.
	mustDescriptor(t, c, recent)
	c.CurrentLib(1000)
	if len(c.Entries()) != 1 {
		t.Fatal("referenced entry was evicted")
	}
	c.FreeCode(id(recent))
	c.CurrentLib(1001)
	if len(c.Entries()) != 0 {
		t.Fatal("released entry survived")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 2 || evicted[0] != id(old) || evicted[1] != id(recent) {
		t.Errorf("evicted = %v", evicted)
	}
}

func TestCacheRetentionUnderflow(t *testing.T) {
	c := openCache(t, Config{RetentionBlocks: 100})
	code := testwasm.Noop()
	mustDescriptor(t, c, code)
	c.FreeCode(id(code))
	c.CurrentLib(5)
	if len(c.Entries()) != 1 {
		t.Fatal("entry evicted before the retention window elapsed")
	}
}

func TestCacheTooFull(t *testing.T) {
	c := openCache(t, Config{Size: MinCacheSize})
	const chunk = 300 << 10
	var held []wasmsandbox.CodeID
	for i := 0; i < 3; i++ {
		code := withData(chunk, byte('a'+i))
		mustDescriptor(t, c, code)
		held = append(held, id(code))
	}

	fourth := withData(chunk, 'z')
	_, err := c.GetDescriptorForCodeSync(context.Background(), id(fourth), fourth)
	if !errors.Is(err, errors.ErrCacheTooFull) {
		t.Fatalf("err = %v, want cache too full", err)
	}
	if len(c.Entries()) != 3 {
		t.Fatal("eviction removed a referenced entry")
	}

	c.FreeCode(held[0])
	mustDescriptor(t, c, fourth)
	for _, e := range c.Entries() {
		if e.ID == held[0] {
			t.Error("released entry was not evicted for space")
		}
	}
}

func TestCacheTooFullEvictsOldestFirst(t *testing.T) {
	var evicted []wasmsandbox.CodeID
	c := openCache(t, Config{
		Size:    MinCacheSize,
		OnEvict: func(id wasmsandbox.CodeID, _ wasmsandbox.Descriptor) { evicted = append(evicted, id) },
	})
	const chunk = 300 << 10
	var ids []wasmsandbox.CodeID
	for i, block := range []uint32{10, 20, 30} {
		code := withData(chunk, byte('a'+i))
		mustDescriptor(t, c, code)
		c.FreeCode(id(code))
		c.CodeBlockNumLastUsed(id(code), block)
		ids = append(ids, id(code))
	}

	fourth := withData(chunk, 'z')
	mustDescriptor(t, c, fourth)

	if len(evicted) != 1 || evicted[0] != ids[0] {
		t.Fatalf("evicted = %v, want only the least recently used %v", evicted, ids[0])
	}
	kept := map[wasmsandbox.CodeID]bool{}
	for _, e := range c.Entries() {
		kept[e.ID] = true
	}
	for _, want := range []wasmsandbox.CodeID{ids[1], ids[2], id(fourth)} {
		if !kept[want] {
			t.Errorf("%v was evicted", want)
		}
	}
}

func TestCacheEvictThreshold(t *testing.T) {
	c := openCache(t, Config{Size: MinCacheSize, EvictThreshold: 400 << 10})
	const chunk = 300 << 10
	var ids []wasmsandbox.CodeID
	for i, block := range []uint32{10, 20, 30} {
		code := withData(chunk, byte('a'+i))
		mustDescriptor(t, c, code)
		ids = append(ids, id(code))
		if i < 2 {
			c.FreeCode(id(code))
			c.CodeBlockNumLastUsed(id(code), block)
		}
		if i == 1 && len(c.Entries()) != 2 {
			t.Fatalf("entries = %d before crossing the threshold", len(c.Entries()))
		}
	}

	entries := c.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %+v, want two", entries)
	}
	for _, e := range entries {
		if e.ID == ids[0] {
			t.Error("oldest released entry survived the threshold pass")
		}
	}
	if c.FreeBytes() < 400<<10 {
		t.Errorf("free bytes = %d, want at least the threshold", c.FreeBytes())
	}
}

func TestCacheDescriptorForCodeDuringClose(t *testing.T) {
	c := openCache(t, Config{})
	codes := [][]byte{testwasm.Hello(), testwasm.Counter(), testwasm.Noop(), testwasm.StartStore()}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(code []byte) {
			defer wg.Done()
			<-start
			for j := 0; j < 50; j++ {
				if d := c.DescriptorForCode(context.Background(), id(code), code); d != nil {
					c.FreeCode(id(code))
				}
			}
		}(codes[i%len(codes)])
	}
	close(start)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()

	code := withData(64, 'q')
	if d := c.DescriptorForCode(context.Background(), id(code), code); d != nil {
		t.Fatal("closed cache returned a descriptor")
	}
	if n := len(c.Entries()); n > len(codes) {
		t.Errorf("entries = %d after close", n)
	}
}

func TestCachePersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	code := testwasm.StartStore()

	c, err := Open(context.Background(), Config{Dir: dir, Size: 2 * MinCacheSize})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	want := mustDescriptor(t, c, code)
	c.FreeCode(id(code))
	c.CodeBlockNumLastUsed(id(code), 42)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c = openCache(t, Config{Dir: dir, Size: 2 * MinCacheSize})
	entries := c.Entries()
	if len(entries) != 1 || entries[0].Descriptor != *want || entries[0].LastUsed != 42 {
		t.Fatalf("entries after reopen = %+v", entries)
	}
	got, err := c.GetDescriptorForCodeSync(context.Background(), id(code), nil)
	if err != nil || *got != *want {
		t.Fatalf("hit after reopen = %+v, %v", got, err)
	}

	// The reloaded artifact still runs.
	x := newExecutor(t, c)
	ac := testwasm.NewApplyContext("alice")
	if _, err := x.Execute(context.Background(), got, nil, ac); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ac.Output() != "42" {
		t.Errorf("console = %q", ac.Output())
	}
}

func TestCacheDescriptorForCode(t *testing.T) {
	c := openCache(t, Config{})
	code := testwasm.Hello()
	if d := c.DescriptorForCode(context.Background(), id(code), code); d != nil {
		t.Fatal("miss returned a descriptor")
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		if d := c.DescriptorForCode(context.Background(), id(code), code); d != nil {
			c.FreeCode(id(code))
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background compile never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// garbageLauncher accepts the handshake, then answers the first compile
// request with bytes that are not a message.
type garbageLauncher struct{}

func (garbageLauncher) Launch(context.Context) (*ipc.Conn, func() error, error) {
	node, mon, err := ipc.SocketPair()
	if err != nil {
		return nil, nil, err
	}
	raw, err := unix.Dup(int(mon.Fd()))
	if err != nil {
		return nil, nil, err
	}
	nodeConn, err := ipc.NewConn(node)
	if err != nil {
		return nil, nil, err
	}
	monConn, err := ipc.NewConn(mon)
	if err != nil {
		return nil, nil, err
	}
	done := make(chan error, 1)
	go func() {
		defer unix.Close(raw)
		session := ipc.NewSession(monConn)
		defer session.Close()
		_, files, err := session.Accept()
		ipc.CloseFiles(files...)
		if err != nil {
			done <- err
			return
		}
		if err := session.Respond(nil); err != nil {
			done <- err
			return
		}
		for {
			_, files, err := session.Recv()
			ipc.CloseFiles(files...)
			if err != nil {
				done <- nil
				return
			}
			_, _ = unix.Write(raw, []byte{0xff, 0x00, 0x13, 0x37})
		}
	}()
	return nodeConn, func() error { return <-done }, nil
}

func TestCacheTransportGarbage(t *testing.T) {
	c := openCache(t, Config{Launcher: garbageLauncher{}})
	code := testwasm.Noop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.GetDescriptorForCodeSync(ctx, id(code), code)
	if !errors.Is(err, errors.ErrCompileUnknown) {
		t.Fatalf("err = %v, want compile failure", err)
	}
	if ctx.Err() != nil {
		t.Fatal("request hung until the test deadline")
	}
}

func newExecutor(t *testing.T, c *Cache) *Executor {
	t.Helper()
	ctx := context.Background()
	x, err := NewExecutor(ctx, c, ExecutorConfig{CompilationCacheDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	t.Cleanup(func() { _ = x.Close(ctx) })
	return x
}

func TestExecutorOutcomes(t *testing.T) {
	c := openCache(t, Config{})
	x := newExecutor(t, c)

	tests := []struct {
		name     string
		code     []byte
		out      string
		trap     engine.Trap
		wantErr  *errors.Error
		runTwice bool
	}{
		{name: "hello", code: testwasm.Hello(), out: "hello"},
		{name: "start entry", code: testwasm.StartStore(), out: "42"},
		{name: "fresh memory per call", code: testwasm.Counter(), out: "8", runTwice: true},
		{name: "exit", code: testwasm.Exit(), out: "before"},
		{name: "out of bounds", code: testwasm.OutOfBounds(), trap: engine.TrapSegv, wantErr: errors.ErrAccessViolation},
		{name: "unreachable", code: testwasm.Trap(), trap: engine.TrapException, wantErr: errors.ErrAccessViolation},
		{name: "divide by zero", code: testwasm.DivideByZero(), trap: engine.TrapException, wantErr: errors.ErrAccessViolation},
		{name: "assertion", code: testwasm.AssertFail(), trap: engine.TrapException, wantErr: errors.ErrAssertion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := mustDescriptor(t, c, tt.code)
			defer c.FreeCode(id(tt.code))

			runs := 1
			if tt.runTwice {
				runs = 2
			}
			for i := 0; i < runs; i++ {
				ac := testwasm.NewApplyContext("alice")
				trap, err := x.Execute(context.Background(), desc, nil, ac)
				if trap != tt.trap {
					t.Errorf("trap = %s, want %s", trap, tt.trap)
				}
				if tt.wantErr == nil && err != nil {
					t.Fatalf("Execute: %v", err)
				}
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Fatalf("Execute = %v, want %v", err, tt.wantErr)
				}
				if ac.Output() != tt.out {
					t.Errorf("run %d console = %q, want %q", i, ac.Output(), tt.out)
				}
			}
		})
	}
}

func TestExecutorCheckTime(t *testing.T) {
	c := openCache(t, Config{})
	x := newExecutor(t, c)
	code := testwasm.InfiniteLoop()
	desc := mustDescriptor(t, c, code)
	defer c.FreeCode(id(code))

	ac := testwasm.NewApplyContext("alice")
	ac.Deadline.Start(time.Now().Add(50 * time.Millisecond))

	type outcome struct {
		trap engine.Trap
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		trap, err := x.Execute(context.Background(), desc, nil, ac)
		done <- outcome{trap, err}
	}()
	select {
	case o := <-done:
		if o.trap != engine.TrapCheckTime || !errors.Is(o.err, errors.ErrCheckTime) {
			t.Fatalf("Execute = %s, %v; want checktime", o.trap, o.err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("deadline did not stop the contract")
	}
}

func TestExecutorIntrinsicStart(t *testing.T) {
	b := testwasm.New()
	abort := b.Import("env", "abort", nil, nil)
	code := b.Memory(1).Start(abort).Apply().Bytes()

	c := openCache(t, Config{})
	x := newExecutor(t, c)
	desc := mustDescriptor(t, c, code)
	defer c.FreeCode(id(code))

	_, err := x.Execute(context.Background(), desc, nil, testwasm.NewApplyContext("alice"))
	if err == nil {
		t.Fatal("abort in the start entry did not fail the call")
	}
}

func TestExecutorMemoryWindowLimit(t *testing.T) {
	b := testwasm.New()
	printi := b.Import("env", "printi", testwasm.Types(wasmbin.ValI64), nil)
	code := b.MemoryMax(1, 64).
		Apply(testwasm.I32Const(5), testwasm.MemoryGrow(), testwasm.I64ExtendI32S(), testwasm.Call(printi)).
		Bytes()

	c := openCache(t, Config{})
	x := newExecutor(t, c)
	desc := mustDescriptor(t, c, code)
	defer c.FreeCode(id(code))

	tests := []struct {
		pages uint32
		want  string
	}{
		{4, "-1"},
		{16, "1"},
	}
	for _, tt := range tests {
		w, err := NewMemoryWindow(tt.pages)
		if err != nil {
			t.Fatalf("NewMemoryWindow: %v", err)
		}
		ac := testwasm.NewApplyContext("alice")
		_, err = x.Execute(context.Background(), desc, w, ac)
		_ = w.Close()
		if err != nil {
			t.Fatalf("Execute with %d pages: %v", tt.pages, err)
		}
		if ac.Output() != tt.want {
			t.Errorf("%d-page window: memory.grow = %q, want %q", tt.pages, ac.Output(), tt.want)
		}
	}
}

func TestExecutorEvict(t *testing.T) {
	c := openCache(t, Config{})
	x := newExecutor(t, c)
	code := testwasm.Hello()
	desc := mustDescriptor(t, c, code)
	defer c.FreeCode(id(code))

	if _, err := x.Execute(context.Background(), desc, nil, testwasm.NewApplyContext("alice")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	x.Evict(*desc)
	ac := testwasm.NewApplyContext("alice")
	if _, err := x.Execute(context.Background(), desc, nil, ac); err != nil {
		t.Fatalf("Execute after Evict: %v", err)
	}
	if ac.Output() != "hello" {
		t.Errorf("console = %q", ac.Output())
	}
}
