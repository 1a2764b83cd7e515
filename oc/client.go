package oc

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/ipc"
)

type reply struct {
	err error
	res ipc.CompilationResult
}

// client is the node's connection to the compiler monitor. It connects
// lazily and reconnects after a transport failure.
type client struct {
	launcher  Launcher
	file      *os.File
	cacheSize uint64
	live      func() []ipc.Region

	mu      sync.Mutex
	session *ipc.Session
	wait    func() error
	pending map[uint64]chan reply
	nextID  atomic.Uint64
	closed  bool
}

func newClient(l Launcher, file *os.File, cacheSize uint64, live func() []ipc.Region) *client {
	return &client{
		launcher:  l,
		file:      file,
		cacheSize: cacheSize,
		live:      live,
		pending:   make(map[uint64]chan reply),
	}
}

// connect returns the current session, launching the monitor if needed.
// Callers hold c.mu.
func (c *client) connect(ctx context.Context) (*ipc.Session, error) {
	if c.closed {
		return nil, errors.Transport("compiler client closed", nil)
	}
	if c.session != nil {
		return c.session, nil
	}
	conn, wait, err := c.launcher.Launch(ctx)
	if err != nil {
		return nil, err
	}
	session := ipc.NewSession(conn)
	regions, err := ipc.NewRegionsFile(c.live())
	if err != nil {
		_ = session.Close()
		_ = wait()
		return nil, err
	}
	init := ipc.Initialize{Version: ipc.ProtocolVersion, CacheSize: c.cacheSize}
	err = session.Handshake(init, c.file, regions)
	_ = regions.Close()
	if err != nil {
		_ = session.Close()
		_ = wait()
		return nil, err
	}
	c.session, c.wait = session, wait
	go c.readLoop(session)
	return session, nil
}

// start connects eagerly.
func (c *client) start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.connect(ctx)
	return err
}

// compile sends a request and waits for its result.
func (c *client) compile(ctx context.Context, id wasmsandbox.CodeID, code []byte) (ipc.CompilationResult, error) {
	wasm, err := ipc.NewMemfd("wasm", code)
	if err != nil {
		return ipc.CompilationResult{}, err
	}
	defer wasm.Close()

	reqID := c.nextID.Add(1)
	ch := make(chan reply, 1)

	c.mu.Lock()
	session, err := c.connect(ctx)
	if err != nil {
		c.mu.Unlock()
		return ipc.CompilationResult{}, err
	}
	c.pending[reqID] = ch
	c.mu.Unlock()

	req := ipc.CompileRequest{RequestID: reqID, Code: ipc.CodeTuple{Hash: id.Hash, VMVersion: id.VMVersion}}
	if err := session.Send(req, wasm); err != nil {
		c.drop(session, err)
		return ipc.CompilationResult{}, err
	}

	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return ipc.CompilationResult{}, ctx.Err()
	}
}

// evict tells the monitor to release descs. Without a session there is
// nothing to tell: the next handshake sends the live regions.
func (c *client) evict(descs []wasmsandbox.Descriptor) {
	if len(descs) == 0 {
		return
	}
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return
	}
	for _, notice := range ipc.EvictBatches(ipc.EvictNotice{Codes: descs}) {
		if err := session.Send(notice); err != nil {
			c.drop(session, err)
			return
		}
	}
}

func (c *client) readLoop(session *ipc.Session) {
	for {
		msg, files, err := session.Recv()
		ipc.CloseFiles(files...)
		if err != nil {
			c.drop(session, err)
			return
		}
		res, ok := msg.(ipc.CompilationResult)
		if !ok {
			c.drop(session, errors.Transport(fmt.Sprintf("unexpected %s from compiler", msg.Type()), nil))
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[res.RequestID]
		delete(c.pending, res.RequestID)
		c.mu.Unlock()
		switch {
		case ok:
			ch <- reply{res: res}
		case res.Kind == ipc.ResultSuccess && res.Descriptor != nil:
			// The requester gave up; release the space it would have owned.
			if err := session.Send(ipc.EvictNotice{Codes: []wasmsandbox.Descriptor{*res.Descriptor}}); err != nil {
				c.drop(session, err)
				return
			}
		}
	}
}

// drop tears down session and fails every pending request with err.
func (c *client) drop(session *ipc.Session, err error) {
	c.mu.Lock()
	if c.session != session {
		c.mu.Unlock()
		return
	}
	c.session = nil
	wait := c.wait
	c.wait = nil
	pending := c.pending
	c.pending = make(map[uint64]chan reply)
	c.mu.Unlock()

	Logger().Warn("compiler connection lost", zap.Int("pending", len(pending)), zap.Error(err))
	for _, ch := range pending {
		ch <- reply{err: err}
	}
	_ = session.Close()
	if wait != nil {
		go func() { _ = wait() }()
	}
}

// close disconnects and waits for the monitor to exit.
func (c *client) close() error {
	c.mu.Lock()
	c.closed = true
	session, wait := c.session, c.wait
	c.session, c.wait = nil, nil
	pending := c.pending
	c.pending = make(map[uint64]chan reply)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: errors.Transport("cache closed", nil)}
	}
	if session == nil {
		return nil
	}
	_ = session.Close()
	if wait != nil {
		return wait()
	}
	return nil
}
