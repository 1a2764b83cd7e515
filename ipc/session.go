package ipc

import (
	"fmt"
	"os"
	"sync"

	"github.com/wippyai/wasm-sandbox/errors"
)

// State is the handshake state of a Session.
type State int

const (
	StateConnecting State = iota
	StateInitialized
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateInitialized:
		return "initialized"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session wraps a Conn with the initialize handshake.
type Session struct {
	conn  *Conn
	mu    sync.Mutex
	state State
}

func NewSession(c *Conn) *Session {
	return &Session{conn: c}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) expect(st State) error {
	if cur := s.State(); cur != st {
		return errors.Transport(fmt.Sprintf("session is %s, want %s", cur, st), nil)
	}
	return nil
}

// Handshake sends init with files and waits for the response. It is called
// by the connecting side.
func (s *Session) Handshake(init Initialize, files ...*os.File) error {
	if err := s.expect(StateConnecting); err != nil {
		return err
	}
	if err := s.conn.Send(init, files...); err != nil {
		s.setState(StateClosed)
		return err
	}
	s.setState(StateInitialized)

	msg, fds, err := s.conn.Recv()
	if err != nil {
		s.setState(StateClosed)
		return err
	}
	closeFiles(fds)
	resp, ok := msg.(InitializeResponse)
	if !ok {
		s.setState(StateClosed)
		return errors.Transport(fmt.Sprintf("expected initialize_response, got %s", msg.Type()), nil)
	}
	if resp.Error != nil {
		s.setState(StateClosed)
		return errors.Transport("initialize refused: "+*resp.Error, nil)
	}
	s.setState(StateReady)
	return nil
}

// Accept waits for Initialize. It is called by the accepting side, which
// must then call Respond.
func (s *Session) Accept() (Initialize, []*os.File, error) {
	if err := s.expect(StateConnecting); err != nil {
		return Initialize{}, nil, err
	}
	msg, files, err := s.conn.Recv()
	if err != nil {
		s.setState(StateClosed)
		return Initialize{}, nil, err
	}
	init, ok := msg.(Initialize)
	if !ok {
		closeFiles(files)
		s.setState(StateClosed)
		return Initialize{}, nil, errors.Transport(fmt.Sprintf("expected initialize, got %s", msg.Type()), nil)
	}
	s.setState(StateInitialized)
	return init, files, nil
}

// Respond completes the handshake. A non-nil refusal is sent to the peer
// and closes the session.
func (s *Session) Respond(refusal error) error {
	if err := s.expect(StateInitialized); err != nil {
		return err
	}
	var resp InitializeResponse
	if refusal != nil {
		msg := refusal.Error()
		resp.Error = &msg
	}
	if err := s.conn.Send(resp); err != nil {
		s.setState(StateClosed)
		return err
	}
	if refusal != nil {
		s.setState(StateClosed)
		return nil
	}
	s.setState(StateReady)
	return nil
}

// Send sends msg on a ready session.
func (s *Session) Send(msg Message, files ...*os.File) error {
	if err := s.expect(StateReady); err != nil {
		return err
	}
	switch msg.(type) {
	case Initialize, InitializeResponse:
		return errors.Transport(fmt.Sprintf("%s after handshake", msg.Type()), nil)
	}
	return s.conn.Send(msg, files...)
}

// Recv receives the next message on a ready session. A handshake message
// after the handshake is a protocol error.
func (s *Session) Recv() (Message, []*os.File, error) {
	if err := s.expect(StateReady); err != nil {
		return nil, nil, err
	}
	msg, files, err := s.conn.Recv()
	if err != nil {
		return nil, nil, err
	}
	switch msg.(type) {
	case Initialize, InitializeResponse:
		closeFiles(files)
		return nil, nil, errors.Transport(fmt.Sprintf("%s after handshake", msg.Type()), nil)
	}
	return msg, files, nil
}

// Close closes the session and its connection.
func (s *Session) Close() error {
	s.setState(StateClosed)
	return s.conn.Close()
}
