package ipc

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/wippyai/wasm-sandbox/errors"
)

// MaxMessageSize bounds one encoded message.
const MaxMessageSize = 64 * 1024

// maxFDs is the most descriptors a single message carries.
const maxFDs = 4

// Conn is one end of a SOCK_SEQPACKET connection. Send and Recv may be
// called concurrently with each other.
type Conn struct {
	uc     *net.UnixConn
	sendMu sync.Mutex
	recvMu sync.Mutex
	buf    []byte
	oob    []byte
}

// SocketPair returns the two ends of a connected socket pair as files.
func SocketPair() (*os.File, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, errors.Transport("socketpair", err)
	}
	return os.NewFile(uintptr(fds[0]), "ipc-0"), os.NewFile(uintptr(fds[1]), "ipc-1"), nil
}

// Pair returns two connected Conns.
func Pair() (*Conn, *Conn, error) {
	fa, fb, err := SocketPair()
	if err != nil {
		return nil, nil, err
	}
	a, err := NewConn(fa)
	if err != nil {
		_ = fb.Close()
		return nil, nil, err
	}
	b, err := NewConn(fb)
	if err != nil {
		_ = a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

// NewConn wraps a connected socket. f is closed; the Conn owns a duplicate.
func NewConn(f *os.File) (*Conn, error) {
	fc, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return nil, errors.Transport("wrap socket", err)
	}
	uc, ok := fc.(*net.UnixConn)
	if !ok {
		_ = fc.Close()
		return nil, errors.Transport(fmt.Sprintf("socket is %T, not unix", fc), nil)
	}
	return &Conn{
		uc:  uc,
		buf: make([]byte, MaxMessageSize),
		oob: make([]byte, unix.CmsgSpace(maxFDs*4)),
	}, nil
}

// Send writes msg with files attached. The files stay owned by the caller.
func (c *Conn) Send(msg Message, files ...*os.File) error {
	if len(files) > maxFDs {
		return errors.Transport(fmt.Sprintf("%d descriptors exceed limit %d", len(files), maxFDs), nil)
	}
	data, err := Encode(msg)
	if err != nil {
		return errors.Transport("encode", err)
	}
	if len(data) > MaxMessageSize {
		return errors.Transport(fmt.Sprintf("%s message of %d bytes exceeds limit", msg.Type(), len(data)), nil)
	}
	var oob []byte
	if len(files) > 0 {
		fds := make([]int, len(files))
		for i, f := range files {
			fds[i] = int(f.Fd())
		}
		oob = unix.UnixRights(fds...)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	n, oobn, err := c.uc.WriteMsgUnix(data, oob, nil)
	if err != nil {
		return errors.Transport("send "+msg.Type().String(), err)
	}
	if n != len(data) || oobn != len(oob) {
		return errors.Transport("short write", io.ErrShortWrite)
	}
	return nil
}

// Recv reads the next message and the files passed with it. The caller owns
// the returned files.
func (c *Conn) Recv() (Message, []*os.File, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	n, oobn, flags, _, err := c.uc.ReadMsgUnix(c.buf, c.oob)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, errors.Transport("connection closed", io.EOF)
		}
		return nil, nil, errors.Transport("recv", err)
	}

	files, ferr := parseRights(c.oob[:oobn])
	if ferr != nil {
		closeFiles(files)
		return nil, nil, errors.Transport("parse descriptors", ferr)
	}
	if n == 0 && oobn == 0 {
		return nil, nil, errors.Transport("connection closed", io.EOF)
	}
	if flags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 {
		closeFiles(files)
		return nil, nil, errors.Transport("message truncated", nil)
	}

	msg, err := Decode(c.buf[:n])
	if err != nil {
		closeFiles(files)
		return nil, nil, errors.Transport("malformed message", err)
	}
	return msg, files, nil
}

// Close closes the connection. A blocked Recv returns a transport error.
func (c *Conn) Close() error {
	return c.uc.Close()
}

func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var files []*os.File
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			return files, err
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			files = append(files, os.NewFile(uintptr(fd), "ipc-fd"))
		}
	}
	return files, nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// CloseFiles closes every non-nil file.
func CloseFiles(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}
