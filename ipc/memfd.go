package ipc

import (
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/wippyai/wasm-sandbox/errors"
)

// NewMemfd returns an anonymous in-memory file holding data, positioned at
// the start.
func NewMemfd(name string, data []byte) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, errors.Transport("memfd_create", err)
	}
	f := os.NewFile(uintptr(fd), name)
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return nil, errors.Transport("write memfd", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, errors.Transport("seek memfd", err)
	}
	return f, nil
}

// ReadFile reads f from the start.
func ReadFile(f *os.File) ([]byte, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Transport("seek", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Transport("read", err)
	}
	return data, nil
}
