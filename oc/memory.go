package oc

import (
	"fmt"

	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/wippyai/wasm-sandbox"
)

// MemoryWindow is a fixed virtual address range reserved for one contract's
// linear memory. Pages are committed with mprotect as memory grows, so the
// base address never moves and growth past the reservation fails with
// memory.grow returning -1. A window serves one instance at a time.
type MemoryWindow struct {
	mem       []byte
	committed uint64
}

var _ experimental.MemoryAllocator = (*MemoryWindow)(nil)

// NewMemoryWindow reserves maxPages of address space with no access.
func NewMemoryWindow(maxPages uint32) (*MemoryWindow, error) {
	if maxPages == 0 {
		return nil, fmt.Errorf("memory window needs at least one page")
	}
	size := int(uint64(maxPages) * wasmsandbox.PageSize)
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("reserve memory window: %w", err)
	}
	return &MemoryWindow{mem: mem}, nil
}

// MaxPages returns the size of the reservation in pages.
func (w *MemoryWindow) MaxPages() uint32 {
	return uint32(len(w.mem) / wasmsandbox.PageSize)
}

// Allocate implements experimental.MemoryAllocator. The window is reset and
// handed out as the instance's linear memory.
func (w *MemoryWindow) Allocate(_, _ uint64) experimental.LinearMemory {
	w.Free()
	return w
}

// Reallocate commits memory up to size and returns the window's view of it.
// It returns nil when size exceeds the reservation.
func (w *MemoryWindow) Reallocate(size uint64) []byte {
	if size > uint64(len(w.mem)) {
		return nil
	}
	if size > w.committed {
		if err := unix.Mprotect(w.mem[w.committed:size], unix.PROT_READ|unix.PROT_WRITE); err != nil {
			Logger().Warn("commit memory window", zap.Uint64("size", size), zap.Error(err))
			return nil
		}
		w.committed = size
	}
	return w.mem[:size:size]
}

// Free discards the committed pages and revokes access to them.
func (w *MemoryWindow) Free() {
	if w.committed == 0 {
		return
	}
	used := w.mem[:w.committed]
	_ = unix.Madvise(used, unix.MADV_DONTNEED)
	_ = unix.Mprotect(used, unix.PROT_NONE)
	w.committed = 0
}

// Close releases the reservation.
func (w *MemoryWindow) Close() error {
	if w.mem == nil {
		return nil
	}
	err := unix.Munmap(w.mem)
	w.mem, w.committed = nil, 0
	return err
}
