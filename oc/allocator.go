package oc

import (
	"fmt"
	"sort"

	"github.com/wippyai/wasm-sandbox/ipc"
)

const allocAlign = 16

func alignUp(n uint64) uint64 {
	return (n + allocAlign - 1) &^ (allocAlign - 1)
}

// Allocator hands out regions of [base, limit) first-fit. Free regions are
// kept sorted and coalesced. It is not safe for concurrent use.
type Allocator struct {
	free  []ipc.Region
	base  uint64
	limit uint64
}

// NewAllocator returns an allocator over [base, limit) with live already in
// use.
func NewAllocator(base, limit uint64, live []ipc.Region) (*Allocator, error) {
	if limit < base {
		return nil, fmt.Errorf("allocator limit %d below base %d", limit, base)
	}
	used := append([]ipc.Region(nil), live...)
	sort.Slice(used, func(i, j int) bool { return used[i].Offset < used[j].Offset })

	a := &Allocator{base: base, limit: limit}
	cursor := base
	for _, r := range used {
		if r.Size == 0 {
			continue
		}
		size := alignUp(r.Size)
		if r.Offset < cursor || r.Offset+size > limit {
			return nil, fmt.Errorf("live region [%d, %d) overlaps or is out of range", r.Offset, r.Offset+size)
		}
		if r.Offset > cursor {
			a.free = append(a.free, ipc.Region{Offset: cursor, Size: r.Offset - cursor})
		}
		cursor = r.Offset + size
	}
	if cursor < limit {
		a.free = append(a.free, ipc.Region{Offset: cursor, Size: limit - cursor})
	}
	return a, nil
}

// Allocate reserves n bytes. A zero-size request succeeds at offset 0
// without reserving anything.
func (a *Allocator) Allocate(n uint64) (uint64, bool) {
	if n == 0 {
		return 0, true
	}
	n = alignUp(n)
	for i, r := range a.free {
		if r.Size < n {
			continue
		}
		off := r.Offset
		if r.Size == n {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = ipc.Region{Offset: r.Offset + n, Size: r.Size - n}
		}
		return off, true
	}
	return 0, false
}

// Free returns a region obtained from Allocate.
func (a *Allocator) Free(off, n uint64) {
	if n == 0 {
		return
	}
	n = alignUp(n)
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].Offset > off })
	a.free = append(a.free, ipc.Region{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = ipc.Region{Offset: off, Size: n}

	// Merge with the following region, then with the preceding one.
	if i+1 < len(a.free) && a.free[i].End() == a.free[i+1].Offset {
		a.free[i].Size += a.free[i+1].Size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].End() == a.free[i].Offset {
		a.free[i-1].Size += a.free[i].Size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

// FreeBytes returns the total unallocated space.
func (a *Allocator) FreeBytes() uint64 {
	var n uint64
	for _, r := range a.free {
		n += r.Size
	}
	return n
}

// Largest returns the largest single allocation that can succeed.
func (a *Allocator) Largest() uint64 {
	var n uint64
	for _, r := range a.free {
		if r.Size > n {
			n = r.Size
		}
	}
	return n
}
