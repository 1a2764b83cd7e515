package oc

import (
	"encoding/binary"
	"fmt"

	"github.com/wippyai/wasm-sandbox/wasmbin"
)

// Segment is one entry of the initdata prologue.
type Segment struct {
	Offset uint32
	Size   uint32
}

// EncodeInitData lays out the memory snapshot of segs: a prologue holding the
// little-endian segment count and (offset, size) pairs, followed by the
// segment bytes in order.
func EncodeInitData(segs []wasmbin.DataSegment) (data []byte, prologueSize uint32, err error) {
	prologue := 4 + 8*len(segs)
	total := prologue
	for _, s := range segs {
		total += len(s.Init)
	}
	data = make([]byte, 0, total)
	data = binary.LittleEndian.AppendUint32(data, uint32(len(segs)))
	for i, s := range segs {
		off, err := s.Offset32()
		if err != nil {
			return nil, 0, fmt.Errorf("segment %d: %w", i, err)
		}
		data = binary.LittleEndian.AppendUint32(data, off)
		data = binary.LittleEndian.AppendUint32(data, uint32(len(s.Init)))
	}
	for _, s := range segs {
		data = append(data, s.Init...)
	}
	return data, uint32(prologue), nil
}

// DecodeInitData splits initdata into its segment table and payload.
func DecodeInitData(data []byte, prologueSize uint32) ([]Segment, []byte, error) {
	if len(data) < 4 || uint32(len(data)) < prologueSize {
		return nil, nil, fmt.Errorf("initdata of %d bytes is shorter than its prologue", len(data))
	}
	n := binary.LittleEndian.Uint32(data)
	if uint64(4)+8*uint64(n) != uint64(prologueSize) {
		return nil, nil, fmt.Errorf("prologue size %d does not match %d segments", prologueSize, n)
	}
	segs := make([]Segment, n)
	payload := data[prologueSize:]
	var total uint64
	for i := range segs {
		p := data[4+8*i:]
		segs[i] = Segment{
			Offset: binary.LittleEndian.Uint32(p),
			Size:   binary.LittleEndian.Uint32(p[4:]),
		}
		total += uint64(segs[i].Size)
	}
	if total != uint64(len(payload)) {
		return nil, nil, fmt.Errorf("segments hold %d bytes, payload has %d", total, len(payload))
	}
	return segs, payload, nil
}
