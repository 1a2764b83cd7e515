package wasmsandbox

// CodegenVersion is bumped whenever compiled artifacts change shape; cached
// descriptors carrying another version are discarded at startup.
const CodegenVersion uint8 = 1

// EntryKind tags the EntryPoint union.
type EntryKind uint8

const (
	EntryNone EntryKind = iota
	EntryCodeOffset
	EntryIntrinsic
)

func (k EntryKind) String() string {
	switch k {
	case EntryNone:
		return "none"
	case EntryCodeOffset:
		return "code_offset"
	case EntryIntrinsic:
		return "intrinsic"
	default:
		return "unknown"
	}
}

// EntryPoint locates the start function of a compiled module. It is a tagged
// value rather than an address so it stays valid across restarts: a code
// offset is relative to the first defined function, an intrinsic is an
// ordinal in the host registry.
type EntryPoint struct {
	Kind  EntryKind `cbor:"1,keyasint"`
	Value uint32    `cbor:"2,keyasint"`
}

// Descriptor locates a compiled artifact inside the OC cache file. It is
// never mutated after creation; a code change produces a new descriptor.
type Descriptor struct {
	CodeHash             [32]byte   `cbor:"1,keyasint"`
	VMVersion            uint8      `cbor:"2,keyasint"`
	CodegenVersion       uint8      `cbor:"3,keyasint"`
	CodeBegin            uint64     `cbor:"4,keyasint"`
	CodeSize             uint32     `cbor:"5,keyasint"`
	Start                EntryPoint `cbor:"6,keyasint"`
	ApplyOffset          uint32     `cbor:"7,keyasint"`
	StartingMemoryPages  uint32     `cbor:"8,keyasint"`
	InitDataBegin        uint64     `cbor:"9,keyasint"`
	InitDataSize         uint32     `cbor:"10,keyasint"`
	InitDataPrologueSize uint32     `cbor:"11,keyasint"`
}

// End returns the file offset just past the descriptor's data.
func (d *Descriptor) End() uint64 {
	end := d.CodeBegin + uint64(d.CodeSize)
	if e := d.InitDataBegin + uint64(d.InitDataSize); e > end {
		end = e
	}
	return end
}
