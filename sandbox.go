package wasmsandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/tetratelabs/wazero/experimental"
)

// PageSize is the size of one page of linear memory.
const PageSize = 64 * 1024

// CodeID names one compiled artifact. A new deployment produces a new CodeID,
// existing ones are never mutated.
type CodeID struct {
	Hash      [32]byte
	VMType    uint8
	VMVersion uint8
}

// HashCode returns the digest used as the code hash.
func HashCode(code []byte) [32]byte {
	return sha256.Sum256(code)
}

// NewCodeID derives the identity of code for the given vm type and version.
func NewCodeID(code []byte, vmType, vmVersion uint8) CodeID {
	return CodeID{Hash: HashCode(code), VMType: vmType, VMVersion: vmVersion}
}

func (id CodeID) String() string {
	return hex.EncodeToString(id.Hash[:8]) + ":" +
		strconv.Itoa(int(id.VMType)) + ":" + strconv.Itoa(int(id.VMVersion))
}

// DeadlineSource is the transaction timer contract consumed by the watchdog.
// The expiration callback may be invoked from another goroutine.
type DeadlineSource interface {
	SetExpirationCallback(fn func())
	Expired() bool
}

// ApplyContext is everything one contract call may observe about the
// transaction that runs it.
type ApplyContext interface {
	Receiver() Name
	Account() Name
	Action() Name
	ActionData() []byte
	BlockNum() uint32
	BlockTime() time.Time
	Timer() DeadlineSource
	Console(s string)
	// MemoryAllocator returns the allocator for the contract's linear memory,
	// or nil to use the engine default.
	MemoryAllocator() experimental.MemoryAllocator
}

// CodeProvider returns the bytecode for a code identity.
type CodeProvider interface {
	Code(ctx context.Context, id CodeID) ([]byte, error)
}

// CodeProviderFunc adapts a function to CodeProvider.
type CodeProviderFunc func(ctx context.Context, id CodeID) ([]byte, error)

func (f CodeProviderFunc) Code(ctx context.Context, id CodeID) ([]byte, error) {
	return f(ctx, id)
}
