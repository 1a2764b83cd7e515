package testwasm

import (
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/experimental"

	"github.com/wippyai/wasm-sandbox"
	"github.com/wippyai/wasm-sandbox/watchdog"
)

// ApplyContext is an in-memory wasmsandbox.ApplyContext.
type ApplyContext struct {
	ReceiverName wasmsandbox.Name
	AccountName  wasmsandbox.Name
	ActionName   wasmsandbox.Name
	Data         []byte
	Block        uint32
	Time         time.Time
	Deadline     *watchdog.Timer
	Allocator    experimental.MemoryAllocator

	mu      sync.Mutex
	console strings.Builder
}

// NewApplyContext returns a context for receiver with an unarmed timer.
func NewApplyContext(receiver string) *ApplyContext {
	n := wasmsandbox.MustName(receiver)
	return &ApplyContext{
		ReceiverName: n,
		AccountName:  n,
		ActionName:   wasmsandbox.MustName("transfer"),
		Block:        1,
		Time:         time.Unix(1700000000, 0),
		Deadline:     watchdog.NewTimer(),
	}
}

func (a *ApplyContext) Receiver() wasmsandbox.Name { return a.ReceiverName }
func (a *ApplyContext) Account() wasmsandbox.Name  { return a.AccountName }
func (a *ApplyContext) Action() wasmsandbox.Name   { return a.ActionName }
func (a *ApplyContext) ActionData() []byte         { return a.Data }
func (a *ApplyContext) BlockNum() uint32           { return a.Block }
func (a *ApplyContext) BlockTime() time.Time       { return a.Time }

func (a *ApplyContext) Timer() wasmsandbox.DeadlineSource { return a.Deadline }

func (a *ApplyContext) MemoryAllocator() experimental.MemoryAllocator { return a.Allocator }

func (a *ApplyContext) Console(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.console.WriteString(s)
}

// Output returns everything printed so far.
func (a *ApplyContext) Output() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.console.String()
}
