package main

import (
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/experimental"

	"github.com/wippyai/wasm-sandbox"
	"github.com/wippyai/wasm-sandbox/config"
	"github.com/wippyai/wasm-sandbox/watchdog"
)

// applyContext is the transaction context of a command-line call.
type applyContext struct {
	receiver wasmsandbox.Name
	account  wasmsandbox.Name
	action   wasmsandbox.Name
	data     []byte
	block    uint32
	deadline *watchdog.Timer

	mu      sync.Mutex
	console strings.Builder
}

func newApplyContext(opts options) (*applyContext, error) {
	receiver, err := wasmsandbox.ParseName(opts.receiver)
	if err != nil {
		return nil, err
	}
	account := receiver
	if opts.account != "" {
		if account, err = wasmsandbox.ParseName(opts.account); err != nil {
			return nil, err
		}
	}
	action, err := wasmsandbox.ParseName(opts.action)
	if err != nil {
		return nil, err
	}
	data, err := parseData(opts.data)
	if err != nil {
		return nil, err
	}
	return &applyContext{
		receiver: receiver,
		account:  account,
		action:   action,
		data:     data,
		block:    opts.block,
		deadline: watchdog.NewTimer(),
	}, nil
}

// deadline returns the end of the execution window for a call starting now.
func deadline(cfg config.Config) time.Time {
	if cfg.Limits.ExecutionTime <= 0 {
		return time.Now().Add(24 * time.Hour)
	}
	return time.Now().Add(cfg.Limits.ExecutionTime)
}

func (a *applyContext) Receiver() wasmsandbox.Name { return a.receiver }
func (a *applyContext) Account() wasmsandbox.Name  { return a.account }
func (a *applyContext) Action() wasmsandbox.Name   { return a.action }
func (a *applyContext) ActionData() []byte         { return a.data }
func (a *applyContext) BlockNum() uint32           { return a.block }
func (a *applyContext) BlockTime() time.Time       { return time.Now() }

func (a *applyContext) Timer() wasmsandbox.DeadlineSource { return a.deadline }

func (a *applyContext) MemoryAllocator() experimental.MemoryAllocator { return nil }

func (a *applyContext) Console(s string) {
	a.mu.Lock()
	a.console.WriteString(s)
	a.mu.Unlock()
}

func (a *applyContext) Output() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.console.String()
}
