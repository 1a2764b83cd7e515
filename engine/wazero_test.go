package engine_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/host"
	"github.com/wippyai/wasm-sandbox/internal/testwasm"
)

var kinds = []engine.Kind{engine.KindInterpreter, engine.KindJIT}

func newEngine(t *testing.T, kind engine.Kind) *engine.Engine {
	t.Helper()
	ctx := context.Background()
	e, err := engine.New(ctx, engine.Config{Kind: kind})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(ctx) })
	return e
}

func apply(t *testing.T, e *engine.Engine, code []byte, ac *testwasm.ApplyContext) error {
	t.Helper()
	ctx := context.Background()
	m, err := e.Instantiate(ctx, code)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer m.Close(ctx)
	return m.Apply(ctx, ac)
}

func TestApplyOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		code    []byte
		want    string
		wantErr *errors.Error
	}{
		{"noop", testwasm.Noop(), "", nil},
		{"hello", testwasm.Hello(), "hello", nil},
		{"exit keeps prior output", testwasm.Exit(), "before", nil},
		{"grow beyond max", testwasm.GrowBeyondMax(), "-1", nil},
		{"start function runs", testwasm.StartStore(), "42", nil},
		{"out of bounds", testwasm.OutOfBounds(), "", errors.ErrAccessViolation},
		{"divide by zero", testwasm.DivideByZero(), "", errors.ErrExecution},
		{"unreachable", testwasm.Trap(), "", errors.ErrExecution},
		{"assertion", testwasm.AssertFail(), "", errors.ErrAssertion},
	}
	for _, kind := range kinds {
		for _, tt := range tests {
			t.Run(kind.String()+"/"+tt.name, func(t *testing.T) {
				e := newEngine(t, kind)
				ac := testwasm.NewApplyContext("alice")
				err := apply(t, e, tt.code, ac)
				if tt.wantErr == nil {
					if err != nil {
						t.Fatalf("Apply: %v", err)
					}
				} else if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Apply = %v, want %v", err, tt.wantErr)
				}
				if got := ac.Output(); got != tt.want {
					t.Errorf("console = %q, want %q", got, tt.want)
				}
				if err != nil && !errors.IsExecution(err) {
					t.Errorf("%v is not an execution error", err)
				}
			})
		}
	}
}

func TestGenericErrorHidesEngineText(t *testing.T) {
	e := newEngine(t, engine.KindInterpreter)
	err := apply(t, e, testwasm.DivideByZero(), testwasm.NewApplyContext("alice"))
	if err == nil || strings.Contains(err.Error(), "divide") {
		t.Fatalf("error leaks engine text: %v", err)
	}
}

func TestAssertionMessage(t *testing.T) {
	e := newEngine(t, engine.KindInterpreter)
	err := apply(t, e, testwasm.AssertFail(), testwasm.NewApplyContext("alice"))
	if err == nil || !strings.Contains(err.Error(), "assertion failure with message: boom") {
		t.Fatalf("Apply = %v", err)
	}
}

func TestApplyCheckTime(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			ctx := context.Background()
			e := newEngine(t, kind)
			m, err := e.Instantiate(ctx, testwasm.InfiniteLoop())
			if err != nil {
				t.Fatalf("Instantiate: %v", err)
			}
			defer m.Close(ctx)
			ac := testwasm.NewApplyContext("alice")
			ac.Deadline.Start(time.Now().Add(50 * time.Millisecond))
			defer ac.Deadline.Stop()

			done := make(chan error, 1)
			go func() { done <- m.Apply(ctx, ac) }()
			select {
			case err := <-done:
				if !errors.Is(err, errors.ErrCheckTime) {
					t.Fatalf("Apply = %v, want checktime", err)
				}
			case <-time.After(10 * time.Second):
				t.Fatal("watchdog did not stop the call")
			}
		})
	}
}

func TestApplyAlreadyExpired(t *testing.T) {
	e := newEngine(t, engine.KindInterpreter)
	ac := testwasm.NewApplyContext("alice")
	ac.Deadline.Start(time.Now().Add(-time.Second))
	err := apply(t, e, testwasm.Hello(), ac)
	if !errors.Is(err, errors.ErrCheckTime) {
		t.Fatalf("Apply = %v, want checktime", err)
	}
	if ac.Output() != "" {
		t.Errorf("expired call produced output %q", ac.Output())
	}
}

func TestFreshStatePerCall(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, engine.KindInterpreter)
	m, err := e.Instantiate(ctx, testwasm.Counter())
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer m.Close(ctx)
	for i := 0; i < 2; i++ {
		ac := testwasm.NewApplyContext("alice")
		if err := m.Apply(ctx, ac); err != nil {
			t.Fatalf("Apply %d: %v", i, err)
		}
		if ac.Output() != "8" {
			t.Errorf("call %d printed %q, want 8", i, ac.Output())
		}
	}
}

func TestInstantiateLinkage(t *testing.T) {
	e := newEngine(t, engine.KindInterpreter)
	ctx := context.Background()

	_, err := e.Instantiate(ctx, testwasm.ForeignImport())
	if !errors.Is(err, errors.ErrLinkage) {
		t.Fatalf("foreign import: %v", err)
	}
	if !strings.Contains(err.Error(), "foo.bar") {
		t.Errorf("error %q does not name foo.bar", err)
	}

	_, err = e.Instantiate(ctx, testwasm.UnknownIntrinsic())
	var unresolved *errors.UnresolvedImportsError
	if !errors.As(err, &unresolved) {
		t.Fatalf("unknown intrinsic: %v", err)
	}
	if len(unresolved.Imports) != 1 || unresolved.Imports[0].Export != "no_such_intrinsic" {
		t.Errorf("unresolved = %+v", unresolved.Imports)
	}

	if _, err := e.Instantiate(ctx, testwasm.WrongSignature()); !errors.Is(err, errors.ErrLinkage) {
		t.Errorf("wrong signature: %v", err)
	}
}

func TestExitWithoutCall(t *testing.T) {
	if engine.Exit(context.Background()) {
		t.Fatal("Exit reported a running call")
	}
}

func TestExitFromRunningCall(t *testing.T) {
	reg, err := host.NewRegistry(append(host.Builtins(), host.Intrinsic{
		Name: "stop",
		Fn: func(ctx context.Context, _ *host.Execution, _ api.Module, _ []uint64) {
			if !engine.Exit(ctx) {
				panic("no running call")
			}
		},
	})...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	b := testwasm.New()
	printsL := b.Import("env", "prints_l", testwasm.Types(testwasm.I32, testwasm.I32), nil)
	stop := b.Import("env", "stop", nil, nil)
	code := b.Memory(1).
		Data(0, []byte("before")).
		Apply(testwasm.I32Const(0), testwasm.I32Const(6), testwasm.Call(printsL), testwasm.Call(stop), testwasm.Loop()).
		Bytes()

	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			ctx := context.Background()
			e, err := engine.New(ctx, engine.Config{Kind: kind, Registry: reg})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer e.Close(ctx)
			m, err := e.Instantiate(ctx, code)
			if err != nil {
				t.Fatalf("Instantiate: %v", err)
			}
			defer m.Close(ctx)

			ac := testwasm.NewApplyContext("alice")
			done := make(chan error, 1)
			go func() { done <- m.Apply(ctx, ac) }()
			select {
			case err := <-done:
				if err != nil {
					t.Fatalf("Apply = %v, want clean exit", err)
				}
			case <-time.After(10 * time.Second):
				t.Fatal("exit did not stop the call")
			}
			if ac.Output() != "before" {
				t.Errorf("console = %q", ac.Output())
			}
		})
	}
}

func TestTrapString(t *testing.T) {
	tests := map[engine.Trap]string{
		engine.TrapCleanExit: "clean_exit",
		engine.TrapCheckTime: "checktime",
		engine.TrapSegv:      "segv",
		engine.TrapException: "exception",
	}
	for trap, want := range tests {
		if trap.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(trap), trap.String(), want)
		}
	}
}
