package fault

import (
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

var (
	sink int
	zero int
)

func guardPage(t *testing.T) []byte {
	t.Helper()
	page, err := unix.Mmap(-1, 0, unix.Getpagesize(), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	t.Cleanup(func() { _ = unix.Munmap(page) })
	return page
}

func TestRunNoFault(t *testing.T) {
	called := false
	err := Run(func() error { return nil }, func(Signal) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if called {
		t.Fatal("fault handler invoked without fault")
	}
}

func TestRunReturnsWorkError(t *testing.T) {
	want := fmt.Errorf("boom")
	if err := Run(func() error { return want }, nil); err != want {
		t.Fatalf("got %v, want %v", err, want)
	}
}

func TestRunRecoversSegv(t *testing.T) {
	page := guardPage(t)
	var got Signal
	err := Run(func() error {
		sink = int(page[0])
		return nil
	}, func(sig Signal) error {
		got = sig
		return fmt.Errorf("faulted")
	})
	if err == nil || err.Error() != "faulted" {
		t.Fatalf("got %v, want handler error", err)
	}
	if got != SignalSegv {
		t.Errorf("signal = %v, want %v", got, SignalSegv)
	}
}

func TestRunRecoversDivide(t *testing.T) {
	err := Run(func() error {
		sink = 10 / zero
		return nil
	}, nil)
	var f *Fault
	if !errors.As(err, &f) {
		t.Fatalf("got %v, want *Fault", err)
	}
	if f.Signal != SignalFPE {
		t.Errorf("signal = %v, want %v", f.Signal, SignalFPE)
	}
}

func TestRunNested(t *testing.T) {
	page := guardPage(t)
	outerFaults, innerFaults := 0, 0
	err := Run(func() error {
		inner := Run(func() error {
			sink = int(page[0])
			return nil
		}, func(Signal) error {
			innerFaults++
			return fmt.Errorf("inner")
		})
		if inner == nil {
			t.Error("inner Run returned nil")
		}
		if Active() < 1 {
			t.Errorf("Active() = %d inside outer call", Active())
		}
		return nil
	}, func(Signal) error {
		outerFaults++
		return nil
	})
	if err != nil {
		t.Fatalf("outer Run: %v", err)
	}
	if innerFaults != 1 || outerFaults != 0 {
		t.Errorf("inner=%d outer=%d, want 1 and 0", innerFaults, outerFaults)
	}
}

func TestRunRepanicsNonFault(t *testing.T) {
	defer func() {
		r := recover()
		if r != "not a fault" {
			t.Fatalf("recovered %v, want original panic", r)
		}
	}()
	_ = Run(func() error {
		panic("not a fault")
	}, func(Signal) error {
		t.Error("fault handler invoked for ordinary panic")
		return nil
	})
}

func TestProcessContinuesAfterFault(t *testing.T) {
	page := guardPage(t)
	for i := 0; i < 3; i++ {
		err := Run(func() error {
			sink = int(page[0])
			return nil
		}, nil)
		if err == nil {
			t.Fatalf("iteration %d: expected fault", i)
		}
	}
	if Active() != 0 {
		t.Errorf("Active() = %d after all calls returned", Active())
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		msg  string
		want Signal
		ok   bool
	}{
		{"wasm error: out of bounds memory access", SignalSegv, true},
		{"wasm error: integer divide by zero", SignalFPE, true},
		{"wasm error: integer overflow", SignalFPE, true},
		{"wasm error: invalid conversion to integer", SignalFPE, true},
		{"runtime error: invalid memory address or nil pointer dereference (recovered by wazero)", SignalSegv, true},
		{"wasm error: unreachable", 0, false},
		{"module closed with exit_code(0)", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			got, ok := ClassifyError(fmt.Errorf("%s", tt.msg))
			if ok != tt.ok || got != tt.want {
				t.Errorf("ClassifyError(%q) = %v, %v; want %v, %v", tt.msg, got, ok, tt.want, tt.ok)
			}
		})
	}
	if _, ok := ClassifyError(nil); ok {
		t.Error("ClassifyError(nil) reported a fault")
	}
}
