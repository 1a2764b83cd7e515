package oc

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/spf13/pflag"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/internal/testwasm"
)

// monitorProcessEnv makes the test binary act as a compiler process.
const monitorProcessEnv = "OC_TEST_MONITOR_PROCESS"

func TestMain(m *testing.M) {
	if os.Getenv(monitorProcessEnv) == "1" {
		os.Exit(runMonitorProcess(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func runMonitorProcess(args []string) int {
	var cfg MonitorConfig
	fs := pflag.NewFlagSet("monitor", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := ServeInherited(context.Background(), cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func TestMonitorConfigArgs(t *testing.T) {
	tests := []struct {
		name string
		cfg  MonitorConfig
		want MonitorConfig
	}{
		{
			name: "zero constraints",
			cfg:  MonitorConfig{Threads: 3},
			want: MonitorConfig{Threads: 3, Constraints: engine.DefaultConstraints()},
		},
		{
			name: "custom",
			cfg: MonitorConfig{Constraints: engine.Constraints{
				MaxPages: 1024, MaxFunctions: 10, MaxTableElements: 20, MaxImports: 30,
			}},
			want: MonitorConfig{Constraints: engine.Constraints{
				MaxPages: 1024, MaxFunctions: 10, MaxTableElements: 20, MaxImports: 30,
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got MonitorConfig
			fs := pflag.NewFlagSet("monitor", pflag.ContinueOnError)
			got.BindFlags(fs)
			if err := fs.Parse(tt.cfg.Args()); err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got.Threads != tt.want.Threads || got.Constraints != tt.want.Constraints {
				t.Errorf("parsed %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestProcessLauncherConstraints(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("Executable: %v", err)
	}
	t.Setenv(monitorProcessEnv, "1")

	tests := []struct {
		name        string
		constraints engine.Constraints
		wantErr     *errors.Error
	}{
		{"defaults reject", engine.Constraints{}, errors.ErrCompileUnknown},
		{"raised page limit", engine.Constraints{
			MaxPages: 1024, MaxFunctions: 8192, MaxTableElements: 1024, MaxImports: 256,
		}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := openCache(t, Config{Launcher: ProcessLauncher{
				Path:   exe,
				Config: MonitorConfig{Threads: 1, Constraints: tt.constraints},
			}})
			code := testwasm.BigMemory(600)
			desc, err := c.GetDescriptorForCodeSync(context.Background(), id(code), code)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetDescriptorForCodeSync: %v", err)
			}
			c.FreeCode(id(code))
			if desc.StartingMemoryPages != 600 {
				t.Errorf("pages = %d", desc.StartingMemoryPages)
			}
		})
	}
}

func TestMonitorCompilePanic(t *testing.T) {
	compiler := newCompiler(t)
	poison := testwasm.Trap()
	var calls atomic.Int32
	c := openCache(t, Config{Launcher: InProcessLauncher{Config: MonitorConfig{
		compile: func(ctx context.Context, code []byte) (*Artifact, error) {
			calls.Add(1)
			if string(code) == string(poison) {
				panic("boom")
			}
			return compiler.Compile(ctx, code)
		},
	}}})

	_, err := c.GetDescriptorForCodeSync(context.Background(), id(poison), poison)
	if !errors.Is(err, errors.ErrCompileUnknown) {
		t.Fatalf("err = %v, want compile failure", err)
	}
	// The monitor keeps serving after a job panics.
	mustDescriptor(t, c, testwasm.Hello())
	c.FreeCode(id(testwasm.Hello()))
	if n := calls.Load(); n != 2 {
		t.Errorf("compile calls = %d, want 2", n)
	}
}
