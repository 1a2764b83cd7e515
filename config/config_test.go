package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wippyai/wasm-sandbox/errors"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestDefaultCompilerIsolated(t *testing.T) {
	d := Default()
	if d.OC.InProcess || d.OC.CompilerPath == "" {
		t.Fatalf("default compiler: in-process=%v path=%q, want a separate process", d.OC.InProcess, d.OC.CompilerPath)
	}
	d.VM = "oc"
	if err := d.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseVMType(t *testing.T) {
	tests := []struct {
		in      string
		want    VMType
		wantErr bool
	}{
		{"interpreter", VMInterpreter, false},
		{"jit", VMJIT, false},
		{"OC", VMOC, false},
		{"eos-vm", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseVMType(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseVMType(%q) err = %v", tt.in, err)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseVMType(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown vm", func(c *Config) { c.VM = "wavm" }},
		{"tierup on oc", func(c *Config) { c.VM = "oc"; c.TierUp = true }},
		{"zero pages", func(c *Config) { c.Limits.MaxPages = 0 }},
		{"negative deadline", func(c *Config) { c.Limits.ExecutionTime = -time.Second }},
		{"oc without data dir", func(c *Config) { c.VM = "oc"; c.DataDir = "" }},
		{"external compiler without path", func(c *Config) { c.VM = "oc"; c.OC.CompilerPath = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, &errors.Error{Kind: errors.KindInvalidInput}) {
				t.Fatalf("Validate = %v, want invalid input", err)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Errorf("Load = %+v, want %+v", cfg, Default())
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandbox.yaml")
	file := `
vm: jit
tierup: true
oc:
  cache-size: 2097152
  retention-blocks: 10
limits:
  execution-time: 5ms
`
	if err := os.WriteFile(path, []byte(file), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SANDBOX_OC_RETENTION_BLOCKS", "20")
	t.Setenv("SANDBOX_LIMITS_MAX_PAGES", "64")

	fs := Flags()
	if err := fs.Parse([]string{"--limits.max-pages=32", "--config=" + path}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg, err := Load("", fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.VM != "jit" || !cfg.TierUp {
		t.Errorf("file values not applied: vm=%s tierup=%v", cfg.VM, cfg.TierUp)
	}
	if cfg.OC.CacheSize != 2097152 {
		t.Errorf("cache size = %d", cfg.OC.CacheSize)
	}
	if cfg.Limits.ExecutionTime != 5*time.Millisecond {
		t.Errorf("execution time = %s", cfg.Limits.ExecutionTime)
	}
	if cfg.OC.RetentionBlocks != 20 {
		t.Errorf("retention = %d, want env value 20", cfg.OC.RetentionBlocks)
	}
	if cfg.Limits.MaxPages != 32 {
		t.Errorf("max pages = %d, want flag value 32", cfg.Limits.MaxPages)
	}
	if cfg.Limits.MaxFunctions != Default().Limits.MaxFunctions {
		t.Errorf("max functions = %d, want default", cfg.Limits.MaxFunctions)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("SANDBOX_VM", "wavm")
	if _, err := Load("", nil); err == nil {
		t.Fatal("expected error")
	}
}
