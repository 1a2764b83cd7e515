// Package config loads sandbox settings from defaults, a config file,
// SANDBOX_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/wippyai/wasm-sandbox/errors"
)

// EnvPrefix prefixes environment variables, e.g. SANDBOX_OC_CACHE_SIZE.
const EnvPrefix = "SANDBOX"

// VMType selects the execution backend.
type VMType uint8

const (
	VMInterpreter VMType = iota
	VMJIT
	VMOC
)

var vmNames = map[VMType]string{
	VMInterpreter: "interpreter",
	VMJIT:         "jit",
	VMOC:          "oc",
}

func (t VMType) String() string {
	if s, ok := vmNames[t]; ok {
		return s
	}
	return fmt.Sprintf("vm(%d)", uint8(t))
}

// ParseVMType parses a backend name.
func ParseVMType(s string) (VMType, error) {
	for t, name := range vmNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return 0, errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("unknown vm type %q", s))
}

// Config is the complete sandbox configuration.
type Config struct {
	VM      string `mapstructure:"vm"`
	TierUp  bool   `mapstructure:"tierup"`
	DataDir string `mapstructure:"data-dir"`
	OC      OC     `mapstructure:"oc"`
	Limits  Limits `mapstructure:"limits"`
}

// OC configures out-of-process compilation.
type OC struct {
	CacheSize       uint64        `mapstructure:"cache-size"`
	CompilerPath    string        `mapstructure:"compiler-path"`
	InProcess       bool          `mapstructure:"in-process"`
	Threads         int           `mapstructure:"threads"`
	RetentionBlocks uint32        `mapstructure:"retention-blocks"`
	EvictThreshold  uint64        `mapstructure:"evict-threshold"`
	MaxPending      int           `mapstructure:"max-pending"`
	CompileTimeout  time.Duration `mapstructure:"compile-timeout"`
}

// Limits bound what contracts may declare and how long they run.
type Limits struct {
	MaxPages      uint32        `mapstructure:"max-pages"`
	MaxFunctions  uint32        `mapstructure:"max-functions"`
	MaxTable      uint32        `mapstructure:"max-table"`
	MaxImports    uint32        `mapstructure:"max-imports"`
	ExecutionTime time.Duration `mapstructure:"execution-time"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		VM:      VMInterpreter.String(),
		DataDir: "data",
		OC: OC{
			CacheSize:       1 << 30,
			CompilerPath:    "ocd",
			RetentionBlocks: 7200,
			MaxPending:      16,
			CompileTimeout:  time.Minute,
		},
		Limits: Limits{
			MaxPages:      528,
			MaxFunctions:  8192,
			MaxTable:      1024,
			MaxImports:    256,
			ExecutionTime: 30 * time.Millisecond,
		},
	}
}

// VMType parses c.VM.
func (c Config) VMType() (VMType, error) {
	return ParseVMType(c.VM)
}

// UsesOC reports whether the configuration needs the code cache.
func (c Config) UsesOC() bool {
	t, err := c.VMType()
	return err == nil && (t == VMOC || c.TierUp)
}

// Validate checks c for contradictions.
func (c Config) Validate() error {
	t, err := c.VMType()
	if err != nil {
		return err
	}
	invalid := func(format string, args ...any) error {
		return errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf(format, args...))
	}
	switch {
	case t == VMOC && c.TierUp:
		return invalid("tierup needs a baseline vm, not %s", t)
	case c.Limits.MaxPages == 0:
		return invalid("limits.max-pages must be positive")
	case c.Limits.ExecutionTime < 0:
		return invalid("limits.execution-time must not be negative")
	}
	if c.UsesOC() {
		switch {
		case c.DataDir == "":
			return invalid("data-dir is required for the code cache")
		case c.OC.CacheSize == 0:
			return invalid("oc.cache-size must be positive")
		case !c.OC.InProcess && c.OC.CompilerPath == "":
			return invalid("oc.compiler-path is required unless oc.in-process is set")
		case c.OC.Threads < 0 || c.OC.MaxPending < 0:
			return invalid("oc.threads and oc.max-pending must not be negative")
		}
	}
	return nil
}

// Flags returns a flag set covering every key, defaulted from Default().
func Flags() *pflag.FlagSet {
	d := Default()
	fs := pflag.NewFlagSet("sandbox", pflag.ContinueOnError)
	fs.String("config", "", "Path to a config file (yaml, json or toml)")
	fs.String("vm", d.VM, "Execution backend: interpreter, jit or oc")
	fs.Bool("tierup", d.TierUp, "Compile with OC in the background and switch once ready")
	fs.String("data-dir", d.DataDir, "Directory for the code cache")
	fs.Uint64("oc.cache-size", d.OC.CacheSize, "Code cache file size in bytes")
	fs.String("oc.compiler-path", d.OC.CompilerPath, "Path to the ocd compiler executable")
	fs.Bool("oc.in-process", d.OC.InProcess, "Run the compiler monitor in-process instead of as an isolated ocd process")
	fs.Int("oc.threads", d.OC.Threads, "Concurrent compile jobs (0 = GOMAXPROCS)")
	fs.Uint32("oc.retention-blocks", d.OC.RetentionBlocks, "Blocks an unused entry survives past the LIB")
	fs.Uint64("oc.evict-threshold", d.OC.EvictThreshold, "Evict when free cache space drops below this many bytes (0 = off)")
	fs.Int("oc.max-pending", d.OC.MaxPending, "Concurrent compile requests")
	fs.Duration("oc.compile-timeout", d.OC.CompileTimeout, "Limit for one compile round trip")
	fs.Uint32("limits.max-pages", d.Limits.MaxPages, "Maximum linear memory pages")
	fs.Uint32("limits.max-functions", d.Limits.MaxFunctions, "Maximum defined functions")
	fs.Uint32("limits.max-table", d.Limits.MaxTable, "Maximum table elements")
	fs.Uint32("limits.max-imports", d.Limits.MaxImports, "Maximum imports")
	fs.Duration("limits.execution-time", d.Limits.ExecutionTime, "Deadline for one apply call")
	return fs
}

// Load builds a Config. path names an optional config file; fs, if not
// nil, overrides with the flags that were set. A "config" flag supplies the
// path when path is empty.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "bind flags")
		}
		if path == "" {
			if f := fs.Lookup("config"); f != nil {
				path = f.Value.String()
			}
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("vm", d.VM)
	v.SetDefault("tierup", d.TierUp)
	v.SetDefault("data-dir", d.DataDir)
	v.SetDefault("oc.cache-size", d.OC.CacheSize)
	v.SetDefault("oc.compiler-path", d.OC.CompilerPath)
	v.SetDefault("oc.in-process", d.OC.InProcess)
	v.SetDefault("oc.threads", d.OC.Threads)
	v.SetDefault("oc.retention-blocks", d.OC.RetentionBlocks)
	v.SetDefault("oc.evict-threshold", d.OC.EvictThreshold)
	v.SetDefault("oc.max-pending", d.OC.MaxPending)
	v.SetDefault("oc.compile-timeout", d.OC.CompileTimeout)
	v.SetDefault("limits.max-pages", d.Limits.MaxPages)
	v.SetDefault("limits.max-functions", d.Limits.MaxFunctions)
	v.SetDefault("limits.max-table", d.Limits.MaxTable)
	v.SetDefault("limits.max-imports", d.Limits.MaxImports)
	v.SetDefault("limits.execution-time", d.Limits.ExecutionTime)
}
