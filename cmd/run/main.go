package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/wasm-sandbox"
	"github.com/wippyai/wasm-sandbox/config"
	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/oc"
	"github.com/wippyai/wasm-sandbox/runtime"
)

type options struct {
	wasmFile    string
	receiver    string
	account     string
	action      string
	data        string
	block       uint32
	validate    bool
	list        bool
	interactive bool
	verbose     bool
}

func main() {
	fs := config.Flags()
	var opts options
	fs.StringVar(&opts.wasmFile, "wasm", "", "Path to contract wasm file")
	fs.StringVar(&opts.receiver, "receiver", "alice", "Receiver account name")
	fs.StringVar(&opts.account, "account", "", "Action account name (defaults to receiver)")
	fs.StringVar(&opts.action, "action", "transfer", "Action name")
	fs.StringVar(&opts.data, "data", "", "Action data, hex with 0x prefix or a plain string")
	fs.Uint32Var(&opts.block, "block", 1, "Block number of the call")
	fs.BoolVar(&opts.validate, "validate", false, "Validate the contract and exit")
	fs.BoolVar(&opts.list, "list", false, "List code cache entries and exit")
	fs.BoolVarP(&opts.interactive, "interactive", "i", false, "Interactive mode with TUI")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "Log to stderr")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if opts.wasmFile == "" && !opts.list {
		fmt.Fprintln(os.Stderr, "Usage: run --wasm <contract.wasm> [--action name] [--data 0x..] [--vm interpreter|jit|oc]")
		fmt.Fprintln(os.Stderr, "       run --wasm <contract.wasm> --validate")
		fmt.Fprintln(os.Stderr, "       run --vm oc --list")
		fmt.Fprintln(os.Stderr, "       run --wasm <contract.wasm> -i  (interactive mode)")
		os.Exit(1)
	}

	cfg, err := config.Load("", fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if opts.verbose {
		if err := setupLogging(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	if opts.interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(os.Stderr, "Error: interactive mode needs a terminal")
			os.Exit(1)
		}
		if err := runInteractive(cfg, opts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging() error {
	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	engine.SetLogger(log.Named("engine"))
	oc.SetLogger(log.Named("oc"))
	runtime.SetLogger(log.Named("runtime"))
	return nil
}

// fileProvider serves the single contract loaded from disk.
type fileProvider struct {
	id   wasmsandbox.CodeID
	code []byte
}

func loadContract(path string, vm config.VMType) (*fileProvider, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return &fileProvider{id: wasmsandbox.NewCodeID(code, uint8(vm), 0), code: code}, nil
}

func (p *fileProvider) Code(_ context.Context, id wasmsandbox.CodeID) ([]byte, error) {
	if p == nil || id != p.id {
		return nil, fmt.Errorf("no code for %s", id)
	}
	return p.code, nil
}

func parseData(s string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(s, "0x"); ok {
		return hex.DecodeString(rest)
	}
	return []byte(s), nil
}

func run(cfg config.Config, opts options) error {
	ctx := context.Background()
	vm, _ := cfg.VMType()

	var provider *fileProvider
	if opts.wasmFile != "" {
		p, err := loadContract(opts.wasmFile, vm)
		if err != nil {
			return err
		}
		provider = p
	}

	rt, err := runtime.New(ctx, cfg, provider)
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	defer rt.Close(ctx)

	if opts.list {
		return listCache(rt)
	}

	fmt.Printf("Contract: %s\n", opts.wasmFile)
	fmt.Printf("Code:     %s\n", provider.id)
	fmt.Printf("VM:       %s\n", vm)

	if err := rt.Validate(ctx, provider.code); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	fmt.Printf("Validation passed\n")
	if opts.validate {
		return nil
	}

	ac, err := newApplyContext(opts)
	if err != nil {
		return err
	}
	ac.deadline.Start(deadline(cfg))
	defer ac.deadline.Stop()

	fmt.Printf("\nApplying %s::%s...\n", ac.receiver, ac.action)
	err = rt.Apply(ctx, provider.id, ac)
	rt.CodeBlockNumLastUsed(provider.id, opts.block)

	if out := ac.Output(); out != "" {
		fmt.Printf("\n--- console ---\n%s\n", out)
	}
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	fmt.Printf("\nApplied\n")
	return nil
}

func listCache(rt *runtime.Runtime) error {
	cache := rt.Cache()
	if cache == nil {
		return fmt.Errorf("code cache is not enabled; use --vm oc or --tierup")
	}
	entries := cache.Entries()
	fmt.Printf("Code cache: %d entries, %d bytes free\n\n", len(entries), cache.FreeBytes())
	for _, e := range entries {
		d := e.Descriptor
		fmt.Printf("  %s  last used %d  code %dB @%d  initdata %dB @%d  start %s:%d  pages %d\n",
			e.ID, e.LastUsed, d.CodeSize, d.CodeBegin, d.InitDataSize, d.InitDataBegin,
			d.Start.Kind, d.Start.Value, d.StartingMemoryPages)
	}
	return nil
}
