// Command ocd is the out-of-process compiler monitor. The node starts it
// with a connected socket as file descriptor 3 and talks to it over the ipc
// protocol until it closes the socket. The node passes its contract limits
// as flags so both sides validate code the same way.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/oc"
)

func main() {
	var cfg oc.MonitorConfig
	fs := pflag.NewFlagSet("ocd", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	verbose := fs.BoolP("verbose", "v", false, "Log to stderr")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	log := zap.NewNop()
	if *verbose {
		var err error
		if log, err = zap.NewDevelopment(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	oc.SetLogger(log.Named("ocd"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	log.Debug("serving", zap.Int("threads", cfg.Threads), zap.Uint32("max_pages", cfg.Constraints.MaxPages))
	if err := oc.ServeInherited(ctx, cfg); err != nil {
		log.Error("compiler monitor failed", zap.Error(err))
		os.Exit(1)
	}
}
