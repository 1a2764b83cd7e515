package oc

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/ipc"
)

// MonitorFD is the descriptor number under which a compiler process finds
// its socket.
const MonitorFD = 3

// Launcher starts a compiler monitor and returns the node's end of the
// connection. wait blocks until the monitor has exited.
type Launcher interface {
	Launch(ctx context.Context) (conn *ipc.Conn, wait func() error, err error)
}

// InProcessLauncher runs the monitor in a goroutine.
type InProcessLauncher struct {
	Config MonitorConfig
}

func (l InProcessLauncher) Launch(ctx context.Context) (*ipc.Conn, func() error, error) {
	node, mon, err := ipc.Pair()
	if err != nil {
		return nil, nil, err
	}
	done := make(chan error, 1)
	go func() {
		done <- Serve(context.WithoutCancel(ctx), mon, l.Config)
	}()
	return node, func() error { return <-done }, nil
}

// ProcessLauncher runs the monitor as a separate executable that serves the
// socket passed as MonitorFD. Config is handed over on the command line;
// its Registry is not, the process always serves the built-in intrinsics.
type ProcessLauncher struct {
	Path   string
	Config MonitorConfig
	Args   []string
}

func (l ProcessLauncher) Launch(ctx context.Context) (*ipc.Conn, func() error, error) {
	node, child, err := ipc.SocketPair()
	if err != nil {
		return nil, nil, err
	}
	args := append(l.Config.Args(), l.Args...)
	cmd := exec.Command(l.Path, args...)
	cmd.ExtraFiles = []*os.File{child}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	// The compiler must not outlive the node.
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
	if err := cmd.Start(); err != nil {
		_ = node.Close()
		_ = child.Close()
		return nil, nil, errors.Transport("start compiler process", err)
	}
	_ = child.Close()
	Logger().Info("compiler process started",
		zap.String("path", l.Path),
		zap.Int("pid", cmd.Process.Pid),
		zap.Strings("args", args))

	conn, err := ipc.NewConn(node)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, nil, err
	}
	return conn, cmd.Wait, nil
}

// BindFlags registers the settings a compiler process accepts on fs,
// defaulted from c. Zero constraints default to engine.DefaultConstraints.
func (c *MonitorConfig) BindFlags(fs *pflag.FlagSet) {
	if c.Constraints == (engine.Constraints{}) {
		c.Constraints = engine.DefaultConstraints()
	}
	fs.IntVar(&c.Threads, "threads", c.Threads, "Concurrent compile jobs (0 = GOMAXPROCS)")
	fs.Uint32Var(&c.Constraints.MaxPages, "max-pages", c.Constraints.MaxPages, "Maximum initial memory pages of a contract")
	fs.Uint32Var(&c.Constraints.MaxFunctions, "max-functions", c.Constraints.MaxFunctions, "Maximum functions of a contract")
	fs.Uint32Var(&c.Constraints.MaxTableElements, "max-table", c.Constraints.MaxTableElements, "Maximum table elements of a contract")
	fs.Uint32Var(&c.Constraints.MaxImports, "max-imports", c.Constraints.MaxImports, "Maximum imports of a contract")
}

// Args renders c as the flags BindFlags reads.
func (c MonitorConfig) Args() []string {
	cons := c.Constraints
	if cons == (engine.Constraints{}) {
		cons = engine.DefaultConstraints()
	}
	u := func(v uint32) string { return strconv.FormatUint(uint64(v), 10) }
	return []string{
		"--threads=" + strconv.Itoa(c.Threads),
		"--max-pages=" + u(cons.MaxPages),
		"--max-functions=" + u(cons.MaxFunctions),
		"--max-table=" + u(cons.MaxTableElements),
		"--max-imports=" + u(cons.MaxImports),
	}
}

// ServeInherited runs the monitor on the socket a ProcessLauncher passed as
// MonitorFD. Canceling ctx closes the socket.
func ServeInherited(ctx context.Context, cfg MonitorConfig) error {
	conn, err := ipc.NewConn(os.NewFile(MonitorFD, "monitor-socket"))
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	return Serve(ctx, conn, cfg)
}
