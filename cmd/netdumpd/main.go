// Package main is netdumpd's entry point: CLI flag parsing, privilege
// separation into the socket-dispenser and handler-worker subprocesses
// (internal/sockdispenser, internal/handler), capability-gate
// authority reduction (internal/capgate), and daemonization, wiring
// them all into internal/daemon's event loop.
package main

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/timeutil"
	"github.com/kardianos/osext"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/sandvine/netdumpd/internal/capgate"
	"github.com/sandvine/netdumpd/internal/config"
	"github.com/sandvine/netdumpd/internal/daemon"
	"github.com/sandvine/netdumpd/internal/handler"
	"github.com/sandvine/netdumpd/internal/loghook"
	"github.com/sandvine/netdumpd/internal/resolver"
	"github.com/sandvine/netdumpd/internal/sockdispenser"
	"github.com/sandvine/netdumpd/internal/spool"
	"github.com/sandvine/netdumpd/internal/stats"
)

// netdumpPort is the donor kernel's fixed well-known port (spec.md
// §6), matching FreeBSD's own netdump(4) default.
const netdumpPort = 20023

// workerModeEnv selects which hidden subcommand this process re-exec
// runs as; unset in ordinary invocations of the CLI.
const workerModeEnv = "NETDUMPD_WORKER_MODE"

const (
	workerModeDispenser = "dispenser"
	workerModeHandler   = "handler"
)

// inBackgroundEnv marks a process that daemonize.Run already detached;
// its presence tells main not to re-daemonize itself again.
const inBackgroundEnv = "NETDUMPD_IN_BACKGROUND"

func main() {
	if mode := os.Getenv(workerModeEnv); mode != "" {
		if err := runWorker(mode); err != nil {
			fmt.Fprintf(os.Stderr, "%+v\n", err)
			os.Exit(1)
		}
		return
	}

	app := cli.NewApp()
	app.Name = "netdumpd"
	app.Usage = "collect kernel crash dumps sent by the FreeBSD netdump(4) protocol"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "a", Usage: "bind address (default: all interfaces)"},
		cli.StringFlag{Name: "d", Value: "/var/crash", Usage: "dump directory"},
		cli.StringFlag{Name: "i", Usage: "notification script, invoked once per session"},
		cli.StringFlag{Name: "b", Usage: "boot script, invoked once at startup with reason=boot"},
		cli.StringFlag{Name: "P", Usage: "pidfile path"},
		cli.BoolFlag{Name: "D", Usage: "debug: run in the foreground, log to stdout/stderr"},
		cli.StringFlag{Name: "c", Usage: "JSON config file overriding the flags above"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := config.Default()
	cfg.BindIP = c.String("a")
	cfg.DumpDir = c.String("d")
	cfg.HandlerScript = c.String("i")
	cfg.BootScript = c.String("b")
	cfg.PidFile = c.String("P")
	cfg.Debug = c.Bool("D")

	if path := c.String("c"); path != "" {
		if err := config.LoadJSON(&cfg, path); err != nil {
			return errors.Wrap(err, "load config file")
		}
	}

	if !cfg.Debug && os.Getenv(inBackgroundEnv) == "" {
		return daemonizeSelf()
	}

	hook := loghook.Debug()
	if !cfg.Debug {
		hook = loghook.Syslog("netdumpd")
	}

	err := runForeground(cfg, hook)
	if os.Getenv(inBackgroundEnv) != "" {
		if sigErr := daemonize.SignalOutcome(err); sigErr != nil {
			hook.Errf("signal daemonize outcome: %v", sigErr)
		}
	}
	return err
}

// daemonizeSelf re-executes the current binary with inBackgroundEnv
// set, in the background, and waits for it to signal startup success
// or failure — the Go analogue of the original's daemon(0, 0) call.
func daemonizeSelf() error {
	path, err := osext.Executable()
	if err != nil {
		return errors.Wrap(err, "find executable path for daemonization")
	}

	env := append(os.Environ(), fmt.Sprintf("%s=true", inBackgroundEnv))
	if err := daemonize.Run(path, os.Args[1:], env, os.Stdout); err != nil {
		return errors.Wrap(err, "daemonize")
	}
	return nil
}

// runForeground performs the real startup: open the spool, spawn every
// privilege-separated helper this run needs (socket dispenser, session
// handler, boot handler), gate capabilities, write the pidfile, invoke
// the already-spawned boot handler, then run the event loop until a
// termination signal arrives. Every helper subprocess is started
// before capgate.Enter; once gated, this process starts none itself.
// capgate.Enter does not remove the right to open or execute files.
func runForeground(cfg config.Config, hook loghook.Hook) error {
	sp, err := spool.Open(cfg.DumpDir)
	if err != nil {
		return errors.Wrap(err, "open dump directory")
	}

	selfPath, err := osext.Executable()
	if err != nil {
		return errors.Wrap(err, "find executable path for helper spawn")
	}

	listenAddr := net.JoinHostPort(cfg.BindIP, fmt.Sprintf("%d", netdumpPort))
	dispClient, dispCmd, err := spawnDispenser(selfPath, listenAddr)
	if err != nil {
		return errors.Wrap(err, "spawn socket dispenser")
	}
	defer dispCmd.Process.Kill()

	// handlerForDaemon is left as a true nil interface when no script is
	// configured: assigning a (*handler.Client)(nil) directly would
	// instead produce a non-nil interface holding a nil pointer, which
	// internal/daemon's "d.handler == nil" guard would not catch.
	var handlerForDaemon interface {
		Invoke(reason, ip, hostname, infoFile, coreFile string) error
	}
	if cfg.HandlerScript != "" {
		hc, handlerCmd, err := spawnHandler(selfPath, cfg.HandlerScript)
		if err != nil {
			return errors.Wrap(err, "spawn handler worker")
		}
		defer handlerCmd.Process.Kill()
		handlerForDaemon = hc
	}

	// The boot handler is spawned here, alongside the other helpers,
	// even though it isn't invoked until after the gate below, so that
	// opening the script and starting its worker (handler.OpenScript +
	// exec.Command) both happen before capgate.Enter, like every other
	// helper spawn.
	var bootClient *handler.Client
	var bootCmd *exec.Cmd
	if cfg.BootScript != "" {
		bootClient, bootCmd, err = spawnHandler(selfPath, cfg.BootScript)
		if err != nil {
			return errors.Wrap(err, "spawn boot handler")
		}
	}

	if err := capgate.Enter(); err != nil {
		return errors.Wrap(err, "enter capability gate")
	}

	if cfg.PidFile != "" {
		if err := writePidFile(cfg.PidFile); err != nil {
			return errors.Wrap(err, "write pidfile")
		}
		defer os.Remove(cfg.PidFile)
	}

	if cfg.BootScript != "" {
		if err := bootClient.Invoke("boot", "", "", "", ""); err != nil {
			hook.Errf("boot handler invocation failed: %v", err)
		}
		bootCmd.Process.Kill()
	}

	d := daemon.New(sp, dispClient, handlerForDaemon, resolver.NewNet(), timeutil.RealClock(), hook)

	shutdown := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		close(shutdown)
	}()

	var rec stats.Recorder
	d.SetStats(&rec)
	go stats.RunLogger(cfg.StatsLog, time.Duration(cfg.StatsPeriodSeconds)*time.Second, &rec, shutdown, hook)

	hook.Infof("netdumpd listening on %s, dump directory %s", listenAddr, cfg.DumpDir)
	return d.Run(shutdown)
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// spawnDispenser launches the socket-dispenser helper (internal/sockdispenser):
// it binds the listening socket itself, communicating herald events and
// donor-socket descriptors back over a freshly created socketpair.
func spawnDispenser(selfPath, listenAddr string) (*sockdispenser.Client, *exec.Cmd, error) {
	parentFD, childFD, err := socketpair()
	if err != nil {
		return nil, nil, errors.Wrap(err, "create dispenser ipc socketpair")
	}

	parentConn, err := fileToUnixConn(parentFD, "dispenser-ipc-parent")
	if err != nil {
		syscall.Close(childFD)
		return nil, nil, err
	}

	childFile := os.NewFile(uintptr(childFD), "dispenser-ipc-child")

	cmd := exec.Command(selfPath)
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%s", workerModeEnv, workerModeDispenser),
		fmt.Sprintf("NETDUMPD_LISTEN_ADDR=%s", listenAddr),
	)
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		parentConn.Close()
		childFile.Close()
		return nil, nil, errors.Wrap(err, "start dispenser worker")
	}
	childFile.Close()

	return sockdispenser.NewClient(parentConn), cmd, nil
}

// spawnHandler launches a handler-worker helper (internal/handler) for
// scriptPath, communicating over newline-delimited JSON on stdin/stdout
// and handing it the pre-opened script descriptor via ExtraFiles.
func spawnHandler(selfPath, scriptPath string) (*handler.Client, *exec.Cmd, error) {
	scriptFile, err := handler.OpenScript(scriptPath)
	if err != nil {
		return nil, nil, err
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		scriptFile.Close()
		return nil, nil, errors.Wrap(err, "create handler stdin pipe")
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		scriptFile.Close()
		stdinR.Close()
		stdinW.Close()
		return nil, nil, errors.Wrap(err, "create handler stdout pipe")
	}

	cmd := exec.Command(selfPath)
	cmd.ExtraFiles = []*os.File{scriptFile}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%s", workerModeEnv, workerModeHandler),
		fmt.Sprintf("NETDUMPD_SCRIPT_PATH=%s", scriptPath),
	)

	if err := cmd.Start(); err != nil {
		scriptFile.Close()
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, nil, errors.Wrapf(err, "start handler worker for %s", scriptPath)
	}
	scriptFile.Close()
	stdinR.Close()
	stdoutW.Close()

	return handler.NewClient(stdinW, stdoutR), cmd, nil
}

// runWorker dispatches into one of the two hidden subprocess roles,
// self-re-exec'd by spawnDispenser/spawnHandler above.
func runWorker(mode string) error {
	hook := loghook.Debug()

	switch mode {
	case workerModeDispenser:
		return runDispenserWorker(hook)
	case workerModeHandler:
		return runHandlerWorker(hook)
	default:
		return errors.Errorf("unknown worker mode %q", mode)
	}
}

func runDispenserWorker(hook loghook.Hook) error {
	addr := os.Getenv("NETDUMPD_LISTEN_ADDR")
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrapf(err, "resolve listen address %q", addr)
	}
	listenConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}

	ipcConn, err := fileToUnixConn(3, "dispenser-ipc")
	if err != nil {
		return err
	}

	return sockdispenser.RunWorker(listenConn, ipcConn, hook)
}

func runHandlerWorker(hook loghook.Hook) error {
	scriptPath := os.Getenv("NETDUMPD_SCRIPT_PATH")
	scriptFile := os.NewFile(3, "script")
	return handler.RunWorker(int(scriptFile.Fd()), scriptPath, os.Stdin, os.Stdout, hook)
}

// socketpair creates a connected pair of stream Unix-domain sockets,
// one end for this process and one for a child it is about to spawn.
func socketpair() (parentFD, childFD int, err error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

func fileToUnixConn(fd int, name string) (*net.UnixConn, error) {
	file := os.NewFile(uintptr(fd), name)
	conn, err := net.FileConn(file)
	file.Close()
	if err != nil {
		return nil, errors.Wrapf(err, "wrap fd %d as unix conn", fd)
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, errors.Errorf("fd %d is not a unix socket (%T)", fd, conn)
	}
	return unixConn, nil
}
