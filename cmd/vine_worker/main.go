// Command vine_worker is the worker agent of §4.7: it connects to a
// manager (directly, via "HOST:PORT;HOST:PORT;..." candidates, or by
// catalog project regex), runs the manager's tasks under a local
// sandbox/cache/supervisor stack, and reports results back over a single
// duplex connection until told to disconnect, the idle/connect timeouts
// expire, or a signal asks it to vacate.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/vine-worker/internal/workspace"
	"github.com/cuemby/vine-worker/pkg/config"
	"github.com/cuemby/vine-worker/pkg/foreman"
	vinelog "github.com/cuemby/vine-worker/pkg/log"
	"github.com/cuemby/vine-worker/pkg/metrics"
	"github.com/cuemby/vine-worker/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// peerTransferSubcommand is a hidden, internal-only argv[1] vine_worker
// re-execs itself with to run the §4.10 peer transfer listener as a
// separate OS process (REDESIGN FLAGS: keep fork+exec children as
// separate processes, not goroutines of the event loop, so a stalled
// transfer can't stall task scheduling).
const peerTransferSubcommand = "__peer_transfer_server"

// peerPasswordEnv carries the shared secret to the re-exec'd peer
// transfer child over the environment rather than argv, so it does not
// show up in `ps`.
const peerPasswordEnv = "VINE_WORKER_PEER_PASSWORD"

func main() {
	if len(os.Args) > 1 && os.Args[1] == peerTransferSubcommand {
		if err := runPeerTransferChild(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "vine_worker: peer transfer server: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vine_worker [HOST PORT]",
	Short: "Connect to a manager and execute its tasks",
	Long: `vine_worker is the execution agent of a distributed master-worker
framework. It locates a manager directly (HOST PORT, or a
"HOST:PORT;HOST:PORT;..." list via -M) or through a catalog project
regex (--project), advertises its resources, fetches task inputs into a
content-addressed local cache, runs each task's command line inside a
per-task sandbox, and reports results and cache updates back over a
single duplex connection.`,
	Version: Version,
	Args:    cobra.MaximumNArgs(2),
	RunE:    runWorker,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"vine_worker version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	config.RegisterFlags(rootCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	fd, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}

	// Positional "HOST PORT" form (§6.5). It fills the manager default, so
	// an explicit -M still overrides it, and --project given alongside it
	// is rejected by config.Resolve like --manager with --project.
	if len(args) == 2 {
		if _, perr := strconv.Atoi(args[1]); perr != nil {
			return fmt.Errorf("invalid PORT %q: %w", args[1], perr)
		}
		fd.Manager = fmt.Sprintf("%s:%s", args[0], args[1])
	} else if len(args) == 1 {
		return fmt.Errorf("expected HOST and PORT together, got one positional argument")
	}

	resolved, err := config.Resolve(cmd, fd)
	if err != nil {
		return err
	}
	if resolved.ManagerCandidates == nil && resolved.Project == "" {
		return fmt.Errorf("vine_worker: no manager given (HOST PORT, -M, or --project) ")
	}

	vinelog.Init(vinelog.Config{
		Level:      vinelog.Level(resolved.LogLevel),
		JSONOutput: resolved.LogJSON,
	})
	log := vinelog.WithComponent("main")

	if resolved.WorkspaceRoot == "" {
		tmp, terr := os.MkdirTemp("", "vine-worker-")
		if terr != nil {
			return fmt.Errorf("vine_worker: create workspace: %w", terr)
		}
		resolved.WorkspaceRoot = tmp
	}
	ws, err := workspace.New(resolved.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("vine_worker: %w", err)
	}

	fmt.Println("Starting vine_worker...")
	if resolved.Project != "" {
		fmt.Printf("  Catalog project: %s\n", resolved.Project)
	} else if len(resolved.ManagerCandidates) > 0 {
		fmt.Printf("  Manager candidates: %s\n", resolved.ManagerCandidates)
	}
	fmt.Printf("  Workspace: %s\n", ws.Root)
	if resolved.Foreman {
		fmt.Printf("  Mode: foreman (downstream listen %s)\n", resolved.ForemanListen)
	}
	fmt.Println()

	transferAddr, stopTransfer, err := startPeerTransfer(resolved, ws, log)
	if err != nil {
		return fmt.Errorf("vine_worker: peer transfer server: %w", err)
	}
	defer stopTransfer()

	if resolved.MetricsAddr != "" {
		go serveMetrics(resolved.MetricsAddr, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if resolved.WallTime > 0 {
		timer := time.AfterFunc(resolved.WallTime, func() {
			log.Info().Dur("wall_time", resolved.WallTime).Msg("wall-time reached, shutting down")
			cancel()
		})
		defer timer.Stop()
	}

	if resolved.Foreman {
		return runForeman(ctx, cancel, resolved, ws, transferAddr, log)
	}
	return runLeafWorker(ctx, cancel, resolved, ws, transferAddr, log)
}

// vacator is implemented by both worker.Worker and foreman.Foreman; a
// caught signal asks whichever is running to announce "info vacating
// SIG" on its upstream link before the context cancellation unwinds it.
type vacator interface {
	Vacate(os.Signal)
}

func runLeafWorker(ctx context.Context, cancel context.CancelFunc, r config.Resolved, ws *workspace.Workspace, transferAddr string, log zerolog.Logger) error {
	cfg := r.ToWorkerConfig(ws.Root, transferAddr)
	w, err := worker.New(cfg)
	if err != nil {
		return fmt.Errorf("vine_worker: %w", err)
	}
	stopSignals := watchSignals(cancel, w, log)
	defer stopSignals()
	if r.ParentDeath {
		stopParentWatch := watchParentDeath(cancel, log)
		defer stopParentWatch()
	}
	err = w.Run(ctx)
	fmt.Println("\nShutting down...")
	if err != nil {
		fmt.Printf("✗ worker exited: %v\n", err)
	} else {
		fmt.Println("✓ shutdown complete")
	}
	return err
}

func runForeman(ctx context.Context, cancel context.CancelFunc, r config.Resolved, ws *workspace.Workspace, transferAddr string, log zerolog.Logger) error {
	cfg := r.ToForemanConfig(ws.Root, transferAddr)
	f, err := foreman.New(cfg)
	if err != nil {
		return fmt.Errorf("vine_worker: foreman: %w", err)
	}
	defer f.Close()
	fmt.Printf("✓ foreman listening for downstream workers on %s\n\n", f.Addr())
	log.Info().Str("addr", f.Addr()).Msg("foreman listening for downstream workers")
	stopSignals := watchSignals(cancel, f, log)
	defer stopSignals()
	if r.ParentDeath {
		stopParentWatch := watchParentDeath(cancel, log)
		defer stopParentWatch()
	}
	err = f.Run(ctx)
	fmt.Println("\nShutting down...")
	if err != nil {
		fmt.Printf("✗ foreman exited: %v\n", err)
	} else {
		fmt.Println("✓ shutdown complete")
	}
	return err
}

// watchSignals traps §7's abort signals, tells v to vacate its current
// manager link, and cancels cancel so Run()'s event loop unwinds to a
// clean disconnect. SIGPIPE is deliberately not handled here: the
// process-wide default for it is set to ignore in init() below.
func watchSignals(cancel context.CancelFunc, v vacator, log zerolog.Logger) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGUSR1, syscall.SIGUSR2)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("caught signal, vacating")
			v.Vacate(sig)
			cancel()
		case <-done:
		}
	}()
	return func() {
		close(done)
		signal.Stop(sigCh)
	}
}

// watchParentDeath implements --parent-death (§6.5): the worker exits
// cleanly if its original parent pid changes, which on most platforms
// means the parent died and this process was reparented to init.
func watchParentDeath(cancel context.CancelFunc, log zerolog.Logger) (stop func()) {
	initialPPID := os.Getppid()
	ticker := time.NewTicker(2 * time.Second)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if os.Getppid() != initialPPID {
					log.Info().Msg("parent process exited, shutting down")
					cancel()
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func serveMetrics(addr string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	log.Info().Str("addr", addr).Msg("metrics endpoint listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn().Err(err).Msg("metrics server stopped")
	}
}

// startPeerTransfer re-execs the current binary as the hidden
// peerTransferSubcommand, pointed at ws's cache directory, and blocks
// until the child reports its bound address over an inherited pipe. The
// returned stop func terminates the child; callers should defer it.
func startPeerTransfer(r config.Resolved, ws *workspace.Workspace, log zerolog.Logger) (addr string, stop func(), err error) {
	exe, err := os.Executable()
	if err != nil {
		return "", nil, err
	}

	readyR, readyW, err := os.Pipe()
	if err != nil {
		return "", nil, err
	}

	listenAddr := fmt.Sprintf(":%d", r.TransferPort)
	childArgs := []string{peerTransferSubcommand, "--listen", listenAddr, "--cache", ws.Cache}

	c := exec.Command(exe, childArgs...)
	c.Stdout = os.Stderr
	c.Stderr = os.Stderr
	c.ExtraFiles = []*os.File{readyW}
	if r.Password != "" {
		c.Env = append(os.Environ(), peerPasswordEnv+"="+r.Password)
	} else {
		c.Env = os.Environ()
	}

	if startErr := c.Start(); startErr != nil {
		readyR.Close()
		readyW.Close()
		return "", nil, startErr
	}
	readyW.Close() // parent's copy of the write end

	line, readErr := readLineWithTimeout(readyR, 10*time.Second)
	readyR.Close()
	if readErr != nil {
		_ = c.Process.Kill()
		_, _ = c.Process.Wait()
		return "", nil, fmt.Errorf("waiting for peer transfer server: %w", readErr)
	}

	fmt.Printf("  Peer transfer: %s\n\n", line)
	log.Info().Str("addr", line).Msg("peer transfer server started")
	stop = func() {
		_ = c.Process.Signal(syscall.SIGTERM)
		done := make(chan struct{})
		go func() { c.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = c.Process.Kill()
		}
	}
	return line, stop, nil
}

func readLineWithTimeout(r *os.File, timeout time.Duration) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, 0, 128)
		one := make([]byte, 1)
		for {
			n, err := r.Read(one)
			if n > 0 {
				if one[0] == '\n' {
					ch <- result{string(buf), nil}
					return
				}
				buf = append(buf, one[0])
			}
			if err != nil {
				ch <- result{"", err}
				return
			}
		}
	}()
	select {
	case res := <-ch:
		return res.line, res.err
	case <-time.After(timeout):
		return "", fmt.Errorf("timed out after %s", timeout)
	}
}

func init() {
	signal.Ignore(syscall.SIGPIPE)
}
