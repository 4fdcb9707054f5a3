package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	vinelog "github.com/cuemby/vine-worker/pkg/log"
	"github.com/cuemby/vine-worker/pkg/peertransfer"
)

// runPeerTransferChild is the entry point for the hidden
// peerTransferSubcommand (§4.10): bind the listener, report the bound
// address to the parent over its inherited readiness pipe (fd 3), then
// serve until the parent signals SIGTERM.
func runPeerTransferChild(args []string) error {
	fs := flag.NewFlagSet(peerTransferSubcommand, flag.ContinueOnError)
	listenAddr := fs.String("listen", ":0", "address to listen on")
	cacheDir := fs.String("cache", "", "cache directory to serve from")
	maxConcurrent := fs.Int("max-concurrent", 128, "max simultaneous transfers")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *cacheDir == "" {
		return fmt.Errorf("missing --cache")
	}

	vinelog.Init(vinelog.Config{Level: vinelog.InfoLevel})
	log := vinelog.WithComponent("peer-transfer")

	srv, err := peertransfer.New(peertransfer.Config{
		ListenAddr:    *listenAddr,
		CacheDir:      *cacheDir,
		Password:      os.Getenv(peerPasswordEnv),
		MaxConcurrent: *maxConcurrent,
	}, log)
	if err != nil {
		return err
	}
	defer srv.Close()

	ready := os.NewFile(3, "ready")
	if ready != nil {
		fmt.Fprintf(ready, "%s\n", srv.Addr())
		ready.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	return srv.Serve(ctx)
}
