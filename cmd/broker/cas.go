package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/cubrid/gobroker/internal/config"
	"github.com/cubrid/gobroker/internal/logging"
	"github.com/cubrid/gobroker/internal/scm"
	"github.com/cubrid/gobroker/internal/worker"
)

// runCAS is the entrypoint for one CAS worker process, re-exec'd by the
// master (casSpawner.Spawn) with its control socket inherited as fd 3
// via exec.Cmd.ExtraFiles (spec §4.2).
func runCAS(args []string) error {
	fs := flag.NewFlagSet("cas", flag.ExitOnError)
	slot := fs.Int("slot", -1, "worker slot index in the SCM worker table")
	scmPath := fs.String("scm-path", "", "path to the SCM backing file created by the master")
	_ = fs.Parse(args)

	if *slot < 0 || *scmPath == "" {
		return fmt.Errorf("cas: -slot and -scm-path are required")
	}

	cfg, err := config.Load(nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.PrintBanner("cas", version, fmt.Sprintf("slot %d", *slot))

	s, err := scm.Attach(*scmPath, scm.RoleWorker)
	if err != nil {
		return fmt.Errorf("attach scm: %w", err)
	}
	defer s.Close()

	controlFile := os.NewFile(3, "control")
	if controlFile == nil {
		return fmt.Errorf("cas: fd 3 (control socket) not inherited from master")
	}
	controlConn, err := net.FileConn(controlFile)
	if err != nil {
		return fmt.Errorf("wrap control socket: %w", err)
	}
	controlFile.Close()
	unixConn, ok := controlConn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("cas: fd 3 is not a unix socket")
	}

	logger := slog.Default().With("slot", *slot)
	dial := tcpBackendDialer(cfg.BackendAddr)

	// No per-worker direct-reconnect listener is implemented; clients always
	// go through the master's acceptor even in keep_connection mode.
	w := worker.New(s, *slot, cfg, unixConn, dial, 0, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return w.Run(ctx)
}
