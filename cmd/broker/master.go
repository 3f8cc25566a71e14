package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cubrid/gobroker/internal/acceptor"
	"github.com/cubrid/gobroker/internal/acl"
	"github.com/cubrid/gobroker/internal/admin"
	"github.com/cubrid/gobroker/internal/audit"
	"github.com/cubrid/gobroker/internal/config"
	"github.com/cubrid/gobroker/internal/dispatcher"
	"github.com/cubrid/gobroker/internal/health"
	"github.com/cubrid/gobroker/internal/logging"
	"github.com/cubrid/gobroker/internal/scm"
	"github.com/cubrid/gobroker/internal/shard"
)

// healthSampleInterval is how often internal/health refreshes the
// requests/sec EWMA; independent of the dispatcher's 1s controlTick.
const healthSampleInterval = 5 * time.Second

func runMaster(args []string) error {
	fs := flag.NewFlagSet("master", flag.ExitOnError)
	flags := config.DefineFlags(fs)
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.PrintBanner("master", version, fmt.Sprintf(":%d", cfg.Port))

	logger := slog.Default()

	scmPath := cfg.ScmPath()
	if err := os.MkdirAll(filepath.Dir(scmPath), 0o750); err != nil {
		return fmt.Errorf("create scm directory: %w", err)
	}
	_ = os.Remove(scmPath) // drop any stale region from a previous unclean shutdown.

	snapshot, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config snapshot: %w", err)
	}

	s, err := scm.Create(scmPath, cfg.MaxWorkers, cfg.QueueMax, snapshot)
	if err != nil {
		return fmt.Errorf("create scm: %w", err)
	}
	defer func() {
		s.Close()
		s.Remove()
	}()

	aclTable, err := acl.NewTable(cfg.ACLFile)
	if err != nil {
		return fmt.Errorf("load acl: %w", err)
	}

	shardRouter, err := shard.NewRouter(cfg.ShardKeyFile, int64(cfg.ShardModulo))
	if err != nil {
		return fmt.Errorf("load shard keys: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable: %w", err)
	}
	spawner := &casSpawner{binary: exePath, scmPath: scmPath, logger: logger}

	disp := dispatcher.New(s, cfg, spawner, logger)

	// With no shard_key_file the acceptor gets no router and skips shard
	// routing; an empty router would reject every client with ROUTE_NO_KEY.
	acceptorRouter := shardRouter
	if cfg.ShardKeyFile == "" {
		acceptorRouter = nil
	}
	acc, err := acceptor.New(cfg, aclTable, acceptorRouter, disp, logger)
	if err != nil {
		return fmt.Errorf("start acceptor: %w", err)
	}

	sampler := health.NewSampler(s, healthSampleInterval, logger)

	var recorder admin.Recorder
	var auditStore *audit.Store
	var auditDB *sql.DB
	if cfg.AuditEnabled {
		auditDB, err = audit.Open(cfg.AuditDBPath)
		if err != nil {
			return fmt.Errorf("open audit database: %w", err)
		}
		if err := audit.Migrate(auditDB); err != nil {
			_ = auditDB.Close()
			return fmt.Errorf("migrate audit database: %w", err)
		}
		auditStore = audit.NewStore(auditDB, logger)
		recorder = auditStore
		defer auditDB.Close()
	}

	adminSrv := admin.New(s, sampler, cfg.AdminTokenHash, func() string { return disp.State().String() }, recorder, logger)
	if auditStore != nil {
		adminSrv = adminSrv.WithHistory(auditStore)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return disp.Run(gctx) })
	g.Go(func() error { return acc.Run(gctx) })
	g.Go(func() error { return sampler.Run(gctx) })
	g.Go(func() error { return adminSrv.Serve(gctx, fmt.Sprintf(":%d", cfg.AdminPort)) })
	g.Go(func() error { return watchSIGHUP(gctx, hupCh, aclTable, shardRouter, cfg, logger) })

	return g.Wait()
}

// watchSIGHUP rebuilds the ACL table and shard-key table on SIGHUP
// (spec §3, §4.7, §5): both are read-only, atomically-swapped structures,
// so a rebuild never blocks a lookup already in flight.
func watchSIGHUP(ctx context.Context, hupCh <-chan os.Signal, aclTable *acl.Table, shardRouter *shard.Router, cfg *config.BrokerConfig, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hupCh:
			logger.Info("SIGHUP received, reloading acl and shard key tables")
			if err := aclTable.Reload(cfg.ACLFile); err != nil {
				logger.Error("acl reload failed", "error", err)
			}
			if err := shardRouter.Reload(cfg.ShardKeyFile); err != nil {
				logger.Error("shard key reload failed", "error", err)
			}
		}
	}
}

// casSpawner starts a CAS worker as a child process of the master,
// re-invoking this same binary with the "cas" subcommand for process
// isolation. workerEnd becomes fd 3 in the child via exec.Cmd.ExtraFiles.
type casSpawner struct {
	binary  string
	scmPath string
	logger  *slog.Logger
}

func (c *casSpawner) Spawn(index int, workerEnd *os.File) (int, error) {
	cmd := exec.Command(c.binary, "cas",
		"-slot", strconv.Itoa(index),
		"-scm-path", c.scmPath,
	)
	cmd.ExtraFiles = []*os.File{workerEnd}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start cas worker: %w", err)
	}

	pid := cmd.Process.Pid
	go func() {
		if err := cmd.Wait(); err != nil {
			c.logger.Debug("cas worker exited", "slot", index, "pid", pid, "error", err)
		}
	}()

	return pid, nil
}
