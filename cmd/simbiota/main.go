// Package main — cmd/simbiota/main.go
//
// simbiota client daemon entrypoint.
//
// Startup sequence:
//  1. Parse flags; re-exec detached when --bg is given.
//  2. Load and validate config from /etc/simbiota/client.yaml.
//  3. Build the logger tee from the logger[] config section.
//  4. Verify CAP_SYS_ADMIN (required for fanotify).
//  5. Open the bbolt registry; prune stale detection records.
//  6. Load the signature database (fatal at startup).
//  7. Start the Prometheus metrics server (if configured).
//  8. Build detector, cache, quarantine manager, alert sink.
//  9. Initialise fanotify and install marks (per-mark errors are
//     logged; a dead descriptor is fatal).
// 10. Start scan workers and the database watcher.
// 11. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context: the read loop stops accepting events and
//     replies Allow to outstanding permission events.
//  2. Wait for scan workers to drain (max 5s); scans are abandoned.
//  3. Flush the alert queue (5s grace).
//  4. Close the registry, sync the logger, remove the pidfile.
//
// Exit codes:
//  0 clean shutdown
//  1 configuration error
//  2 permission/capability error
//  3 database load failure at startup
//  4 fanotify initialization failure
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/simbiota/simbiota/internal/alert"
	"github.com/simbiota/simbiota/internal/cache"
	"github.com/simbiota/simbiota/internal/config"
	"github.com/simbiota/simbiota/internal/database"
	"github.com/simbiota/simbiota/internal/detector"
	"github.com/simbiota/simbiota/internal/fanotify"
	"github.com/simbiota/simbiota/internal/logging"
	"github.com/simbiota/simbiota/internal/observability"
	"github.com/simbiota/simbiota/internal/quarantine"
	"github.com/simbiota/simbiota/internal/scan"
	"github.com/simbiota/simbiota/internal/storage"
	"github.com/simbiota/simbiota/internal/watcher"
)

const (
	exitOK         = 0
	exitConfig     = 1
	exitCapability = 2
	exitDatabase   = 3
	exitFanotify   = 4

	pidFile = "/run/simbiota.pid"

	// daemonEnv marks the re-exec'd background child.
	daemonEnv = "SIMBIOTA_DAEMONIZED"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.StringP("config", "c", config.DefaultPath, "path to client.yaml")
	background := flag.Bool("bg", false, "detach and run in the background")
	verbose := flag.BoolP("verbose", "v", false, "force a debug console logger")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.BoolP("help", "h", false, "show usage and exit")
	flag.Parse()

	if *help {
		fmt.Printf("usage: simbiota [-c|--config FILE] [--bg] [-v|--verbose] [-h|--help]\n\n")
		flag.PrintDefaults()
		return exitOK
	}

	if *version {
		fmt.Printf("simbiota %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		return exitOK
	}

	if *background && os.Getenv(daemonEnv) == "" {
		if err := daemonize(); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: failed to daemonize: %v\n", err)
			return exitConfig
		}
		return exitOK
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		return exitConfig
	}

	sinks := cfg.Loggers
	if *verbose {
		sinks = append(sinks, config.LoggerConfig{Output: "console", Level: "debug", Target: "stderr"})
	}
	log, err := logging.Build(sinks)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		return exitConfig
	}
	defer log.Sync() //nolint:errcheck

	log.Info("simbiota starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("config", *configPath),
	)

	if err := checkCapability(); err != nil {
		log.Error("capability check failed", zap.Error(err))
		return exitCapability
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.Open(cfg.Storage.RegistryPath, cfg.Storage.RetentionDays)
	if err != nil {
		log.Error("registry open failed", zap.Error(err),
			zap.String("path", cfg.Storage.RegistryPath))
		return exitConfig
	}
	defer db.Close() //nolint:errcheck

	if pruned, err := db.PruneOldDetections(); err != nil {
		log.Warn("detection ledger pruning failed", zap.Error(err))
	} else if pruned > 0 {
		log.Info("detection ledger pruned", zap.Int("deleted", pruned))
	}

	store, err := database.NewStore(cfg.Database.DatabaseFile, cfg.Detector.Config.Threshold)
	if err != nil {
		log.Error("signature database load failed", zap.Error(err),
			zap.String("path", cfg.Database.DatabaseFile))
		return exitDatabase
	}
	log.Info("signature database loaded",
		zap.String("path", cfg.Database.DatabaseFile),
		zap.Int("signatures", len(store.Current().Signatures)))

	metrics := observability.NewMetrics()
	metrics.DatabaseSignatures.Set(float64(len(store.Current().Signatures)))
	if addr := cfg.Observability.MetricsAddr; addr != "" {
		go func() {
			if err := metrics.ServeMetrics(ctx, addr); err != nil {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
		log.Info("metrics server started", zap.String("addr", addr))
	}

	det, err := detector.New(cfg.Detector)
	if err != nil {
		log.Error("detector init failed", zap.Error(err))
		return exitConfig
	}

	verdictCache := cache.New(cfg.Cache.MaxEntries, cfg.Cache.Disable)
	if cfg.Cache.Disable {
		log.Info("verdict cache disabled")
	}

	var qm *quarantine.Manager
	if cfg.Quarantine.Enabled {
		qm, err = quarantine.New(cfg.Quarantine.Path, db, log)
		if err != nil {
			log.Error("quarantine init failed", zap.Error(err))
			return exitConfig
		}
		log.Info("quarantine enabled", zap.String("dir", cfg.Quarantine.Path))
	}

	collaborators := []alert.Collaborator{
		&alert.LogCollaborator{Log: log},
		&alert.LedgerCollaborator{DB: db},
	}
	if cfg.Email.Enabled {
		collaborators = append(collaborators, alert.NewEmailCollaborator(cfg.Email, metrics))
		log.Info("email alerts enabled", zap.Strings("recipients", cfg.Email.Recipients))
	}
	sink := alert.NewSink(collaborators, metrics, log)

	// The sink has its own context so its final flush starts only after
	// the scan workers have drained.
	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	defer sinkCancel()
	var sinkWG sync.WaitGroup
	sinkWG.Add(1)
	go func() {
		defer sinkWG.Done()
		sink.Run(sinkCtx, 5*time.Second)
	}()

	listener, err := fanotify.Init(cfg.Agent.EventQueueSize, metrics, log)
	if err != nil {
		log.Error("fanotify init failed", zap.Error(err))
		return exitFanotify
	}
	for _, spec := range cfg.Monitor.Paths {
		if err := listener.Mark(spec); err != nil {
			log.Error("mark install failed", zap.String("path", spec.Path), zap.Error(err))
		}
	}

	listenerErr := make(chan error, 1)
	go func() {
		listenerErr <- listener.Run(ctx)
	}()

	pipeline := scan.New(det, store, verdictCache, qm, sink, metrics, log,
		time.Duration(cfg.Agent.ResponseDeadlineMS)*time.Millisecond)

	workers := cfg.Agent.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
		if workers > 4 {
			workers = 4
		}
	}
	workersDone := make(chan struct{})
	go func() {
		pipeline.Run(ctx, listener.Events(), workers)
		close(workersDone)
	}()
	log.Info("scan workers started", zap.Int("count", workers))

	dbWatcher := watcher.New(cfg.Database.DatabaseFile, store, verdictCache, metrics, log)
	go func() {
		if err := dbWatcher.Run(ctx); err != nil {
			log.Error("database watcher error", zap.Error(err))
		}
	}()

	// The only hot-reloadable artifact is the signature database, which
	// has its own watcher.
	signal.Ignore(syscall.SIGHUP)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := exitOK
	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-listenerErr:
		if err != nil {
			log.Error("event source failed", zap.Error(err))
			exitCode = exitFanotify
		} else {
			log.Error("event source exited unexpectedly")
		}
	}

	cancel()

	drainTimer := time.NewTimer(5 * time.Second)
	defer drainTimer.Stop()
	select {
	case <-workersDone:
		log.Info("scan workers drained")
	case <-drainTimer.C:
		log.Warn("shutdown drain timeout, abandoning in-flight scans")
	}

	sinkCancel()
	sinkWG.Wait()

	if os.Getenv(daemonEnv) != "" {
		_ = os.Remove(pidFile)
	}

	log.Info("simbiota shutdown complete")
	return exitCode
}

// daemonize re-execs the current binary detached from the controlling
// terminal and records the child pid at /run/simbiota.pid.
func daemonize() error {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(cmd.Process.Pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	return cmd.Process.Release()
}

// checkCapability verifies the process can use fanotify: effective
// CAP_SYS_ADMIN, probed via capget(2) with a euid fallback.
func checkCapability() error {
	const capSysAdmin = 21

	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err == nil {
		if data[0].Effective&(1<<capSysAdmin) != 0 {
			return nil
		}
		return fmt.Errorf("CAP_SYS_ADMIN is not in the effective capability set")
	}

	if os.Geteuid() != 0 {
		return fmt.Errorf("simbiota must run as root (euid %d)", os.Geteuid())
	}
	return nil
}
