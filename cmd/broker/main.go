package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kestrelsys/broker/internal/api"
	"github.com/kestrelsys/broker/internal/config"
	"github.com/kestrelsys/broker/internal/gavel"
	"github.com/kestrelsys/broker/internal/lease"
	"github.com/kestrelsys/broker/internal/plan"
	"github.com/kestrelsys/broker/internal/readiness"
	"github.com/kestrelsys/broker/internal/scheduler"
	"github.com/kestrelsys/broker/internal/snapshot"
	"github.com/kestrelsys/broker/internal/store"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// validateRuntimeConfigReload rejects config changes that require a
// restart: the state_db path (the Store is already open against the old
// one) and the API bind address (the listener is already bound).
func validateRuntimeConfigReload(oldCfg, newCfg *config.Config) error {
	if oldCfg == nil || newCfg == nil {
		return fmt.Errorf("invalid config state during reload")
	}

	oldStateDB := strings.TrimSpace(oldCfg.General.StateDB)
	newStateDB := strings.TrimSpace(newCfg.General.StateDB)
	if oldStateDB != newStateDB {
		return fmt.Errorf("state_db changed (%q -> %q) and requires restart", oldStateDB, newStateDB)
	}

	oldAPIBind := strings.TrimSpace(oldCfg.API.Bind)
	newAPIBind := strings.TrimSpace(newCfg.API.Bind)
	if oldAPIBind != newAPIBind {
		return fmt.Errorf("api.bind changed (%q -> %q) and requires restart", oldAPIBind, newAPIBind)
	}
	return nil
}

func toLanes(names []string) []store.Lane {
	lanes := make([]store.Lane, len(names))
	for i, n := range names {
		lanes[i] = store.Lane(strings.ToLower(strings.TrimSpace(n)))
	}
	return lanes
}

func toWorkerTypeLanes(in map[string][]string) map[string][]store.Lane {
	if in == nil {
		return nil
	}
	out := make(map[string][]store.Lane, len(in))
	for workerType, names := range in {
		out[workerType] = toLanes(names)
	}
	return out
}

func loadRegistry(cfg *config.Config, logger *slog.Logger) *gavel.Registry {
	if strings.TrimSpace(cfg.Registry) == "" {
		return gavel.DefaultRegistry()
	}
	if _, err := os.Stat(cfg.Registry); err != nil {
		logger.Info("no source registry file found, using default (all sources DEFAULT authority)", "path", cfg.Registry)
		return gavel.DefaultRegistry()
	}
	reg, err := gavel.LoadRegistry(cfg.Registry)
	if err != nil {
		logger.Error("failed to load source registry, falling back to default", "path", cfg.Registry, "error", err)
		return gavel.DefaultRegistry()
	}
	return reg
}

func main() {
	configPath := flag.String("config", "broker.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	logger.Info("broker starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	lockPath := "/tmp/broker.lock"
	if cfg.General.LockFile != "" {
		lockPath = config.ExpandHome(cfg.General.LockFile)
	}
	lockFile, err := acquireFlock(lockPath)
	if err != nil {
		logger.Error("failed to acquire lock", "error", err)
		os.Exit(1)
	}
	defer releaseFlock(lockFile)

	st, err := store.Open(cfg.General.StateDB, cfg.General.BusyTimeout.Duration)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.General.StateDB, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	registry := loadRegistry(cfg, logger)

	var cfgMu sync.RWMutex
	var sched *scheduler.Scheduler
	var leaseMgr *lease.Manager

	buildScheduler := func(c *config.Config) *scheduler.Scheduler {
		return scheduler.New(st, toLanes(c.Scheduler.Lanes), c.Lease.TTL.Duration,
			scheduler.WithWorkerTypeLanes(toWorkerTypeLanes(c.Scheduler.WorkerTypeLanes)),
			scheduler.WithMaxRetries(c.Lease.MaxRetries),
			scheduler.WithMaxClaimRetries(c.Scheduler.MaxClaimRetries),
		)
	}

	sched = buildScheduler(cfg)
	leaseMgr = lease.New(st, cfg.Lease.TTL.Duration, logger.With("component", "lease"))
	gavelMgr := gavel.New(st, registry)
	thresholds := readiness.Thresholds{
		PRD:         cfg.Readiness.PRDThreshold,
		SPEC:        cfg.Readiness.SPECThreshold,
		DecisionLog: cfg.Readiness.DecisionLogThreshold,
	}
	acceptor := plan.New(st, cfg.General.DocsDir, cfg.General.StateDir, thresholds)
	snap := snapshot.New(st, cfg.General.RepoRoot, cfg.General.ReadOnly)

	applyReload := func() error {
		cfgMu.Lock()
		defer cfgMu.Unlock()

		updatedCfg, err := config.Reload(*configPath)
		if err != nil {
			return err
		}
		if err := validateRuntimeConfigReload(cfg, updatedCfg); err != nil {
			return err
		}
		cfgManager.Set(updatedCfg)
		cfg = updatedCfg
		logger = configureLogger(cfg.General.LogLevel, *dev)
		slog.SetDefault(logger)

		sched = buildScheduler(cfg)
		return nil
	}

	if err := leaseMgr.StartSweeper(fmt.Sprintf("@every %s", cfg.Lease.ReapInterval.Duration), func(ctx context.Context) error {
		return sched.ReapStale(ctx)
	}); err != nil {
		logger.Error("failed to start lease sweeper", "error", err)
		os.Exit(1)
	}
	defer leaseMgr.StopSweeper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiSrv, err := api.NewServer(cfg, st, sched, leaseMgr, gavelMgr, acceptor, snap, logger.With("component", "api"))
	if err != nil {
		logger.Error("failed to create api server", "error", err)
		os.Exit(1)
	}
	defer apiSrv.Close()

	go func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server error", "error", err)
		}
	}()

	logger.Info("broker running", "bind", cfg.API.Bind, "state_db", cfg.General.StateDB, "read_only", cfg.General.ReadOnly)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := applyReload(); err != nil {
				logger.Error(fmt.Sprintf("config reload failed: %v", err))
				continue
			}
			logger.Info("config reloaded")
		default:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			logger.Info("broker stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		}
	}
}
