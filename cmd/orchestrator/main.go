package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lh20005/geo-xi-tong-sub004/internal/adapters"
	"github.com/lh20005/geo-xi-tong-sub004/internal/batch"
	"github.com/lh20005/geo-xi-tong-sub004/internal/config"
	"github.com/lh20005/geo-xi-tong-sub004/internal/events"
	"github.com/lh20005/geo-xi-tong-sub004/internal/executor"
	"github.com/lh20005/geo-xi-tong-sub004/internal/logging"
	"github.com/lh20005/geo-xi-tong-sub004/internal/scheduler"
	"github.com/lh20005/geo-xi-tong-sub004/internal/store"
	"github.com/lh20005/geo-xi-tong-sub004/internal/web"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	configPath, err := config.ResolveConfigPath(os.Args[1:])
	if err != nil {
		log.Fatalf("resolve config file: %v", err)
	}
	if configPath != "" {
		fileCfg, err := config.LoadFileConfig(configPath)
		if err != nil {
			log.Fatalf("load config file %s: %v", configPath, err)
		}
		if err := config.ApplyFileConfig(cfg, fileCfg); err != nil {
			log.Fatalf("apply config file %s: %v", configPath, err)
		}
	}

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.String("config", "", "Path to a YAML or TOML config file")
	cfg.BindFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := logging.Init(slog.LevelInfo)
	logger = logger.With("instance_id", cfg.InstanceID)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("open task store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("task store ready", "driver", cfg.StoreDriver)

	registry := adapters.NewRegistry()
	var factory adapters.SessionFactory
	var creds adapters.CredentialSource
	if cfg.AdapterMode == "mock" {
		// Mock mode runs the full orchestration path against scripted
		// adapters; useful for local development and load testing.
		for _, platform := range []string{"sohu", "sina", "163", "toutiao"} {
			registry.Register(platform, &adapters.FakeAdapter{Platform: platform, Sleep: 2 * time.Second})
		}
		factory = &adapters.FakeSessionFactory{}
		creds = adapters.StaticCredentials{Creds: adapters.Credentials{Username: "mock", Password: "mock"}}
		logger.Info("adapter mode: mock", "platforms", registry.Platforms())
	} else {
		// Real platform adapters register here as they are built; the
		// executor fails a task cleanly when its platform is missing.
		factory = &adapters.FakeSessionFactory{}
		creds = adapters.StaticCredentials{}
		logger.Warn("adapter mode: registry, no platform adapters registered yet")
	}

	broker := events.NewBroker(logger)
	throttle := executor.NewPlatformThrottle(cfg.PlatformRPS, cfg.PlatformBurst)
	exec := executor.New(st, registry, factory, creds, broker, throttle, logger)
	sequencer := batch.NewSequencer(st, exec, cfg.StopPollInterval, logger)
	sched := scheduler.New(st, exec, sequencer, scheduler.Options{
		TickInterval:  cfg.TickInterval,
		SweepSchedule: cfg.SweepSchedule,
	}, logger)

	server := web.NewServer(cfg.WebAddr, cfg.WebToken, st, broker, logger)
	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error("web server", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()

		// Second signal forces exit.
		<-sigChan
		logger.Warn("forced shutdown")
		os.Exit(1)
	}()

	if err := sched.Start(ctx); err != nil {
		logger.Error("scheduler exited", "error", err)
		os.Exit(1)
	}

	waitForDrain(sched, cfg.ShutdownTimeout, logger)
	logger.Info("orchestrator stopped cleanly")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.DatabaseURL)
	case "sqlite":
		return store.NewSQLite(ctx, cfg.SQLitePath)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// waitForDrain gives in-flight tasks a bounded window to finish their
// bookkeeping before the process exits.
func waitForDrain(sched *scheduler.Scheduler, timeout time.Duration, logger *slog.Logger) {
	deadline := time.Now().Add(timeout)
	for {
		inFlight := sched.InFlight()
		if len(inFlight) == 0 {
			return
		}
		if time.Now().After(deadline) {
			logger.Warn("shutdown timeout with tasks still in flight", "tasks", inFlight)
			return
		}
		logger.Info("waiting for in-flight tasks", "tasks", inFlight)
		time.Sleep(time.Second)
	}
}
