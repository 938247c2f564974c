// Package main starts the safetrail companion process.
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

	"golang.org/x/sync/errgroup"

	"safetrail/internal/alerts"
	"safetrail/internal/api"
	"safetrail/internal/collector"
	"safetrail/internal/config"
	"safetrail/internal/connectivity"
	"safetrail/internal/engine"
	"safetrail/internal/ingest"
	"safetrail/internal/logging"
	"safetrail/internal/model"
	"safetrail/internal/queue"
	"safetrail/internal/service"
	"safetrail/internal/storage"
	"safetrail/internal/syncer"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "safetrail.yaml", "path to the YAML or JSON config file")
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	config.LoadDotEnv(*envFile)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config.ResolvePath(*configPath)); err != nil {
		log.Fatalf("safetrail: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	mgr, err := config.NewManager(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting", "version", version, "config", configPath)

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return err
	}

	q, err := queue.Open(ctx, store, queue.OptionsFromConfig(cfg.Offline), logger)
	if err != nil {
		return err
	}
	sink, err := collector.New(cfg.Collector, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := collector.Close(sink); err != nil {
			logger.Warn("collector close failed", "err", err)
		}
	}()
	sched, err := syncer.New(ctx, q, sink, store, syncer.OptionsFromConfig(cfg.Offline), logger)
	if err != nil {
		return err
	}

	alertStore := alerts.NewStore(cfg.Alerts.StoreLimit)
	eng := engine.NewEngine(cfg.Scoring, logger, alertStore)
	tracker := engine.NewTracker(cfg.Scoring, eng.InRiskZone)

	var (
		monitor connectivity.Monitor
		probe   *connectivity.Probe
		manual  *connectivity.Manual
	)
	if cfg.Connectivity.ProbeURL != "" {
		probe = connectivity.NewProbe(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeInterval, cfg.Connectivity.StartOnline, logger)
		monitor = probe
	} else {
		manual = connectivity.NewManual(cfg.Connectivity.StartOnline)
		monitor = manual
	}

	svc := service.New(mgr, service.Deps{
		Engine:    eng,
		Tracker:   tracker,
		Queue:     q,
		Scheduler: sched,
		Alerts:    alertStore,
		Monitor:   manual,
	}, logger)
	defer svc.Shutdown()

	locations := make(chan model.Location, cfg.Ingest.ChannelBuffer)
	startIngest(ctx, mgr, locations, logger)
	api.Start(ctx, mgr, svc, logger, version)

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go mgr.Watch(0, func(next *config.Config) {
		logger.Info("config reloaded")
		svc.ApplyConfig(next)
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, stopWatch)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx, monitor) })
	g.Go(func() error { return svc.Start(gctx, locations) })
	if probe != nil {
		g.Go(func() error {
			probe.Run(gctx)
			return nil
		})
	}
	err = g.Wait()
	if manual != nil {
		manual.Close()
	}
	logger.Info("stopped")
	return err
}

func startIngest(ctx context.Context, mgr *config.Manager, out chan<- model.Location, logger *slog.Logger) {
	ingest.StartREST(ctx, mgr, out, logger)
	ingest.StartTCPStream(ctx, mgr, out, logger)
	ingest.StartUDP(ctx, mgr, out, logger)
	ingest.StartFileTail(ctx, mgr, out, logger)
	ingest.StartKafka(ctx, mgr, out, logger)
}
