package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"session-core/internal/api"
	"session-core/internal/engine"
	"session-core/internal/events"
	"session-core/internal/market"
	"session-core/internal/model"
	"session-core/internal/monitor"
	"session-core/internal/orchestrator"
	"session-core/internal/reconciliation"
	"session-core/internal/scheduler"
	"session-core/internal/session"
	"session-core/pkg/config"
	"session-core/pkg/db"
	"session-core/pkg/logger"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("session core stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("starting session core",
		zap.String("version", version),
		zap.String("port", cfg.Port),
		zap.String("db_path", cfg.DBPath),
		zap.String("engine_transport", cfg.Engine.Transport))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return err
	}

	modelCfg := model.Default()
	if cfg.ModelConfigPath != "" {
		if modelCfg, err = model.LoadFile(cfg.ModelConfigPath); err != nil {
			return err
		}
	}
	defaultModel, err := modelCfg.JSON()
	if err != nil {
		return err
	}

	transport, closeTransport, err := newTransport(cfg.Engine)
	if err != nil {
		return err
	}
	defer closeTransport()

	metrics := monitor.NewMetrics("session_core")
	client := engine.NewClient(transport, engine.Config{
		Timeout:        cfg.Engine.Timeout,
		MaxConcurrency: cfg.Engine.MaxConcurrency,
	}, metrics, log)

	registry := session.NewRegistry()
	bus := events.NewBus()
	orch := orchestrator.New(client, registry, database.Queries(), bus, orchestrator.Options{
		MaxOpenTrades:      cfg.MaxOpenTrades,
		DefaultModelConfig: defaultModel,
	}, log)

	if err := metrics.Track(monitor.Sources{
		Connections: registry.ConnectionCount,
		Sessions:    registry.SessionCount,
		Subscribers: bus.SubscriberCount,
		Topics:      bus.TopicCount,
	}); err != nil {
		return err
	}

	recon := reconciliation.NewService(orch, database.Queries(), log)
	sched := scheduler.New(scheduler.Config{
		HeartbeatSchedule: cfg.HeartbeatSchedule,
		HeartbeatIdle:     cfg.HeartbeatIdle,
		ReconcileSchedule: cfg.ReconcileSchedule,
	}, registry, orch, recon, log)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	feed := market.NewFeed(orch, market.Config{Interval: cfg.MarketPollInterval}, log)
	feed.Start(ctx)

	server := api.NewServer(bus, registry, feed, metrics, api.Options{
		JWTSecret:   cfg.JWTSecret,
		RateLimit:   cfg.WSRateLimit,
		EventBuffer: cfg.EventBuffer,
		Version:     version,
	}, log)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start(":" + cfg.Port) }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err = <-serveErr:
		if err != nil {
			log.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	sched.Stop()
	feed.Close(shutdownCtx)
	orch.Shutdown(shutdownCtx)
	return err
}

func newTransport(cfg config.EngineConfig) (engine.Transport, func(), error) {
	switch cfg.Transport {
	case "", "process":
		return engine.NewProcessTransport(cfg.Command, cfg.Script), func() {}, nil
	case "grpc":
		t, err := engine.DialGRPC(cfg.GRPCAddr)
		if err != nil {
			return nil, nil, err
		}
		return t, func() { _ = t.Close() }, nil
	default:
		return nil, nil, errors.New("unknown ENGINE_TRANSPORT " + cfg.Transport)
	}
}
