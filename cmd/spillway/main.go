// cmd/spillway/main.go
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/spillway/internal/api"
	"github.com/FairForge/spillway/internal/buffer"
	"github.com/FairForge/spillway/internal/config"
	"github.com/FairForge/spillway/internal/controller"
	"github.com/FairForge/spillway/internal/ingest"
	"github.com/FairForge/spillway/internal/replay"
	"github.com/FairForge/spillway/internal/routing"
)

func main() {
	configPath := flag.String("config", os.Getenv("SPILLWAY_CONFIG"), "path to YAML config")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	store, err := buildStore(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build buffer store", zap.Error(err))
	}

	router, err := routing.NewHTTPClient(&routing.HTTPConfig{
		ControlURL:     cfg.Routing.ControlURL,
		ResubmitURL:    cfg.Routing.ResubmitURL,
		RequestTimeout: cfg.Routing.RequestTimeout,
	})
	if err != nil {
		logger.Fatal("failed to build routing client", zap.Error(err))
	}

	stateStore, err := controller.NewFileStateStore(cfg.Controller.StatePath)
	if err != nil {
		logger.Fatal("failed to open state store", zap.Error(err))
	}

	ctrl, err := controller.New(&controller.Config{
		DivertWeight:   cfg.Controller.DivertWeight,
		CoolDown:       cfg.Controller.CoolDown,
		DwellTime:      cfg.Controller.DwellTime,
		ReconcileEvery: cfg.Controller.ReconcileEvery,
		DriftGrace:     cfg.Controller.DriftGrace,
	}, store, router, stateStore, logger)
	if err != nil {
		logger.Fatal("failed to build controller", zap.Error(err))
	}

	governor := replay.NewGovernor(&replay.GovernorConfig{
		RatePerSecond:    cfg.Replay.RatePerSecond,
		MinRatePerSecond: cfg.Replay.MinRatePerSecond,
		IncreaseStep:     5,
		HealthyInterval:  20,
	})
	breaker := replay.NewBreaker(&replay.BreakerConfig{
		FailureThreshold: cfg.Replay.FailureThreshold,
		SuccessThreshold: 2,
		CoolDown:         cfg.Replay.BreakerCoolDown,
	})
	engine := replay.NewEngine(&replay.Config{
		BatchSize:      cfg.Replay.BatchSize,
		Workers:        cfg.Replay.Workers,
		CycleInterval:  cfg.Replay.CycleInterval,
		CycleDeadline:  cfg.Replay.CycleDeadline,
		RequestTimeout: cfg.Replay.RequestTimeout,
	}, store, router, governor, breaker, logger)

	ingestSvc := ingest.NewService(&ingest.Config{
		MaxBodyBytes:    cfg.Ingest.MaxBodyBytes,
		TTL:             cfg.Buffer.TTL,
		RedactHeaders:   cfg.Ingest.RedactHeaders,
		TokenizeHeaders: cfg.Ingest.TokenizeHeaders,
	}, store, logger)

	server := api.NewServer(&api.Config{Port: cfg.Server.Port}, logger, ingestSvc, ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	go ctrl.Run(ctx)
	go engine.Run(ctx)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("spillway starting",
		zap.Int("port", cfg.Server.Port),
		zap.String("buffer_backend", cfg.Buffer.Backend),
	)
	if err := server.Start(); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func buildStore(cfg *config.Config, logger *zap.Logger) (buffer.Store, error) {
	switch cfg.Buffer.Backend {
	case "postgres":
		logger.Info("using postgres buffer store",
			zap.String("host", cfg.Buffer.Postgres.Host))
		return buffer.NewPostgresStore(buffer.PostgresConfig{
			Host:              cfg.Buffer.Postgres.Host,
			Port:              cfg.Buffer.Postgres.Port,
			Database:          cfg.Buffer.Postgres.Database,
			User:              cfg.Buffer.Postgres.User,
			Password:          cfg.Buffer.Postgres.Password,
			SSLMode:           cfg.Buffer.Postgres.SSLMode,
			VisibilityTimeout: cfg.Buffer.VisibilityTimeout,
		})
	default:
		logger.Info("using in-memory buffer store")
		return buffer.NewMemoryStore(&buffer.MemoryConfig{
			VisibilityTimeout: cfg.Buffer.VisibilityTimeout,
			MaxRecords:        100000,
		}), nil
	}
}
