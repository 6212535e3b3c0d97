package main

// Package main is the entry point for the airsonde detection API server.
//
// Responsibilities:
//   - Load configuration from YAML and AIRSONDE_* environment variables
//   - Restore persisted model snapshots into the detection orchestrator
//   - Run the periodic training scheduler against the reading store
//   - Serve the detection, retrain, and query API with the WebSocket
//     live feed and Prometheus metrics
//   - Shut down cleanly on SIGINT or SIGTERM
//
// The consumer process subscribes to the broker and calls this API over
// HTTP; the server itself never touches the broker.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/airsonde/airsonde/internal/audit"
	"github.com/airsonde/airsonde/internal/config"
	"github.com/airsonde/airsonde/internal/detect"
	"github.com/airsonde/airsonde/internal/logging"
	"github.com/airsonde/airsonde/internal/modelstore"
	"github.com/airsonde/airsonde/internal/server"
	"github.com/airsonde/airsonde/internal/store"
	"github.com/airsonde/airsonde/internal/training"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "airsonde-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := config.NewConfigManager(configPath())
	if err != nil {
		return fmt.Errorf("config manager: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	cfg := mgr.Get(ctx)

	log, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Dir:        cfg.Logging.Dir,
		Filename:   "server.log",
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	auditLog, err := audit.NewLogger(auditConfig(cfg))
	if err != nil {
		return fmt.Errorf("audit logger: %w", err)
	}
	defer auditLog.Close()

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	artifacts, err := modelstore.Open(cfg.ModelStore.Path)
	if err != nil {
		return fmt.Errorf("open model store: %w", err)
	}
	defer artifacts.Close()

	detector := detect.NewOrchestrator(detectorConfig(cfg))
	training.WarmStart(detector, artifacts, log)

	scheduler := training.NewScheduler(training.Config{
		Interval:     time.Duration(cfg.Training.IntervalSeconds) * time.Second,
		ErrorBackoff: time.Duration(cfg.Training.ErrorBackoffSeconds) * time.Second,
		MinReadings:  cfg.Training.MinReadings,
		Window:       time.Duration(cfg.Training.WindowHours) * time.Hour,
		WindowLimit:  cfg.Training.WindowLimit,
	}, st, detector, artifacts, auditLog, log)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	srv := server.NewServer(server.Config{
		Port:            cfg.Server.Port,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		Ensemble:        cfg.Detection.Ensemble,
		RateLimitPerMin: cfg.Server.RateLimitPerMin,
	}, detector, st, scheduler, log)
	if err := srv.Start(); err != nil {
		scheduler.Stop()
		return fmt.Errorf("start server: %w", err)
	}

	log.Info("airsonde server up", zap.Int("port", cfg.Server.Port))
	auditLog.Log(ctx, audit.NewEvent(audit.EventServerStarted).
		WithDescription(fmt.Sprintf("API server listening on port %d", cfg.Server.Port)).
		WithResult(audit.ResultSuccess))

	serverDone := make(chan struct{})
	go func() {
		srv.Wait()
		close(serverDone)
	}()

	var unexpected bool
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case <-serverDone:
		unexpected = true
	}

	srv.Stop()
	scheduler.Stop()
	auditLog.Log(context.Background(), audit.NewEvent(audit.EventServerShutdown).
		WithDescription("API server stopped").
		WithResult(audit.ResultSuccess))
	if unexpected {
		return errors.New("api server exited unexpectedly")
	}
	return nil
}

// configPath returns the config file location, honoring AIRSONDE_CONFIG.
func configPath() string {
	if p := os.Getenv("AIRSONDE_CONFIG"); p != "" {
		return p
	}
	return "configs/airsonde.yaml"
}

func auditConfig(cfg *config.Config) *audit.Config {
	return &audit.Config{
		AuditLogPath: filepath.Join(cfg.Logging.Dir, "audit.log"),
		AppLogPath:   filepath.Join(cfg.Logging.Dir, "app.log"),
		MaxSize:      cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAge:       cfg.Logging.MaxAgeDays,
		Compress:     true,
		LogLevel:     cfg.Logging.Level,
	}
}

func detectorConfig(cfg *config.Config) detect.Config {
	dc := detect.DefaultConfig()
	dc.AutoSelect = cfg.Detection.AutoSelect
	dc.MinDataForAdvanced = cfg.Detection.MinDataForAdvanced
	dc.ConfidenceFloor = cfg.Detection.ConfidenceFloor
	dc.Ensemble = cfg.Detection.Ensemble
	if len(cfg.Detection.EnsembleWeights) > 0 {
		dc.EnsembleWeights = cfg.Detection.EnsembleWeights
	}
	return dc
}

// openStore opens the SQLite store, wrapping it with the ClickHouse
// volume store when that driver is configured. Model metadata always
// stays on SQLite.
func openStore(cfg *config.Config) (store.Store, error) {
	path := cfg.Storage.SQLitePath
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	sqlite, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Driver != "clickhouse" {
		return sqlite, nil
	}
	ch, err := store.NewClickHouseStore(store.ClickHouseOptions{
		Addr:     cfg.Storage.ClickHouse.Addr,
		Database: cfg.Storage.ClickHouse.Database,
		Username: cfg.Storage.ClickHouse.Username,
		Password: cfg.Storage.ClickHouse.Password,
	}, sqlite)
	if err != nil {
		_ = sqlite.Close()
		return nil, err
	}
	return ch, nil
}
