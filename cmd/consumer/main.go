package main

// Package main is the entry point for the airsonde telemetry consumer.
//
// Responsibilities:
//   - Load configuration from YAML and AIRSONDE_* environment variables
//   - Subscribe to the device telemetry topic on the MQTT broker
//   - Validate every reading, apply threshold rules, and score it
//     against the detection API
//   - Escalate detected anomalies through the action ladder and persist
//     them with readings to the store
//   - Hot-reload rule thresholds when the config file changes
//   - Shut down cleanly on SIGINT or SIGTERM, draining in-flight work
//
// The consumer starts even when the detection API is down: scoring
// degrades to rules only until the backend recovers.

import (
	"context"
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
	"github.com/airsonde/airsonde/internal/escalate"
	"github.com/airsonde/airsonde/internal/ingest"
	"github.com/airsonde/airsonde/internal/logging"
	"github.com/airsonde/airsonde/internal/narrative"
	"github.com/airsonde/airsonde/internal/notify"
	"github.com/airsonde/airsonde/internal/store"
	"github.com/airsonde/airsonde/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "airsonde-consumer: %v\n", err)
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
		Filename:   "consumer.log",
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

	backend := ingest.NewBackend(ingest.BackendConfig{
		BaseURL: cfg.Detection.BackendURL,
		Timeout: time.Duration(cfg.Detection.TimeoutSeconds) * time.Second,
	}, log)

	probeCtx, cancelProbe := context.WithTimeout(ctx, 5*time.Second)
	if !backend.Healthy(probeCtx) {
		log.Warn("detection backend unreachable, starting degraded",
			zap.String("backend_url", cfg.Detection.BackendURL))
	}
	cancelProbe()

	notifier := notify.NewWebhookNotifier(notify.WebhookConfig{
		AlertURL:      cfg.Notify.AlertURL,
		EscalationURL: cfg.Notify.EscalationURL,
		EmergencyURL:  cfg.Notify.EmergencyURL,
		Timeout:       time.Duration(cfg.Notify.TimeoutSeconds) * time.Second,
	}, log)

	narrator := narrative.NewGenerator(narrative.Config{
		BaseURL:   cfg.Narrative.BaseURL,
		APIKey:    cfg.Narrative.APIKey,
		Model:     cfg.Narrative.Model,
		MaxTokens: cfg.Narrative.MaxTokens,
		Timeout:   time.Duration(cfg.Narrative.TimeoutSeconds) * time.Second,
		CacheTTL:  time.Duration(cfg.Narrative.CacheTTLSeconds) * time.Second,
	}, log)

	dispatcher := escalate.NewDispatcher(escalate.Config{
		HistoryLimit: cfg.Escalation.HistoryLimit,
	}, st, notifier, narrator, auditLog, log)

	pipeline := ingest.NewPipeline(ingest.Config{
		Workers:    cfg.Broker.Workers,
		Thresholds: cfg.Rules.Thresholds,
	}, st, backend, dispatcher, auditLog, log)

	consumer := transport.NewConsumer(transportConfig(cfg), log)
	if err := consumer.Start(pipeline.Handle); err != nil {
		pipeline.Stop()
		return fmt.Errorf("start consumer: %w", err)
	}

	go func() {
		updates := mgr.Watch(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case updated := <-updates:
				pipeline.UpdateThresholds(updated.Rules.Thresholds)
				log.Info("rule thresholds reloaded")
			}
		}
	}()

	log.Info("airsonde consumer up",
		zap.String("broker", cfg.Broker.URL),
		zap.String("topic", cfg.Broker.Topic))
	auditLog.Log(ctx, audit.NewEvent(audit.EventServerStarted).
		WithDescription("Telemetry consumer started").
		WithResult(audit.ResultSuccess))

	<-ctx.Done()
	log.Info("shutdown signal received")

	consumer.Stop()
	pipeline.Stop()
	auditLog.Log(context.Background(), audit.NewEvent(audit.EventServerShutdown).
		WithDescription("Telemetry consumer stopped").
		WithResult(audit.ResultSuccess))
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

func transportConfig(cfg *config.Config) transport.Config {
	return transport.Config{
		URL:               cfg.Broker.URL,
		ClientID:          cfg.Broker.ClientID,
		Username:          cfg.Broker.Username,
		Password:          cfg.Broker.Password,
		Topic:             cfg.Broker.Topic,
		QoS:               byte(cfg.Broker.QoS),
		ReconnectMinDelay: time.Duration(cfg.Broker.ReconnectMinDelay) * time.Second,
		ReconnectMaxDelay: time.Duration(cfg.Broker.ReconnectMaxDelay) * time.Second,
	}
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
