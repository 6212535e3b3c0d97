package main

// Package main is the entry point for the airsonde telemetry generator.
//
// Responsibilities:
//   - Load configuration from YAML and AIRSONDE_* environment variables
//   - Simulate the configured devices with realistic sensor behaviour,
//     including drift windows and scheduled anomaly injections
//   - Publish one reading per device per interval to the broker
//   - Shut down cleanly on SIGINT or SIGTERM
//
// The generator stands in for field hardware during development and
// load testing. A fixed seed replays the exact same traffic.

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/airsonde/airsonde/internal/config"
	"github.com/airsonde/airsonde/internal/generator"
	"github.com/airsonde/airsonde/internal/logging"
	"github.com/airsonde/airsonde/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "airsonde-generator: %v\n", err)
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
		Filename:   "generator.log",
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	publisher, err := transport.NewPublisher(transport.Config{
		URL:      cfg.Broker.URL,
		ClientID: cfg.Broker.ClientID + "-generator",
		Username: cfg.Broker.Username,
		Password: cfg.Broker.Password,
	}, log)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer publisher.Close()

	gen := generator.New(generator.Config{
		Devices:  cfg.Generator.Devices,
		Interval: time.Duration(cfg.Generator.IntervalSeconds) * time.Second,
		Seed:     cfg.Generator.Seed,
	}, publisher, log)
	if err := gen.Start(ctx); err != nil {
		return fmt.Errorf("start generator: %w", err)
	}

	log.Info("airsonde generator up",
		zap.Strings("devices", cfg.Generator.Devices),
		zap.Int("interval_seconds", cfg.Generator.IntervalSeconds))

	<-ctx.Done()
	log.Info("shutdown signal received")
	gen.Stop()
	return nil
}

// configPath returns the config file location, honoring AIRSONDE_CONFIG.
func configPath() string {
	if p := os.Getenv("AIRSONDE_CONFIG"); p != "" {
		return p
	}
	return "configs/airsonde.yaml"
}
