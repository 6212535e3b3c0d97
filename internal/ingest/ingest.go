package ingest

import (
	"github.com/airsonde/airsonde/internal/config"
	"github.com/airsonde/airsonde/internal/models"
	"github.com/airsonde/airsonde/internal/store"
	"github.com/airsonde/airsonde/internal/transport"
)

// Package ingest runs the telemetry consumption pipeline: every broker
// message is validated, persisted, scored, and settled with exactly one
// acknowledgement.
//
// Responsibilities:
//   - Parse and validate raw telemetry payloads
//   - Persist validated readings, retaining them in memory when the
//     store is unavailable
//   - Evaluate fixed threshold rules against every reading
//   - Score readings against the detection backend, degrading to
//     rule-only verdicts when the backend is unreachable
//   - Hand detected anomalies to the escalation dispatcher
//   - Settle every message: malformed or invalid payloads are
//     acknowledged and dropped, pipeline failures return the message
//     to the broker for redelivery
//
// Message settlement:
//
//	parse failure       →  ack, drop
//	validation failure  →  ack, drop
//	store failure       →  ack (reading retained in memory)
//	backend failure     →  ack (rule verdicts only)
//	pipeline panic      →  nack, redelivered
//
// With more than one worker, messages are routed by topic so a device's
// readings always land on the same worker and stay ordered.

// Pipeline consumes raw telemetry messages and runs them to completion.
type Pipeline interface {
	// Handle ingests one broker message. With a single worker the message
	// is processed before Handle returns; with more it is queued to the
	// device's worker first.
	Handle(msg transport.Message)

	// Stop drains queued messages and stops the workers. Safe to call
	// more than once. Callers stop the broker consumer first.
	Stop()

	// UpdateThresholds replaces the rule thresholds at runtime.
	UpdateThresholds(thresholds map[string]config.RuleThreshold)

	// Recent returns the newest retained readings, newest first, up to
	// limit. limit <= 0 returns all retained readings.
	Recent(limit int) []models.Reading

	// Unpersisted returns readings whose store write failed, oldest first.
	Unpersisted() []*store.ReadingRecord

	// Stats reports processing counters since the pipeline started.
	Stats() Stats
}

// Stats is a snapshot of pipeline throughput.
type Stats struct {
	MessagesProcessed int64   `json:"messages_processed"`
	MessagesRejected  int64   `json:"messages_rejected"`
	AnomaliesDetected int64   `json:"anomalies_detected"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
	ProcessingRate    float64 `json:"processing_rate"`
	AnomalyRate       float64 `json:"anomaly_rate"`
}

// Config tunes the pipeline.
type Config struct {
	// Workers is the number of concurrent pipeline workers. Zero or one
	// processes messages serially on the broker's delivery goroutine.
	Workers int

	// Thresholds are the initial rule thresholds per sensor field.
	Thresholds map[string]config.RuleThreshold
}

const (
	// maxRecentReadings bounds the in-memory ring of recent readings.
	maxRecentReadings = 1000

	// maxUnpersistedReadings bounds the fallback ring of readings whose
	// store write failed.
	maxUnpersistedReadings = 1000

	// workerQueueDepth is the per-worker message queue size. A full queue
	// blocks the broker delivery goroutine, which is the backpressure.
	workerQueueDepth = 64
)
