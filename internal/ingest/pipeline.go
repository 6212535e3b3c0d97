package ingest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/airsonde/airsonde/internal/audit"
	"github.com/airsonde/airsonde/internal/config"
	"github.com/airsonde/airsonde/internal/escalate"
	"github.com/airsonde/airsonde/internal/metrics"
	"github.com/airsonde/airsonde/internal/models"
	"github.com/airsonde/airsonde/internal/store"
	"github.com/airsonde/airsonde/internal/transport"
	"github.com/airsonde/airsonde/pkg/types"
)

// Pipeline outcomes, used as the duration metric label.
const (
	outcomeClean     = "clean"
	outcomeAnomalous = "anomalous"
	outcomeRejected  = "rejected"
	outcomeFailed    = "failed"
)

type pipeline struct {
	readings   store.ReadingStore
	backend    Backend
	rules      *ruleEngine
	dispatcher escalate.Dispatcher
	auditLog   audit.Logger
	log        *zap.Logger

	retained retention
	pool     *workerPool

	started   time.Time
	processed atomic.Int64
	rejected  atomic.Int64
	anomalous atomic.Int64
}

// NewPipeline wires the ingest pipeline. With cfg.Workers above one,
// messages are fanned out to a worker pool keyed by topic.
func NewPipeline(cfg Config, readings store.ReadingStore, backend Backend, dispatcher escalate.Dispatcher, auditLog audit.Logger, log *zap.Logger) Pipeline {
	p := &pipeline{
		readings:   readings,
		backend:    backend,
		rules:      newRuleEngine(cfg.Thresholds),
		dispatcher: dispatcher,
		auditLog:   auditLog,
		log:        log,
		started:    time.Now(),
	}
	if cfg.Workers > 1 {
		p.pool = newWorkerPool(cfg.Workers, p.run)
	}
	return p
}

func (p *pipeline) Handle(msg transport.Message) {
	if p.pool != nil {
		p.pool.dispatch(msg)
		return
	}
	p.run(msg)
}

func (p *pipeline) Stop() {
	if p.pool != nil {
		p.pool.stop()
	}
}

func (p *pipeline) UpdateThresholds(thresholds map[string]config.RuleThreshold) {
	p.rules.Set(thresholds)
	p.log.Info("rule thresholds updated", zap.Int("fields", len(thresholds)))
}

func (p *pipeline) Recent(limit int) []models.Reading {
	return p.retained.Recent(limit)
}

func (p *pipeline) Unpersisted() []*store.ReadingRecord {
	return p.retained.Unpersisted()
}

func (p *pipeline) Stats() Stats {
	uptime := time.Since(p.started).Seconds()
	processed := p.processed.Load()
	anomalies := p.anomalous.Load()

	s := Stats{
		MessagesProcessed: processed,
		MessagesRejected:  p.rejected.Load(),
		AnomaliesDetected: anomalies,
		UptimeSeconds:     uptime,
	}
	if uptime > 0 {
		s.ProcessingRate = float64(processed) / uptime
	}
	if processed > 0 {
		s.AnomalyRate = float64(anomalies) / float64(processed)
	}
	return s
}

// run processes one message end to end. A panic anywhere past validation
// nacks the message so the broker redelivers it.
func (p *pipeline) run(msg transport.Message) {
	start := time.Now()
	ctx := audit.WithCorrelationID(context.Background(), audit.GenerateCorrelationID())

	outcome := outcomeFailed
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pipeline failure, message returned for redelivery",
				zap.String("topic", msg.Topic()),
				zap.String("correlation_id", audit.GetCorrelationID(ctx)),
				zap.Any("panic", r))
			msg.Nack()
		}
		metrics.PipelineDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	outcome = p.process(ctx, msg)
}

func (p *pipeline) process(ctx context.Context, msg transport.Message) string {
	reading, rej := validateMessage(msg.Payload())
	if rej != nil {
		metrics.ReadingsRejected.WithLabelValues(rej.Reason).Inc()
		p.rejected.Add(1)
		p.auditLog.LogTelemetryRejected(ctx, audit.GetCorrelationID(ctx), reading.DeviceID, rej.Reason)
		p.log.Warn("telemetry rejected",
			zap.String("topic", msg.Topic()),
			zap.String("reason", rej.Reason),
			zap.String("detail", rej.Detail))
		msg.Ack()
		return outcomeRejected
	}

	metrics.ReadingsReceived.WithLabelValues(reading.DeviceID).Inc()
	p.processed.Add(1)

	p.retained.remember(reading)
	p.persist(ctx, reading)

	anomalies := p.detect(ctx, reading)
	for _, a := range anomalies {
		p.dispatcher.Dispatch(ctx, a)
	}
	p.anomalous.Add(int64(len(anomalies)))

	msg.Ack()

	p.log.Debug("reading processed",
		zap.String("device_id", reading.DeviceID),
		zap.Int("anomalies", len(anomalies)))

	if len(anomalies) > 0 {
		return outcomeAnomalous
	}
	return outcomeClean
}

// persist stores the reading. Failures keep the reading in memory and never
// fail the message; a broker redelivery would only duplicate the row later.
func (p *pipeline) persist(ctx context.Context, r models.Reading) {
	rec := &store.ReadingRecord{
		DeviceID:   r.DeviceID,
		PM25:       r.PM25,
		PM10:       r.PM10,
		DBA:        r.DBA,
		Vibration:  r.Vibration,
		RecordedAt: r.Timestamp.UTC(),
	}
	if err := p.readings.InsertReading(ctx, rec); err != nil {
		metrics.StoreErrors.WithLabelValues("reading_insert").Inc()
		p.log.Warn("reading not persisted, retained in memory",
			zap.String("device_id", r.DeviceID),
			zap.Error(err))
		p.retained.retainUnpersisted(rec)
	}
}

// detect combines rule verdicts with backend model verdicts. A backend
// failure degrades to rule-only detection instead of failing the message.
func (p *pipeline) detect(ctx context.Context, r models.Reading) []*models.Anomaly {
	anomalies := p.rules.Evaluate(r)

	resp, err := p.backend.Detect(ctx, r)
	if err != nil {
		metrics.BackendDegraded.Inc()
		p.auditLog.LogDetectionDegraded(ctx, audit.GetCorrelationID(ctx), err)
		p.log.Warn("detection backend unavailable, rule verdicts only",
			zap.String("device_id", r.DeviceID),
			zap.Error(err))
		return anomalies
	}
	return append(anomalies, p.modelAnomalies(r, resp)...)
}

// modelAnomalies maps backend verdicts onto anomalies. Per-sensor verdicts
// grade by category; a non-normal combined assessment adds one more entry
// covering the reading as a whole.
func (p *pipeline) modelAnomalies(r models.Reading, resp *types.DetectResponse) []*models.Anomaly {
	var out []*models.Anomaly
	now := time.Now().UTC()

	for _, sa := range resp.Anomalies {
		if sa.Category == "" || sa.Category == string(models.CategoryNormal) {
			continue
		}
		severity := models.CategorySeverity(models.Category(sa.Category))
		if severity == "" {
			severity = models.SeverityMedium
		}
		value, _ := r.Value(sa.SensorType)
		out = append(out, &models.Anomaly{
			DeviceID:    r.DeviceID,
			SensorType:  sa.SensorType,
			AnomalyType: models.AnomalyTypeModel,
			Severity:    severity,
			Reason:      sa.Reason,
			Value:       value,
			Score:       sa.AnomalyScore,
			Confidence:  sa.Confidence,
			Source:      models.SourceModel,
			Reading:     r,
			DetectedAt:  now,
		})
	}

	if resp.OverallAssessment != "" && resp.OverallAssessment != string(models.CategoryNormal) {
		out = append(out, &models.Anomaly{
			DeviceID:    r.DeviceID,
			AnomalyType: models.AnomalyTypeOverall,
			Severity:    models.SeverityMedium,
			Reason:      fmt.Sprintf("combined model assessment: %s", resp.OverallAssessment),
			Confidence:  resp.OverallConfidence,
			Source:      models.SourceModel,
			Reading:     r,
			DetectedAt:  now,
		})
	}
	return out
}
