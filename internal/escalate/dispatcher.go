package escalate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/airsonde/airsonde/internal/audit"
	"github.com/airsonde/airsonde/internal/metrics"
	"github.com/airsonde/airsonde/internal/models"
	"github.com/airsonde/airsonde/internal/narrative"
	"github.com/airsonde/airsonde/internal/notify"
	"github.com/airsonde/airsonde/internal/store"
)

// dispatcher implements Dispatcher.
type dispatcher struct {
	cfg       Config
	anomalies store.AnomalyStore
	notifier  notify.Notifier
	narrator  narrative.Generator
	auditLog  audit.Logger
	log       *zap.Logger

	mu          sync.Mutex
	history     []*Entry
	unpersisted []*store.AnomalyRecord
}

// NewDispatcher creates an escalation dispatcher. narrator may be nil when
// narrative generation is not wired up.
func NewDispatcher(cfg Config, anomalies store.AnomalyStore, notifier notify.Notifier, narrator narrative.Generator, auditLog audit.Logger, log *zap.Logger) Dispatcher {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	return &dispatcher{
		cfg:       cfg,
		anomalies: anomalies,
		notifier:  notifier,
		narrator:  narrator,
		auditLog:  auditLog,
		log:       log,
	}
}

func (d *dispatcher) Dispatch(ctx context.Context, a *models.Anomaly) *Entry {
	entry := &Entry{
		Anomaly:       a,
		CorrelationID: audit.GetCorrelationID(ctx),
		DispatchedAt:  time.Now().UTC(),
	}

	ladder := Ladder(a.Severity)

	// The narrative rides along on every notification, so fetch it once
	// before the ladder runs. Log-only ladders skip the round trip.
	if len(ladder) > 1 {
		entry.Narrative = d.narrate(ctx, a)
	}

	d.persist(ctx, a, entry)

	for _, action := range ladder {
		entry.Actions = append(entry.Actions, d.execute(ctx, action, a, entry))
	}

	d.remember(entry)
	return entry
}

func (d *dispatcher) History(limit int) []*Entry {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*Entry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, d.history[i])
	}
	return out
}

func (d *dispatcher) Unpersisted() []*store.AnomalyRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*store.AnomalyRecord, len(d.unpersisted))
	copy(out, d.unpersisted)
	return out
}

// ─── Ladder execution ─────────────────────────────────────────────────────────

func (d *dispatcher) execute(ctx context.Context, action Action, a *models.Anomaly, entry *Entry) ActionResult {
	start := time.Now()

	var err error
	switch action {
	case ActionLog:
		d.logAnomaly(ctx, a, entry)
	case ActionAlert:
		err = d.notifier.NotifyAlert(ctx, d.notification(a, entry))
	case ActionEscalate:
		err = d.notifier.NotifyEscalation(ctx, d.notification(a, entry))
	case ActionEmergency:
		err = d.notifier.NotifyEmergency(ctx, d.notification(a, entry))
	}
	duration := time.Since(start)

	if err != nil {
		metrics.ActionsExecuted.WithLabelValues(string(action), "failed").Inc()
		d.auditLog.LogActionFailed(ctx, entry.CorrelationID, string(action), a.DeviceID, err)
		d.log.Error("escalation action failed",
			zap.String("action", string(action)),
			zap.String("device_id", a.DeviceID),
			zap.Error(err))
	} else {
		metrics.ActionsExecuted.WithLabelValues(string(action), "success").Inc()
		d.auditLog.LogActionExecuted(ctx, entry.CorrelationID, string(action), a.DeviceID, duration)
	}

	return ActionResult{Action: action, Err: err, Duration: duration}
}

func (d *dispatcher) logAnomaly(ctx context.Context, a *models.Anomaly, entry *Entry) {
	metrics.AnomaliesDetected.WithLabelValues(a.SensorType, string(a.Severity), a.Source).Inc()
	d.auditLog.LogAnomalyDetected(ctx, entry.CorrelationID, a.DeviceID, a.SensorType, a.AnomalyType, string(a.Severity))

	fields := []zap.Field{
		zap.String("device_id", a.DeviceID),
		zap.String("sensor_type", a.SensorType),
		zap.String("anomaly_type", a.AnomalyType),
		zap.String("severity", string(a.Severity)),
		zap.Float64("value", a.Value),
		zap.String("reason", a.Reason),
		zap.String("source", a.Source),
	}
	if entry.Narrative != "" {
		fields = append(fields, zap.String("narrative", entry.Narrative))
	}

	switch a.Severity {
	case models.SeverityCritical, models.SeverityHigh:
		d.log.Error("anomaly detected", fields...)
	default:
		d.log.Warn("anomaly detected", fields...)
	}
}

func (d *dispatcher) narrate(ctx context.Context, a *models.Anomaly) string {
	if d.narrator == nil || d.narrator.Disabled() {
		return ""
	}
	text, err := d.narrator.Narrative(ctx, a)
	if err != nil {
		d.log.Debug("narrative unavailable",
			zap.String("device_id", a.DeviceID),
			zap.Error(err))
		return ""
	}
	return text
}

func (d *dispatcher) notification(a *models.Anomaly, entry *Entry) *notify.Notification {
	n := &notify.Notification{
		Severity:      string(a.Severity),
		DeviceID:      a.DeviceID,
		SensorType:    a.SensorType,
		AnomalyType:   a.AnomalyType,
		Reason:        a.Reason,
		Value:         a.Value,
		Message:       fmt.Sprintf("%s anomaly on %s (%s): %s", strings.ToUpper(string(a.Severity)), a.DeviceID, a.SensorType, a.Reason),
		Narrative:     entry.Narrative,
		CorrelationID: entry.CorrelationID,
		Timestamp:     entry.DispatchedAt,
	}
	if a.Reading.DeviceID != "" {
		n.SensorData = a.Reading.Values()
	}
	return n
}

// ─── Persistence and history ──────────────────────────────────────────────────

func (d *dispatcher) persist(ctx context.Context, a *models.Anomaly, entry *Entry) {
	rec := recordFor(a, entry)
	if err := d.anomalies.AppendAnomaly(ctx, rec); err != nil {
		metrics.StoreErrors.WithLabelValues("anomaly_append").Inc()
		d.log.Warn("anomaly persist failed, retaining in memory",
			zap.String("device_id", a.DeviceID),
			zap.Error(err))
		d.retain(rec)
	}
}

func (d *dispatcher) retain(rec *store.AnomalyRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.unpersisted = append(d.unpersisted, rec)
	if len(d.unpersisted) > maxUnpersistedRetained {
		d.unpersisted = d.unpersisted[len(d.unpersisted)-maxUnpersistedRetained:]
	}
	metrics.FallbackRetained.WithLabelValues("anomalies").Set(float64(len(d.unpersisted)))
}

func (d *dispatcher) remember(entry *Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.history = append(d.history, entry)
	if len(d.history) > d.cfg.HistoryLimit {
		d.history = d.history[len(d.history)-d.cfg.HistoryLimit:]
	}
}

func recordFor(a *models.Anomaly, entry *Entry) *store.AnomalyRecord {
	detectedAt := a.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = entry.DispatchedAt
	}
	return &store.AnomalyRecord{
		DeviceID:      a.DeviceID,
		SensorType:    a.SensorType,
		AnomalyType:   a.AnomalyType,
		Severity:      string(a.Severity),
		Reason:        a.Reason,
		Value:         a.Value,
		Threshold:     a.Threshold,
		Score:         a.Score,
		Confidence:    a.Confidence,
		Source:        a.Source,
		Narrative:     entry.Narrative,
		CorrelationID: entry.CorrelationID,
		DetectedAt:    detectedAt.UTC(),
	}
}
