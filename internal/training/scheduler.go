package training

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/airsonde/airsonde/internal/audit"
	"github.com/airsonde/airsonde/internal/detect"
	"github.com/airsonde/airsonde/internal/metrics"
	"github.com/airsonde/airsonde/internal/models"
	"github.com/airsonde/airsonde/internal/store"
)

type sensorOutcome int

const (
	outcomeTrained sensorOutcome = iota
	outcomeSkipped
	outcomeFailed
)

// retrainRequest is one queued RetrainNow call.
type retrainRequest struct {
	DeviceID   string
	SensorType string
}

// scheduler implements Scheduler.
type scheduler struct {
	cfg       Config
	data      DataSource
	detector  detect.Orchestrator
	artifacts ArtifactStore
	auditLog  audit.Logger
	log       *zap.Logger

	kick chan retrainRequest

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	done      chan struct{}
	lastCycle time.Time
	nextCycle time.Time
}

// NewScheduler builds a training scheduler. All collaborators are required.
func NewScheduler(cfg Config, data DataSource, detector detect.Orchestrator,
	artifacts ArtifactStore, auditLog audit.Logger, log *zap.Logger) Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultConfig().ErrorBackoff
	}
	if cfg.MinReadings <= 0 {
		cfg.MinReadings = DefaultConfig().MinReadings
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.WindowLimit <= 0 {
		cfg.WindowLimit = DefaultConfig().WindowLimit
	}
	return &scheduler{
		cfg:       cfg,
		data:      data,
		detector:  detector,
		artifacts: artifacts,
		auditLog:  auditLog,
		log:       log,
		kick:      make(chan retrainRequest, 16),
	}
}

func (s *scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("training scheduler already started")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})

	go s.run(ctx, s.stopCh, s.done)
	s.log.Info("training scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("min_readings", s.cfg.MinReadings),
	)
	return nil
}

func (s *scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh, done := s.stopCh, s.done
	s.mu.Unlock()

	close(stopCh)
	<-done
	s.log.Info("training scheduler stopped")
}

func (s *scheduler) RetrainNow(deviceID, sensorType string) {
	req := retrainRequest{DeviceID: deviceID, SensorType: sensorType}
	select {
	case s.kick <- req:
	default:
		s.log.Warn("retrain queue full, request dropped",
			zap.String("device_id", deviceID),
			zap.String("sensor_type", sensorType),
		)
	}
}

// run is the scheduler loop. The first cycle fires after one full interval;
// startup training is the caller's choice via RunCycle or RetrainNow.
func (s *scheduler) run(ctx context.Context, stopCh, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case req := <-s.kick:
			s.runRequest(ctx, req)
		case <-timer.C:
			res := s.RunCycle(ctx)
			next := s.cfg.Interval
			if res.Err != nil {
				next = s.cfg.ErrorBackoff
			}
			timer.Reset(next)
		}
	}
}

// runRequest serves one RetrainNow call.
func (s *scheduler) runRequest(ctx context.Context, req retrainRequest) {
	if req.DeviceID == "" {
		s.RunCycle(ctx)
		return
	}

	correlationID := audit.GenerateCorrelationID()
	since := time.Now().UTC().Add(-s.cfg.Window)

	fields := models.SensorFields
	if req.SensorType != "" {
		fields = []string{req.SensorType}
	}
	for _, field := range fields {
		s.trainSensor(ctx, correlationID, req.DeviceID, field, since)
	}
}

func (s *scheduler) RunCycle(ctx context.Context) CycleResult {
	start := time.Now()
	correlationID := audit.GenerateCorrelationID()
	since := start.UTC().Add(-s.cfg.Window)

	devices, err := s.data.DevicesWithData(ctx, since, s.cfg.MinReadings)
	if err != nil {
		metrics.TrainingCycles.WithLabelValues("failed").Inc()
		s.log.Error("training cycle aborted, reading store unavailable", zap.Error(err))
		return CycleResult{Err: err, Duration: time.Since(start)}
	}

	_ = s.auditLog.LogTrainingCycleStarted(ctx, correlationID, len(devices)*len(models.SensorFields))

	res := CycleResult{Devices: len(devices)}
	for _, device := range devices {
		for _, field := range models.SensorFields {
			select {
			case <-ctx.Done():
				res.Err = ctx.Err()
				res.Duration = time.Since(start)
				return res
			default:
			}

			switch s.trainSensor(ctx, correlationID, device, field, since) {
			case outcomeTrained:
				res.Trained++
			case outcomeFailed:
				res.Failed++
			case outcomeSkipped:
				res.Skipped++
			}
		}
	}

	res.Duration = time.Since(start)
	metrics.TrainingCycles.WithLabelValues("completed").Inc()
	s.mu.Lock()
	s.lastCycle = time.Now().UTC()
	s.nextCycle = s.lastCycle.Add(s.cfg.Interval)
	s.mu.Unlock()
	_ = s.auditLog.LogTrainingCycleCompleted(ctx, correlationID, res.Trained, res.Failed, res.Duration)
	s.log.Info("training cycle completed",
		zap.Int("devices", res.Devices),
		zap.Int("trained", res.Trained),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Duration("duration", res.Duration),
	)
	return res
}

// CycleTimes reports the completion time of the last successful cycle and the
// projected start of the next. The forecast assumes the regular interval; an
// out-of-band retrain between cycles does not move it.
func (s *scheduler) CycleTimes() (last, next time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCycle, s.nextCycle, !s.lastCycle.IsZero()
}

// trainSensor fits one sensor's model and persists the outcome. Failures are
// contained here so a bad sensor never stops the cycle.
func (s *scheduler) trainSensor(ctx context.Context, correlationID, deviceID, field string, since time.Time) sensorOutcome {
	values, err := s.data.FieldValues(ctx, deviceID, field, since, s.cfg.WindowLimit)
	if err != nil {
		s.failSensor(ctx, correlationID, deviceID, field, err)
		return outcomeFailed
	}
	if len(values) < s.cfg.MinReadings {
		s.log.Debug("sensor skipped, not enough readings",
			zap.String("device_id", deviceID),
			zap.String("sensor_type", field),
			zap.Int("readings", len(values)),
		)
		return outcomeSkipped
	}

	key := models.SensorKey(deviceID, field)
	fitStart := time.Now()
	strategy, ok, err := s.detector.Fit(key, values)
	if err != nil {
		s.failSensor(ctx, correlationID, deviceID, field, err)
		if strategy == "" {
			strategy = "unknown"
		}
		metrics.ModelsTrained.WithLabelValues(strategy, "failed").Inc()
		return outcomeFailed
	}
	if !ok {
		s.log.Debug("sensor skipped, no strategy accepted the series",
			zap.String("device_id", deviceID),
			zap.String("sensor_type", field),
		)
		return outcomeSkipped
	}
	metrics.TrainingDuration.WithLabelValues(strategy).Observe(time.Since(fitStart).Seconds())

	if snap, err := s.detector.Snapshot(key); err != nil {
		// The model stays live in memory; only the restart copy is missing.
		s.log.Warn("model snapshot failed",
			zap.String("sensor_key", key), zap.Error(err))
		metrics.StoreErrors.WithLabelValues("model_snapshot").Inc()
	} else if err := s.artifacts.Save(snap); err != nil {
		s.log.Warn("model artifact save failed",
			zap.String("sensor_key", key), zap.Error(err))
		metrics.StoreErrors.WithLabelValues("model_artifact").Inc()
	}

	now := time.Now().UTC()
	meta := &store.ModelMetaRecord{
		DeviceID:   deviceID,
		SensorType: field,
		ModelType:  strategy,
		TrainedAt:  now,
		// Fixed accuracy placeholder; there is no holdout evaluation yet.
		Accuracy:      0.85,
		ReadingsCount: len(values),
		LastUpdated:   now,
	}
	if err := s.data.UpsertModelMeta(ctx, meta); err != nil {
		s.log.Warn("model metadata upsert failed",
			zap.String("sensor_key", key), zap.Error(err))
		metrics.StoreErrors.WithLabelValues("model_meta").Inc()
	}

	_ = s.auditLog.LogModelTrained(ctx, correlationID, deviceID, field, strategy, len(values))
	metrics.ModelsTrained.WithLabelValues(strategy, "trained").Inc()
	return outcomeTrained
}

func (s *scheduler) failSensor(ctx context.Context, correlationID, deviceID, field string, err error) {
	s.log.Warn("sensor training failed",
		zap.String("device_id", deviceID),
		zap.String("sensor_type", field),
		zap.Error(err),
	)
	_ = s.auditLog.LogModelTrainingFailed(ctx, correlationID, deviceID, field, err)
}

// WarmStart restores every persisted model snapshot into the detector.
// Undecodable or stale snapshots are skipped so one bad artifact cannot
// block startup. Returns the number of models restored.
func WarmStart(detector detect.Orchestrator, artifacts ArtifactStore, log *zap.Logger) int {
	snaps, err := artifacts.LoadAll()
	if err != nil {
		log.Warn("model warm start failed", zap.Error(err))
		return 0
	}

	restored := 0
	for _, snap := range snaps {
		if err := detector.Restore(snap); err != nil {
			log.Warn("model snapshot rejected",
				zap.String("sensor_key", snap.SensorKey),
				zap.String("strategy", snap.Strategy),
				zap.Error(err),
			)
			continue
		}
		restored++
	}
	if restored > 0 {
		log.Info("models restored from artifact store", zap.Int("count", restored))
	}
	return restored
}
