package training

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/airsonde/airsonde/internal/audit"
	"github.com/airsonde/airsonde/internal/detect"
	"github.com/airsonde/airsonde/internal/models"
	"github.com/airsonde/airsonde/internal/modelstore"
	"github.com/airsonde/airsonde/internal/store"
)

// stubAudit counts training audit calls and ignores everything else.
type stubAudit struct {
	mu              sync.Mutex
	cycleStarted    int
	cycleCompleted  int
	modelTrained    int
	trainingFailed  int
	lastSensorCount int
}

func (a *stubAudit) Log(ctx context.Context, event *audit.Event) error { return nil }
func (a *stubAudit) LogTelemetryRejected(ctx context.Context, correlationID, deviceID, reason string) error {
	return nil
}
func (a *stubAudit) LogAnomalyDetected(ctx context.Context, correlationID, deviceID, sensorField, anomalyType, severity string) error {
	return nil
}
func (a *stubAudit) LogDetectionDegraded(ctx context.Context, correlationID string, err error) error {
	return nil
}
func (a *stubAudit) LogActionExecuted(ctx context.Context, correlationID, action, deviceID string, duration time.Duration) error {
	return nil
}
func (a *stubAudit) LogActionFailed(ctx context.Context, correlationID, action, deviceID string, err error) error {
	return nil
}
func (a *stubAudit) LogTrainingCycleStarted(ctx context.Context, correlationID string, sensorCount int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cycleStarted++
	a.lastSensorCount = sensorCount
	return nil
}
func (a *stubAudit) LogTrainingCycleCompleted(ctx context.Context, correlationID string, trained, failed int, duration time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cycleCompleted++
	return nil
}
func (a *stubAudit) LogModelTrained(ctx context.Context, correlationID, deviceID, sensorField, modelType string, readings int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.modelTrained++
	return nil
}
func (a *stubAudit) LogModelTrainingFailed(ctx context.Context, correlationID, deviceID, sensorField string, err error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trainingFailed++
	return nil
}
func (a *stubAudit) Sync() error  { return nil }
func (a *stubAudit) Close() error { return nil }

func newTestData(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestArtifacts(t *testing.T) *modelstore.Store {
	t.Helper()
	s, err := modelstore.Open(filepath.Join(t.TempDir(), "models.db"))
	if err != nil {
		t.Fatalf("modelstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedReadings inserts n recent readings with mild variation on every field.
func seedReadings(t *testing.T, s store.Store, deviceID string, n int) {
	t.Helper()
	base := time.Now().UTC().Add(-time.Duration(n) * time.Minute)
	cycle := []float64{-1, 0, 1}
	for i := 0; i < n; i++ {
		rec := &store.ReadingRecord{
			DeviceID:   deviceID,
			PM25:       20 + cycle[i%3],
			PM10:       45 + cycle[i%3],
			DBA:        62 + cycle[i%3],
			Vibration:  0.08 + cycle[i%3]*0.01,
			RecordedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.InsertReading(context.Background(), rec); err != nil {
			t.Fatalf("InsertReading: %v", err)
		}
	}
}

func TestRunCycleTrainsQualifyingSensors(t *testing.T) {
	data := newTestData(t)
	artifacts := newTestArtifacts(t)
	detector := detect.NewOrchestrator(detect.DefaultConfig())
	auditLog := &stubAudit{}
	seedReadings(t, data, "station-01", 60)

	sched := NewScheduler(DefaultConfig(), data, detector, artifacts, auditLog, zap.NewNop())
	res := sched.RunCycle(context.Background())

	if res.Err != nil {
		t.Fatalf("RunCycle: %v", res.Err)
	}
	if res.Devices != 1 {
		t.Errorf("expected 1 device, got %d", res.Devices)
	}
	if res.Trained != 4 {
		t.Errorf("expected 4 sensors trained, got %d (failed %d, skipped %d)", res.Trained, res.Failed, res.Skipped)
	}
	if res.Failed != 0 {
		t.Errorf("expected 0 failures, got %d", res.Failed)
	}

	key := models.SensorKey("station-01", "pm2_5")
	if !detector.Trained(key) {
		t.Errorf("expected detector trained for %s", key)
	}

	meta, err := data.GetModelMeta(context.Background(), "station-01", "pm2_5")
	if err != nil {
		t.Fatalf("GetModelMeta: %v", err)
	}
	if meta == nil {
		t.Fatal("expected model metadata after training")
	}
	if meta.ModelType != detect.StrategyStatistical {
		t.Errorf("expected statistical model for a short series, got %s", meta.ModelType)
	}
	if meta.ReadingsCount != 60 {
		t.Errorf("expected readings_count 60, got %d", meta.ReadingsCount)
	}
	if meta.Accuracy != 0.85 {
		t.Errorf("expected accuracy 0.85, got %.2f", meta.Accuracy)
	}

	snaps, err := artifacts.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(snaps) != 4 {
		t.Errorf("expected 4 persisted snapshots, got %d", len(snaps))
	}

	if auditLog.cycleStarted != 1 || auditLog.cycleCompleted != 1 {
		t.Errorf("expected 1 started/completed audit event, got %d/%d", auditLog.cycleStarted, auditLog.cycleCompleted)
	}
	if auditLog.lastSensorCount != 4 {
		t.Errorf("expected sensor count 4 in audit event, got %d", auditLog.lastSensorCount)
	}
	if auditLog.modelTrained != 4 {
		t.Errorf("expected 4 model trained audit events, got %d", auditLog.modelTrained)
	}
}

func TestRunCycleIgnoresSparseDevices(t *testing.T) {
	data := newTestData(t)
	detector := detect.NewOrchestrator(detect.DefaultConfig())
	auditLog := &stubAudit{}
	seedReadings(t, data, "station-01", 20) // below the 50-reading minimum

	sched := NewScheduler(DefaultConfig(), data, detector, newTestArtifacts(t), auditLog, zap.NewNop())
	res := sched.RunCycle(context.Background())

	if res.Err != nil {
		t.Fatalf("RunCycle: %v", res.Err)
	}
	if res.Devices != 0 || res.Trained != 0 {
		t.Errorf("expected no qualifying devices, got devices=%d trained=%d", res.Devices, res.Trained)
	}
	if len(detector.Sensors()) != 0 {
		t.Errorf("expected no trained sensors, got %v", detector.Sensors())
	}
}

// failingData simulates a dead reading store.
type failingData struct{}

func (failingData) DevicesWithData(ctx context.Context, since time.Time, min int) ([]string, error) {
	return nil, errors.New("database is locked")
}
func (failingData) FieldValues(ctx context.Context, deviceID, field string, since time.Time, limit int) ([]float64, error) {
	return nil, errors.New("database is locked")
}
func (failingData) UpsertModelMeta(ctx context.Context, rec *store.ModelMetaRecord) error {
	return errors.New("database is locked")
}

func TestRunCycleReportsStoreFailure(t *testing.T) {
	auditLog := &stubAudit{}
	sched := NewScheduler(DefaultConfig(), failingData{}, detect.NewOrchestrator(detect.DefaultConfig()),
		newTestArtifacts(t), auditLog, zap.NewNop())

	res := sched.RunCycle(context.Background())
	if res.Err == nil {
		t.Fatal("expected cycle error when store is unavailable")
	}
	if auditLog.cycleStarted != 0 {
		t.Errorf("expected no cycle started event, got %d", auditLog.cycleStarted)
	}
	if _, _, ok := sched.CycleTimes(); ok {
		t.Error("expected no cycle times after a failed cycle")
	}
}

func TestCycleTimesTracksCompletedCycles(t *testing.T) {
	data := newTestData(t)
	detector := detect.NewOrchestrator(detect.DefaultConfig())
	seedReadings(t, data, "station-01", 60)

	cfg := DefaultConfig()
	sched := NewScheduler(cfg, data, detector, newTestArtifacts(t), &stubAudit{}, zap.NewNop())

	if _, _, ok := sched.CycleTimes(); ok {
		t.Fatal("expected no cycle times before the first cycle")
	}

	before := time.Now().UTC()
	if res := sched.RunCycle(context.Background()); res.Err != nil {
		t.Fatalf("RunCycle: %v", res.Err)
	}

	last, next, ok := sched.CycleTimes()
	if !ok {
		t.Fatal("expected cycle times after a completed cycle")
	}
	if last.Before(before) {
		t.Errorf("last cycle %v predates the run started at %v", last, before)
	}
	if got := next.Sub(last); got != cfg.Interval {
		t.Errorf("expected next cycle one interval after last, got %v", got)
	}
}

// partialData fails one field and serves clean series for the rest.
type partialData struct {
	badField string
}

func (d partialData) DevicesWithData(ctx context.Context, since time.Time, min int) ([]string, error) {
	return []string{"station-01"}, nil
}

func (d partialData) FieldValues(ctx context.Context, deviceID, field string, since time.Time, limit int) ([]float64, error) {
	if field == d.badField {
		return nil, errors.New("corrupt column")
	}
	values := make([]float64, 60)
	cycle := []float64{-1, 0, 1}
	for i := range values {
		values[i] = 50 + cycle[i%3]
	}
	return values, nil
}

func (d partialData) UpsertModelMeta(ctx context.Context, rec *store.ModelMetaRecord) error {
	return nil
}

func TestRunCycleContinuesPastSensorFailure(t *testing.T) {
	auditLog := &stubAudit{}
	detector := detect.NewOrchestrator(detect.DefaultConfig())
	sched := NewScheduler(DefaultConfig(), partialData{badField: "pm2_5"}, detector,
		newTestArtifacts(t), auditLog, zap.NewNop())

	res := sched.RunCycle(context.Background())
	if res.Err != nil {
		t.Fatalf("RunCycle: %v", res.Err)
	}
	if res.Failed != 1 {
		t.Errorf("expected 1 failed sensor, got %d", res.Failed)
	}
	if res.Trained != 3 {
		t.Errorf("expected 3 trained sensors, got %d", res.Trained)
	}
	if auditLog.trainingFailed != 1 {
		t.Errorf("expected 1 training failed audit event, got %d", auditLog.trainingFailed)
	}
	if detector.Trained(models.SensorKey("station-01", "pm2_5")) {
		t.Error("failed sensor should not be trained")
	}
	if !detector.Trained(models.SensorKey("station-01", "dBA")) {
		t.Error("healthy sensor should be trained")
	}
}

func TestRetrainRequestTargetsSingleSensor(t *testing.T) {
	data := newTestData(t)
	detector := detect.NewOrchestrator(detect.DefaultConfig())
	seedReadings(t, data, "station-01", 60)

	sched := NewScheduler(DefaultConfig(), data, detector, newTestArtifacts(t), &stubAudit{}, zap.NewNop())
	sched.(*scheduler).runRequest(context.Background(), retrainRequest{DeviceID: "station-01", SensorType: "dBA"})

	sensors := detector.Sensors()
	if len(sensors) != 1 || sensors[0] != "station-01_dBA" {
		t.Fatalf("expected only station-01_dBA trained, got %v", sensors)
	}

	meta, err := data.GetModelMeta(context.Background(), "station-01", "dBA")
	if err != nil || meta == nil {
		t.Fatalf("expected dBA metadata, got %v err %v", meta, err)
	}
	other, err := data.GetModelMeta(context.Background(), "station-01", "pm2_5")
	if err != nil {
		t.Fatalf("GetModelMeta: %v", err)
	}
	if other != nil {
		t.Errorf("pm2_5 should not have metadata, got %+v", other)
	}
}

func TestRetrainRequestSkipsSparseDevice(t *testing.T) {
	data := newTestData(t)
	detector := detect.NewOrchestrator(detect.DefaultConfig())
	auditLog := &stubAudit{}
	seedReadings(t, data, "station-02", 20)

	sched := NewScheduler(DefaultConfig(), data, detector, newTestArtifacts(t), auditLog, zap.NewNop())
	sched.(*scheduler).runRequest(context.Background(), retrainRequest{DeviceID: "station-02"})

	if len(detector.Sensors()) != 0 {
		t.Errorf("expected no trained sensors, got %v", detector.Sensors())
	}
	if auditLog.modelTrained != 0 {
		t.Errorf("expected no trained audit events, got %d", auditLog.modelTrained)
	}
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = time.Hour // keep the loop quiet during the test

	sched := NewScheduler(cfg, newTestData(t), detect.NewOrchestrator(detect.DefaultConfig()),
		newTestArtifacts(t), &stubAudit{}, zap.NewNop())

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sched.Start(context.Background()); err == nil {
		t.Error("expected error on second Start")
	}

	sched.Stop()
	sched.Stop() // second Stop is a no-op

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start after Stop: %v", err)
	}
	sched.Stop()
}

func TestRetrainNowNeverBlocks(t *testing.T) {
	sched := NewScheduler(DefaultConfig(), newTestData(t), detect.NewOrchestrator(detect.DefaultConfig()),
		newTestArtifacts(t), &stubAudit{}, zap.NewNop())

	// Not started, so nothing drains the queue. Overfilling must not block.
	for i := 0; i < 40; i++ {
		sched.RetrainNow("station-01", "pm2_5")
	}
	if n := len(sched.(*scheduler).kick); n != cap(sched.(*scheduler).kick) {
		t.Errorf("expected full retrain queue, got %d", n)
	}
}

func TestWarmStartRestoresModels(t *testing.T) {
	data := newTestData(t)
	artifacts := newTestArtifacts(t)
	detector := detect.NewOrchestrator(detect.DefaultConfig())
	seedReadings(t, data, "station-01", 60)

	sched := NewScheduler(DefaultConfig(), data, detector, artifacts, &stubAudit{}, zap.NewNop())
	if res := sched.RunCycle(context.Background()); res.Trained != 4 {
		t.Fatalf("expected 4 trained, got %d", res.Trained)
	}

	// A fresh detector picks the models back up from the artifact store.
	fresh := detect.NewOrchestrator(detect.DefaultConfig())
	restored := WarmStart(fresh, artifacts, zap.NewNop())
	if restored != 4 {
		t.Fatalf("expected 4 restored models, got %d", restored)
	}
	for _, field := range models.SensorFields {
		key := models.SensorKey("station-01", field)
		if !fresh.Trained(key) {
			t.Errorf("expected %s trained after warm start", key)
		}
	}
}

// badArtifacts serves one undecodable snapshot.
type badArtifacts struct{}

func (badArtifacts) Save(snap *detect.ModelSnapshot) error { return nil }
func (badArtifacts) LoadAll() ([]*detect.ModelSnapshot, error) {
	return []*detect.ModelSnapshot{
		{SensorKey: "station-01_pm2_5", Strategy: "bogus"},
	}, nil
}

func TestWarmStartSkipsRejectedSnapshots(t *testing.T) {
	detector := detect.NewOrchestrator(detect.DefaultConfig())
	restored := WarmStart(detector, badArtifacts{}, zap.NewNop())
	if restored != 0 {
		t.Errorf("expected 0 restored models, got %d", restored)
	}
	if len(detector.Sensors()) != 0 {
		t.Errorf("expected no sensors, got %v", detector.Sensors())
	}
}
