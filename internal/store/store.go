package store

import (
	"context"
	"fmt"
	"time"
)

// Store is the main persistence interface for the telemetry pipeline.
type Store interface {
	ReadingStore
	AnomalyStore
	ModelMetaStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Reading store ────────────────────────────────────────────────────────────

// ReadingRecord is the DB representation of a validated telemetry reading.
type ReadingRecord struct {
	ID         int64     `json:"id"`
	DeviceID   string    `json:"device_id"`
	PM25       float64   `json:"pm2_5"`
	PM10       float64   `json:"pm10"`
	DBA        float64   `json:"dBA"`
	Vibration  float64   `json:"vibration"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ReadingStore persists telemetry readings and serves the training queries.
type ReadingStore interface {
	// InsertReading stores one validated reading.
	InsertReading(ctx context.Context, rec *ReadingRecord) error

	// RecentReadings returns the newest readings for a device recorded at or
	// after since, capped at limit, ordered oldest first. limit <= 0 means
	// no cap.
	RecentReadings(ctx context.Context, deviceID string, since time.Time, limit int) ([]*ReadingRecord, error)

	// FieldValues returns one sensor field of the newest readings for a
	// device recorded at or after since, capped at limit, ordered oldest
	// first. The field must be one of pm2_5, pm10, dBA, vibration.
	FieldValues(ctx context.Context, deviceID, field string, since time.Time, limit int) ([]float64, error)

	// LatestReadings returns the most recent readings across all devices,
	// newest first.
	LatestReadings(ctx context.Context, limit int) ([]*ReadingRecord, error)

	// DevicesWithData lists devices with at least min readings recorded at or
	// after since, sorted by device ID.
	DevicesWithData(ctx context.Context, since time.Time, min int) ([]string, error)

	// CountReadings returns the total number of stored readings.
	CountReadings(ctx context.Context) (int64, error)
}

// ─── Anomaly store ────────────────────────────────────────────────────────────

// AnomalyRecord is a persisted anomaly from either the threshold rules or the
// model backend.
type AnomalyRecord struct {
	ID            int64     `json:"id"`
	DeviceID      string    `json:"device_id"`
	SensorType    string    `json:"sensor_type"`
	AnomalyType   string    `json:"anomaly_type"`
	Severity      string    `json:"severity"`
	Reason        string    `json:"reason"`
	Value         float64   `json:"value"`
	Threshold     float64   `json:"threshold"`
	Score         float64   `json:"anomaly_score"`
	Confidence    float64   `json:"confidence"`
	Source        string    `json:"source"` // rule | model
	Narrative     string    `json:"narrative,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	DetectedAt    time.Time `json:"detected_at"`
}

// AnomalyQuery filters anomaly queries.
type AnomalyQuery struct {
	DeviceID    string
	SensorType  string
	AnomalyType string
	Severity    string
	Source      string
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

// AnomalyStore persists anomaly history.
type AnomalyStore interface {
	// AppendAnomaly stores a detected anomaly event.
	AppendAnomaly(ctx context.Context, rec *AnomalyRecord) error

	// QueryAnomalies retrieves anomalies with optional filters, newest first.
	QueryAnomalies(ctx context.Context, q AnomalyQuery) ([]*AnomalyRecord, error)

	// AnomalySummary returns count grouped by severity for a time window.
	AnomalySummary(ctx context.Context, from, to time.Time) (map[string]int, error)

	// CountAnomalies returns the total number of stored anomalies.
	CountAnomalies(ctx context.Context) (int64, error)
}

// ─── Model metadata store ─────────────────────────────────────────────────────

// ModelMetaRecord describes the latest training outcome for one sensor model.
// The serialized model state itself lives in the artifact store; this record
// is what the models API reports.
type ModelMetaRecord struct {
	DeviceID      string    `json:"device_id"`
	SensorType    string    `json:"sensor_type"`
	ModelType     string    `json:"model_type"`
	TrainedAt     time.Time `json:"trained_at"`
	Accuracy      float64   `json:"accuracy"`
	ReadingsCount int       `json:"readings_count"`
	LastUpdated   time.Time `json:"last_updated"`
}

// ModelMetaStore persists per-sensor training metadata.
type ModelMetaStore interface {
	// UpsertModelMeta records the outcome of a training run, replacing any
	// previous row for the same device and sensor.
	UpsertModelMeta(ctx context.Context, rec *ModelMetaRecord) error

	// GetModelMeta returns metadata for one sensor model.
	// Returns nil, nil when the sensor has no trained model.
	GetModelMeta(ctx context.Context, deviceID, sensorType string) (*ModelMetaRecord, error)

	// ListModelMeta returns all training metadata, most recently updated first.
	ListModelMeta(ctx context.Context) ([]*ModelMetaRecord, error)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// fieldColumn maps a sensor field name to its readings column. Field names
// arrive from API input, so anything outside the fixed set is rejected rather
// than interpolated into SQL.
func fieldColumn(field string) (string, error) {
	switch field {
	case "pm2_5":
		return "pm2_5", nil
	case "pm10":
		return "pm10", nil
	case "dBA":
		return "dba", nil
	case "vibration":
		return "vibration", nil
	default:
		return "", fmt.Errorf("unknown sensor field %q", field)
	}
}
