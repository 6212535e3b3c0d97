package types

// Package types defines public API types served by the airsonde detection API.
//
// These types define the REST API contracts.

import "time"

// Request types

// DetectRequest submits one telemetry reading for anomaly detection.
// Sensor fields left at zero are still scored; a field device that does not
// carry a sensor reports nothing for it and the ingest layer rejects the
// reading before it reaches this API.
type DetectRequest struct {
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	PM25      float64   `json:"pm2_5"`
	PM10      float64   `json:"pm10"`
	DBA       float64   `json:"dBA"`
	Vibration float64   `json:"vibration"`
}

// RetrainRequest triggers out-of-band retraining for a single sensor.
type RetrainRequest struct {
	DeviceID   string `json:"device_id"`
	SensorType string `json:"sensor_type"`
}

// Response types

// SensorAnomaly is the detection verdict for a single sensor field.
type SensorAnomaly struct {
	SensorType   string                 `json:"sensor_type"`
	Category     string                 `json:"category"` // normal | noise | drift | alert
	Confidence   float64                `json:"confidence"`
	AnomalyScore float64                `json:"anomaly_score"`
	Reason       string                 `json:"reason"`
	Details      map[string]interface{} `json:"details"`
}

// Correlation reports a cross-sensor pattern in a single reading.
type Correlation struct {
	Type             string   `json:"type"` // "cross_sensor"
	Sensors          []string `json:"sensors"`
	CorrelationScore float64  `json:"correlation_score"`
	Description      string   `json:"description"`
}

// DetectResponse is the full detection result for one reading.
type DetectResponse struct {
	Anomalies         []SensorAnomaly `json:"anomalies"`
	Correlations      []Correlation   `json:"correlations"`
	OverallAssessment string          `json:"overall_assessment"` // normal | noise | drift | alert
	OverallConfidence float64         `json:"overall_confidence"`
	ProcessingTime    float64         `json:"processing_time"`
}

// ModelInfo describes a trained per-sensor model.
type ModelInfo struct {
	DeviceID      string     `json:"device_id"`
	SensorType    string     `json:"sensor_type"`
	ModelType     string     `json:"model_type"`
	TrainedAt     *time.Time `json:"trained_at,omitempty"`
	Accuracy      float64    `json:"accuracy"`
	ReadingsCount int        `json:"readings_count"`
	LastUpdated   *time.Time `json:"last_updated,omitempty"`
}

// RetrainResponse acknowledges an asynchronous retrain trigger.
type RetrainResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"` // always "scheduled"
}

// AnomalyItem is a persisted anomaly as listed by the API.
type AnomalyItem struct {
	ID          int64     `json:"id"`
	DeviceID    string    `json:"device_id"`
	SensorField string    `json:"sensor_field"`
	AnomalyType string    `json:"anomaly_type"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	Severity    string    `json:"severity"`
	Narrative   string    `json:"narrative,omitempty"`
	DetectedAt  time.Time `json:"detected_at"`
}

// ReadingItem is a persisted telemetry reading as listed by the API.
type ReadingItem struct {
	ID         int64     `json:"id"`
	DeviceID   string    `json:"device_id"`
	PM25       float64   `json:"pm2_5"`
	PM10       float64   `json:"pm10"`
	DBA        float64   `json:"dBA"`
	Vibration  float64   `json:"vibration"`
	RecordedAt time.Time `json:"recorded_at"`
}

// StatsResponse contains service statistics.
type StatsResponse struct {
	Status            string         `json:"status"`
	UptimeSeconds     float64        `json:"uptime_seconds"`
	ModelsTrained     int            `json:"models_trained"`
	ReadingsStored    int64          `json:"readings_stored"`
	AnomaliesStored   int64          `json:"anomalies_stored"`
	RecentBySeverity  map[string]int `json:"recent_by_severity,omitempty"`
	LastTraining      *time.Time     `json:"last_training,omitempty"`
	NextTraining      *time.Time     `json:"next_training,omitempty"`
	DatabaseConnected bool           `json:"database_connected"`
}

// ErrorResponse standard error response.
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}
