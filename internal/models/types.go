package models

// Package models defines core data types used throughout airsonde.
//
// These types are shared between the ingest pipeline, the detection
// backend, the training scheduler, and the escalation dispatcher.

import (
	"fmt"
	"time"
)

// ─── Categories ───────────────────────────────────────────────────────────────

// Category classifies a single sensor prediction.
type Category string

const (
	CategoryNormal Category = "normal"
	CategoryNoise  Category = "noise"
	CategoryDrift  Category = "drift"
	CategoryAlert  Category = "alert"
)

// CategoryRank orders categories by severity for overall assessment.
// alert > drift > noise > normal.
func CategoryRank(c Category) int {
	switch c {
	case CategoryAlert:
		return 3
	case CategoryDrift:
		return 2
	case CategoryNoise:
		return 1
	default:
		return 0
	}
}

// ─── Severities ───────────────────────────────────────────────────────────────

// Severity grades a detected anomaly for escalation purposes.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityRank orders severities. critical > high > medium > low.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// CategorySeverity maps a model prediction category to an escalation severity.
// Normal predictions carry no severity.
func CategorySeverity(c Category) Severity {
	switch c {
	case CategoryAlert:
		return SeverityCritical
	case CategoryDrift:
		return SeverityMedium
	case CategoryNoise:
		return SeverityLow
	default:
		return ""
	}
}

// ─── Sensor readings ──────────────────────────────────────────────────────────

// SensorFields are the monitored fields of a telemetry reading, in wire order.
var SensorFields = []string{"pm2_5", "pm10", "dBA", "vibration"}

// Reading is a single telemetry message from a field device.
type Reading struct {
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	PM25      float64   `json:"pm2_5"`
	PM10      float64   `json:"pm10"`
	DBA       float64   `json:"dBA"`
	Vibration float64   `json:"vibration"`
}

// Value returns the named sensor field of the reading.
func (r Reading) Value(field string) (float64, bool) {
	switch field {
	case "pm2_5":
		return r.PM25, true
	case "pm10":
		return r.PM10, true
	case "dBA":
		return r.DBA, true
	case "vibration":
		return r.Vibration, true
	default:
		return 0, false
	}
}

// SetValue overwrites the named sensor field of the reading.
func (r *Reading) SetValue(field string, v float64) bool {
	switch field {
	case "pm2_5":
		r.PM25 = v
	case "pm10":
		r.PM10 = v
	case "dBA":
		r.DBA = v
	case "vibration":
		r.Vibration = v
	default:
		return false
	}
	return true
}

// Values returns all sensor fields of the reading keyed by field name.
func (r Reading) Values() map[string]float64 {
	return map[string]float64{
		"pm2_5":     r.PM25,
		"pm10":      r.PM10,
		"dBA":       r.DBA,
		"vibration": r.Vibration,
	}
}

// SensorKey builds the per-sensor model key: "<device_id>_<field>".
func SensorKey(deviceID, field string) string {
	return fmt.Sprintf("%s_%s", deviceID, field)
}

// ─── Predictions ──────────────────────────────────────────────────────────────

// Prediction is the output of a detection strategy for one sensor value.
type Prediction struct {
	Category     Category               `json:"category"`
	Confidence   float64                `json:"confidence"`
	AnomalyScore float64                `json:"anomaly_score"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// ─── Anomalies ────────────────────────────────────────────────────────────────

// Anomaly sources.
const (
	SourceRule  = "rule"
	SourceModel = "model"
)

// Anomaly types.
const (
	AnomalyTypeThreshold = "threshold"    // fixed rule tier crossed
	AnomalyTypeModel     = "ml_detection" // per-sensor model verdict
	AnomalyTypeOverall   = "ml_overall"   // combined assessment across sensors
)

// Anomaly is a single detected anomaly, from either the threshold rules or
// the model backend.
type Anomaly struct {
	DeviceID    string    `json:"device_id"`
	SensorType  string    `json:"sensor_type"`
	AnomalyType string    `json:"anomaly_type"`
	Severity    Severity  `json:"severity"`
	Reason      string    `json:"reason"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold,omitempty"`
	Score       float64   `json:"anomaly_score"`
	Confidence  float64   `json:"confidence"`
	Source      string    `json:"source"`
	Reading     Reading   `json:"reading"`
	DetectedAt  time.Time `json:"detected_at"`
}
