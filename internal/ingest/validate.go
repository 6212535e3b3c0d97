package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/airsonde/airsonde/internal/models"
)

// Rejection reasons. These are metric label values, so the set stays small.
const (
	RejectMalformed  = "malformed_json"
	RejectBadValue   = "bad_value"
	RejectMissing    = "missing_field"
	RejectOutOfRange = "out_of_range"
	RejectBadTime    = "bad_timestamp"
)

// RejectError reports why a telemetry payload failed validation.
type RejectError struct {
	Reason string // one of the Reject* constants
	Detail string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// fieldRange is the plausible physical range for one sensor field,
// inclusive at both ends.
type fieldRange struct {
	Min, Max float64
}

var fieldRanges = map[string]fieldRange{
	"pm2_5":     {0, 500}, // µg/m³
	"pm10":      {0, 500}, // µg/m³
	"dBA":       {30, 200},
	"vibration": {0, 100}, // g
}

// wireReading mirrors the telemetry payload with pointer fields so a
// missing key is distinguishable from a zero value.
type wireReading struct {
	Timestamp *string  `json:"timestamp"`
	DeviceID  *string  `json:"device_id"`
	PM25      *float64 `json:"pm2_5"`
	PM10      *float64 `json:"pm10"`
	DBA       *float64 `json:"dBA"`
	Vibration *float64 `json:"vibration"`
}

// timestampLayouts accepted on the wire. Naive timestamps are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// validateMessage parses and validates one raw telemetry payload. Values
// are range-checked as received and then rounded to three decimals. On
// rejection the returned reading carries the fields that did parse, so
// callers can still attribute the drop to a device.
func validateMessage(payload []byte) (models.Reading, *RejectError) {
	var raw wireReading
	if err := json.Unmarshal(payload, &raw); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return models.Reading{}, &RejectError{
				Reason: RejectBadValue,
				Detail: fmt.Sprintf("field %q holds %s, not %s", typeErr.Field, typeErr.Value, typeErr.Type),
			}
		}
		return models.Reading{}, &RejectError{
			Reason: RejectMalformed,
			Detail: err.Error(),
		}
	}

	if raw.Timestamp == nil {
		return models.Reading{}, missingField("timestamp")
	}
	if raw.DeviceID == nil {
		return models.Reading{}, missingField("device_id")
	}

	values := map[string]*float64{
		"pm2_5":     raw.PM25,
		"pm10":      raw.PM10,
		"dBA":       raw.DBA,
		"vibration": raw.Vibration,
	}

	reading := models.Reading{DeviceID: strings.TrimSpace(*raw.DeviceID)}
	if reading.DeviceID == "" {
		return models.Reading{}, &RejectError{
			Reason: RejectMissing,
			Detail: "device_id is empty",
		}
	}

	for _, field := range models.SensorFields {
		v := values[field]
		if v == nil {
			return reading, missingField(field)
		}
		r := fieldRanges[field]
		if *v < r.Min || *v > r.Max {
			return reading, &RejectError{
				Reason: RejectOutOfRange,
				Detail: fmt.Sprintf("%s value %.3f outside [%g, %g]", field, *v, r.Min, r.Max),
			}
		}
		reading.SetValue(field, roundValue(*v))
	}

	ts, err := parseTimestamp(*raw.Timestamp)
	if err != nil {
		return reading, &RejectError{
			Reason: RejectBadTime,
			Detail: err.Error(),
		}
	}
	reading.Timestamp = ts

	return reading, nil
}

func missingField(name string) *RejectError {
	return &RejectError{
		Reason: RejectMissing,
		Detail: fmt.Sprintf("missing required field %q", name),
	}
}

// roundValue truncates sensor noise below three decimals.
func roundValue(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse timestamp %q", s)
}
