package contracts

// Package contracts defines the broker contract shared between airsonde and
// the field devices publishing telemetry.
//
// Devices publish one JSON document per reading to their device topic. The
// ingest consumer subscribes with a single-level wildcard and acknowledges
// each message only after the pipeline has finished with it.

const (
	// TelemetryTopicPrefix is the root of the device telemetry namespace.
	// Devices publish to TelemetryTopicPrefix + "/<device_id>".
	TelemetryTopicPrefix = "telemetry"

	// TelemetryTopicFilter is the subscription filter for the ingest consumer.
	TelemetryTopicFilter = "telemetry/+"

	// TelemetryQoS is the delivery guarantee for telemetry messages.
	// At-least-once: an unacknowledged message is redelivered on reconnect.
	TelemetryQoS = 1
)

// TelemetryMessage is the JSON payload published per reading.
type TelemetryMessage struct {
	Timestamp string  `json:"timestamp"` // ISO-8601
	DeviceID  string  `json:"device_id"`
	PM25      float64 `json:"pm2_5"`
	PM10      float64 `json:"pm10"`
	DBA       float64 `json:"dBA"`
	Vibration float64 `json:"vibration"`
}

// DeviceTopic returns the publish topic for a device.
func DeviceTopic(deviceID string) string {
	return TelemetryTopicPrefix + "/" + deviceID
}
