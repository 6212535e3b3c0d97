package audit

import "time"

// EventType represents the type of audit event
type EventType string

const (
	// Telemetry events
	EventTelemetryRejected EventType = "telemetry.rejected"

	// Detection events
	EventAnomalyDetected    EventType = "anomaly.detected"
	EventDetectionDegraded  EventType = "detection.degraded"
	EventDetectionRecovered EventType = "detection.recovered"

	// Escalation events
	EventActionExecuted EventType = "action.executed"
	EventActionFailed   EventType = "action.failed"

	// Training events
	EventTrainingCycleStarted   EventType = "training.cycle_started"
	EventTrainingCycleCompleted EventType = "training.cycle_completed"
	EventModelTrained           EventType = "training.model_trained"
	EventModelTrainingFailed    EventType = "training.model_failed"

	// Configuration events
	EventConfigLoaded  EventType = "config.loaded"
	EventConfigChanged EventType = "config.changed"

	// System events
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
)

// Result represents the outcome of an audited action
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
	ResultDenied  Result = "denied"
)

// Event represents a single audit event
type Event struct {
	// Core fields
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	// Device information
	DeviceID    string `json:"device_id,omitempty"`
	SensorField string `json:"sensor_field,omitempty"`

	// Action details
	Action      string                 `json:"action,omitempty"`
	Severity    string                 `json:"severity,omitempty"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	// Error information
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	// Duration tracking
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
		Metadata:  make(map[string]interface{}),
	}
}

// WithCorrelationID sets the correlation ID for event tracking
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithDevice sets the device and sensor field being acted upon
func (e *Event) WithDevice(deviceID, sensorField string) *Event {
	e.DeviceID = deviceID
	e.SensorField = sensorField
	return e
}

// WithAction sets the action being performed
func (e *Event) WithAction(action string) *Event {
	e.Action = action
	return e
}

// WithSeverity sets the anomaly severity attached to the event
func (e *Event) WithSeverity(severity string) *Event {
	e.Severity = severity
	return e
}

// WithDescription sets a human-readable description
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithResult sets the result of the event
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError sets error information
func (e *Event) WithError(err error, code string) *Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorCode = code
		e.Result = ResultFailure
	}
	return e
}

// WithDuration sets the duration in milliseconds
func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}
