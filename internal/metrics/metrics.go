package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Telemetry pipeline metrics for production monitoring
var (
	// Ingest metrics
	ReadingsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airsonde_readings_received_total",
			Help: "Total number of telemetry messages received from the broker",
		},
		[]string{"device_id"},
	)

	ReadingsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airsonde_readings_rejected_total",
			Help: "Total number of telemetry messages dropped by validation",
		},
		[]string{"reason"},
	)

	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airsonde_pipeline_duration_seconds",
			Help:    "End-to-end pipeline duration per message in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"outcome"}, // outcome: clean/anomalous/rejected/failed
	)

	MessagesAcked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "airsonde_messages_acked_total",
			Help: "Total number of broker messages acknowledged",
		},
	)

	MessagesNacked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "airsonde_messages_nacked_total",
			Help: "Total number of broker messages returned for redelivery",
		},
	)

	// Detection metrics
	PredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airsonde_predictions_total",
			Help: "Total number of per-sensor predictions",
		},
		[]string{"strategy", "category"},
	)

	DetectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airsonde_detection_duration_seconds",
			Help:    "Detection request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"mode"}, // mode: single/ensemble
	)

	BackendDegraded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "airsonde_backend_degraded_total",
			Help: "Total number of readings processed rule-only because the detection backend was unavailable",
		},
	)

	// Training metrics
	TrainingCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airsonde_training_cycles_total",
			Help: "Total number of training cycles",
		},
		[]string{"status"}, // status: completed/failed
	)

	ModelsTrained = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airsonde_models_trained_total",
			Help: "Total number of per-sensor models trained",
		},
		[]string{"model_type", "status"},
	)

	TrainingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airsonde_training_duration_seconds",
			Help:    "Training cycle duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"model_type"},
	)

	// Escalation metrics
	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airsonde_anomalies_detected_total",
			Help: "Total number of anomalies that entered the escalation ladder",
		},
		[]string{"sensor_field", "severity", "source"}, // source: rule/model
	)

	ActionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airsonde_actions_executed_total",
			Help: "Total number of escalation ladder actions",
		},
		[]string{"action", "status"},
	)

	// Storage metrics
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airsonde_store_errors_total",
			Help: "Total number of persistence failures",
		},
		[]string{"operation"},
	)

	FallbackRetained = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "airsonde_fallback_retained",
			Help: "Entries currently held in volatile fallback retention",
		},
		[]string{"kind"}, // kind: readings/anomalies
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "airsonde_websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airsonde_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction"}, // direction: inbound/outbound
	)

	// Broker client metrics
	BrokerConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "airsonde_broker_connected",
			Help: "Whether the MQTT broker connection is up (1=connected, 0=disconnected)",
		},
	)

	BrokerReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "airsonde_broker_reconnects_total",
			Help: "Total number of MQTT reconnection attempts",
		},
	)
)
