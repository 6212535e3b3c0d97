package config

import "context"

// Package config provides configuration management for airsonde.
//
// Responsibilities:
//   - Load configuration from YAML files and environment variables
//   - Validate configuration on startup
//   - Provide runtime access to all configuration
//   - Support configuration reloading (for some settings)
//   - Manage sensitive data (API keys, credentials)
//   - Establish reasonable defaults
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (AIRSONDE_* prefix)
//   2. YAML config file (default: configs/airsonde.yaml)
//   3. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Server
//      - port: Detection API listen port (default 8090)
//      - allowed_origins: Origins permitted to open WebSocket connections
//
//   2. Broker
//      - url: MQTT broker URL (default tcp://localhost:1883)
//      - topic: Telemetry subscription filter
//      - qos: Delivery guarantee (default 1)
//      - workers: Concurrent pipeline workers
//
//   3. Storage
//      - driver: "sqlite" | "clickhouse"
//      - sqlite_path: Path to SQLite file
//      - clickhouse.*: ClickHouse connection settings
//
//   4. Model store
//      - path: Path to the bbolt artifact file
//
//   5. Detection
//      - backend_url: Detection API base URL used by the consumer
//      - confidence_floor: Predictions below this are coerced to normal
//      - min_data_for_advanced: Below this the baseline strategy is forced
//      - ensemble: Combine all trained strategies per sensor
//      - ensemble_weights: Per-strategy vote weight
//
//   6. Training
//      - interval_seconds: Pause between scheduled training cycles
//      - min_readings: Sensors below this reading count are skipped
//      - window_hours / window_limit: Recent-data window per sensor
//
//   7. Rules
//      - thresholds: Per-field warning/critical/severe cutoffs (reloadable)
//
//   8. Narrative
//      - base_url, model, api_key: Chat-completion endpoint for anomaly
//        summaries; leaving api_key empty disables the feature
//
//   9. Notify
//      - alert_url / escalation_url / emergency_url: Webhook receivers
//
//  10. Generator
//      - devices: Device IDs the synthetic publisher simulates
//      - interval_seconds: Pause between readings per device
//
//  11. Logging
//      - level: "debug" | "info" | "warn" | "error"
//      - format: "json" | "text"
//      - dir: Log directory for rotated app and audit logs

// RuleThreshold holds the three escalation cutoffs for one sensor field.
// A value is anomalous when it exceeds a cutoff; the highest exceeded
// tier wins.
type RuleThreshold struct {
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
	Severe   float64 `json:"severe"`
}

// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Port int
		// AllowedOrigins is a list of origins permitted to open WebSocket
		// connections. Use ["*"] to allow any origin (development only).
		AllowedOrigins []string
		// RateLimitPerMin caps API requests per client per minute.
		// Zero disables rate limiting.
		RateLimitPerMin int
	}

	// Broker configuration
	Broker struct {
		URL               string
		ClientID          string
		Username          string
		Password          string
		Topic             string
		QoS               int
		Workers           int
		ReconnectMinDelay int // seconds
		ReconnectMaxDelay int // seconds
	}

	// Storage configuration
	Storage struct {
		Driver     string // sqlite | clickhouse
		SQLitePath string
		ClickHouse struct {
			Addr     string
			Database string
			Username string
			Password string
		}
	}

	// Model artifact store configuration
	ModelStore struct {
		Path string
	}

	// Detection configuration
	Detection struct {
		BackendURL         string
		TimeoutSeconds     int
		ConfidenceFloor    float64
		MinDataForAdvanced int
		AutoSelect         bool
		Ensemble           bool
		EnsembleWeights    map[string]float64
	}

	// Training configuration
	Training struct {
		IntervalSeconds     int
		ErrorBackoffSeconds int
		MinReadings         int
		WindowHours         int
		WindowLimit         int
	}

	// Threshold rule configuration
	Rules struct {
		Thresholds map[string]RuleThreshold
	}

	// Escalation configuration
	Escalation struct {
		HistoryLimit int
	}

	// Generator (synthetic telemetry) configuration
	Generator struct {
		Devices         []string
		IntervalSeconds int
		// Seed fixes the random streams for reproducible runs. Zero
		// seeds from the clock.
		Seed int64
	}

	// Narrative (LLM summary) configuration
	Narrative struct {
		BaseURL         string
		APIKey          string
		Model           string
		MaxTokens       int
		TimeoutSeconds  int
		CacheTTLSeconds int
	}

	// Notification webhook configuration
	Notify struct {
		AlertURL       string
		EscalationURL  string
		EmergencyURL   string
		TimeoutSeconds int
	}

	// Logging configuration
	Logging struct {
		Level      string
		Format     string
		Dir        string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources (selective settings).
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("configs/airsonde.yaml")
}
