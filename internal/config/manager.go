package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// canonicalField restores sensor field spelling after viper lowercases
// map keys read from YAML.
var canonicalField = map[string]string{
	"pm2_5":     "pm2_5",
	"pm10":      "pm10",
	"dba":       "dBA",
	"vibration": "vibration",
}

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	// Initialize viper
	m.viper = viper.New()

	// Set config file path
	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	// Set environment variable prefix
	m.viper.SetEnvPrefix("AIRSONDE")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	m.setDefaults()

	// Try to read config file (optional)
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// File not found via viper - OK, use defaults
		} else if os.IsNotExist(err) {
			// File not found via os - OK, use defaults
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Apply environment variable overrides for sensitive data
	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			// Keep serving the previous config on a bad edit.
			return
		}
		m.applyEnvOverrides()
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.rate_limit_per_min", defaults.Server.RateLimitPerMin)

	// Broker defaults
	m.viper.SetDefault("broker.url", defaults.Broker.URL)
	m.viper.SetDefault("broker.client_id", defaults.Broker.ClientID)
	m.viper.SetDefault("broker.username", defaults.Broker.Username)
	m.viper.SetDefault("broker.password", defaults.Broker.Password)
	m.viper.SetDefault("broker.topic", defaults.Broker.Topic)
	m.viper.SetDefault("broker.qos", defaults.Broker.QoS)
	m.viper.SetDefault("broker.workers", defaults.Broker.Workers)
	m.viper.SetDefault("broker.reconnect_min_delay", defaults.Broker.ReconnectMinDelay)
	m.viper.SetDefault("broker.reconnect_max_delay", defaults.Broker.ReconnectMaxDelay)

	// Storage defaults
	m.viper.SetDefault("storage.driver", defaults.Storage.Driver)
	m.viper.SetDefault("storage.sqlite_path", defaults.Storage.SQLitePath)
	m.viper.SetDefault("storage.clickhouse.addr", defaults.Storage.ClickHouse.Addr)
	m.viper.SetDefault("storage.clickhouse.database", defaults.Storage.ClickHouse.Database)
	m.viper.SetDefault("storage.clickhouse.username", defaults.Storage.ClickHouse.Username)
	m.viper.SetDefault("storage.clickhouse.password", defaults.Storage.ClickHouse.Password)

	// Model store defaults
	m.viper.SetDefault("modelstore.path", defaults.ModelStore.Path)

	// Detection defaults
	m.viper.SetDefault("detection.backend_url", defaults.Detection.BackendURL)
	m.viper.SetDefault("detection.timeout_seconds", defaults.Detection.TimeoutSeconds)
	m.viper.SetDefault("detection.confidence_floor", defaults.Detection.ConfidenceFloor)
	m.viper.SetDefault("detection.min_data_for_advanced", defaults.Detection.MinDataForAdvanced)
	m.viper.SetDefault("detection.auto_select", defaults.Detection.AutoSelect)
	m.viper.SetDefault("detection.ensemble", defaults.Detection.Ensemble)
	for name, w := range defaults.Detection.EnsembleWeights {
		m.viper.SetDefault("detection.ensemble_weights."+name, w)
	}

	// Training defaults
	m.viper.SetDefault("training.interval_seconds", defaults.Training.IntervalSeconds)
	m.viper.SetDefault("training.error_backoff_seconds", defaults.Training.ErrorBackoffSeconds)
	m.viper.SetDefault("training.min_readings", defaults.Training.MinReadings)
	m.viper.SetDefault("training.window_hours", defaults.Training.WindowHours)
	m.viper.SetDefault("training.window_limit", defaults.Training.WindowLimit)

	// Threshold rule defaults
	for field, t := range defaults.Rules.Thresholds {
		key := "rules.thresholds." + field
		m.viper.SetDefault(key+".warning", t.Warning)
		m.viper.SetDefault(key+".critical", t.Critical)
		m.viper.SetDefault(key+".severe", t.Severe)
	}

	// Escalation defaults
	m.viper.SetDefault("escalation.history_limit", defaults.Escalation.HistoryLimit)

	// Generator defaults
	m.viper.SetDefault("generator.devices", defaults.Generator.Devices)
	m.viper.SetDefault("generator.interval_seconds", defaults.Generator.IntervalSeconds)
	m.viper.SetDefault("generator.seed", defaults.Generator.Seed)

	// Narrative defaults
	m.viper.SetDefault("narrative.base_url", defaults.Narrative.BaseURL)
	m.viper.SetDefault("narrative.api_key", defaults.Narrative.APIKey)
	m.viper.SetDefault("narrative.model", defaults.Narrative.Model)
	m.viper.SetDefault("narrative.max_tokens", defaults.Narrative.MaxTokens)
	m.viper.SetDefault("narrative.timeout_seconds", defaults.Narrative.TimeoutSeconds)
	m.viper.SetDefault("narrative.cache_ttl_seconds", defaults.Narrative.CacheTTLSeconds)

	// Notify defaults
	m.viper.SetDefault("notify.alert_url", defaults.Notify.AlertURL)
	m.viper.SetDefault("notify.escalation_url", defaults.Notify.EscalationURL)
	m.viper.SetDefault("notify.emergency_url", defaults.Notify.EmergencyURL)
	m.viper.SetDefault("notify.timeout_seconds", defaults.Notify.TimeoutSeconds)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.dir", defaults.Logging.Dir)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.RateLimitPerMin = m.viper.GetInt("server.rate_limit_per_min")

	// Broker
	cfg.Broker.URL = m.viper.GetString("broker.url")
	cfg.Broker.ClientID = m.viper.GetString("broker.client_id")
	cfg.Broker.Username = m.viper.GetString("broker.username")
	cfg.Broker.Password = m.viper.GetString("broker.password")
	cfg.Broker.Topic = m.viper.GetString("broker.topic")
	cfg.Broker.QoS = m.viper.GetInt("broker.qos")
	cfg.Broker.Workers = m.viper.GetInt("broker.workers")
	cfg.Broker.ReconnectMinDelay = m.viper.GetInt("broker.reconnect_min_delay")
	cfg.Broker.ReconnectMaxDelay = m.viper.GetInt("broker.reconnect_max_delay")

	// Storage
	cfg.Storage.Driver = m.viper.GetString("storage.driver")
	cfg.Storage.SQLitePath = m.viper.GetString("storage.sqlite_path")
	cfg.Storage.ClickHouse.Addr = m.viper.GetString("storage.clickhouse.addr")
	cfg.Storage.ClickHouse.Database = m.viper.GetString("storage.clickhouse.database")
	cfg.Storage.ClickHouse.Username = m.viper.GetString("storage.clickhouse.username")
	cfg.Storage.ClickHouse.Password = m.viper.GetString("storage.clickhouse.password")

	// Model store
	cfg.ModelStore.Path = m.viper.GetString("modelstore.path")

	// Detection
	cfg.Detection.BackendURL = m.viper.GetString("detection.backend_url")
	cfg.Detection.TimeoutSeconds = m.viper.GetInt("detection.timeout_seconds")
	cfg.Detection.ConfidenceFloor = m.viper.GetFloat64("detection.confidence_floor")
	cfg.Detection.MinDataForAdvanced = m.viper.GetInt("detection.min_data_for_advanced")
	cfg.Detection.AutoSelect = m.viper.GetBool("detection.auto_select")
	cfg.Detection.Ensemble = m.viper.GetBool("detection.ensemble")
	cfg.Detection.EnsembleWeights = make(map[string]float64)
	strategies := map[string]bool{}
	for name := range DefaultConfig().Detection.EnsembleWeights {
		strategies[name] = true
	}
	for name := range m.viper.GetStringMap("detection.ensemble_weights") {
		strategies[name] = true
	}
	for name := range strategies {
		cfg.Detection.EnsembleWeights[name] = m.viper.GetFloat64("detection.ensemble_weights." + name)
	}

	// Training
	cfg.Training.IntervalSeconds = m.viper.GetInt("training.interval_seconds")
	cfg.Training.ErrorBackoffSeconds = m.viper.GetInt("training.error_backoff_seconds")
	cfg.Training.MinReadings = m.viper.GetInt("training.min_readings")
	cfg.Training.WindowHours = m.viper.GetInt("training.window_hours")
	cfg.Training.WindowLimit = m.viper.GetInt("training.window_limit")

	// Threshold rules. Viper returns only the topmost layer for a map key,
	// so range over the union of known fields and file-provided fields; the
	// per-leaf lookups still fall back to defaults.
	cfg.Rules.Thresholds = make(map[string]RuleThreshold)
	fields := map[string]bool{}
	for field := range canonicalField {
		fields[field] = true
	}
	for field := range m.viper.GetStringMap("rules.thresholds") {
		fields[field] = true
	}
	for field := range fields {
		key := "rules.thresholds." + field
		name := field
		if canon, ok := canonicalField[field]; ok {
			name = canon
		}
		cfg.Rules.Thresholds[name] = RuleThreshold{
			Warning:  m.viper.GetFloat64(key + ".warning"),
			Critical: m.viper.GetFloat64(key + ".critical"),
			Severe:   m.viper.GetFloat64(key + ".severe"),
		}
	}

	// Escalation
	cfg.Escalation.HistoryLimit = m.viper.GetInt("escalation.history_limit")

	// Generator
	cfg.Generator.Devices = m.viper.GetStringSlice("generator.devices")
	cfg.Generator.IntervalSeconds = m.viper.GetInt("generator.interval_seconds")
	cfg.Generator.Seed = m.viper.GetInt64("generator.seed")

	// Narrative
	cfg.Narrative.BaseURL = m.viper.GetString("narrative.base_url")
	cfg.Narrative.APIKey = m.viper.GetString("narrative.api_key")
	cfg.Narrative.Model = m.viper.GetString("narrative.model")
	cfg.Narrative.MaxTokens = m.viper.GetInt("narrative.max_tokens")
	cfg.Narrative.TimeoutSeconds = m.viper.GetInt("narrative.timeout_seconds")
	cfg.Narrative.CacheTTLSeconds = m.viper.GetInt("narrative.cache_ttl_seconds")

	// Notify
	cfg.Notify.AlertURL = m.viper.GetString("notify.alert_url")
	cfg.Notify.EscalationURL = m.viper.GetString("notify.escalation_url")
	cfg.Notify.EmergencyURL = m.viper.GetString("notify.emergency_url")
	cfg.Notify.TimeoutSeconds = m.viper.GetInt("notify.timeout_seconds")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.Dir = m.viper.GetString("logging.dir")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")

	m.config = cfg
	return nil
}

// applyEnvOverrides applies environment variable overrides for sensitive data.
func (m *viperConfigManager) applyEnvOverrides() {
	// Narrative API key from environment
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		m.config.Narrative.APIKey = apiKey
	}

	// Broker credentials from environment
	if password := os.Getenv("MQTT_PASSWORD"); password != "" {
		m.config.Broker.Password = password
	}

	// ClickHouse password from environment
	if password := os.Getenv("CLICKHOUSE_PASSWORD"); password != "" {
		m.config.Storage.ClickHouse.Password = password
	}
}
