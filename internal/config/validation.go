package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	// Validate broker configuration
	if c.Broker.URL == "" {
		errs = append(errs, &ValidationError{
			Field:   "broker.url",
			Message: "broker URL is required",
		})
	} else {
		validSchemes := []string{"tcp://", "ssl://", "ws://", "wss://"}
		ok := false
		for _, s := range validSchemes {
			if strings.HasPrefix(c.Broker.URL, s) {
				ok = true
				break
			}
		}
		if !ok {
			errs = append(errs, &ValidationError{
				Field:   "broker.url",
				Message: fmt.Sprintf("invalid broker URL scheme in %q, must be one of: tcp, ssl, ws, wss", c.Broker.URL),
			})
		}
	}

	if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
		errs = append(errs, &ValidationError{
			Field:   "broker.qos",
			Message: fmt.Sprintf("qos must be 0, 1 or 2, got %d", c.Broker.QoS),
		})
	}

	if c.Broker.Workers < 1 {
		errs = append(errs, &ValidationError{
			Field:   "broker.workers",
			Message: fmt.Sprintf("workers must be at least 1, got %d", c.Broker.Workers),
		})
	}

	if c.Broker.ReconnectMinDelay < 1 || c.Broker.ReconnectMaxDelay < c.Broker.ReconnectMinDelay {
		errs = append(errs, &ValidationError{
			Field:   "broker.reconnect_max_delay",
			Message: fmt.Sprintf("reconnect delays must satisfy 1 <= min <= max, got min=%d max=%d",
				c.Broker.ReconnectMinDelay, c.Broker.ReconnectMaxDelay),
		})
	}

	// Validate storage configuration
	validDrivers := map[string]bool{
		"sqlite":     true,
		"clickhouse": true,
	}
	if !validDrivers[c.Storage.Driver] {
		errs = append(errs, &ValidationError{
			Field:   "storage.driver",
			Message: fmt.Sprintf("invalid storage driver '%s', must be one of: sqlite, clickhouse", c.Storage.Driver),
		})
	}

	if c.Storage.SQLitePath == "" {
		// Model metadata always lives in SQLite, even with the clickhouse driver.
		errs = append(errs, &ValidationError{
			Field:   "storage.sqlite_path",
			Message: "sqlite_path is required",
		})
	}

	if c.Storage.Driver == "clickhouse" {
		if c.Storage.ClickHouse.Addr == "" {
			errs = append(errs, &ValidationError{
				Field:   "storage.clickhouse.addr",
				Message: "clickhouse addr is required when storage driver is clickhouse",
			})
		} else if _, _, err := net.SplitHostPort(c.Storage.ClickHouse.Addr); err != nil {
			errs = append(errs, &ValidationError{
				Field:   "storage.clickhouse.addr",
				Message: fmt.Sprintf("invalid address format (expected host:port): %v", err),
			})
		}
		if c.Storage.ClickHouse.Database == "" {
			errs = append(errs, &ValidationError{
				Field:   "storage.clickhouse.database",
				Message: "clickhouse database is required when storage driver is clickhouse",
			})
		}
	}

	// Validate model store configuration
	if c.ModelStore.Path == "" {
		errs = append(errs, &ValidationError{
			Field:   "modelstore.path",
			Message: "model store path is required",
		})
	}

	// Validate detection configuration
	if c.Detection.BackendURL == "" {
		errs = append(errs, &ValidationError{
			Field:   "detection.backend_url",
			Message: "detection backend URL is required",
		})
	} else if u, err := url.Parse(c.Detection.BackendURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, &ValidationError{
			Field:   "detection.backend_url",
			Message: fmt.Sprintf("invalid backend URL: %s", c.Detection.BackendURL),
		})
	}

	if c.Detection.TimeoutSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "detection.timeout_seconds",
			Message: fmt.Sprintf("timeout must be at least 1 second, got %d", c.Detection.TimeoutSeconds),
		})
	}

	if c.Detection.ConfidenceFloor < 0 || c.Detection.ConfidenceFloor > 1 {
		errs = append(errs, &ValidationError{
			Field:   "detection.confidence_floor",
			Message: fmt.Sprintf("confidence_floor must be between 0 and 1, got %.2f", c.Detection.ConfidenceFloor),
		})
	}

	if c.Detection.MinDataForAdvanced < 0 {
		errs = append(errs, &ValidationError{
			Field:   "detection.min_data_for_advanced",
			Message: fmt.Sprintf("min_data_for_advanced cannot be negative, got %d", c.Detection.MinDataForAdvanced),
		})
	}

	for name, w := range c.Detection.EnsembleWeights {
		if w < 0 {
			errs = append(errs, &ValidationError{
				Field:   "detection.ensemble_weights." + name,
				Message: fmt.Sprintf("ensemble weight cannot be negative, got %.2f", w),
			})
		}
	}

	// Validate training configuration
	if c.Training.IntervalSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "training.interval_seconds",
			Message: fmt.Sprintf("interval must be at least 1 second, got %d", c.Training.IntervalSeconds),
		})
	}

	if c.Training.ErrorBackoffSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "training.error_backoff_seconds",
			Message: fmt.Sprintf("error backoff must be at least 1 second, got %d", c.Training.ErrorBackoffSeconds),
		})
	}

	if c.Training.MinReadings < 1 {
		errs = append(errs, &ValidationError{
			Field:   "training.min_readings",
			Message: fmt.Sprintf("min_readings must be at least 1, got %d", c.Training.MinReadings),
		})
	}

	if c.Training.WindowHours < 1 {
		errs = append(errs, &ValidationError{
			Field:   "training.window_hours",
			Message: fmt.Sprintf("window_hours must be at least 1, got %d", c.Training.WindowHours),
		})
	}

	if c.Training.WindowLimit < 1 {
		errs = append(errs, &ValidationError{
			Field:   "training.window_limit",
			Message: fmt.Sprintf("window_limit must be at least 1, got %d", c.Training.WindowLimit),
		})
	}

	// Validate threshold rules
	if len(c.Rules.Thresholds) == 0 {
		errs = append(errs, &ValidationError{
			Field:   "rules.thresholds",
			Message: "at least one sensor threshold rule is required",
		})
	}
	for field, t := range c.Rules.Thresholds {
		if !(t.Warning < t.Critical && t.Critical < t.Severe) {
			errs = append(errs, &ValidationError{
				Field:   "rules.thresholds." + field,
				Message: fmt.Sprintf("thresholds must satisfy warning < critical < severe, got %.2f/%.2f/%.2f",
					t.Warning, t.Critical, t.Severe),
			})
		}
	}

	// Validate escalation configuration
	if c.Escalation.HistoryLimit < 1 {
		errs = append(errs, &ValidationError{
			Field:   "escalation.history_limit",
			Message: fmt.Sprintf("history_limit must be at least 1, got %d", c.Escalation.HistoryLimit),
		})
	}

	// Validate narrative configuration. A missing API key disables the
	// feature rather than failing validation.
	if c.Narrative.APIKey != "" {
		if c.Narrative.BaseURL == "" {
			errs = append(errs, &ValidationError{
				Field:   "narrative.base_url",
				Message: "base_url is required when narrative api_key is set",
			})
		}
		if c.Narrative.Model == "" {
			errs = append(errs, &ValidationError{
				Field:   "narrative.model",
				Message: "model is required when narrative api_key is set",
			})
		}
	}

	if c.Narrative.TimeoutSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "narrative.timeout_seconds",
			Message: fmt.Sprintf("timeout must be at least 1 second, got %d", c.Narrative.TimeoutSeconds),
		})
	}

	// Validate notify configuration
	if c.Notify.TimeoutSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "notify.timeout_seconds",
			Message: fmt.Sprintf("timeout must be at least 1 second, got %d", c.Notify.TimeoutSeconds),
		})
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, text", c.Logging.Format),
		})
	}

	return errs
}
