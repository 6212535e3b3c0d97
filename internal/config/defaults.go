package config

import "github.com/airsonde/airsonde/pkg/contracts"

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8090
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Server.RateLimitPerMin = 300

	// Broker defaults
	cfg.Broker.URL = "tcp://localhost:1883"
	cfg.Broker.ClientID = "airsonde-consumer"
	cfg.Broker.Username = ""
	cfg.Broker.Password = ""
	cfg.Broker.Topic = contracts.TelemetryTopicFilter
	cfg.Broker.QoS = contracts.TelemetryQoS
	cfg.Broker.Workers = 4
	cfg.Broker.ReconnectMinDelay = 1
	cfg.Broker.ReconnectMaxDelay = 60

	// Storage defaults
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.SQLitePath = "data/airsonde.db"
	cfg.Storage.ClickHouse.Addr = "localhost:9000"
	cfg.Storage.ClickHouse.Database = "airsonde"
	cfg.Storage.ClickHouse.Username = "default"
	cfg.Storage.ClickHouse.Password = ""

	// Model store defaults
	cfg.ModelStore.Path = "data/models.db"

	// Detection defaults
	cfg.Detection.BackendURL = "http://localhost:8090"
	cfg.Detection.TimeoutSeconds = 10
	cfg.Detection.ConfidenceFloor = 0.5
	cfg.Detection.MinDataForAdvanced = 200
	cfg.Detection.AutoSelect = true
	cfg.Detection.Ensemble = false
	cfg.Detection.EnsembleWeights = map[string]float64{
		"statistical":   0.3,
		"decomposition": 0.4,
		"sequence":      0.3,
	}

	// Training defaults
	cfg.Training.IntervalSeconds = 1800
	cfg.Training.ErrorBackoffSeconds = 60
	cfg.Training.MinReadings = 50
	cfg.Training.WindowHours = 24
	cfg.Training.WindowLimit = 1000

	// Threshold rule defaults
	cfg.Rules.Thresholds = map[string]RuleThreshold{
		"pm2_5":     {Warning: 45, Critical: 70, Severe: 150},
		"pm10":      {Warning: 80, Critical: 150, Severe: 300},
		"dBA":       {Warning: 80, Critical: 95, Severe: 120},
		"vibration": {Warning: 0.3, Critical: 0.4, Severe: 0.5},
	}

	// Escalation defaults
	cfg.Escalation.HistoryLimit = 100

	// Generator defaults
	cfg.Generator.Devices = []string{"station-01", "station-02"}
	cfg.Generator.IntervalSeconds = 5
	cfg.Generator.Seed = 0 // seed from the clock

	// Narrative defaults
	cfg.Narrative.BaseURL = "https://api.openai.com/v1"
	cfg.Narrative.APIKey = "" // empty disables narratives
	cfg.Narrative.Model = "gpt-4o-mini"
	cfg.Narrative.MaxTokens = 120
	cfg.Narrative.TimeoutSeconds = 15
	cfg.Narrative.CacheTTLSeconds = 300

	// Notify defaults
	cfg.Notify.AlertURL = ""
	cfg.Notify.EscalationURL = ""
	cfg.Notify.EmergencyURL = ""
	cfg.Notify.TimeoutSeconds = 5

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.Dir = "logs"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30

	return cfg
}
