package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// LogTelemetry logs ingest outcomes
	LogTelemetryRejected(ctx context.Context, correlationID, deviceID, reason string) error

	// LogDetection logs detection outcomes
	LogAnomalyDetected(ctx context.Context, correlationID, deviceID, sensorField, anomalyType, severity string) error
	LogDetectionDegraded(ctx context.Context, correlationID string, err error) error

	// LogEscalation logs ladder action outcomes
	LogActionExecuted(ctx context.Context, correlationID, action, deviceID string, duration time.Duration) error
	LogActionFailed(ctx context.Context, correlationID, action, deviceID string, err error) error

	// LogTraining logs training lifecycle events
	LogTrainingCycleStarted(ctx context.Context, correlationID string, sensorCount int) error
	LogTrainingCycleCompleted(ctx context.Context, correlationID string, trained, failed int, duration time.Duration) error
	LogModelTrained(ctx context.Context, correlationID, deviceID, sensorField, modelType string, readings int) error
	LogModelTrainingFailed(ctx context.Context, correlationID, deviceID, sensorField string, err error) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// AppLogPath is the path to the application log file
	AppLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// LogLevel is the minimum log level (debug, info, warn, error)
	LogLevel string
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		AppLogPath:   "logs/app.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
		LogLevel:     "info",
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
}

// NewLogger creates a new audit logger
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	// Parse log level
	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}

	// Create encoder config
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	// Create application logger with rotation
	appRotator := &lumberjack.Logger{
		Filename:   config.AppLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	appCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(appRotator),
		level,
	)

	appLogger := zap.New(appCore, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	// Create audit logger with rotation (always INFO level, append-only)
	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(auditRotator),
		zapcore.InfoLevel, // Audit logs are always INFO level
	)

	auditZapLogger := zap.New(auditCore)

	// Create the logger instance
	logger := &auditLogger{
		appLogger:   appLogger,
		auditLogger: auditZapLogger,
		config:      config,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	// Start auto-flush goroutine
	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Add to buffer
	l.buffer = append(l.buffer, event)

	// Flush if buffer is full
	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	// Write all buffered events
	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	// Clear buffer
	l.buffer = l.buffer[:0]

	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogTelemetryRejected logs a reading dropped by validation
func (l *auditLogger) LogTelemetryRejected(ctx context.Context, correlationID, deviceID, reason string) error {
	event := NewEvent(EventTelemetryRejected).
		WithCorrelationID(correlationID).
		WithDevice(deviceID, "").
		WithResult(ResultDenied).
		WithMetadata("reason", reason).
		WithDescription(fmt.Sprintf("Telemetry from %s rejected: %s", deviceID, reason))

	return l.Log(ctx, event)
}

// LogAnomalyDetected logs a confirmed anomaly
func (l *auditLogger) LogAnomalyDetected(ctx context.Context, correlationID, deviceID, sensorField, anomalyType, severity string) error {
	event := NewEvent(EventAnomalyDetected).
		WithCorrelationID(correlationID).
		WithDevice(deviceID, sensorField).
		WithSeverity(severity).
		WithResult(ResultSuccess).
		WithMetadata("anomaly_type", anomalyType).
		WithDescription(fmt.Sprintf("Anomaly %s on %s/%s", anomalyType, deviceID, sensorField))

	return l.Log(ctx, event)
}

// LogDetectionDegraded logs a fallback to rule-only detection
func (l *auditLogger) LogDetectionDegraded(ctx context.Context, correlationID string, err error) error {
	event := NewEvent(EventDetectionDegraded).
		WithCorrelationID(correlationID).
		WithError(err, "backend_unavailable").
		WithDescription("Detection backend unavailable, continuing rule-only")

	return l.Log(ctx, event)
}

// LogActionExecuted logs a completed escalation action
func (l *auditLogger) LogActionExecuted(ctx context.Context, correlationID, action, deviceID string, duration time.Duration) error {
	event := NewEvent(EventActionExecuted).
		WithCorrelationID(correlationID).
		WithAction(action).
		WithDevice(deviceID, "").
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Action %s executed for %s", action, deviceID))

	return l.Log(ctx, event)
}

// LogActionFailed logs a failed escalation action
func (l *auditLogger) LogActionFailed(ctx context.Context, correlationID, action, deviceID string, err error) error {
	event := NewEvent(EventActionFailed).
		WithCorrelationID(correlationID).
		WithAction(action).
		WithDevice(deviceID, "").
		WithError(err, "action_error").
		WithDescription(fmt.Sprintf("Action %s failed for %s", action, deviceID))

	return l.Log(ctx, event)
}

// LogTrainingCycleStarted logs the start of a scheduled training cycle
func (l *auditLogger) LogTrainingCycleStarted(ctx context.Context, correlationID string, sensorCount int) error {
	event := NewEvent(EventTrainingCycleStarted).
		WithCorrelationID(correlationID).
		WithResult(ResultPending).
		WithMetadata("sensor_count", sensorCount).
		WithDescription(fmt.Sprintf("Training cycle started for %d sensors", sensorCount))

	return l.Log(ctx, event)
}

// LogTrainingCycleCompleted logs the end of a scheduled training cycle
func (l *auditLogger) LogTrainingCycleCompleted(ctx context.Context, correlationID string, trained, failed int, duration time.Duration) error {
	event := NewEvent(EventTrainingCycleCompleted).
		WithCorrelationID(correlationID).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithMetadata("trained", trained).
		WithMetadata("failed", failed).
		WithDescription(fmt.Sprintf("Training cycle completed: %d trained, %d failed", trained, failed))

	return l.Log(ctx, event)
}

// LogModelTrained logs one successfully trained sensor model
func (l *auditLogger) LogModelTrained(ctx context.Context, correlationID, deviceID, sensorField, modelType string, readings int) error {
	event := NewEvent(EventModelTrained).
		WithCorrelationID(correlationID).
		WithDevice(deviceID, sensorField).
		WithResult(ResultSuccess).
		WithMetadata("model_type", modelType).
		WithMetadata("readings_count", readings).
		WithDescription(fmt.Sprintf("Model %s trained for %s/%s", modelType, deviceID, sensorField))

	return l.Log(ctx, event)
}

// LogModelTrainingFailed logs one sensor skipped or failed during training
func (l *auditLogger) LogModelTrainingFailed(ctx context.Context, correlationID, deviceID, sensorField string, err error) error {
	event := NewEvent(EventModelTrainingFailed).
		WithCorrelationID(correlationID).
		WithDevice(deviceID, sensorField).
		WithError(err, "training_error").
		WithDescription(fmt.Sprintf("Training failed for %s/%s", deviceID, sensorField))

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	if err := l.auditLogger.Sync(); err != nil {
		return err
	}

	return l.appLogger.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	close(l.stopCh)
	l.flushTicker.Stop()

	if err := l.Sync(); err != nil {
		return err
	}

	return nil
}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value("correlation_id").(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, "correlation_id", id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}
