package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Package notify delivers escalation notifications to webhook receivers.
//
// Responsibilities:
//   - POST notification payloads to the configured alert, escalation, and
//     emergency endpoints
//   - Treat an unconfigured endpoint as a disabled receiver, not a failure
//   - Report non-2xx responses as errors so the dispatcher can record them

const DefaultTimeout = 5 * time.Second

// Notification is the payload delivered to webhook receivers.
type Notification struct {
	Action        string             `json:"action"` // alert | escalate | emergency
	Severity      string             `json:"severity"`
	DeviceID      string             `json:"device_id"`
	SensorType    string             `json:"sensor_type"`
	AnomalyType   string             `json:"anomaly_type"`
	Reason        string             `json:"reason"`
	Value         float64            `json:"value"`
	SensorData    map[string]float64 `json:"sensor_data,omitempty"`
	Message       string             `json:"message"`
	Narrative     string             `json:"narrative,omitempty"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}

// Notifier delivers notifications for escalation ladder actions.
type Notifier interface {
	// NotifyAlert posts to the alert receiver.
	NotifyAlert(ctx context.Context, n *Notification) error

	// NotifyEscalation posts to the escalation receiver.
	NotifyEscalation(ctx context.Context, n *Notification) error

	// NotifyEmergency posts to the emergency receiver.
	NotifyEmergency(ctx context.Context, n *Notification) error
}

// WebhookConfig holds the receiver endpoints. Empty URLs disable the
// corresponding receiver.
type WebhookConfig struct {
	AlertURL      string
	EscalationURL string
	EmergencyURL  string
	Timeout       time.Duration
}

// webhookNotifier implements Notifier over plain HTTP POST.
type webhookNotifier struct {
	cfg        WebhookConfig
	httpClient *http.Client
	log        *zap.Logger
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(cfg WebhookConfig, log *zap.Logger) Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &webhookNotifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
	}
}

func (w *webhookNotifier) NotifyAlert(ctx context.Context, n *Notification) error {
	return w.post(ctx, "alert", w.cfg.AlertURL, n)
}

func (w *webhookNotifier) NotifyEscalation(ctx context.Context, n *Notification) error {
	return w.post(ctx, "escalate", w.cfg.EscalationURL, n)
}

func (w *webhookNotifier) NotifyEmergency(ctx context.Context, n *Notification) error {
	return w.post(ctx, "emergency", w.cfg.EmergencyURL, n)
}

// post delivers the payload. An empty URL means the receiver is not
// configured; that is a silent no-op so ladders run unchanged in
// deployments without webhook infrastructure.
func (w *webhookNotifier) post(ctx context.Context, action, url string, n *Notification) error {
	if url == "" {
		w.log.Debug("webhook receiver not configured", zap.String("action", action))
		return nil
	}

	n.Action = action
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook %s returned status %d: %s", action, resp.StatusCode, string(snippet))
	}
	return nil
}
