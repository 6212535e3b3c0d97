package narrative

import (
	"context"
	"errors"
	"time"

	"github.com/airsonde/airsonde/internal/models"
)

// Package narrative produces short expert assessments of dispatched
// anomalies through an OpenAI-compatible chat-completion endpoint.
//
// Responsibilities:
//   - Turn an anomaly into a one-sentence verdict a duty officer can read
//   - Cache verdicts per (device, anomaly type, severity) so repeat
//     anomalies on the same sensor do not trigger repeat API calls
//   - Stay out of the escalation path: callers treat failures as
//     best-effort and dispatch without a narrative
//
// The feature is disabled when no API key is configured. Callers should
// check Disabled before spending a network round trip.

// ErrDisabled is returned by Narrative when no API key is configured.
var ErrDisabled = errors.New("narrative generation disabled")

// Generator produces expert narratives for anomalies.
type Generator interface {
	// Narrative returns a one-sentence assessment of the anomaly.
	Narrative(ctx context.Context, a *models.Anomaly) (string, error)

	// Disabled reports whether narrative generation is configured off.
	Disabled() bool
}

// Config holds the chat-completion endpoint settings.
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
	CacheTTL  time.Duration
}
