package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/airsonde/airsonde/internal/cache"
	"github.com/airsonde/airsonde/internal/models"
)

const (
	DefaultBaseURL   = "https://api.openai.com/v1"
	DefaultModel     = "gpt-4o-mini"
	DefaultMaxTokens = 120
	DefaultTimeout   = 15 * time.Second
	DefaultCacheTTL  = 5 * time.Minute

	maxCachedNarratives = 256
)

const systemPrompt = "You are an environmental monitoring expert. Respond with a single concise sentence."

// chatRequest is the chat-completions request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the chat-completions response body.
type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// generator implements Generator against an OpenAI-compatible API.
type generator struct {
	cfg        Config
	httpClient *http.Client
	cache      cache.Cache
	log        *zap.Logger
}

// NewGenerator creates a narrative generator. An empty APIKey yields a
// generator that reports Disabled and never performs network calls.
func NewGenerator(cfg Config, log *zap.Logger) Generator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	return &generator{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cache:      cache.New(maxCachedNarratives),
		log:        log,
	}
}

func (g *generator) Disabled() bool {
	return g.cfg.APIKey == ""
}

func (g *generator) Narrative(ctx context.Context, a *models.Anomaly) (string, error) {
	if g.Disabled() {
		return "", ErrDisabled
	}

	key := fmt.Sprintf("%s|%s|%s", a.DeviceID, a.AnomalyType, a.Severity)
	if v, ok := g.cache.Get(key); ok {
		if text, ok := v.(string); ok {
			return text, nil
		}
	}

	text, err := g.complete(ctx, a)
	if err != nil {
		return "", err
	}
	g.cache.Set(key, text, g.cfg.CacheTTL)
	return text, nil
}

func (g *generator) complete(ctx context.Context, a *models.Anomaly) (string, error) {
	payload := chatRequest{
		Model: g.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: anomalyPrompt(a)},
		},
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: 0.2,
	}

	body, err := g.makeRequest(ctx, "/chat/completions", payload)
	if err != nil {
		return "", err
	}

	var cr chatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return "", fmt.Errorf("parse completion response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("no completion choices returned")
	}

	text := strings.TrimSpace(cr.Choices[0].Message.Content)
	text = strings.ReplaceAll(text, "\n", " ")
	if text == "" {
		return "", fmt.Errorf("empty completion returned")
	}

	g.log.Debug("narrative generated",
		zap.String("device_id", a.DeviceID),
		zap.String("model", g.cfg.Model),
		zap.Int("total_tokens", cr.Usage.TotalTokens))
	return text, nil
}

// makeRequest performs a POST to the completion API and returns the raw
// response body.
func (g *generator) makeRequest(ctx context.Context, endpoint string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+endpoint, bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("completion API error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func anomalyPrompt(a *models.Anomaly) string {
	return fmt.Sprintf(
		"Sensor %s on device %s read %.2f and was flagged %s with severity %s. Detection reason: %s. Give a one-sentence expert assessment of the likely cause and how urgent a response is.",
		a.SensorType, a.DeviceID, a.Value, a.AnomalyType, a.Severity, a.Reason,
	)
}
