package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/airsonde/airsonde/internal/models"
	"github.com/airsonde/airsonde/pkg/types"
)

const (
	// DefaultBackendTimeout bounds detect calls. Scoring is on the hot
	// path, but a slow answer still beats a dropped one.
	DefaultBackendTimeout = 10 * time.Second

	// healthTimeout bounds health probes.
	healthTimeout = 5 * time.Second
)

// ErrBackendUnavailable reports that the detection backend could not score
// a reading. Callers degrade to rule-only verdicts.
var ErrBackendUnavailable = errors.New("detection backend unavailable")

// Backend scores readings against the detection API.
type Backend interface {
	// Detect scores one reading. Every transport, status, or decoding
	// failure is reported as ErrBackendUnavailable.
	Detect(ctx context.Context, r models.Reading) (*types.DetectResponse, error)

	// Healthy reports whether the backend answers its health endpoint.
	Healthy(ctx context.Context) bool
}

// BackendConfig holds detection API client settings.
type BackendConfig struct {
	BaseURL string
	Timeout time.Duration
}

type httpBackend struct {
	cfg        BackendConfig
	httpClient *http.Client
	log        *zap.Logger
}

// NewBackend creates a detection API client.
func NewBackend(cfg BackendConfig, log *zap.Logger) Backend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultBackendTimeout
	}
	return &httpBackend{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
	}
}

func (b *httpBackend) Detect(ctx context.Context, r models.Reading) (*types.DetectResponse, error) {
	payload := types.DetectRequest{
		Timestamp: r.Timestamp,
		DeviceID:  r.DeviceID,
		PM25:      r.PM25,
		PM10:      r.PM10,
		DBA:       r.DBA,
		Vibration: r.Vibration,
	}

	body, err := b.makeRequest(ctx, "/api/v1/detect", payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	var result types.DetectResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrBackendUnavailable, err)
	}
	return &result, nil
}

func (b *httpBackend) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.log.Debug("backend health probe failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (b *httpBackend) makeRequest(ctx context.Context, endpoint string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+endpoint, bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detection API error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}
