package narrative

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/airsonde/airsonde/internal/models"
)

func testAnomaly(severity models.Severity) *models.Anomaly {
	return &models.Anomaly{
		DeviceID:    "station-01",
		SensorType:  "pm2_5",
		AnomalyType: "threshold_severe",
		Severity:    severity,
		Reason:      "pm2_5 value 160.00 above severe threshold 150.00",
		Value:       160,
	}
}

func completionBody(text string) []byte {
	resp := chatResponse{ID: "chatcmpl-test"}
	resp.Choices = []struct {
		Message chatMessage `json:"message"`
	}{
		{Message: chatMessage{Role: "assistant", Content: text}},
	}
	resp.Usage.TotalTokens = 42
	body, _ := json.Marshal(resp)
	return body
}

func TestGeneratorDisabledWithoutKey(t *testing.T) {
	g := NewGenerator(Config{}, zap.NewNop())
	if !g.Disabled() {
		t.Fatal("Expected generator without API key to report disabled")
	}

	_, err := g.Narrative(context.Background(), testAnomaly(models.SeverityCritical))
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Expected ErrDisabled, got %v", err)
	}
}

func TestGeneratorDefaults(t *testing.T) {
	g := NewGenerator(Config{APIKey: "sk-test"}, zap.NewNop()).(*generator)

	if g.cfg.BaseURL != DefaultBaseURL {
		t.Errorf("Expected default base URL %s, got %s", DefaultBaseURL, g.cfg.BaseURL)
	}
	if g.cfg.Model != DefaultModel {
		t.Errorf("Expected default model %s, got %s", DefaultModel, g.cfg.Model)
	}
	if g.cfg.MaxTokens != DefaultMaxTokens {
		t.Errorf("Expected default max tokens %d, got %d", DefaultMaxTokens, g.cfg.MaxTokens)
	}
	if g.Disabled() {
		t.Error("Expected generator with API key to be enabled")
	}
}

func TestNarrativeReturnsVerdict(t *testing.T) {
	var (
		mu       sync.Mutex
		gotPath  string
		gotAuth  string
		gotModel string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		gotModel = req.Model
		mu.Unlock()
		w.Write(completionBody("Sharp PM2.5 spike consistent with nearby combustion; investigate within the hour."))
	}))
	defer srv.Close()

	g := NewGenerator(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "gpt-4o-mini"}, zap.NewNop())
	text, err := g.Narrative(context.Background(), testAnomaly(models.SeverityCritical))
	if err != nil {
		t.Fatalf("Narrative() error: %v", err)
	}
	if text != "Sharp PM2.5 spike consistent with nearby combustion; investigate within the hour." {
		t.Errorf("Unexpected narrative: %q", text)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/chat/completions" {
		t.Errorf("Expected /chat/completions, got %s", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Expected bearer auth, got %q", gotAuth)
	}
	if gotModel != "gpt-4o-mini" {
		t.Errorf("Expected model gpt-4o-mini, got %q", gotModel)
	}
}

func TestNarrativeCachesRepeatAnomalies(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.Write(completionBody("Recurring threshold breach."))
	}))
	defer srv.Close()

	g := NewGenerator(Config{BaseURL: srv.URL, APIKey: "sk-test"}, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := g.Narrative(ctx, testAnomaly(models.SeverityCritical)); err != nil {
			t.Fatalf("Narrative() call %d error: %v", i, err)
		}
	}
	mu.Lock()
	if calls != 1 {
		t.Errorf("Expected 1 upstream call for repeat anomalies, got %d", calls)
	}
	mu.Unlock()

	// A different severity is a different cache entry.
	if _, err := g.Narrative(ctx, testAnomaly(models.SeverityMedium)); err != nil {
		t.Fatalf("Narrative() error: %v", err)
	}
	mu.Lock()
	if calls != 2 {
		t.Errorf("Expected 2 upstream calls after severity change, got %d", calls)
	}
	mu.Unlock()
}

func TestNarrativeAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "rate limit"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := NewGenerator(Config{BaseURL: srv.URL, APIKey: "sk-test"}, zap.NewNop())
	_, err := g.Narrative(context.Background(), testAnomaly(models.SeverityHigh))
	if err == nil {
		t.Fatal("Expected error for 429 response, got nil")
	}
}

func TestNarrativeEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": "chatcmpl-test", "choices": []}`))
	}))
	defer srv.Close()

	g := NewGenerator(Config{BaseURL: srv.URL, APIKey: "sk-test"}, zap.NewNop())
	_, err := g.Narrative(context.Background(), testAnomaly(models.SeverityHigh))
	if err == nil {
		t.Fatal("Expected error for empty choices, got nil")
	}
}

func TestNarrativeCollapsesNewlines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(completionBody("Line one.\nLine two.\n"))
	}))
	defer srv.Close()

	g := NewGenerator(Config{BaseURL: srv.URL, APIKey: "sk-test"}, zap.NewNop())
	text, err := g.Narrative(context.Background(), testAnomaly(models.SeverityLow))
	if err != nil {
		t.Fatalf("Narrative() error: %v", err)
	}
	if text != "Line one. Line two." {
		t.Errorf("Expected collapsed single line, got %q", text)
	}
}
