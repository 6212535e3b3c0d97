package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/airsonde/airsonde/internal/models"
	"github.com/airsonde/airsonde/pkg/types"
)

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/anomalies"
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	// Registration races the first broadcast; give the hub a beat.
	time.Sleep(50 * time.Millisecond)
	return conn
}

func TestWebSocketReceivesDetectionEvents(t *testing.T) {
	f := newServerFixture(t, Config{})
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	conn := dialWS(t, ts)

	f.srv.hub.BroadcastDetection("station-01", &types.DetectResponse{
		Anomalies: []types.SensorAnomaly{
			{SensorType: "pm2_5", Category: "alert", Confidence: 0.9},
			{SensorType: "pm10", Category: "normal", Confidence: 0.8},
		},
		OverallAssessment: "alert",
		OverallConfidence: 0.85,
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev DetectionEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != "detection" {
		t.Errorf("expected detection event, got %q", ev.Type)
	}
	if ev.DeviceID != "station-01" {
		t.Errorf("expected device station-01, got %s", ev.DeviceID)
	}
	if len(ev.Anomalies) != 1 || ev.Anomalies[0].SensorType != "pm2_5" {
		t.Errorf("expected normal verdicts stripped, got %+v", ev.Anomalies)
	}
	if ev.OverallAssessment != "alert" || ev.OverallConfidence != 0.85 {
		t.Errorf("unexpected overall fields: %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Error("expected event timestamp set")
	}
}

func TestDetectEndpointBroadcasts(t *testing.T) {
	f := newServerFixture(t, Config{})
	f.detector.predictions[models.SensorKey("station-07", "dBA")] = models.Prediction{
		Category:     models.CategoryDrift,
		Confidence:   0.8,
		AnomalyScore: 2.0,
		Details:      map[string]interface{}{"reason": "sustained shift from baseline"},
	}
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	conn := dialWS(t, ts)

	body := `{"device_id":"station-07","pm2_5":10,"pm10":20,"dBA":85,"vibration":0.05}`
	resp, err := http.Post(ts.URL+"/api/v1/detect", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("detect request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev DetectionEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.DeviceID != "station-07" || ev.OverallAssessment != "drift" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if len(ev.Anomalies) != 1 || ev.Anomalies[0].Reason != "sustained shift from baseline" {
		t.Errorf("expected the drift verdict only, got %+v", ev.Anomalies)
	}
}

func TestDetectNormalDoesNotBroadcast(t *testing.T) {
	f := newServerFixture(t, Config{})
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	conn := dialWS(t, ts)

	body := `{"device_id":"station-01","pm2_5":10,"pm10":20,"dBA":55,"vibration":0.05}`
	resp, err := http.Post(ts.URL+"/api/v1/detect", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("detect request: %v", err)
	}
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var ev DetectionEvent
	if err := conn.ReadJSON(&ev); err == nil {
		t.Fatalf("expected no event for a normal reading, got %+v", ev)
	}
}

func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	f := newServerFixture(t, Config{AllowedOrigins: []string{"https://app.example.com"}})
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	if err == nil {
		t.Fatal("expected handshake rejection for disallowed origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 handshake response, got %+v", resp)
	}
}

func TestHubDropsSlowClients(t *testing.T) {
	h := newHub(zap.NewNop())
	go h.run()
	defer h.stop()

	// No reader and no buffer: the first fan-out must drop the client.
	stuck := &wsClient{send: make(chan DetectionEvent)}
	if !h.add(stuck) {
		t.Fatal("expected registration to succeed")
	}

	h.BroadcastDetection("station-01", &types.DetectResponse{OverallAssessment: "alert"})
	time.Sleep(100 * time.Millisecond)

	select {
	case _, ok := <-stuck.send:
		if ok {
			t.Fatal("expected slow client dropped, got an event")
		}
	default:
		t.Fatal("expected send channel closed after drop")
	}
}

func TestHubStopClosesClients(t *testing.T) {
	h := newHub(zap.NewNop())
	go h.run()

	c := &wsClient{send: make(chan DetectionEvent, 1)}
	if !h.add(c) {
		t.Fatal("expected registration to succeed")
	}

	h.stop()
	time.Sleep(50 * time.Millisecond)

	if _, ok := <-c.send; ok {
		t.Fatal("expected send channel closed on hub stop")
	}
	if h.add(&wsClient{send: make(chan DetectionEvent, 1)}) {
		t.Error("expected registration refused after stop")
	}
}
