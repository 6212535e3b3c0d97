package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/airsonde/airsonde/internal/metrics"
	"github.com/airsonde/airsonde/internal/models"
	"github.com/airsonde/airsonde/pkg/types"
)

const (
	wsWriteTimeout      = 10 * time.Second
	wsHeartbeatInterval = 30 * time.Second
	wsSendBuffer        = 16
)

// Message types pushed to subscribers.
const (
	messageTypeDetection = "detection"
	messageTypeHeartbeat = "heartbeat"
)

// defaultDevOrigins are accepted when no origin allowlist is configured.
var defaultDevOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// newUpgrader builds a WebSocket upgrader enforcing the origin allowlist.
// Requests without an Origin header (non-browser clients) always pass; a "*"
// entry admits every origin.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := allowedOrigins
	if len(allowed) == 0 {
		allowed = defaultDevOrigins
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range allowed {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
}

// DetectionEvent is one anomalous scoring result pushed to subscribers.
// Normal per-sensor verdicts are stripped before broadcast.
type DetectionEvent struct {
	Type              string                `json:"type"`
	DeviceID          string                `json:"device_id"`
	Timestamp         time.Time             `json:"timestamp"`
	Anomalies         []types.SensorAnomaly `json:"anomalies"`
	OverallAssessment string                `json:"overall_assessment"`
	OverallConfidence float64               `json:"overall_confidence"`
}

// heartbeatMessage keeps idle connections alive through proxies.
type heartbeatMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// wsClient is one subscriber connection.
type wsClient struct {
	conn *websocket.Conn
	send chan DetectionEvent
}

// Hub fans detection events out to WebSocket subscribers. A single run
// goroutine owns the client set; a subscriber that cannot keep up is dropped
// rather than allowed to stall the broadcast.
type Hub struct {
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan DetectionEvent
	done       chan struct{}
	clients    map[*wsClient]struct{}
	log        *zap.Logger
}

func newHub(log *zap.Logger) *Hub {
	return &Hub{
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan DetectionEvent, 64),
		done:       make(chan struct{}),
		clients:    make(map[*wsClient]struct{}),
		log:        log,
	}
}

// run owns the client registry. Only this goroutine touches h.clients.
func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			metrics.WebSocketConnections.Inc()
		case c := <-h.unregister:
			h.drop(c)
		case ev := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- ev:
					metrics.WebSocketMessagesTotal.WithLabelValues("outbound").Inc()
				default:
					h.log.Warn("websocket client too slow, dropping")
					h.drop(c)
				}
			}
		case <-h.done:
			for c := range h.clients {
				h.drop(c)
			}
			return
		}
	}
}

// drop must only be called from the run goroutine.
func (h *Hub) drop(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.WebSocketConnections.Dec()
}

// add registers a subscriber. It reports false when the hub has stopped.
func (h *Hub) add(c *wsClient) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *wsClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// stop closes every subscriber and ends the run loop.
func (h *Hub) stop() {
	close(h.done)
}

// BroadcastDetection pushes one anomalous detect result to all subscribers.
// The event is dropped when the hub buffer is full so scoring latency never
// depends on subscribers.
func (h *Hub) BroadcastDetection(deviceID string, resp *types.DetectResponse) {
	ev := DetectionEvent{
		Type:              messageTypeDetection,
		DeviceID:          deviceID,
		Timestamp:         time.Now().UTC(),
		Anomalies:         make([]types.SensorAnomaly, 0, len(resp.Anomalies)),
		OverallAssessment: resp.OverallAssessment,
		OverallConfidence: resp.OverallConfidence,
	}
	for _, a := range resp.Anomalies {
		if a.Category == string(models.CategoryNormal) {
			continue
		}
		ev.Anomalies = append(ev.Anomalies, a)
	}

	select {
	case h.broadcast <- ev:
	case <-h.done:
	default:
	}
}

// handleWebSocket upgrades the connection and subscribes it to detection
// events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := newUpgrader(s.cfg.AllowedOrigins)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade rejected", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn, send: make(chan DetectionEvent, wsSendBuffer)}
	if !s.hub.add(client) {
		conn.Close()
		return
	}
	s.log.Debug("websocket client connected", zap.String("remote", conn.RemoteAddr().String()))

	go client.writePump(s.hub)
	go client.readPump(s.hub)
}

// writePump serializes all writes to the connection: detection events from
// the hub and periodic heartbeats. A closed send channel means the hub
// dropped the client.
func (c *wsClient) writePump(h *Hub) {
	heartbeat := time.NewTicker(wsHeartbeatInterval)
	defer func() {
		heartbeat.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(ev); err != nil {
				h.remove(c)
				return
			}
		case <-heartbeat.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			hb := heartbeatMessage{Type: messageTypeHeartbeat, Timestamp: time.Now().UTC()}
			if err := c.conn.WriteJSON(hb); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// readPump discards inbound frames and notices disconnects. Subscribers have
// nothing to say; the read loop exists to unregister dead connections.
func (c *wsClient) readPump(h *Hub) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		metrics.WebSocketMessagesTotal.WithLabelValues("inbound").Inc()
	}
}
