package transport

import (
	"testing"
	"time"
)

// fakeBrokerMessage implements the paho message interface so
// acknowledgement semantics can be tested without a broker.
type fakeBrokerMessage struct {
	topic   string
	payload []byte
	acks    int
}

func (m *fakeBrokerMessage) Duplicate() bool   { return false }
func (m *fakeBrokerMessage) Qos() byte         { return 1 }
func (m *fakeBrokerMessage) Retained() bool    { return false }
func (m *fakeBrokerMessage) Topic() string     { return m.topic }
func (m *fakeBrokerMessage) MessageID() uint16 { return 7 }
func (m *fakeBrokerMessage) Payload() []byte   { return m.payload }
func (m *fakeBrokerMessage) Ack()              { m.acks++ }

func TestMessageAckExactlyOnce(t *testing.T) {
	raw := &fakeBrokerMessage{topic: "telemetry/station-01", payload: []byte(`{}`)}
	msg := newPahoMessage(raw)

	msg.Ack()
	msg.Ack()
	msg.Nack()

	if raw.acks != 1 {
		t.Errorf("Expected exactly 1 broker ack, got %d", raw.acks)
	}
}

func TestMessageNackSuppressesAck(t *testing.T) {
	raw := &fakeBrokerMessage{topic: "telemetry/station-01", payload: []byte(`{}`)}
	msg := newPahoMessage(raw)

	msg.Nack()
	msg.Ack()

	if raw.acks != 0 {
		t.Errorf("Expected no broker ack after nack, got %d", raw.acks)
	}
}

func TestMessagePassThrough(t *testing.T) {
	raw := &fakeBrokerMessage{topic: "telemetry/station-02", payload: []byte(`{"pm2_5": 12.5}`)}
	msg := newPahoMessage(raw)

	if msg.Topic() != "telemetry/station-02" {
		t.Errorf("Expected topic pass-through, got %s", msg.Topic())
	}
	if string(msg.Payload()) != `{"pm2_5": 12.5}` {
		t.Errorf("Expected payload pass-through, got %s", msg.Payload())
	}
}

func TestConfigNormalize(t *testing.T) {
	cfg := Config{}
	cfg.normalize()

	if cfg.QoS != 1 {
		t.Errorf("Expected QoS floored at 1, got %d", cfg.QoS)
	}
	if cfg.ReconnectMinDelay != DefaultReconnectMinDelay {
		t.Errorf("Expected default min delay, got %v", cfg.ReconnectMinDelay)
	}
	if cfg.ReconnectMaxDelay != DefaultReconnectMaxDelay {
		t.Errorf("Expected default max delay, got %v", cfg.ReconnectMaxDelay)
	}

	cfg = Config{QoS: 2, ReconnectMinDelay: 5 * time.Second, ReconnectMaxDelay: time.Second}
	cfg.normalize()
	if cfg.QoS != 2 {
		t.Errorf("Expected QoS 2 preserved, got %d", cfg.QoS)
	}
	if cfg.ReconnectMaxDelay != DefaultReconnectMaxDelay {
		t.Errorf("Expected max delay reset when below min, got %v", cfg.ReconnectMaxDelay)
	}
}
