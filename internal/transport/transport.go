package transport

import "time"

// Package transport connects the pipeline to the MQTT broker.
//
// Responsibilities:
//   - Maintain the broker connection with automatic reconnect and backoff
//   - Subscribe to the telemetry topic and hand each message to the
//     pipeline with explicit acknowledgement control
//   - Leave nacked messages unacknowledged so the broker redelivers them
//   - Publish simulated telemetry for the generator
//   - Track connection state and acknowledgement counts
//
// Consumers run with a persistent session and auto-ack disabled. A message
// is acknowledged exactly once no matter how often the pipeline calls Ack
// or Nack on it.

const (
	DefaultReconnectMinDelay = time.Second
	DefaultReconnectMaxDelay = 30 * time.Second

	keepAlive   = 60 * time.Second
	pingTimeout = 10 * time.Second
)

// Message is one inbound broker message awaiting acknowledgement.
type Message interface {
	// Topic returns the topic the message arrived on.
	Topic() string

	// Payload returns the raw message body.
	Payload() []byte

	// Ack acknowledges the message to the broker.
	Ack()

	// Nack leaves the message unacknowledged so the broker redelivers it
	// on the next session resume.
	Nack()
}

// Handler consumes inbound messages. Implementations own acknowledgement:
// every message must end in exactly one Ack or Nack.
type Handler func(msg Message)

// Consumer subscribes to the telemetry topic and feeds a handler.
type Consumer interface {
	// Start connects to the broker and begins delivering messages.
	Start(handler Handler) error

	// Stop unsubscribes and disconnects. Safe to call more than once.
	Stop()

	// Connected reports the current broker connection state.
	Connected() bool
}

// Publisher publishes payloads to broker topics.
type Publisher interface {
	// Publish sends a payload and waits for broker confirmation.
	Publish(topic string, payload []byte) error

	// Close disconnects from the broker.
	Close()
}

// Config holds broker connection settings.
type Config struct {
	URL      string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte

	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
}

func (c *Config) normalize() {
	// QoS 0 carries no acknowledgements at all, which would break the
	// ack-or-redeliver contract. Floor at 1.
	if c.QoS == 0 {
		c.QoS = 1
	}
	if c.ReconnectMinDelay <= 0 {
		c.ReconnectMinDelay = DefaultReconnectMinDelay
	}
	if c.ReconnectMaxDelay < c.ReconnectMinDelay {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
}
