package transport

import (
	"fmt"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/airsonde/airsonde/internal/metrics"
)

// mqttConsumer implements Consumer over paho.
type mqttConsumer struct {
	cfg Config
	log *zap.Logger

	mu            sync.Mutex
	client        mqtt.Client
	handler       Handler
	everConnected bool
	started       bool
}

// NewConsumer creates an MQTT consumer for the configured telemetry topic.
func NewConsumer(cfg Config, log *zap.Logger) Consumer {
	cfg.normalize()
	return &mqttConsumer{cfg: cfg, log: log}
}

func (c *mqttConsumer) Start(handler Handler) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("consumer already started")
	}
	c.started = true
	c.handler = handler
	c.mu.Unlock()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.URL)
	opts.SetClientID(c.cfg.ClientID)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	// Persistent session plus manual acks: unacknowledged messages come
	// back on the next session resume.
	opts.SetCleanSession(false)
	opts.SetAutoAckDisabled(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(c.cfg.ReconnectMinDelay)
	opts.SetMaxReconnectInterval(c.cfg.ReconnectMaxDelay)
	opts.SetKeepAlive(keepAlive)
	opts.SetPingTimeout(pingTimeout)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	client := mqtt.NewClient(opts)
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to broker %s: %w", c.cfg.URL, token.Error())
	}
	return nil
}

func (c *mqttConsumer) Stop() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.started = false
	c.mu.Unlock()

	if client == nil {
		return
	}
	if token := client.Unsubscribe(c.cfg.Topic); token.Wait() && token.Error() != nil {
		c.log.Warn("unsubscribe failed", zap.String("topic", c.cfg.Topic), zap.Error(token.Error()))
	}
	client.Disconnect(250)
	metrics.BrokerConnected.Set(0)
	c.log.Info("broker consumer stopped", zap.String("topic", c.cfg.Topic))
}

func (c *mqttConsumer) Connected() bool {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	return client != nil && client.IsConnected()
}

// onConnect runs on every successful connect, including reconnects, and
// (re)establishes the telemetry subscription.
func (c *mqttConsumer) onConnect(client mqtt.Client) {
	metrics.BrokerConnected.Set(1)

	c.mu.Lock()
	reconnect := c.everConnected
	c.everConnected = true
	c.mu.Unlock()

	if reconnect {
		metrics.BrokerReconnects.Inc()
		c.log.Info("broker connection reestablished", zap.String("url", c.cfg.URL))
	} else {
		c.log.Info("broker connected", zap.String("url", c.cfg.URL))
	}

	token := client.Subscribe(c.cfg.Topic, c.cfg.QoS, c.onMessage)
	if token.Wait() && token.Error() != nil {
		c.log.Error("telemetry subscribe failed",
			zap.String("topic", c.cfg.Topic),
			zap.Error(token.Error()))
		return
	}
	c.log.Info("subscribed to telemetry",
		zap.String("topic", c.cfg.Topic),
		zap.Uint8("qos", uint8(c.cfg.QoS)))
}

func (c *mqttConsumer) onConnectionLost(client mqtt.Client, err error) {
	metrics.BrokerConnected.Set(0)
	c.log.Warn("broker connection lost", zap.Error(err))
}

func (c *mqttConsumer) onMessage(client mqtt.Client, msg mqtt.Message) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return
	}
	handler(newPahoMessage(msg))
}

// ─── Message acknowledgement ──────────────────────────────────────────────────

// pahoMessage wraps a broker message and guarantees at most one
// acknowledgement decision.
type pahoMessage struct {
	msg  mqtt.Message
	once sync.Once
}

func newPahoMessage(msg mqtt.Message) *pahoMessage {
	return &pahoMessage{msg: msg}
}

func (m *pahoMessage) Topic() string   { return m.msg.Topic() }
func (m *pahoMessage) Payload() []byte { return m.msg.Payload() }

func (m *pahoMessage) Ack() {
	m.once.Do(func() {
		m.msg.Ack()
		metrics.MessagesAcked.Inc()
	})
}

func (m *pahoMessage) Nack() {
	m.once.Do(func() {
		metrics.MessagesNacked.Inc()
	})
}

// ─── Publisher ────────────────────────────────────────────────────────────────

// mqttPublisher implements Publisher over paho.
type mqttPublisher struct {
	client mqtt.Client
	qos    byte
	log    *zap.Logger
}

// NewPublisher connects to the broker and returns a publisher.
func NewPublisher(cfg Config, log *zap.Logger) (Publisher, error) {
	cfg.normalize()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.URL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(cfg.ReconnectMinDelay)
	opts.SetMaxReconnectInterval(cfg.ReconnectMaxDelay)
	opts.SetKeepAlive(keepAlive)
	opts.SetPingTimeout(pingTimeout)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", cfg.URL, token.Error())
	}
	log.Info("broker publisher connected", zap.String("url", cfg.URL))

	return &mqttPublisher{client: client, qos: cfg.QoS, log: log}, nil
}

func (p *mqttPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("publish to %s: %w", topic, token.Error())
	}
	return nil
}

func (p *mqttPublisher) Close() {
	p.client.Disconnect(250)
}
