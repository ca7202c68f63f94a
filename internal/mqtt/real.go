package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sweeney/shelf-lock/internal/metrics"
	"github.com/sweeney/shelf-lock/internal/report"
	"pkt.systems/pslog"
)

// DefaultBufferSize is the number of messages kept while disconnected.
const DefaultBufferSize = 100

// Config configures a RealPublisher.
type Config struct {
	Broker     string
	ShelfID    string
	ClientID   string        // defaults to "shelf-lock-<shelf id>"
	Timeout    time.Duration // bound on every publish
	BufferSize int

	// OnCommand receives raw payloads from the commands topic. It runs on
	// the paho router goroutine and must not block.
	OnCommand func(payload []byte)

	// Metrics, if set, counts deferred records evicted from the buffer.
	Metrics *metrics.Metrics

	Logger pslog.Logger
	Now    func() time.Time
}

// RealPublisher publishes to an actual MQTT broker.
type RealPublisher struct {
	client paho.Client
	cfg    Config
	logger pslog.Logger

	mu            sync.Mutex
	buf           *ringBuffer
	connectedOnce bool
}

// NewRealPublisher creates a publisher connected to the given broker.
// A last-will message marks the shelf offline if the connection drops.
func NewRealPublisher(cfg Config) (*RealPublisher, error) {
	if cfg.ShelfID == "" {
		return nil, errors.New("mqtt: shelf id is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "shelf-lock-" + cfg.ShelfID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	logger := cfg.Logger.With("subsystem", "mqtt")

	p := &RealPublisher{
		cfg:    cfg,
		logger: logger,
		buf:    newRingBuffer(cfg.BufferSize, logger),
	}
	p.buf.onDrop = dropCounter(cfg.Metrics)

	will, err := FormatSystemPayload(SystemEvent{Timestamp: cfg.Now(), Event: "OFFLINE", Reason: "LWT"})
	if err != nil {
		return nil, fmt.Errorf("format will payload: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(SystemTopic(cfg.ShelfID), will, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("mqtt.connection.lost", "error", err)
		})

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		// ConnectRetry keeps trying in the background; send buffers meanwhile.
		logger.Warn("mqtt.connect.pending", "broker", cfg.Broker)
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return p, nil
}

// onConnect subscribes to commands, then replays buffered messages.
// Runs for the first connection and every automatic reconnection.
func (p *RealPublisher) onConnect(c paho.Client) {
	if p.cfg.OnCommand != nil {
		topic := CommandsTopic(p.cfg.ShelfID)
		token := c.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
			p.cfg.OnCommand(msg.Payload())
		})
		if !token.WaitTimeout(p.cfg.Timeout) {
			p.logger.Error("mqtt.subscribe.timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			p.logger.Error("mqtt.subscribe.failed", "topic", topic, "error", err)
		}
	}

	p.mu.Lock()
	pending := p.buf.drainAll()
	dropped := p.buf.dropped
	p.buf.dropped = 0
	reconnect := p.connectedOnce
	p.connectedOnce = true
	p.mu.Unlock()

	for _, msg := range pending {
		token := c.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
		if !token.WaitTimeout(p.cfg.Timeout) || token.Error() != nil {
			p.logger.Warn("mqtt.replay.failed", "topic", msg.topic)
		}
	}
	if len(pending) > 0 || dropped > 0 {
		p.logger.Info("mqtt.replayed", "count", len(pending), "dropped", dropped)
	}

	if reconnect {
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: p.cfg.Now(), Event: "RECONNECTED"})
		c.Publish(SystemTopic(p.cfg.ShelfID), 1, true, payload)
	}
	p.logger.Info("mqtt.connected", "broker", p.cfg.Broker, "reconnect", reconnect)
}

// Publish sends a session event record to the MQTT broker.
// While disconnected the payload is buffered and the returned error wraps
// report.ErrDeferred.
func (p *RealPublisher) Publish(rec report.Record) error {
	payload, err := FormatPayload(rec)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	// QoS 1: the record ID lets the backend drop duplicates.
	return p.send(bufferedMsg{
		topic:     EventsTopic(p.cfg.ShelfID),
		payload:   payload,
		qos:       1,
		eventType: string(rec.Event.Type),
	})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.send(bufferedMsg{topic: SystemTopic(p.cfg.ShelfID), payload: payload, qos: 1, retained: event.Retained})
}

func (p *RealPublisher) send(msg bufferedMsg) error {
	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		p.buf.push(msg)
		n := p.buf.len()
		p.mu.Unlock()
		return fmt.Errorf("not connected, %d buffered: %w", n, report.ErrDeferred)
	}

	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(p.cfg.Timeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// dropCounter returns the buffer's eviction hook. Only event records are
// counted; system events are superseded by the next one anyway.
func dropCounter(m *metrics.Metrics) func(bufferedMsg) {
	if m == nil {
		return nil
	}
	return func(msg bufferedMsg) {
		if msg.eventType == "" {
			return
		}
		m.Reports.WithLabelValues(msg.eventType, string(report.OutcomeDropped)).Inc()
	}
}

// IsConnected reports whether the client currently holds an open connection.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Buffered returns the number of messages waiting for a reconnect.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
