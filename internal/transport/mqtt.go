package transport

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/signalsfoundry/fleet-coordinator/internal/logging"
)

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	QoS            byte          `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// MQTT is a Publisher and Subscriber backed by a paho client.
type MQTT struct {
	client mqtt.Client
	qos    byte
	log    logging.Logger
}

// DialMQTT connects to the broker.
func DialMQTT(ctx context.Context, cfg MQTTConfig, log logging.Logger) (*MQTT, error) {
	log = logging.OrNoop(log)
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt: broker url is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn(context.Background(), "mqtt connection lost", logging.Err(err))
		})

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if err := waitToken(ctx, tok, cfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.BrokerURL, err)
	}
	log.Info(ctx, "mqtt connected", logging.String("broker", cfg.BrokerURL))
	return &MQTT{client: client, qos: cfg.QoS, log: log}, nil
}

// Publish sends payload and waits for the broker acknowledgement dictated
// by the configured QoS.
func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	if !m.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt publish %s: %w", topic, ErrClosed)
	}
	tok := m.client.Publish(topic, m.qos, false, payload)
	if err := waitToken(ctx, tok, 0); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a broker subscription feeding a buffered channel.
func (m *MQTT) Subscribe(topic string, bufSize int) (<-chan Message, error) {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Message, bufSize)
	tok := m.client.Subscribe(topic, m.qos, func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case ch <- Message{Topic: msg.Topic(), Payload: msg.Payload()}:
		default:
			m.log.Warn(context.Background(), "mqtt subscriber full; dropping message", logging.String("topic", msg.Topic()))
		}
	})
	if err := waitToken(context.Background(), tok, 10*time.Second); err != nil {
		return nil, fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	return ch, nil
}

// Close disconnects from the broker. Subscriber channels stay open; callers
// stop reading via their context.
func (m *MQTT) Close() {
	m.client.Disconnect(250)
}

func waitToken(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer:
		return fmt.Errorf("timed out after %s", timeout)
	}
}
